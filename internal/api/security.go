/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	ws "nhooyr.io/websocket"

	"github.com/friendsincode/crybkeys/internal/events"
	"github.com/friendsincode/crybkeys/internal/ratelimit"
	"github.com/friendsincode/crybkeys/internal/telemetry"
)

const pingInterval = 15 * time.Second

// handleSecurityEvents streams security and, on request, lifecycle events to an operator over
// a websocket. ?types=a,b narrows the stream.
func (a *API) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	eventTypes := parseEventTypes(r.URL.Query().Get("types"))
	if len(eventTypes) == 0 {
		eventTypes = events.SecurityEvents()
	}

	conn, err := ws.Accept(w, r, nil)
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.APIWebSocketConnections.Inc()
	defer telemetry.APIWebSocketConnections.Dec()

	// the client only listens; CloseRead handles control frames and cancels on disconnect
	ctx := conn.CloseRead(r.Context())

	type delivery struct {
		eventType events.EventType
		payload   events.Payload
	}
	merged := make(chan delivery, 32)
	for _, eventType := range eventTypes {
		sub := a.bus.Subscribe(eventType)
		defer a.bus.Unsubscribe(eventType, sub)
		go func(et events.EventType, sub events.Subscriber) {
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-sub:
					if !ok {
						return
					}
					select {
					case merged <- delivery{et, payload}:
					case <-ctx.Done():
						return
					}
				}
			}
		}(eventType, sub)
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "")
			return
		case <-ticker.C:
			if err := conn.Write(ctx, ws.MessageText, []byte(`{"type":"ping"}`)); err != nil {
				a.logger.Debug().Err(err).Msg("websocket ping failed")
				return
			}
		case d := <-merged:
			if err := writeEvent(ctx, conn, d.eventType, d.payload); err != nil {
				a.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *ws.Conn, eventType events.EventType, payload events.Payload) error {
	data, err := json.Marshal(map[string]any{
		"type":    eventType,
		"payload": payload,
	})
	if err != nil {
		return err
	}
	return conn.Write(ctx, ws.MessageText, data)
}

func parseEventTypes(raw string) []events.EventType {
	parts := strings.Split(raw, ",")
	out := make([]events.EventType, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, events.EventType(part))
	}
	return out
}

// rateLimitStatus renders a limiter decision without counting a request.
func rateLimitStatus(d ratelimit.Decision) map[string]any {
	if d.Unlimited {
		return map[string]any{"unlimited": true}
	}
	return map[string]any{
		"limited":    !d.Allowed,
		"window":     d.Window,
		"limit":      d.Limit,
		"remaining":  d.Remaining,
		"reset_time": d.ResetAt,
		"warning":    d.Warning,
		"windows":    d.Windows,
	}
}

func formatSeconds(secs int64) string {
	return strconv.FormatInt(secs, 10)
}
