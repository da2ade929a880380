/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/crybkeys/internal/anomaly"
	"github.com/friendsincode/crybkeys/internal/audit"
	"github.com/friendsincode/crybkeys/internal/auth"
	"github.com/friendsincode/crybkeys/internal/events"
	"github.com/friendsincode/crybkeys/internal/lifecycle"
	"github.com/friendsincode/crybkeys/internal/models"
	"github.com/friendsincode/crybkeys/internal/ratelimit"
	"github.com/friendsincode/crybkeys/internal/store"
	"github.com/friendsincode/crybkeys/internal/usage"
	"github.com/friendsincode/crybkeys/internal/version"
)

// Deps are the services behind the HTTP surface.
type Deps struct {
	Manager   *lifecycle.Manager
	Validator auth.Validator
	Limiter   *ratelimit.Limiter
	Usage     *usage.Recorder
	Keys      store.CredentialStore
	Detector  *anomaly.Detector
	Audit     *audit.Service
	Bus       events.Broker
	// Ready reports whether the backing stores answer; nil means always ready.
	Ready func(ctx context.Context) error
}

// API exposes HTTP handlers.
type API struct {
	manager   *lifecycle.Manager
	validator auth.Validator
	limiter   *ratelimit.Limiter
	usage     *usage.Recorder
	keys      store.CredentialStore
	detector  *anomaly.Detector
	auditSvc  *audit.Service
	bus       events.Broker
	ready     func(ctx context.Context) error
	jwtSecret []byte
	failOpen  bool
	logger    zerolog.Logger
}

// New creates the API router wrapper.
func New(deps Deps, jwtSecret []byte, failOpen bool, logger zerolog.Logger) *API {
	return &API{
		manager:   deps.Manager,
		validator: deps.Validator,
		limiter:   deps.Limiter,
		usage:     deps.Usage,
		keys:      deps.Keys,
		detector:  deps.Detector,
		auditSvc:  deps.Audit,
		bus:       deps.Bus,
		ready:     deps.Ready,
		jwtSecret: jwtSecret,
		failOpen:  failOpen,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Routes registers all HTTP routes.
func (a *API) Routes(r chi.Router) {
	r.Get("/healthz", a.handleHealth)
	r.Get("/version", a.handleVersion)

	r.Route("/api/v1", func(r chi.Router) {
		// API key protected probe
		r.With(a.apiKeyMiddleware(models.ScopeRead)).Get("/whoami", a.handleWhoami)

		r.Group(func(pr chi.Router) {
			pr.Use(auth.Middleware(a.jwtSecret))

			pr.Route("/keys", func(r chi.Router) {
				r.Get("/", a.handleKeysList)
				r.Post("/", a.handleKeysCreate)
				r.Post("/validate", a.handleKeysValidate)
				r.Route("/{keyID}", func(r chi.Router) {
					r.Get("/", a.handleKeysGet)
					r.Patch("/", a.handleKeysUpdate)
					r.Delete("/", a.handleKeysDelete)
					r.Post("/rotate", a.handleKeysRotate)
					r.Post("/revoke", a.handleKeysRevoke)
					r.Get("/usage", a.handleKeysUsage)
				})
			})

			pr.Group(func(ar chi.Router) {
				ar.Use(auth.RequireRole(auth.RoleAdmin))
				ar.Get("/stats", a.handleStats)
				ar.Get("/audit", a.handleAuditList)
				ar.Get("/security/events", a.handleSecurityEvents)
			})
		})
	})
}

func (a *API) apiKeyMiddleware(scope models.Scope) func(http.Handler) http.Handler {
	opts := auth.APIKeyOptions{Scope: scope, FailOpen: a.failOpen}
	if a.usage != nil {
		opts.Usage = a.usage
	}
	return auth.APIKeyMiddleware(a.validator, opts)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

func (a *API) handleWhoami(w http.ResponseWriter, r *http.Request) {
	res, ok := auth.KeyFromContext(r.Context())
	if !ok {
		// fail-open pass-through carries no key
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"key_id":        res.KeyID,
		"owner_id":      res.OwnerID,
		"scopes":        res.Scopes,
		"rate_limit":    res.RateLimit,
	})
}

// writeServiceError maps lifecycle and store errors to HTTP responses.
func (a *API) writeServiceError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidRequest):
		writeErrorMessage(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, lifecycle.ErrTooManyKeys):
		writeErrorMessage(w, http.StatusConflict, "too_many_keys", err.Error())
	case errors.Is(err, lifecycle.ErrKeyInactive):
		writeErrorMessage(w, http.StatusConflict, "key_inactive", err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "conflict")
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		a.logger.Error().Err(err).Str("operation", op).Msg("store unavailable")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable")
	default:
		a.logger.Error().Err(err).Str("operation", op).Msg("request failed")
		writeError(w, http.StatusInternalServerError, op+"_failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeErrorMessage(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
