/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package auth

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/friendsincode/crybkeys/internal/models"
	"github.com/friendsincode/crybkeys/internal/validation"
)

// APIKeyHeader carries the raw API key token.
const APIKeyHeader = "X-API-Key"

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRateLimitWarning   = "X-RateLimit-Warning"
	HeaderRetryAfter         = "Retry-After"
)

// Validator decides API key requests.
type Validator interface {
	Validate(ctx context.Context, rawToken string, req validation.RequestContext) validation.Result
}

// ResponseRecorder receives the outcome of requests an API key authorized.
type ResponseRecorder interface {
	RecordResponse(keyID string, status int, latency time.Duration)
}

// APIKeyOptions configures APIKeyMiddleware.
type APIKeyOptions struct {
	// Scope is required of the presented key.
	Scope models.Scope
	// FailOpen lets requests through when validation is unavailable. The default fails closed.
	FailOpen bool
	// Usage, when set, records the status and latency of authorized requests.
	Usage ResponseRecorder
}

// APIKeyMiddleware authenticates requests with the X-API-Key header through the validator and
// reports rate limit state in response headers.
func APIKeyMiddleware(v Validator, opts APIKeyOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			token := extractAPIKey(r)
			if token == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing_api_key", "an API key is required")
				return
			}

			res := v.Validate(r.Context(), token, validation.RequestContext{
				SourceIP:      clientIP(r),
				Origin:        requestOrigin(r),
				RequiredScope: opts.Scope,
			})
			setRateLimitHeaders(w, res)

			if !res.Allowed {
				if res.Code == validation.CodeValidationUnavailable && opts.FailOpen {
					next.ServeHTTP(w, r)
					return
				}
				writeAuthError(w, StatusForCode(res.Code), string(res.Code), res.Message)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(WithKey(r.Context(), &res)))
			if opts.Usage != nil {
				opts.Usage.RecordResponse(res.KeyID, sw.status, time.Since(start))
			}
		})
	}
}

// StatusForCode maps a validation result code to an HTTP status.
func StatusForCode(code validation.Code) int {
	switch code {
	case validation.CodeOK:
		return http.StatusOK
	case validation.CodeAccessDenied:
		return http.StatusForbidden
	case validation.CodeRateLimited:
		return http.StatusTooManyRequests
	case validation.CodeValidationUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

func setRateLimitHeaders(w http.ResponseWriter, res validation.Result) {
	if res.Code == validation.CodeRateLimited {
		w.Header().Set(HeaderRetryAfter, strconv.FormatInt(res.RetryAfterSeconds, 10))
	}
	rl := res.RateLimit
	if rl == nil {
		return
	}
	h := w.Header()
	h.Set(HeaderRateLimitLimit, strconv.FormatInt(rl.Limit, 10))
	h.Set(HeaderRateLimitRemaining, strconv.FormatInt(rl.Remaining, 10))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(rl.ResetAt.Unix(), 10))
	if rl.Warning != "" {
		h.Set(HeaderRateLimitWarning, rl.Warning)
	}
}

func extractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "ApiKey") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// clientIP returns the host part of RemoteAddr. Proxy headers are resolved earlier by the
// router's RealIP middleware.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestOrigin(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" && origin != "null" {
		return origin
	}
	return r.Referer()
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
