/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/crybkeys/internal/auth"
	"github.com/friendsincode/crybkeys/internal/lifecycle"
	"github.com/friendsincode/crybkeys/internal/models"
	"github.com/friendsincode/crybkeys/internal/validation"
)

const day = 24 * time.Hour

type keyCreateRequest struct {
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	Scopes             []string          `json:"scopes"`
	IPWhitelist        []string          `json:"ip_whitelist"`
	DomainRestrictions []string          `json:"domain_restrictions"`
	RateLimit          *models.RateLimit `json:"rate_limit"`
	ExpiresInDays      int               `json:"expires_in_days"`
	// OwnerID lets an admin issue a key on behalf of another owner.
	OwnerID string `json:"owner_id"`
}

type keyUpdateRequest struct {
	Name               *string           `json:"name"`
	Description        *string           `json:"description"`
	Scopes             *[]string         `json:"scopes"`
	IPWhitelist        *[]string         `json:"ip_whitelist"`
	DomainRestrictions *[]string         `json:"domain_restrictions"`
	RateLimit          *models.RateLimit `json:"rate_limit"`
}

type keyRotateRequest struct {
	GracePeriodSeconds int64 `json:"grace_period_seconds"`
	ExpiresInDays      int   `json:"expires_in_days"`
}

type keyRevokeRequest struct {
	Reason string `json:"reason"`
}

type keyValidateRequest struct {
	Key      string `json:"key"`
	Scope    string `json:"scope"`
	SourceIP string `json:"source_ip"`
	Origin   string `json:"origin"`
}

// keyIssuedResponse is the only response that ever carries a plaintext token.
type keyIssuedResponse struct {
	Key   *models.APIKey `json:"key"`
	Token string         `json:"token"`
}

// decodeJSON reads an optional JSON body; an empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// actorContext tags ctx with the authenticated owner so lifecycle events name who acted.
func actorContext(r *http.Request, claims *auth.Claims) context.Context {
	return lifecycle.WithActor(r.Context(), claims.UserID)
}

// loadOwnedKey fetches the key named in the URL. Keys of other owners are reported as missing
// unless the caller is an admin.
func (a *API) loadOwnedKey(w http.ResponseWriter, r *http.Request) (*models.APIKey, *auth.Claims, bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, nil, false
	}

	key, err := a.manager.Get(r.Context(), chi.URLParam(r, "keyID"))
	if err != nil {
		a.writeServiceError(w, err, "get_key")
		return nil, nil, false
	}
	if key.OwnerID != claims.UserID && !claims.IsAdmin() {
		writeError(w, http.StatusNotFound, "not_found")
		return nil, nil, false
	}
	return key, claims, true
}

func (a *API) handleKeysList(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ownerID := claims.UserID
	if other := r.URL.Query().Get("owner_id"); other != "" {
		if other != claims.UserID && !claims.IsAdmin() {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		ownerID = other
	}

	keys, err := a.manager.List(r.Context(), ownerID)
	if err != nil {
		a.writeServiceError(w, err, "list_keys")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":  keys,
		"total": len(keys),
	})
}

func (a *API) handleKeysCreate(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req keyCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	ownerID := claims.UserID
	if req.OwnerID != "" && req.OwnerID != claims.UserID {
		if !claims.IsAdmin() {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		ownerID = req.OwnerID
	}

	scopes, err := models.ParseScopeSet(req.Scopes)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.ExpiresInDays < 0 {
		writeErrorMessage(w, http.StatusBadRequest, "invalid_request", "expires_in_days must not be negative")
		return
	}

	key, token, err := a.manager.Create(actorContext(r, claims), ownerID, lifecycle.CreateRequest{
		Name:               req.Name,
		Description:        req.Description,
		Scopes:             scopes,
		IPWhitelist:        req.IPWhitelist,
		DomainRestrictions: req.DomainRestrictions,
		RateLimit:          req.RateLimit,
		TTL:                time.Duration(req.ExpiresInDays) * day,
	})
	if err != nil {
		a.writeServiceError(w, err, "create_key")
		return
	}

	writeJSON(w, http.StatusCreated, keyIssuedResponse{Key: key, Token: token})
}

func (a *API) handleKeysGet(w http.ResponseWriter, r *http.Request) {
	key, _, ok := a.loadOwnedKey(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (a *API) handleKeysUpdate(w http.ResponseWriter, r *http.Request) {
	key, claims, ok := a.loadOwnedKey(w, r)
	if !ok {
		return
	}

	var req keyUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	update := lifecycle.UpdateRequest{
		Name:               req.Name,
		Description:        req.Description,
		IPWhitelist:        req.IPWhitelist,
		DomainRestrictions: req.DomainRestrictions,
		RateLimit:          req.RateLimit,
	}
	if req.Scopes != nil {
		scopes, err := models.ParseScopeSet(*req.Scopes)
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		update.Scopes = &scopes
	}

	updated, err := a.manager.Update(actorContext(r, claims), key.ID, update)
	if err != nil {
		a.writeServiceError(w, err, "update_key")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleKeysDelete(w http.ResponseWriter, r *http.Request) {
	key, claims, ok := a.loadOwnedKey(w, r)
	if !ok {
		return
	}
	if err := a.manager.Delete(actorContext(r, claims), key.ID); err != nil {
		a.writeServiceError(w, err, "delete_key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleKeysRotate(w http.ResponseWriter, r *http.Request) {
	key, claims, ok := a.loadOwnedKey(w, r)
	if !ok {
		return
	}

	var req keyRotateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.ExpiresInDays < 0 {
		writeErrorMessage(w, http.StatusBadRequest, "invalid_request", "expires_in_days must not be negative")
		return
	}

	rotated, token, err := a.manager.Rotate(actorContext(r, claims), key.ID, lifecycle.RotateRequest{
		GracePeriod: time.Duration(req.GracePeriodSeconds) * time.Second,
		TTL:         time.Duration(req.ExpiresInDays) * day,
	})
	if err != nil {
		a.writeServiceError(w, err, "rotate_key")
		return
	}
	writeJSON(w, http.StatusOK, keyIssuedResponse{Key: rotated, Token: token})
}

func (a *API) handleKeysRevoke(w http.ResponseWriter, r *http.Request) {
	key, claims, ok := a.loadOwnedKey(w, r)
	if !ok {
		return
	}

	var req keyRevokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	revoked, err := a.manager.Revoke(actorContext(r, claims), key.ID, req.Reason)
	if err != nil {
		a.writeServiceError(w, err, "revoke_key")
		return
	}
	writeJSON(w, http.StatusOK, revoked)
}

// handleKeysValidate runs a full validation of a presented token, rate limits included, and
// reports the outcome in the body. The scope checked defaults to read. Only keys of the caller
// can be tested unless the caller is an admin; other keys look unknown.
func (a *API) handleKeysValidate(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req keyValidateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Key == "" {
		writeErrorMessage(w, http.StatusBadRequest, "invalid_request", "key is required")
		return
	}

	reqCtx := validation.RequestContext{SourceIP: req.SourceIP, Origin: req.Origin, RequiredScope: models.ScopeRead}
	if req.Scope != "" {
		scope, err := models.ParseScope(req.Scope)
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		reqCtx.RequiredScope = scope
	}

	res := a.validator.Validate(r.Context(), req.Key, reqCtx)
	if res.KeyID != "" && !claims.IsAdmin() && !a.ownsKey(r.Context(), claims, res.KeyID) {
		res = validation.Result{Code: validation.CodeUnknownKey, Message: validation.CodeUnknownKey.Message()}
	}
	if res.Code == validation.CodeRateLimited {
		w.Header().Set(auth.HeaderRetryAfter, formatSeconds(res.RetryAfterSeconds))
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) ownsKey(ctx context.Context, claims *auth.Claims, keyID string) bool {
	key, err := a.manager.Get(ctx, keyID)
	return err == nil && key.OwnerID == claims.UserID
}

func (a *API) handleKeysUsage(w http.ResponseWriter, r *http.Request) {
	key, _, ok := a.loadOwnedKey(w, r)
	if !ok {
		return
	}

	since := time.Now().Add(-day)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "invalid_request", "since must be RFC3339")
			return
		}
		since = t
	}

	stats, err := a.usage.Stats(r.Context(), key.ID, since)
	if err != nil {
		a.writeServiceError(w, err, "usage")
		return
	}

	resp := map[string]any{
		"key_id":          key.ID,
		"usage":           stats,
		"last_used_at":    key.LastUsedAt,
		"failure_count":   key.FailureCount,
		"suspicion_score": key.SuspicionScore,
	}

	if a.limiter != nil {
		d, err := a.limiter.Status(r.Context(), key.ID, key.RateLimit)
		if err != nil {
			a.logger.Warn().Err(err).Str("key_id", key.ID).Msg("rate limit status unavailable")
		} else {
			resp["rate_limit"] = rateLimitStatus(d)
		}
	}
	if a.detector != nil {
		if score, err := a.detector.Score(r.Context(), key.ID); err == nil {
			resp["suspicion_score"] = score
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	var threshold int64
	if a.detector != nil {
		threshold = a.detector.Threshold()
	}

	keyStats, err := a.keys.Stats(r.Context(), threshold)
	if err != nil {
		a.writeServiceError(w, err, "stats")
		return
	}
	totals, err := a.usage.Totals(r.Context())
	if err != nil {
		a.writeServiceError(w, err, "stats")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"keys":  keyStats,
		"usage": totals,
	})
}
