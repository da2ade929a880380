/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package auth

import (
	"context"

	"github.com/friendsincode/crybkeys/internal/validation"
)

type contextKey string

const (
	claimsContextKey contextKey = "crybClaims"
	keyContextKey    contextKey = "crybKey"
)

// WithClaims attaches JWT claims to the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext retrieves JWT claims from context if present.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok && claims != nil
}

// WithKey attaches the validation result of an API key request.
func WithKey(ctx context.Context, res *validation.Result) context.Context {
	return context.WithValue(ctx, keyContextKey, res)
}

// KeyFromContext returns the validated API key of the request, if any.
func KeyFromContext(ctx context.Context) (*validation.Result, bool) {
	res, ok := ctx.Value(keyContextKey).(*validation.Result)
	return res, ok && res != nil && res.Allowed
}
