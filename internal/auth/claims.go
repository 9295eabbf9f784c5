// Package auth adapts the shared platform auth library to this service:
// scope names, the health/metrics skipper, and context plumbing.
package auth

import (
	"context"

	authlib "github.com/alyssahx-wong/BuddyBeasts-sub000/internal/platform/auth"
)

// Claims is the shared claims type; hub_id on it scopes every repository call.
type Claims = authlib.Claims

// Config carries the verification secret and expected issuer.
type Config = authlib.Config

// ParseClaims validates a raw bearer token and returns its claims.
func ParseClaims(token string, cfg Config) (*Claims, error) {
	return authlib.Parse(token, authlib.Config(cfg))
}

// WithClaims stores claims on the request context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return authlib.WithClaims(ctx, claims)
}

// FromContext retrieves claims stored by the middleware, reporting whether
// the request was authenticated at all.
func FromContext(ctx context.Context) (*Claims, bool) {
	return authlib.FromContext(ctx)
}
