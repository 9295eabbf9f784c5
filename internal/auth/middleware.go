package auth

import (
	"net/http"

	authlib "github.com/alyssahx-wong/BuddyBeasts-sub000/internal/platform/auth"
)

// Paths served without a bearer token. Health probes and the Prometheus
// scrape endpoint must stay reachable for infrastructure that holds no JWT.
var unauthenticatedPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// Middleware enforces bearer-token authentication on incoming requests.
type Middleware struct {
	inner authlib.Middleware
}

// NewMiddleware constructs Middleware with validation config.
func NewMiddleware(cfg Config) Middleware {
	skipper := func(r *http.Request) bool {
		return unauthenticatedPaths[r.URL.Path]
	}
	return Middleware{inner: authlib.NewMiddleware(authlib.Config(cfg), skipper)}
}

// Wrap attaches authentication handling to an http.Handler.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return m.inner.Wrap(next)
}
