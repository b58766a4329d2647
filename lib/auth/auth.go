// Package auth gates the relay's HTTP surface with a per-instance bearer token.
package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// MintToken returns a fresh random bearer token for one relay instance.
// uuid.NewString draws from crypto/rand.
func MintToken() string {
	return uuid.NewString()
}

// FromRequest extracts the bearer token from the Authorization header, or, if
// allowQuery is set, from the ?token= query parameter. Returns "" when absent.
func FromRequest(r *http.Request, allowQuery bool) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}

// Headers returns the HTTP headers a caller must attach to reach a relay
// protected by token.
func Headers(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

type Option func(*options)

type options struct {
	allowQuery bool
}

// AllowQueryToken also accepts the token as a ?token= query parameter. Used on
// the /cdp upgrade for clients that cannot set headers.
func AllowQueryToken() Option {
	return func(o *options) { o.allowQuery = true }
}

// Middleware rejects requests that do not carry the expected bearer token with
// a 401 before the handler (or websocket handshake) runs.
func Middleware(token string, opts ...Option) func(http.Handler) http.Handler {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if FromRequest(r, o.allowQuery) != token {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"code": http.StatusUnauthorized, "message": "missing or invalid bearer token"},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
