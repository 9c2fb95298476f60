package api

import (
	"net/http"
	"strings"
)

// requireAuth wraps h with a bearer-token check against the live
// config's API key, re-read per request so a config reload rotates the
// key without a restart. An empty APIKey disables auth entirely —
// appropriate for a surface that only ever returns data already local
// to the machine running it.
func (s *Server) requireAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := s.config().API.APIKey
		if key == "" {
			h(w, r)
			return
		}
		if extractToken(r) != key {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h(w, r)
	}
}

// extractToken gets the bearer token from the Authorization header.
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return token
}
