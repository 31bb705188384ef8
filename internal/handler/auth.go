package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// requireToken checks the bearer token on mutating routes. With no token
// configured every request passes.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.APIToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || got == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if len(got) != len(h.config.APIToken) || subtle.ConstantTimeCompare([]byte(got), []byte(h.config.APIToken)) != 1 {
			slog.Warn("API token mismatch", "remote", r.RemoteAddr)
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}
