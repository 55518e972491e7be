package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// RequireBearer rejects requests whose Authorization header does not carry
// token. With an empty token every request is rejected.
func RequireBearer(token string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !TokenMatches(token, ExtractBearer(r)) {
				if logger != nil {
					logger.Warn("rejected unauthenticated request", "path", r.URL.Path, "remote", r.RemoteAddr)
				}
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ExtractBearer returns the bearer token of r, or "".
func ExtractBearer(r *http.Request) string {
	value := r.Header.Get("Authorization")
	lower := strings.ToLower(value)
	if strings.HasPrefix(lower, "bearer ") {
		return strings.TrimSpace(value[len("bearer "):])
	}
	return ""
}
