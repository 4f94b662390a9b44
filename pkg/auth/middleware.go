package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
)

// publicPaths are endpoints served without a bearer token.
var publicPaths = []string{
	"/healthz",
	"/readyz",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// writeUnauthorized emits the standard error envelope without depending on
// the api package, which layers this middleware.
func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(&contracts.Fault{
		Code:    "unauthorized",
		Message: message,
	})
}

// Middleware verifies the Authorization bearer token and injects the
// resulting claims. A nil verifier rejects every non-public request.
func Middleware(verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				writeUnauthorized(w, "missing Authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeUnauthorized(w, "Authorization header must be 'Bearer <token>'")
				return
			}

			if verifier == nil {
				writeUnauthorized(w, "authentication not configured")
				return
			}
			claims, err := verifier.Verify(parts[1])
			if err != nil {
				writeUnauthorized(w, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}
