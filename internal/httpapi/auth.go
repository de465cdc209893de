package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"dialbridge/internal/apperr"
	"dialbridge/internal/config"
)

// APIKeyAuth guards operator endpoints. The key comes from X-API-Key or a
// bearer Authorization header.
func APIKeyAuth(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
			}
			if key == "" {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: string(apperr.KindUnauthorized), Message: "api key required"})
				return
			}
			ok := false
			for _, k := range cfg.APIKeys {
				if k.Key != "" && subtle.ConstantTimeCompare([]byte(k.Key), []byte(key)) == 1 {
					ok = true
					break
				}
			}
			if !ok {
				writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Message: "invalid api key"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
