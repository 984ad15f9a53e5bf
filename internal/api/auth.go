package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// tokenHeader is accepted in place of Authorization for clients that reserve
// that header for a proxy.
const tokenHeader = "X-Ragmux-Token"

// requireToken rejects requests that do not present token, either as a
// bearer credential or in X-Ragmux-Token.
func requireToken(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(presentedToken(r)), want) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing API token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presentedToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, cred, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(cred)
		}
		return ""
	}
	return r.Header.Get(tokenHeader)
}
