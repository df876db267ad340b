// Package authmw provides HTTP middleware that guards analyst actions with a
// shared API token.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// HeaderAPIKey is accepted as an alternative to a bearer token.
const HeaderAPIKey = "X-Api-Key"

// presented returns the token carried by r and whether one was present.
// An Authorization bearer token takes precedence over X-Api-Key.
func presented(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if !strings.HasPrefix(auth, "Bearer ") {
			return "", false
		}
		return auth[len("Bearer "):], true
	}
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		return key, true
	}
	return "", false
}

// Token returns middleware that requires the request to present token either
// as "Authorization: Bearer <token>" or in the X-Api-Key header. Comparison is
// constant-time.
func Token(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := presented(r)
			if !ok {
				http.Error(w, `{"error":"missing or malformed credentials"}`, http.StatusUnauthorized)
				return
			}

			if subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
