package auth

import (
	"net/http"
	"strings"

	"github.com/telhawk-systems/telhawk-incidents/common/httputil"
)

// Middleware authenticates bearer tokens and stores the actor in the request context.
func Middleware(v *TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				httputil.WriteJSONAPIUnauthorizedError(w, ErrMissingToken.Error())
				return
			}
			actor, err := v.Validate(strings.TrimSpace(token))
			if err != nil {
				httputil.WriteJSONAPIUnauthorizedError(w, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}
