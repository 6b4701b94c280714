package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/hearthfed/hearth/token"
)

type contextKey int

const identityKey contextKey = iota

// AuthMiddleware authenticates a Bearer session token and stores the
// resolved identity on the request context.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		secret, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || secret == "" {
			writeError(w, http.StatusUnauthorized, "malformed Authorization header")
			return
		}

		identity, err := a.tokens.Validate(r.Context(), secret)
		if err != nil {
			a.audit.logFailure(AuditTokenRejected, r, err.Error())
			mapError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFromContext(ctx context.Context) (token.Identity, bool) {
	id, ok := ctx.Value(identityKey).(token.Identity)
	return id, ok
}
