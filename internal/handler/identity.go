package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

const (
	// HeaderUserID carries the shopper identity set by the upstream gateway.
	HeaderUserID = "X-User-ID"
	// HeaderAPIKey carries the admin API key.
	HeaderAPIKey = "api_key"
)

var errMissingUser = errors.New("missing user identity")

type userIDKey struct{}

// userID returns the identity stored by RequireUser.
func userID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// RequireUser rejects requests without X-User-ID with 401 and makes the id
// available to handlers.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderUserID)
		if id == "" {
			writeError(w, r, errMissingUser)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey{}, id)
		ctx = zctx.With(ctx, zap.String("user_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAPIKey admits requests whose api_key header resolves to a key
// holding scope. Unknown keys get 401, keys without the scope 403.
func RequireAPIKey(keys Authenticator, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, err := keys.Authenticate(r.Context(), r.Header.Get(HeaderAPIKey), scope)
			if err != nil {
				writeError(w, r, err)
				return
			}
			ctx := zctx.With(r.Context(), zap.String("api_key_name", info.Name))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
