package auth

import (
	"net/http"
	"strings"

	"github.com/kanak-erp/kanak-erp/internal/platform/httpx"
	"github.com/kanak-erp/kanak-erp/internal/shared"
)

// Middleware resolves the bearer token and stores the actor in the
// request context. Requests without a valid token get 401.
func Middleware(service *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
				return
			}
			user, err := service.Authenticate(r.Context(), token)
			if err != nil {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid or expired token")
				return
			}
			ctx := shared.ContextWithActor(r.Context(), shared.Actor{UserID: user.ID, Email: user.Email})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
