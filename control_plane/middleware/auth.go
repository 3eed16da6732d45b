package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/itskum47/FluxGuard/control_plane/auth"
)

// AuthMiddleware enforces bearer-token authentication. The token's subject and role
// replace any identity headers.
func AuthMiddleware(v *auth.Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "Invalid Authorization format. Expected 'Bearer <token>'", http.StatusUnauthorized)
			return
		}

		claims, err := v.Validate(token)
		if err != nil {
			http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}

		role := strings.ToLower(claims.Role)
		if role == "" {
			role = RoleViewer
		}
		ctx := context.WithValue(r.Context(), PrincipalKey, claims.Subject)
		ctx = context.WithValue(ctx, RoleKey, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
