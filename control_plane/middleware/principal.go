package middleware

import (
	"context"
	"net/http"
	"strings"
)

// ContextKey is a strict type for context keys to prevent collisions.
type ContextKey string

const (
	PrincipalKey ContextKey = "principal"
	RoleKey      ContextKey = "role"

	// PrincipalHeader and RoleHeader are set by the authenticating proxy in front of the API.
	PrincipalHeader = "X-Principal"
	RoleHeader      = "X-Role"

	AnonymousPrincipal = "anonymous"
	RoleViewer         = "viewer"
	RoleOperator       = "operator"
	RoleAdmin          = "admin"
)

// PrincipalMiddleware copies the caller identity from the request headers into the context.
// Missing headers yield an anonymous viewer.
func PrincipalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := strings.TrimSpace(r.Header.Get(PrincipalHeader))
		if principal == "" {
			principal = AnonymousPrincipal
		}
		role := strings.ToLower(strings.TrimSpace(r.Header.Get(RoleHeader)))
		if role == "" {
			role = RoleViewer
		}

		ctx := context.WithValue(r.Context(), PrincipalKey, principal)
		ctx = context.WithValue(ctx, RoleKey, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects callers whose role is not in roles with 403.
func RequireRole(next http.Handler, roles ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, role := Identity(r.Context())
		for _, allowed := range roles {
			if role == allowed {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, "Forbidden: role "+role+" may not perform this operation", http.StatusForbidden)
	})
}

// Identity returns the principal and role stored by PrincipalMiddleware.
func Identity(ctx context.Context) (principal, role string) {
	principal, _ = ctx.Value(PrincipalKey).(string)
	role, _ = ctx.Value(RoleKey).(string)
	if principal == "" {
		principal = AnonymousPrincipal
	}
	if role == "" {
		role = RoleViewer
	}
	return principal, role
}
