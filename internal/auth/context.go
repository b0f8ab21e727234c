// ABOUTME: Authentication context carrying the operator identity through handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import "context"

// AuthContext holds the identity extracted from a verified bearer token.
type AuthContext struct {
	OperatorID string
}

type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// OperatorID returns the authenticated operator, or "" for anonymous requests.
func OperatorID(ctx context.Context) string {
	if auth := FromContext(ctx); auth != nil {
		return auth.OperatorID
	}
	return ""
}
