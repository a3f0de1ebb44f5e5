package auth

import (
	"context"
	"time"
)

// Context carries the identity extracted from a verified token.
type Context struct {
	UserID    string
	TenantID  string
	Roles     []string
	JWTID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RawClaims map[string]interface{}
}

// HasRole checks if the current user has the given role.
func HasRole(auth *Context, role string) bool {
	if auth == nil {
		return false
	}
	for _, r := range auth.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type contextKey struct{}

// NewContext returns a new context carrying the given auth Context.
func NewContext(ctx context.Context, authCtx *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, authCtx)
}

// FromContext extracts the auth Context, or nil when the request is anonymous.
func FromContext(ctx context.Context) *Context {
	if authCtx, ok := ctx.Value(contextKey{}).(*Context); ok {
		return authCtx
	}
	return nil
}
