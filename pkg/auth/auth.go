package auth

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMissingToken = errors.New("authorization header required")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// TokenVerifier turns a bearer token into the identity it carries.
type TokenVerifier interface {
	Name() string
	VerifyToken(ctx context.Context, token string) (*AuthContext, error)
}

// Authorizer decides whether an authenticated caller may perform action on
// resource.
type Authorizer interface {
	Authorize(ctx context.Context, authCtx *AuthContext, resource string, action string) (bool, error)
}

// Role groups permissions written as resource:action. Either half may be a
// glob.
type Role struct {
	Name        string
	Permissions []string
	Description string
}

type AuthContext struct {
	Subject   string
	Roles     []string
	Token     string
	Verifier  string
	ExpiresAt time.Time
}

type contextKey struct{}

func WithAuthContext(ctx context.Context, authCtx *AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, authCtx)
}

// FromContext returns the caller attached by the middleware, or nil.
func FromContext(ctx context.Context) *AuthContext {
	authCtx, _ := ctx.Value(contextKey{}).(*AuthContext)
	return authCtx
}
