package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"microkernel/pkg/auth"
)

type AuthMiddleware struct {
	authorizer  auth.Authorizer
	verifiers   []auth.TokenVerifier
	exemptPaths []string
	logger      *slog.Logger
}

// NewAuthMiddleware creates a middleware that leaves health and metrics
// endpoints open.
func NewAuthMiddleware(authorizer auth.Authorizer, logger *slog.Logger) *AuthMiddleware {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AuthMiddleware{
		authorizer: authorizer,
		exemptPaths: []string{
			"/live",
			"/ready",
			"/metrics",
		},
		logger: logger,
	}
}

func (m *AuthMiddleware) AddVerifier(verifier auth.TokenVerifier) {
	m.verifiers = append(m.verifiers, verifier)
}

// Middleware authenticates the bearer token with the first verifier that
// accepts it and attaches the caller to the request context.
func (m *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, path := range m.exemptPaths {
			if r.URL.Path == path || strings.HasPrefix(r.URL.Path, path+"/") {
				next.ServeHTTP(w, r)
				return
			}
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, auth.ErrMissingToken.Error(), http.StatusUnauthorized)
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
			http.Error(w, "invalid authorization header format", http.StatusUnauthorized)
			return
		}

		var authCtx *auth.AuthContext
		for _, verifier := range m.verifiers {
			verified, err := verifier.VerifyToken(r.Context(), token)
			if err != nil {
				m.logger.Debug("token rejected", "verifier", verifier.Name(), "error", err)
				continue
			}
			authCtx = verified
			break
		}
		if authCtx == nil {
			http.Error(w, auth.ErrInvalidToken.Error(), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithAuthContext(r.Context(), authCtx)))
	})
}

func (m *AuthMiddleware) RequirePermission(resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := auth.FromContext(r.Context())
			if authCtx == nil {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			authorized, err := m.authorizer.Authorize(r.Context(), authCtx, resource, action)
			if err != nil || !authorized {
				m.logger.Warn("request forbidden",
					"subject", authCtx.Subject,
					"resource", resource,
					"action", action,
					"path", r.URL.Path)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
