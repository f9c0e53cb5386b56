package auth

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Middleware authenticates HTTP requests. When auth is disabled it
// injects an admin principal so handlers can always rely on one
// being present.
type Middleware struct {
	service *Service
	enabled bool
	logger  *zap.Logger
}

func NewMiddleware(service *Service, enabled bool, logger *zap.Logger) *Middleware {
	return &Middleware{
		service: service,
		enabled: enabled,
		logger:  logger,
	}
}

// Wrap authenticates the request and attaches the principal to its
// context. Credentials are taken from the X-API-Key header, a Bearer
// Authorization header, or, for the event feed only, an api_key query
// parameter (browser WebSocket clients cannot set custom headers).
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			ctx := WithPrincipal(r.Context(), &Principal{
				Name:   "anonymous",
				Role:   RoleAdmin,
				Method: "none",
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			p, err := m.service.VerifyKey(r.Context(), apiKey)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			return
		}

		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			token, err := ExtractBearerToken(authHeader)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}
			p, err := m.service.VerifyToken(token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			return
		}

		if strings.HasSuffix(r.URL.Path, "/events") {
			if apiKey := r.URL.Query().Get("api_key"); apiKey != "" {
				p, err := m.service.VerifyKey(r.Context(), apiKey)
				if err != nil {
					writeAuthError(w, http.StatusUnauthorized, "invalid API key")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
				return
			}
		}

		writeAuthError(w, http.StatusUnauthorized, "credentials required")
	})
}

// RequireRole gates a route on a minimum role. It must run inside
// Wrap, which establishes the principal.
func (m *Middleware) RequireRole(min Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "credentials required")
				return
			}
			if !p.Role.AtLeast(min) {
				m.logger.Warn("Request denied by role",
					zap.String("key_id", p.KeyID),
					zap.String("role", string(p.Role)),
					zap.String("path", r.URL.Path),
				)
				writeAuthError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, "{\"error\":%q}", msg)
}
