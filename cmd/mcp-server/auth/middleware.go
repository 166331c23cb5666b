package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/providentiaww/remote-mcp-server/internal/oauth"
)

type contextKey string

const authInfoKey contextKey = "auth"

// Verifier resolves a bearer token to its grant.
type Verifier interface {
	VerifyAccessToken(ctx context.Context, token string) (*oauth.AuthInfo, error)
}

// Middleware requires a valid bearer token on every request it wraps.
type Middleware struct {
	verifier            Verifier
	requiredScopes      []string
	resourceMetadataURL string
	logger              *slog.Logger
	now                 func() time.Time
}

// NewMiddleware creates bearer auth middleware. resourceMetadataURL is
// advertised in WWW-Authenticate so clients can discover the auth server.
func NewMiddleware(verifier Verifier, resourceMetadataURL string, requiredScopes []string, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{
		verifier:            verifier,
		requiredScopes:      requiredScopes,
		resourceMetadataURL: resourceMetadataURL,
		logger:              logger.With("component", "auth"),
		now:                 time.Now,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS preflight carries no credentials
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token := ExtractTokenFromHeader(r)
		if token == "" {
			m.challenge(w, http.StatusUnauthorized, "invalid_token", "Missing Authorization header")
			return
		}

		info, err := m.verifier.VerifyAccessToken(r.Context(), token)
		if err != nil {
			var oerr *oauth.Error
			if errors.As(err, &oerr) {
				m.challenge(w, oerr.HTTPStatus(), oerr.Code(), oerr.Description)
				return
			}
			m.logger.Error("token verification failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error":             "server_error",
				"error_description": "Internal Server Error",
			})
			return
		}
		if !info.ExpiresAt.IsZero() && !m.now().Before(info.ExpiresAt) {
			m.challenge(w, http.StatusUnauthorized, "invalid_token", "Token has expired")
			return
		}
		if !info.HasScopes(m.requiredScopes...) {
			m.challenge(w, http.StatusForbidden, "insufficient_scope", "Insufficient scope")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), info)))
	})
}

// HandlerFunc wraps an HTTP handler function with authentication
func (m *Middleware) HandlerFunc(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.Handler(next).ServeHTTP(w, r)
	}
}

func (m *Middleware) challenge(w http.ResponseWriter, status int, code, description string) {
	value := fmt.Sprintf(`Bearer error=%q, error_description=%q`, code, description)
	if len(m.requiredScopes) > 0 {
		value += fmt.Sprintf(`, scope=%q`, strings.Join(m.requiredScopes, " "))
	}
	if m.resourceMetadataURL != "" {
		value += fmt.Sprintf(`, resource_metadata=%q`, m.resourceMetadataURL)
	}
	w.Header().Set("WWW-Authenticate", value)
	writeJSON(w, status, map[string]string{"error": code, "error_description": description})
}

// WithAuthInfo stores a verified grant in ctx.
func WithAuthInfo(ctx context.Context, info *oauth.AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey, info)
}

// AuthInfoFromContext returns the grant the request was authenticated with.
func AuthInfoFromContext(ctx context.Context) (*oauth.AuthInfo, bool) {
	info, ok := ctx.Value(authInfoKey).(*oauth.AuthInfo)
	return info, ok
}

// ExtractTokenFromHeader extracts the bearer token from the Authorization header
func ExtractTokenFromHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	// Expected format: "Bearer <token>"
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
