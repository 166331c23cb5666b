package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/providentiaww/remote-mcp-server/internal/oauth"
)

type verifierFunc func(ctx context.Context, token string) (*oauth.AuthInfo, error)

func (f verifierFunc) VerifyAccessToken(ctx context.Context, token string) (*oauth.AuthInfo, error) {
	return f(ctx, token)
}

const metadataURL = "https://mcp.example.com/.well-known/oauth-protected-resource/mcp"

func staticVerifier(valid map[string]*oauth.AuthInfo) Verifier {
	return verifierFunc(func(_ context.Context, token string) (*oauth.AuthInfo, error) {
		if info, ok := valid[token]; ok {
			return info, nil
		}
		if token == "broken" {
			return nil, errors.New("database is down")
		}
		return nil, &oauth.Error{Kind: oauth.KindInvalidToken, Description: "Invalid or expired token"}
	})
}

func protected(m *Middleware) http.Handler {
	return m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, ok := AuthInfoFromContext(r.Context())
		if !ok {
			http.Error(w, "no auth info", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(info.ClientID))
	}))
}

func request(h http.Handler, method, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/mcp", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	m := NewMiddleware(staticVerifier(map[string]*oauth.AuthInfo{
		"good": {ClientID: "client-1", Scopes: []string{oauth.ScopeTools}, ExpiresAt: time.Now().Add(time.Hour)},
	}), metadataURL, nil, nil)

	rec := request(protected(m), http.MethodPost, "good")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "client-1", rec.Body.String())
}

func TestMiddlewareChallengesMissingAndInvalidTokens(t *testing.T) {
	m := NewMiddleware(staticVerifier(nil), metadataURL, nil, nil)

	for _, token := range []string{"", "nope"} {
		rec := request(protected(m), http.MethodPost, token)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, token)

		challenge := rec.Header().Get("WWW-Authenticate")
		assert.Contains(t, challenge, `Bearer error="invalid_token"`)
		assert.Contains(t, challenge, `resource_metadata="`+metadataURL+`"`)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "invalid_token", body["error"])
	}
}

func TestMiddlewareReportsVerifierFailureAsServerError(t *testing.T) {
	m := NewMiddleware(staticVerifier(nil), metadataURL, nil, nil)

	rec := request(protected(m), http.MethodPost, "broken")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, rec.Header().Get("WWW-Authenticate"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "server_error", body["error"])
}

func TestMiddlewareRejectsExpiredToken(t *testing.T) {
	m := NewMiddleware(staticVerifier(map[string]*oauth.AuthInfo{
		"stale": {ClientID: "client-1", ExpiresAt: time.Now().Add(-time.Minute)},
	}), metadataURL, nil, nil)

	rec := request(protected(m), http.MethodPost, "stale")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Token has expired")
}

func TestMiddlewareInsufficientScope(t *testing.T) {
	m := NewMiddleware(staticVerifier(map[string]*oauth.AuthInfo{
		"narrow": {ClientID: "client-1", Scopes: []string{"other"}},
	}), metadataURL, []string{oauth.ScopeTools}, nil)

	rec := request(protected(m), http.MethodPost, "narrow")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	challenge := rec.Header().Get("WWW-Authenticate")
	assert.Contains(t, challenge, `error="insufficient_scope"`)
	assert.Contains(t, challenge, `scope="mcp:tools"`)
}

func TestMiddlewarePassesPreflight(t *testing.T) {
	m := NewMiddleware(staticVerifier(nil), metadataURL, nil, nil)
	called := false
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	request(h, http.MethodOptions, "")
	assert.True(t, called)
}

func TestExtractTokenFromHeader(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer abc":   "abc",
		"Basic abc":    "",
		"Bearer":       "",
		"":             "",
		"Bearer  abc ": "abc",
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		assert.Equal(t, want, ExtractTokenFromHeader(req), header)
	}
}
