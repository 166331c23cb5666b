package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/providentiaww/remote-mcp-server/internal/oauth"
)

const (
	issuer      = "https://mcp.example.com"
	resource    = "https://mcp.example.com/mcp"
	redirectURI = "https://client.example.com/cb"
	verifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

type testEnv struct {
	mux      *http.ServeMux
	upstream *httptest.Server
	store    *oauth.Store
}

// fakeIdP accepts the upstream code "good-code" and rejects everything else
// with a 400 the proxy must forward verbatim. "soft-error" and "no-token"
// answer 200 with an error body and with no access token.
func fakeIdP(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			http.NotFound(w, r)
			return
		}
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("code") {
		case "good-code":
		case "soft-error":
			_, _ = w.Write([]byte(`{"error":"access_denied","error_description":"consent revoked"}`))
			return
		case "no-token":
			_, _ = w.Write([]byte(`{"token_type":"Bearer"}`))
			return
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"upstream says no"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"upstream-at","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestEnv(t *testing.T, cfg oauth.Config) *testEnv {
	t.Helper()

	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "oauth.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	store, err := oauth.NewStore(context.Background(), db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	idp := fakeIdP(t)
	upstream := oauth.NewUpstream(oauth.UpstreamConfig{
		ClientID:          "proxy",
		ClientSecret:      "proxy-secret",
		BaseURL:           idp.URL,
		AuthorizeEndpoint: "/oauth/authorize",
		TokenEndpoint:     "/oauth/token",
	}, issuer+"/callback")

	cfg.Issuer = issuer
	cfg.ResourceURL = resource
	provider := oauth.NewProvider(cfg, store, store, upstream, nil, nil)

	mux := http.NewServeMux()
	NewServer(provider, nil).Register(mux)
	return &testEnv{mux: mux, upstream: idp, store: store}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postForm(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(req)
}

func (e *testEnv) register(t *testing.T, body map[string]any) (string, string) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	rec := e.do(httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(payload)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	secret, _ := resp["client_secret"].(string)
	return resp["client_id"].(string), secret
}

func (e *testEnv) authorize(t *testing.T, clientID string, extra url.Values) *httptest.ResponseRecorder {
	t.Helper()
	q := url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"code_challenge":        {oauth.S256Challenge(verifier)},
		"code_challenge_method": {"S256"},
		"state":                 {"client-state"},
	}
	for k, v := range extra {
		q[k] = v
	}
	return e.do(httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))
}

func location(t *testing.T, rec *httptest.ResponseRecorder) *url.URL {
	t.Helper()
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	u, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return u
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestAuthorizationCodeFlow(t *testing.T) {
	env := newTestEnv(t, oauth.Config{})
	clientID, secret := env.register(t, map[string]any{
		"redirect_uris": []string{redirectURI},
		"client_name":   "Inspector",
	})
	require.NotEmpty(t, secret)

	up := location(t, env.authorize(t, clientID, url.Values{"resource": {resource}}))
	assert.True(t, strings.HasPrefix(up.String(), env.upstream.URL+"/oauth/authorize"))
	assert.Equal(t, "proxy", up.Query().Get("client_id"))
	assert.Equal(t, issuer+"/callback", up.Query().Get("redirect_uri"))
	state := up.Query().Get("state")
	require.NotEmpty(t, state)

	cb := url.Values{"code": {"good-code"}, "state": {state}}
	back := location(t, env.do(httptest.NewRequest(http.MethodGet, "/callback?"+cb.Encode(), nil)))
	assert.Equal(t, redirectURI, back.Scheme+"://"+back.Host+back.Path)
	assert.Equal(t, "client-state", back.Query().Get("state"))
	code := back.Query().Get("code")
	require.NotEmpty(t, code)
	assert.NotEqual(t, "good-code", code)

	rec := env.postForm("/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {redirectURI},
		"client_id":     {clientID},
		"client_secret": {secret},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	tokens := decode(t, rec)
	accessToken := tokens["access_token"].(string)
	refreshToken := tokens["refresh_token"].(string)
	assert.Equal(t, "bearer", tokens["token_type"])
	assert.Equal(t, oauth.ScopeTools, tokens["scope"])
	assert.EqualValues(t, 3600, tokens["expires_in"])

	rec = env.postForm("/introspect", url.Values{"token": {accessToken}})
	require.Equal(t, http.StatusOK, rec.Code)
	intro := decode(t, rec)
	assert.Equal(t, true, intro["active"])
	assert.Equal(t, clientID, intro["client_id"])
	assert.Equal(t, resource, intro["aud"])

	// codes are single use
	rec = env.postForm("/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"client_id":     {clientID},
		"client_secret": {secret},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decode(t, rec)["error"])

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(clientID, secret)
	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	refreshed := decode(t, rec)
	assert.NotEqual(t, accessToken, refreshed["access_token"])
	assert.Nil(t, refreshed["refresh_token"])

	rec = env.postForm("/revoke", url.Values{"token": {accessToken}, "client_id": {clientID}, "client_secret": {secret}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.postForm("/introspect", url.Values{"token": {accessToken}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, false, decode(t, rec)["active"])
}

func TestTokenRejectsWrongVerifierAndSecret(t *testing.T) {
	env := newTestEnv(t, oauth.Config{})
	clientID, secret := env.register(t, map[string]any{"redirect_uris": []string{redirectURI}})

	state := location(t, env.authorize(t, clientID, nil)).Query().Get("state")
	back := location(t, env.do(httptest.NewRequest(http.MethodGet, "/callback?code=good-code&state="+url.QueryEscape(state), nil)))
	code := back.Query().Get("code")

	rec := env.postForm("/token", url.Values{
		"grant_type": {"authorization_code"}, "code": {code}, "code_verifier": {"wrong"},
		"client_id": {clientID}, "client_secret": {secret},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decode(t, rec)["error"])

	rec = env.postForm("/token", url.Values{
		"grant_type": {"authorization_code"}, "code": {code}, "code_verifier": {verifier},
		"client_id": {clientID}, "client_secret": {"nope"},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_client", decode(t, rec)["error"])
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = env.postForm("/token", url.Values{"grant_type": {"password"}, "client_id": {clientID}, "client_secret": {secret}})
	assert.Equal(t, "unsupported_grant_type", decode(t, rec)["error"])
}

func TestCallbackForwardsUpstreamFailure(t *testing.T) {
	env := newTestEnv(t, oauth.Config{})
	clientID, _ := env.register(t, map[string]any{"redirect_uris": []string{redirectURI}})
	state := location(t, env.authorize(t, clientID, nil)).Query().Get("state")

	rec := env.do(httptest.NewRequest(http.MethodGet, "/callback?code=bad-code&state="+url.QueryEscape(state), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"invalid_grant","error_description":"upstream says no"}`, rec.Body.String())

	rec = env.do(httptest.NewRequest(http.MethodGet, "/callback?code=soft-error&state="+url.QueryEscape(state), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"access_denied","error_description":"consent revoked"}`, rec.Body.String())

	rec = env.do(httptest.NewRequest(http.MethodGet, "/callback?code=no-token&state="+url.QueryEscape(state), nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "server_error", decode(t, rec)["error"])

	rec = env.do(httptest.NewRequest(http.MethodGet, "/callback?error=access_denied&error_description=denied", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "access_denied", decode(t, rec)["error"])

	rec = env.do(httptest.NewRequest(http.MethodGet, "/callback?code=good-code&state=%25%25", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decode(t, rec)["error"])
}

func TestAuthorizeValidation(t *testing.T) {
	env := newTestEnv(t, oauth.Config{})
	clientID, _ := env.register(t, map[string]any{"redirect_uris": []string{redirectURI}})

	rec := env.do(httptest.NewRequest(http.MethodGet, "/authorize?response_type=code", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.authorize(t, "unknown", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_client", decode(t, rec)["error"])

	rec = env.authorize(t, clientID, url.Values{"redirect_uri": {"https://evil.example.com/cb"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	cases := map[string]url.Values{
		"missing challenge": {"code_challenge": {""}},
		"plain method":      {"code_challenge_method": {"plain"}},
		"token response":    {"response_type": {"token"}},
		"foreign scope":     {"scope": {"admin"}},
	}
	for name, extra := range cases {
		u := location(t, env.authorize(t, clientID, extra))
		assert.Equal(t, "client.example.com", u.Host, name)
		assert.NotEmpty(t, u.Query().Get("error"), name)
		assert.Equal(t, "client-state", u.Query().Get("state"), name)
	}
}

func TestStrictResourceRequiresIndicator(t *testing.T) {
	env := newTestEnv(t, oauth.Config{StrictResource: true})
	clientID, secret := env.register(t, map[string]any{"redirect_uris": []string{redirectURI}})

	state := location(t, env.authorize(t, clientID, nil)).Query().Get("state")
	code := location(t, env.do(httptest.NewRequest(http.MethodGet, "/callback?code=good-code&state="+url.QueryEscape(state), nil))).Query().Get("code")

	rec := env.postForm("/token", url.Values{
		"grant_type": {"authorization_code"}, "code": {code}, "code_verifier": {verifier},
		"client_id": {clientID}, "client_secret": {secret},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_target", decode(t, rec)["error"])

	rec = env.postForm("/token", url.Values{
		"grant_type": {"authorization_code"}, "code": {code}, "code_verifier": {verifier},
		"client_id": {clientID}, "client_secret": {secret}, "resource": {resource},
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t, oauth.Config{})

	rec := env.do(httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"redirect_uris":["http://localhost:6274/cb"],"token_endpoint_auth_method":"none"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	assert.Nil(t, body["client_secret"])
	assert.Equal(t, "none", body["token_endpoint_auth_method"])
	assert.Equal(t, oauth.ScopeTools, body["scope"])

	rec = env.do(httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"redirect_uris":["cursor://anysphere.cursor-retrieval/oauth/callback"]}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "client_secret_post", body["token_endpoint_auth_method"])
	assert.NotEmpty(t, body["client_secret"])

	for _, uri := range []string{"javascript:alert(1)", "http://evil.example.com/cb", "https://client.example.com/cb#frag", "not a url"} {
		payload, _ := json.Marshal(map[string]any{"redirect_uris": []string{uri}})
		rec = env.do(httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(payload)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, uri)
		assert.Equal(t, "invalid_redirect_uri", decode(t, rec)["error"], uri)
	}

	rec = env.do(httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/register", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST", rec.Header().Get("Allow"))
}

func TestRegisterProtectedMode(t *testing.T) {
	env := newTestEnv(t, oauth.Config{DCRMode: "protected", DCRAccessToken: "let-me-in"})
	body := `{"redirect_uris":["https://client.example.com/cb"]}`

	rec := env.do(httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer let-me-in")
	rec = env.do(req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestMetadata(t *testing.T) {
	env := newTestEnv(t, oauth.Config{ResourceName: "Remote MCP Server"})

	rec := env.do(httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	as := decode(t, rec)
	assert.Equal(t, issuer, as["issuer"])
	assert.Equal(t, issuer+"/token", as["token_endpoint"])
	assert.Equal(t, issuer+"/register", as["registration_endpoint"])
	assert.Equal(t, []any{"S256"}, as["code_challenge_methods_supported"])

	for _, path := range []string{"/.well-known/oauth-protected-resource", "/.well-known/oauth-protected-resource/mcp"} {
		rec = env.do(httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
		pr := decode(t, rec)
		assert.Equal(t, resource, pr["resource"])
		assert.Equal(t, []any{issuer}, pr["authorization_servers"])
		assert.Equal(t, "Remote MCP Server", pr["resource_name"])
	}
}
