package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/providentiaww/remote-mcp-server/internal/oauth"
)

// Server provides the OAuth 2.1 endpoints in front of the provider.
type Server struct {
	provider *oauth.Provider
	cfg      oauth.Config
	logger   *slog.Logger
}

// NewServer creates a new OAuth server.
func NewServer(provider *oauth.Provider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		provider: provider,
		cfg:      provider.Config(),
		logger:   logger.With("component", "oauth-http"),
	}
}

// Register mounts every OAuth route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.HandleAuthorizationServerMetadata)
	mux.HandleFunc("/.well-known/oauth-protected-resource", s.HandleProtectedResourceMetadata)
	mux.HandleFunc("/.well-known/oauth-protected-resource/", s.HandleProtectedResourceMetadata)
	mux.HandleFunc("/authorize", s.HandleAuthorize)
	mux.HandleFunc("/callback", s.HandleCallback)
	mux.HandleFunc("/token", s.HandleToken)
	mux.HandleFunc("/register", s.HandleRegister)
	mux.HandleFunc("/revoke", s.HandleRevoke)
	mux.HandleFunc("/introspect", s.HandleIntrospect)
}

// HandleAuthorize validates the client request and redirects to the upstream
// IdP. Errors before the redirect URI is trusted are answered directly; later
// errors are sent back to the client's redirect URI.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.writeError(w, &oauth.Error{Kind: oauth.KindInvalidRequest, Description: "Invalid request body"})
		return
	}

	clientID := r.Form.Get("client_id")
	if clientID == "" {
		s.writeError(w, &oauth.Error{Kind: oauth.KindInvalidRequest, Description: "client_id is required"})
		return
	}
	client, err := s.provider.Clients().GetClient(r.Context(), clientID)
	if errors.Is(err, oauth.ErrNotFound) {
		s.writeError(w, &oauth.Error{Kind: oauth.KindInvalidClient, Description: "Invalid client_id"})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	redirectURI := r.Form.Get("redirect_uri")
	if redirectURI == "" && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
	}
	if !containsString(client.RedirectURIs, redirectURI) {
		s.writeError(w, &oauth.Error{Kind: oauth.KindInvalidRequest, Description: "Unregistered redirect_uri"})
		return
	}

	state := r.Form.Get("state")
	fail := func(kind oauth.ErrorKind, description string) {
		redirectWithError(w, r, redirectURI, &oauth.Error{Kind: kind, Description: description}, state)
	}

	if rt := r.Form.Get("response_type"); rt != "code" {
		fail(oauth.KindInvalidRequest, "response_type must be code")
		return
	}
	challenge := r.Form.Get("code_challenge")
	if challenge == "" {
		fail(oauth.KindInvalidRequest, "code_challenge is required")
		return
	}
	if method := r.Form.Get("code_challenge_method"); method != "S256" {
		fail(oauth.KindInvalidRequest, "code_challenge_method must be S256")
		return
	}

	scopes := oauth.ParseScope(r.Form.Get("scope"))
	if client.Scope != "" {
		if len(scopes) == 0 {
			scopes = oauth.ParseScope(client.Scope)
		} else if !oauth.ScopesSubset(scopes, oauth.ParseScope(client.Scope)) {
			fail(oauth.KindInvalidScope, "Client was not registered with the requested scopes")
			return
		}
	}

	resource := r.Form.Get("resource")
	if resource != "" {
		normalized, err := oauth.ResourceURL(resource)
		if err != nil {
			fail(oauth.KindInvalidTarget, "resource must be a valid URL")
			return
		}
		resource = normalized
	}

	target, err := s.provider.Authorize(client, oauth.AuthorizationParams{
		RedirectURI:   redirectURI,
		CodeChallenge: challenge,
		Scopes:        scopes,
		State:         state,
		Resource:      resource,
	})
	if err != nil {
		s.logger.Error("authorize failed", "client_id", clientID, "error", err)
		fail(oauth.KindServerError, "Unable to start authorization")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleCallback receives the upstream redirect, exchanges the upstream code
// and sends the browser back to the client with a local code.
func (s *Server) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	if upstreamErr := q.Get("error"); upstreamErr != "" {
		s.logger.Warn("upstream authorization denied", "error", upstreamErr, "description", q.Get("error_description"))
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             upstreamErr,
			"error_description": q.Get("error_description"),
		})
		return
	}

	target, err := s.provider.HandleCallback(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleToken exchanges authorization codes or refresh tokens.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.writeError(w, &oauth.Error{Kind: oauth.KindInvalidRequest, Description: "Invalid form body"})
		return
	}

	client, err := s.authenticateClient(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var resp *oauth.TokenResponse
	switch grantType := r.PostForm.Get("grant_type"); grantType {
	case "authorization_code":
		resp, err = s.exchangeCode(r, client)
	case "refresh_token":
		resp, err = s.exchangeRefresh(r, client)
	case "":
		err = &oauth.Error{Kind: oauth.KindInvalidRequest, Description: "grant_type is required"}
	default:
		err = &oauth.Error{Kind: oauth.KindUnsupportedGrantType, Description: fmt.Sprintf("Unsupported grant_type %s", grantType)}
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) exchangeCode(r *http.Request, client *oauth.Client) (*oauth.TokenResponse, error) {
	code := r.PostForm.Get("code")
	verifier := r.PostForm.Get("code_verifier")
	if code == "" || verifier == "" {
		return nil, &oauth.Error{Kind: oauth.KindInvalidRequest, Description: "code and code_verifier are required"}
	}

	challenge, err := s.provider.ChallengeForAuthorizationCode(r.Context(), client, code)
	if err != nil {
		return nil, err
	}
	if !oauth.VerifyPKCE(challenge, verifier) {
		return nil, &oauth.Error{Kind: oauth.KindInvalidGrant, Description: "code_verifier does not match the challenge"}
	}

	resource, err := formResource(r)
	if err != nil {
		return nil, err
	}
	return s.provider.ExchangeAuthorizationCode(r.Context(), client, code, verifier, r.PostForm.Get("redirect_uri"), resource)
}

func (s *Server) exchangeRefresh(r *http.Request, client *oauth.Client) (*oauth.TokenResponse, error) {
	refreshToken := r.PostForm.Get("refresh_token")
	if refreshToken == "" {
		return nil, &oauth.Error{Kind: oauth.KindInvalidRequest, Description: "refresh_token is required"}
	}
	resource, err := formResource(r)
	if err != nil {
		return nil, err
	}
	return s.provider.ExchangeRefreshToken(r.Context(), client, refreshToken, oauth.ParseScope(r.PostForm.Get("scope")), resource)
}

// HandleRegister registers dynamic clients (RFC 7591).
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.cfg.DCRMode == "protected" && !s.checkDCRAccess(r) {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":             "invalid_token",
			"error_description": "A valid registration access token is required",
		})
		return
	}

	var req struct {
		RedirectURIs            []string `json:"redirect_uris"`
		ClientName              string   `json:"client_name"`
		ClientURI               string   `json:"client_uri"`
		LogoURI                 string   `json:"logo_uri"`
		GrantTypes              []string `json:"grant_types"`
		ResponseTypes           []string `json:"response_types"`
		Scope                   string   `json:"scope"`
		TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
		SoftwareID              string   `json:"software_id"`
		SoftwareVersion         string   `json:"software_version"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeRegistrationError(w, "invalid_client_metadata", "Invalid JSON body")
		return
	}

	if len(req.RedirectURIs) == 0 {
		writeRegistrationError(w, "invalid_redirect_uri", "redirect_uris is required")
		return
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			writeRegistrationError(w, "invalid_redirect_uri", err.Error())
			return
		}
	}

	if len(req.GrantTypes) == 0 {
		req.GrantTypes = []string{"authorization_code", "refresh_token"}
	}
	if len(req.ResponseTypes) == 0 {
		req.ResponseTypes = []string{"code"}
	}
	switch req.TokenEndpointAuthMethod {
	case "":
		req.TokenEndpointAuthMethod = "client_secret_post"
	case "none", "client_secret_post", "client_secret_basic":
	default:
		writeRegistrationError(w, "invalid_client_metadata", "Unsupported token_endpoint_auth_method")
		return
	}
	if req.Scope == "" {
		req.Scope = oauth.JoinScopes(s.cfg.ScopesSupported)
	}

	var clientSecret, clientSecretHash string
	if req.TokenEndpointAuthMethod != "none" {
		secret, err := oauth.RandomString(32)
		if err != nil {
			s.writeError(w, fmt.Errorf("generating client secret: %w", err))
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			s.writeError(w, fmt.Errorf("hashing client secret: %w", err))
			return
		}
		clientSecret, clientSecretHash = secret, string(hash)
	}

	issuedAt := time.Now().Unix()
	client, err := s.provider.Clients().RegisterClient(r.Context(), &oauth.Client{
		ClientID:                uuid.NewString(),
		ClientSecretHash:        clientSecretHash,
		ClientIDIssuedAt:        issuedAt,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		Scope:                   req.Scope,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		ClientName:              req.ClientName,
		ClientURI:               req.ClientURI,
		LogoURI:                 req.LogoURI,
		SoftwareID:              req.SoftwareID,
		SoftwareVersion:         req.SoftwareVersion,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("client registered", "client_id", client.ClientID, "client_name", client.ClientName)

	resp := map[string]any{
		"client_id":                  client.ClientID,
		"client_id_issued_at":        client.ClientIDIssuedAt,
		"redirect_uris":              client.RedirectURIs,
		"grant_types":                client.GrantTypes,
		"response_types":             client.ResponseTypes,
		"token_endpoint_auth_method": client.TokenEndpointAuthMethod,
		"scope":                      client.Scope,
	}
	if client.ClientName != "" {
		resp["client_name"] = client.ClientName
	}
	if clientSecret != "" {
		resp["client_secret"] = clientSecret
		resp["client_secret_expires_at"] = 0
	}
	writeJSON(w, http.StatusCreated, resp)
}

// HandleRevoke revokes a token (RFC 7009). Unknown tokens still yield 200.
func (s *Server) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.writeError(w, &oauth.Error{Kind: oauth.KindInvalidRequest, Description: "Invalid form body"})
		return
	}
	client, err := s.authenticateClient(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		s.writeError(w, &oauth.Error{Kind: oauth.KindInvalidRequest, Description: "token is required"})
		return
	}
	if err := s.provider.RevokeToken(r.Context(), client, token); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// HandleIntrospect reports whether an access token is active.
func (s *Server) HandleIntrospect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"active": false, "error": "Invalid form body"})
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"active": false, "error": "token is required"})
		return
	}

	info, err := s.provider.VerifyAccessToken(r.Context(), token)
	if err != nil {
		var oerr *oauth.Error
		if !errors.As(err, &oerr) {
			s.logger.Error("introspection failed", "error", err)
		}
		writeJSON(w, http.StatusUnauthorized, map[string]any{"active": false, "error": "Unknown token"})
		return
	}

	resp := map[string]any{
		"active":     true,
		"client_id":  info.ClientID,
		"scope":      oauth.JoinScopes(info.Scopes),
		"exp":        info.ExpiresAt.Unix(),
		"token_type": "Bearer",
	}
	if info.Resource != "" {
		resp["aud"] = info.Resource
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleAuthorizationServerMetadata serves RFC 8414 discovery metadata.
func (s *Server) HandleAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	authMethods := []string{"client_secret_post", "client_secret_basic", "none"}
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                s.cfg.Issuer,
		"authorization_endpoint":                s.cfg.Endpoint("/authorize"),
		"token_endpoint":                        s.cfg.Endpoint("/token"),
		"registration_endpoint":                 s.cfg.Endpoint("/register"),
		"revocation_endpoint":                   s.cfg.Endpoint("/revoke"),
		"introspection_endpoint":                s.cfg.Endpoint("/introspect"),
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": authMethods,
		"scopes_supported":                      s.cfg.ScopesSupported,
	})
}

// HandleProtectedResourceMetadata serves RFC 9728 metadata for the MCP endpoint.
func (s *Server) HandleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := map[string]any{
		"resource":                 s.cfg.ResourceURL,
		"authorization_servers":    []string{s.cfg.Issuer},
		"scopes_supported":         s.cfg.ScopesSupported,
		"bearer_methods_supported": []string{"header"},
	}
	if s.cfg.ResourceName != "" {
		resp["resource_name"] = s.cfg.ResourceName
	}
	writeJSON(w, http.StatusOK, resp)
}

// authenticateClient resolves the client from client_secret_post or
// client_secret_basic credentials. Public clients only send client_id.
func (s *Server) authenticateClient(r *http.Request) (*oauth.Client, error) {
	clientID, secret, basic := r.BasicAuth()
	if !basic {
		clientID = r.PostForm.Get("client_id")
		secret = r.PostForm.Get("client_secret")
	}
	if clientID == "" {
		return nil, &oauth.Error{Kind: oauth.KindInvalidRequest, Description: "client_id is required"}
	}

	client, err := s.provider.Clients().GetClient(r.Context(), clientID)
	if errors.Is(err, oauth.ErrNotFound) {
		return nil, &oauth.Error{Kind: oauth.KindInvalidClient, Description: "Invalid client_id"}
	}
	if err != nil {
		return nil, err
	}

	if !client.Confidential() {
		return client, nil
	}
	if secret == "" {
		return nil, &oauth.Error{Kind: oauth.KindInvalidClient, Description: "client_secret is required"}
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)); err != nil {
		return nil, &oauth.Error{Kind: oauth.KindInvalidClient, Description: "Invalid client_secret"}
	}
	return client, nil
}

func (s *Server) checkDCRAccess(r *http.Request) bool {
	if s.cfg.DCRAccessToken == "" {
		return false
	}
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return false
	}
	return parts[1] == s.cfg.DCRAccessToken
}

// writeError maps provider errors to responses. Upstream failures are
// forwarded with their original status and body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var upstream *oauth.UpstreamError
	if errors.As(err, &upstream) {
		s.logger.Warn("upstream token exchange failed", "status", upstream.StatusCode)
		contentType := upstream.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(upstream.StatusCode)
		_, _ = w.Write(upstream.Body)
		return
	}

	var oerr *oauth.Error
	if !errors.As(err, &oerr) {
		s.logger.Error("oauth request failed", "error", err)
		oerr = &oauth.Error{Kind: oauth.KindServerError, Description: "Internal Server Error"}
	}
	if oerr.Kind == oauth.KindInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, oerr.HTTPStatus(), oerr.Body())
}

func formResource(r *http.Request) (string, error) {
	resource := r.PostForm.Get("resource")
	if resource == "" {
		return "", nil
	}
	normalized, err := oauth.ResourceURL(resource)
	if err != nil {
		return "", &oauth.Error{Kind: oauth.KindInvalidTarget, Description: "resource must be a valid URL"}
	}
	return normalized, nil
}

func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI string, oerr *oauth.Error, state string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		writeJSON(w, oerr.HTTPStatus(), oerr.Body())
		return
	}
	q := u.Query()
	q.Set("error", oerr.Code())
	q.Set("error_description", oerr.Description)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// validateRedirectURI accepts https, loopback http, and private-use schemes
// used by native apps.
func validateRedirectURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" {
		return fmt.Errorf("invalid redirect_uri: %s", raw)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain a fragment: %s", raw)
	}
	switch parsed.Scheme {
	case "https":
		if parsed.Host == "" {
			return fmt.Errorf("invalid redirect_uri: %s", raw)
		}
		return nil
	case "http":
		host := parsed.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return nil
		}
		return fmt.Errorf("redirect_uri must use https (or loopback http): %s", raw)
	case "javascript", "data", "file":
		return fmt.Errorf("redirect_uri scheme not allowed: %s", raw)
	default:
		return nil
	}
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func writeRegistrationError(w http.ResponseWriter, code, description string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
		"error":             "method_not_allowed",
		"error_description": "Method not allowed",
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
