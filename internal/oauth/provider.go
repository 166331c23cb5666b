package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"
)

// Provider implements the authorization-code flow federated to an upstream
// IdP. It holds no durable state of its own.
type Provider struct {
	cfg      Config
	tokens   TokenStore
	clients  ClientRegistry
	upstream *Upstream
	state    *StateCodec
	logger   *slog.Logger
}

// NewProvider wires a provider to its stores and upstream.
func NewProvider(cfg Config, tokens TokenStore, clients ClientRegistry, upstream *Upstream, state *StateCodec, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if state == nil {
		state = NewStateCodec(nil, 0)
	}
	return &Provider{
		cfg:      cfg.withDefaults(),
		tokens:   tokens,
		clients:  clients,
		upstream: upstream,
		state:    state,
		logger:   logger.With("component", "oauth-provider"),
	}
}

// Config returns the effective configuration.
func (p *Provider) Config() Config {
	return p.cfg
}

// Clients exposes the client registry.
func (p *Provider) Clients() ClientRegistry {
	return p.clients
}

// Tokens exposes the token store.
func (p *Provider) Tokens() TokenStore {
	return p.tokens
}

// Authorize returns the upstream authorization URL. The client and its
// parameters travel in the state value; nothing is persisted here.
func (p *Provider) Authorize(client *Client, params AuthorizationParams) (string, error) {
	if p.upstream == nil {
		return "", newError(KindServerError, "upstream identity provider is not configured")
	}
	state, err := p.state.Encode(client, params)
	if err != nil {
		return "", err
	}
	return p.upstream.AuthCodeURL(state), nil
}

// HandleCallback finishes the upstream leg: it decodes state, exchanges the
// upstream code and mints a local code. It returns the client redirect URL.
func (p *Provider) HandleCallback(ctx context.Context, upstreamCode, rawState string) (string, error) {
	state, err := p.state.Decode(rawState)
	if err != nil {
		return "", err
	}
	if upstreamCode == "" {
		return "", newError(KindInvalidRequest, "missing code")
	}

	client, err := p.clients.GetClient(ctx, state.Client.ClientID)
	if errors.Is(err, ErrNotFound) {
		return "", newError(KindInvalidClient, "unknown client %s", state.Client.ClientID)
	}
	if err != nil {
		return "", err
	}
	if !redirectRegistered(state.Params.RedirectURI, client.RedirectURIs) {
		return "", newError(KindInvalidRequest, "redirect_uri is not registered for this client")
	}

	token, err := p.upstream.Exchange(ctx, upstreamCode)
	if err != nil {
		return "", err
	}
	p.logger.Info("upstream authorization completed", "client_id", client.ClientID, "upstream_expiry", token.Expiry)

	return p.CompleteAuthorization(ctx, client, state.Params)
}

// CompleteAuthorization mints and persists a local authorization code and
// returns the client redirect URL carrying code and state.
func (p *Provider) CompleteAuthorization(ctx context.Context, client *Client, params AuthorizationParams) (string, error) {
	code, err := RandomString(32)
	if err != nil {
		return "", fmt.Errorf("generating authorization code: %w", err)
	}
	if err := p.tokens.StoreAuthorizationCode(ctx, code, client, params, p.cfg.AuthCodeTTL); err != nil {
		return "", err
	}
	return buildRedirect(params.RedirectURI, code, params.State)
}

// ChallengeForAuthorizationCode returns the PKCE challenge bound to code.
func (p *Provider) ChallengeForAuthorizationCode(ctx context.Context, client *Client, code string) (string, error) {
	rec, err := p.lookupCode(ctx, client, code)
	if err != nil {
		return "", err
	}
	return rec.CodeChallenge, nil
}

// ExchangeAuthorizationCode consumes code and issues an access and a refresh
// token. verifier, redirectURI and resource are checked when provided.
func (p *Provider) ExchangeAuthorizationCode(ctx context.Context, client *Client, code, verifier, redirectURI, resource string) (*TokenResponse, error) {
	rec, err := p.lookupCode(ctx, client, code)
	if err != nil {
		return nil, err
	}
	if verifier != "" && !VerifyPKCE(rec.CodeChallenge, verifier) {
		return nil, newError(KindInvalidGrant, "code_verifier does not match the challenge")
	}
	if redirectURI != "" && rec.RedirectURI != "" && redirectURI != rec.RedirectURI {
		return nil, newError(KindInvalidGrant, "redirect_uri does not match the authorization request")
	}

	if resource == "" {
		resource = rec.Resource
	} else if rec.Resource != "" && resource != rec.Resource {
		return nil, newError(KindInvalidTarget, "resource does not match the authorization request")
	}
	if err := p.validateResource(resource); err != nil {
		return nil, err
	}

	deleted, err := p.tokens.DeleteAuthorizationCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, newError(KindInvalidGrant, "Invalid authorization code")
	}

	return p.issueTokens(ctx, client.ClientID, rec.Scopes, resource)
}

// ExchangeRefreshToken issues a new access token from a refresh token. The
// refresh token itself is not rotated.
func (p *Provider) ExchangeRefreshToken(ctx context.Context, client *Client, refreshToken string, scopes []string, resource string) (*TokenResponse, error) {
	info, err := p.tokens.GetToken(ctx, refreshToken)
	if errors.Is(err, ErrNotFound) {
		return nil, newError(KindInvalidGrant, "Invalid refresh token")
	}
	if err != nil {
		return nil, err
	}
	if info.Kind != TokenKindRefresh {
		return nil, newError(KindInvalidGrant, "Invalid refresh token")
	}
	if info.ClientID != client.ClientID {
		return nil, newError(KindWrongClient, "Refresh token was not issued to this client")
	}
	if len(scopes) > 0 && !ScopesSubset(scopes, info.Scopes) {
		return nil, newError(KindInvalidScope, "Requested scopes exceed the original grant")
	}
	if resource != "" && info.Resource != "" && resource != info.Resource {
		return nil, newError(KindInvalidTarget, "Resource does not match the original grant")
	}
	if resource == "" {
		resource = info.Resource
	}

	granted := info.Scopes
	if len(scopes) > 0 {
		granted = scopes
	}

	accessToken, err := RandomString(32)
	if err != nil {
		return nil, fmt.Errorf("generating access token: %w", err)
	}
	if err := p.tokens.StoreAccessToken(ctx, accessToken, client.ClientID, granted, p.cfg.AccessTokenTTL, resource); err != nil {
		return nil, err
	}
	return &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "bearer",
		ExpiresIn:   int64(p.cfg.AccessTokenTTL / time.Second),
		Scope:       JoinScopes(granted),
	}, nil
}

// VerifyAccessToken resolves an access token to its auth info.
func (p *Provider) VerifyAccessToken(ctx context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, newError(KindInvalidToken, "Missing token")
	}
	info, err := p.tokens.GetToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return nil, newError(KindInvalidToken, "Invalid or expired token")
	}
	if err != nil {
		return nil, err
	}
	if info.Kind != TokenKindAccess {
		return nil, newError(KindInvalidToken, "Token is not an access token")
	}
	return info, nil
}

// RevokeToken deletes the named token. Unknown tokens are not an error.
func (p *Provider) RevokeToken(ctx context.Context, client *Client, token string) error {
	deleted, err := p.tokens.DeleteToken(ctx, token)
	if err != nil {
		return err
	}
	clientID := ""
	if client != nil {
		clientID = client.ClientID
	}
	p.logger.Info("token revoked", "client_id", clientID, "existed", deleted)
	return nil
}

// RevokeClient deletes every token issued to clientID.
func (p *Provider) RevokeClient(ctx context.Context, clientID string) (int64, error) {
	return p.tokens.RevokeTokensForClient(ctx, clientID)
}

// Cleanup runs one expiry sweep.
func (p *Provider) Cleanup(ctx context.Context) (CleanupResult, error) {
	res, err := p.tokens.CleanupExpired(ctx)
	if err != nil {
		return res, err
	}
	if res.Tokens > 0 || res.Codes > 0 {
		p.logger.Info("expired oauth records removed", "tokens", res.Tokens, "codes", res.Codes)
	}
	return res, nil
}

// RunCleanup sweeps expired records every interval until ctx is done.
// Sweep failures are logged and never stop the loop.
func (p *Provider) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Cleanup(ctx); err != nil {
				p.logger.Error("expired token cleanup failed", "error", err)
			}
		}
	}
}

func (p *Provider) lookupCode(ctx context.Context, client *Client, code string) (*AuthorizationCode, error) {
	if code == "" {
		return nil, newError(KindInvalidRequest, "Missing code")
	}
	rec, err := p.tokens.GetAuthorizationCode(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return nil, newError(KindInvalidGrant, "Invalid authorization code")
	}
	if err != nil {
		return nil, err
	}
	if rec.ClientID != client.ClientID {
		return nil, newError(KindWrongClient, "Authorization code was not issued to this client")
	}
	return rec, nil
}

func (p *Provider) validateResource(resource string) error {
	if !p.cfg.StrictResource {
		return nil
	}
	if resource == "" {
		return newError(KindInvalidTarget, "Resource indicator (RFC 8707) is required")
	}
	if resource != p.cfg.ResourceURL {
		return newError(KindInvalidTarget, "Expected resource indicator %s, got %s", p.cfg.ResourceURL, resource)
	}
	return nil
}

func (p *Provider) issueTokens(ctx context.Context, clientID string, scopes []string, resource string) (*TokenResponse, error) {
	accessToken, err := RandomString(32)
	if err != nil {
		return nil, fmt.Errorf("generating access token: %w", err)
	}
	refreshToken, err := RandomString(48)
	if err != nil {
		return nil, fmt.Errorf("generating refresh token: %w", err)
	}

	if err := p.tokens.StoreAccessToken(ctx, accessToken, clientID, scopes, p.cfg.AccessTokenTTL, resource); err != nil {
		return nil, err
	}
	if err := p.tokens.StoreRefreshToken(ctx, refreshToken, clientID, scopes, p.cfg.RefreshTokenTTL, resource); err != nil {
		return nil, err
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(p.cfg.AccessTokenTTL / time.Second),
		RefreshToken: refreshToken,
		Scope:        JoinScopes(scopes),
	}, nil
}

func redirectRegistered(redirectURI string, registered []string) bool {
	for _, uri := range registered {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

func buildRedirect(base, code, state string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", newError(KindInvalidRequest, "invalid redirect_uri")
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
