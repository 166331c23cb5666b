package oauth

import (
	"strings"
	"time"
)

// TokenKind distinguishes access tokens from refresh tokens in the token table.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// Client represents an OAuth client registration.
type Client struct {
	ClientID                string
	ClientSecretHash        string
	ClientIDIssuedAt        int64
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	Scope                   string
	TokenEndpointAuthMethod string
	ClientName              string
	ClientURI               string
	LogoURI                 string
	SoftwareID              string
	SoftwareVersion         string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Confidential reports whether the client must authenticate with a secret.
func (c *Client) Confidential() bool {
	return c.TokenEndpointAuthMethod != "" && c.TokenEndpointAuthMethod != "none"
}

// AuthorizationParams carries the client's original /authorize request
// through the upstream round trip.
type AuthorizationParams struct {
	RedirectURI   string   `json:"redirectUri"`
	CodeChallenge string   `json:"codeChallenge"`
	Scopes        []string `json:"scopes,omitempty"`
	State         string   `json:"state,omitempty"`
	Resource      string   `json:"resource,omitempty"`
}

// AuthorizationCode is a stored, single-use local authorization code.
type AuthorizationCode struct {
	CodeHash      string    `json:"code_hash"`
	ClientID      string    `json:"client_id"`
	RedirectURI   string    `json:"redirect_uri"`
	Scopes        []string  `json:"scopes"`
	Resource      string    `json:"resource,omitempty"`
	CodeChallenge string    `json:"code_challenge"`
	State         string    `json:"state,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// AuthInfo is what a verified bearer token resolves to.
type AuthInfo struct {
	Token     string
	ClientID  string
	Scopes    []string
	Resource  string
	Kind      TokenKind
	ExpiresAt time.Time
}

// HasScopes reports whether every required scope was granted.
func (a *AuthInfo) HasScopes(required ...string) bool {
	return ScopesSubset(required, a.Scopes)
}

// TokenStats summarizes the token and code tables.
type TokenStats struct {
	TotalTokens   int64 `json:"totalTokens"`
	ActiveTokens  int64 `json:"activeTokens"`
	ExpiredTokens int64 `json:"expiredTokens"`
	TotalCodes    int64 `json:"totalCodes"`
	ActiveCodes   int64 `json:"activeCodes"`
	ExpiredCodes  int64 `json:"expiredCodes"`
}

// CleanupResult counts the records removed by a sweep.
type CleanupResult struct {
	Tokens int64 `json:"tokens"`
	Codes  int64 `json:"codes"`
}

// TokenResponse is the RFC 6749 section 5.1 success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ParseScope splits a space-delimited scope parameter.
func ParseScope(scope string) []string {
	return strings.Fields(scope)
}

// JoinScopes renders scopes as a space-delimited parameter.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ScopesSubset reports whether every requested scope is in granted.
func ScopesSubset(requested, granted []string) bool {
	allowed := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		allowed[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := allowed[s]; !ok {
			return false
		}
	}
	return true
}
