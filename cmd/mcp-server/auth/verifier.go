package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/providentiaww/remote-mcp-server/internal/cache"
	"github.com/providentiaww/remote-mcp-server/internal/oauth"
)

// IntrospectionVerifier checks tokens against an RFC 7662 endpoint and caches
// positive answers until the token expires or cacheTTL passes.
type IntrospectionVerifier struct {
	endpoint   string
	resource   string
	strict     bool
	httpClient *http.Client
	cache      *cache.TTLCache[*oauth.AuthInfo]
	cacheTTL   time.Duration
	now        func() time.Time
}

// NewIntrospectionVerifier creates a verifier. With strict set, the token's
// audience must name resource.
func NewIntrospectionVerifier(endpoint, resource string, strict bool, cacheTTL time.Duration) *IntrospectionVerifier {
	return &IntrospectionVerifier{
		endpoint:   endpoint,
		resource:   resource,
		strict:     strict,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      cache.New[*oauth.AuthInfo](10000),
		cacheTTL:   cacheTTL,
		now:        time.Now,
	}
}

type introspection struct {
	Active   bool   `json:"active"`
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
	Exp      int64  `json:"exp"`
	Aud      string `json:"aud"`
}

// VerifyAccessToken posts the token to the introspection endpoint.
func (v *IntrospectionVerifier) VerifyAccessToken(ctx context.Context, token string) (*oauth.AuthInfo, error) {
	if token == "" {
		return nil, &oauth.Error{Kind: oauth.KindInvalidToken, Description: "Missing token"}
	}
	key := oauth.HashToken(token)
	if info, ok := v.cache.Get(key); ok {
		return info, nil
	}

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling introspection endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &oauth.Error{Kind: oauth.KindInvalidToken, Description: fmt.Sprintf("Invalid or expired token: %s", strings.TrimSpace(string(body)))}
	}

	var data introspection
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decoding introspection response: %w", err)
	}
	if !data.Active {
		return nil, &oauth.Error{Kind: oauth.KindInvalidToken, Description: "Token is not active"}
	}

	if v.strict {
		if data.Aud == "" {
			return nil, &oauth.Error{Kind: oauth.KindInvalidToken, Description: "Resource indicator (RFC 8707) missing"}
		}
		if !oauth.ResourceAllowed(data.Aud, v.resource) {
			return nil, &oauth.Error{Kind: oauth.KindInvalidToken, Description: fmt.Sprintf("Expected resource indicator %s, got %s", v.resource, data.Aud)}
		}
	}

	info := &oauth.AuthInfo{
		Token:    token,
		ClientID: data.ClientID,
		Scopes:   oauth.ParseScope(data.Scope),
		Resource: data.Aud,
		Kind:     oauth.TokenKindAccess,
	}
	ttl := v.cacheTTL
	if data.Exp > 0 {
		info.ExpiresAt = time.Unix(data.Exp, 0)
		if remaining := info.ExpiresAt.Sub(v.now()); remaining < ttl {
			ttl = remaining
		}
	}
	v.cache.Set(key, info, ttl)
	return info, nil
}
