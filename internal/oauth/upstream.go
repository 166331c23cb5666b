package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// UpstreamConfig describes the identity provider this server federates to.
type UpstreamConfig struct {
	ClientID          string
	ClientSecret      string
	BaseURL           string
	AuthorizeEndpoint string
	TokenEndpoint     string
	Scopes            []string
	Timeout           time.Duration
}

// Upstream talks to the upstream IdP.
type Upstream struct {
	oauth      *oauth2.Config
	httpClient *http.Client
}

// NewUpstream builds the upstream client. callbackURL is this server's /callback.
func NewUpstream(cfg UpstreamConfig, callbackURL string) *Upstream {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"all"}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Upstream{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   joinEndpoint(cfg.BaseURL, cfg.AuthorizeEndpoint),
				TokenURL:  joinEndpoint(cfg.BaseURL, cfg.TokenEndpoint),
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: callbackURL,
			Scopes:      scopes,
		},
		httpClient: &http.Client{Timeout: timeout},
	}
}

// AuthCodeURL returns the upstream authorization URL carrying state.
func (u *Upstream) AuthCodeURL(state string) string {
	return u.oauth.AuthCodeURL(state)
}

// Exchange trades an upstream authorization code for an upstream token.
// A rejected exchange is returned as *UpstreamError. An error body sent
// with a 2xx status is reported as 400, and a 2xx reply without an
// access token as 502.
func (u *Upstream) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, u.httpClient)
	token, err := u.oauth.Exchange(ctx, code)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			status := rerr.Response.StatusCode
			if status < http.StatusBadRequest {
				status = http.StatusBadRequest
			}
			return nil, &UpstreamError{
				StatusCode:  status,
				ContentType: rerr.Response.Header.Get("Content-Type"),
				Body:        rerr.Body,
			}
		}
		if strings.Contains(err.Error(), "missing access_token") {
			return nil, &UpstreamError{
				StatusCode:  http.StatusBadGateway,
				ContentType: "application/json",
				Body:        []byte(`{"error":"server_error","error_description":"upstream token response missing access_token"}`),
			}
		}
		return nil, fmt.Errorf("exchanging upstream code: %w", err)
	}
	return token, nil
}

func joinEndpoint(base, endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/")
}
