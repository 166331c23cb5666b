package oauth

import (
	"strings"
	"time"
)

// ScopeTools is the only scope this server advertises.
const ScopeTools = "mcp:tools"

// Config holds OAuth server settings.
type Config struct {
	// Issuer is the server root URL; OAuth endpoints hang off it.
	Issuer string
	// ResourceURL is the canonical URL of the protected MCP endpoint.
	ResourceURL     string
	ResourceName    string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
	StateTTL        time.Duration
	CleanupInterval time.Duration
	StrictResource  bool
	ScopesSupported []string
	DCRMode         string
	DCRAccessToken  string
}

func (c Config) withDefaults() Config {
	c.Issuer = strings.TrimRight(c.Issuer, "/")
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = time.Hour
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if c.AuthCodeTTL <= 0 {
		c.AuthCodeTTL = 10 * time.Minute
	}
	if c.StateTTL <= 0 {
		c.StateTTL = 10 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 30 * time.Minute
	}
	if len(c.ScopesSupported) == 0 {
		c.ScopesSupported = []string{ScopeTools}
	}
	if c.DCRMode == "" {
		c.DCRMode = "open"
	}
	return c
}

// Endpoint returns an absolute URL for a path under the issuer.
func (c Config) Endpoint(path string) string {
	return c.Issuer + "/" + strings.TrimLeft(path, "/")
}
