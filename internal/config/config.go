// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/providentiaww/remote-mcp-server/internal/oauth"
	"github.com/providentiaww/remote-mcp-server/internal/warehouse"
)

// Token verification modes.
const (
	VerifyLocal         = "local"
	VerifyIntrospection = "introspection"
)

// UpstreamConfig is the identity provider this server delegates login to.
type UpstreamConfig struct {
	ClientID          string        `env:"CLIENT_ID,required,notEmpty"`
	ClientSecret      string        `env:"CLIENT_SECRET,required,notEmpty"`
	BaseURL           string        `env:"BASE_URL,required,notEmpty"`
	AuthorizeEndpoint string        `env:"AUTHORIZE_ENDPOINT,required,notEmpty"`
	TokenEndpoint     string        `env:"TOKEN_ENDPOINT,required,notEmpty"`
	Scopes            []string      `env:"SCOPES" envSeparator:" " envDefault:"all"`
	Timeout           time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

// ClickHouseConfig enables the clickhouse_* tools when Host is set.
type ClickHouseConfig struct {
	Host        string        `env:"HOST"`
	Port        int           `env:"PORT"`
	User        string        `env:"USER" envDefault:"default"`
	Password    string        `env:"PASSWORD"`
	Database    string        `env:"DATABASE" envDefault:"default"`
	DialTimeout time.Duration `env:"DIAL_TIMEOUT" envDefault:"10s"`
	MaxRows     int           `env:"MAX_ROWS" envDefault:"1000"`
}

// Enabled reports whether a ClickHouse host is configured.
func (c ClickHouseConfig) Enabled() bool {
	return c.Host != ""
}

// Warehouse returns the client settings.
func (c ClickHouseConfig) Warehouse() warehouse.Config {
	return warehouse.Config{
		Host:        c.Host,
		Port:        c.Port,
		User:        c.User,
		Password:    c.Password,
		Database:    c.Database,
		DialTimeout: c.DialTimeout,
		MaxRows:     c.MaxRows,
	}
}

// LoadClickHouse parses only the CLICKHOUSE_* variables.
func LoadClickHouse() (ClickHouseConfig, error) {
	var cfg ClickHouseConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "CLICKHOUSE_"}); err != nil {
		return cfg, fmt.Errorf("parsing CLICKHOUSE_ environment: %w", err)
	}
	return cfg, nil
}

// Config is the complete server configuration.
type Config struct {
	AppEnv    string `env:"APP_ENV" envDefault:"production"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT"`

	ServerURL string `env:"SERVER_URL" envDefault:"http://localhost"`
	Port      int    `env:"MCP_PORT" envDefault:"3000"`

	Upstream UpstreamConfig `envPrefix:"UPSTREAM_OAUTH_"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	StrictResource  bool          `env:"OAUTH_STRICT_RESOURCE" envDefault:"false"`
	VerifyMode      string        `env:"OAUTH_VERIFY_MODE" envDefault:"local"`
	PrivateKeyPEM   string        `env:"OAUTH_PRIVATE_KEY_PEM"`
	PrivateKeyPath  string        `env:"OAUTH_PRIVATE_KEY_PATH"`
	AccessTokenTTL  time.Duration `env:"OAUTH_ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL time.Duration `env:"OAUTH_REFRESH_TOKEN_TTL" envDefault:"168h"`
	AuthCodeTTL     time.Duration `env:"OAUTH_AUTH_CODE_TTL" envDefault:"10m"`
	CleanupInterval time.Duration `env:"OAUTH_CLEANUP_INTERVAL" envDefault:"30m"`
	DCRMode         string        `env:"OAUTH_DCR_MODE" envDefault:"open"`
	DCRAccessToken  string        `env:"OAUTH_DCR_ACCESS_TOKEN"`

	MaxTokenSingleCall int           `env:"MAX_TOKEN_SINGLE_CALL"`
	EventRetention     int           `env:"MCP_EVENT_RETENTION" envDefault:"1000"`
	KeepAlive          time.Duration `env:"MCP_KEEPALIVE" envDefault:"30s"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	LogsFormURL    string        `env:"LOGS_FORM_URL"`
	LogsAMQPURL    string        `env:"LOGS_AMQP_URL"`
	LogsQueue      string        `env:"LOGS_AMQP_QUEUE" envDefault:"LogRequests"`
	LogsRPCTimeout time.Duration `env:"LOGS_RPC_TIMEOUT" envDefault:"35s"`

	ClickHouse ClickHouseConfig `envPrefix:"CLICKHOUSE_"`
}

// Load parses the process environment.
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses an explicit variable map instead of the process environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the tags cannot express.
func (c *Config) Validate() error {
	if _, err := url.Parse(c.ServerURL); err != nil {
		return fmt.Errorf("invalid SERVER_URL: %w", err)
	}
	switch c.VerifyMode {
	case VerifyLocal, VerifyIntrospection:
	default:
		return fmt.Errorf("invalid OAUTH_VERIFY_MODE %q: want local or introspection", c.VerifyMode)
	}
	switch c.DCRMode {
	case "open":
	case "protected":
		if c.DCRAccessToken == "" {
			return fmt.Errorf("OAUTH_DCR_ACCESS_TOKEN is required when OAUTH_DCR_MODE=protected")
		}
	default:
		return fmt.Errorf("invalid OAUTH_DCR_MODE %q: want open or protected", c.DCRMode)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid MCP_PORT %d", c.Port)
	}
	return nil
}

// Development reports whether the server runs in development mode, which
// skips bearer auth and exposes error detail.
func (c *Config) Development() bool {
	return strings.EqualFold(c.AppEnv, "development") || strings.EqualFold(c.AppEnv, "local")
}

// RootURL is the public root. Outside production the port is appended.
func (c *Config) RootURL() string {
	root := strings.TrimRight(c.ServerURL, "/")
	if c.Development() {
		if u, err := url.Parse(root); err == nil && u.Port() == "" {
			root += ":" + strconv.Itoa(c.Port)
		}
	}
	return root
}

// MCPURL is the canonical resource URL of the MCP endpoint.
func (c *Config) MCPURL() string {
	return c.RootURL() + "/mcp"
}

// SlogLevel maps LOG_LEVEL to a slog level.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// OAuth returns the provider settings.
func (c *Config) OAuth() oauth.Config {
	return oauth.Config{
		Issuer:          c.RootURL(),
		ResourceURL:     c.MCPURL(),
		ResourceName:    "Remote MCP Server",
		AccessTokenTTL:  c.AccessTokenTTL,
		RefreshTokenTTL: c.RefreshTokenTTL,
		AuthCodeTTL:     c.AuthCodeTTL,
		CleanupInterval: c.CleanupInterval,
		StrictResource:  c.StrictResource,
		DCRMode:         c.DCRMode,
		DCRAccessToken:  c.DCRAccessToken,
	}
}

// UpstreamOAuth returns the upstream IdP settings.
func (c *Config) UpstreamOAuth() oauth.UpstreamConfig {
	return oauth.UpstreamConfig{
		ClientID:          c.Upstream.ClientID,
		ClientSecret:      c.Upstream.ClientSecret,
		BaseURL:           c.Upstream.BaseURL,
		AuthorizeEndpoint: c.Upstream.AuthorizeEndpoint,
		TokenEndpoint:     c.Upstream.TokenEndpoint,
		Scopes:            c.Upstream.Scopes,
		Timeout:           c.Upstream.Timeout,
	}
}

// Store returns the persistence settings.
func (c *Config) Store() oauth.StoreConfig {
	return oauth.StoreConfig{
		Driver:   c.StoreDriver,
		DSN:      c.DatabaseURL,
		RedisURL: c.RedisURL,
	}
}
