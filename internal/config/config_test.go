package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upstreamVars() map[string]string {
	return map[string]string{
		"UPSTREAM_OAUTH_CLIENT_ID":          "upstream-client",
		"UPSTREAM_OAUTH_CLIENT_SECRET":      "upstream-secret",
		"UPSTREAM_OAUTH_BASE_URL":           "https://idp.example.com",
		"UPSTREAM_OAUTH_AUTHORIZE_ENDPOINT": "/oauth/authorize",
		"UPSTREAM_OAUTH_TOKEN_ENDPOINT":     "/oauth/token",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(upstreamVars())
	require.NoError(t, err)

	assert.Equal(t, "http://localhost", cfg.ServerURL)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, []string{"all"}, cfg.Upstream.Scopes)
	assert.Equal(t, time.Hour, cfg.AccessTokenTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.RefreshTokenTTL)
	assert.Equal(t, 10*time.Minute, cfg.AuthCodeTTL)
	assert.Equal(t, 30*time.Minute, cfg.CleanupInterval)
	assert.Equal(t, 1000, cfg.EventRetention)
	assert.Equal(t, VerifyLocal, cfg.VerifyMode)
	assert.False(t, cfg.StrictResource)
	assert.False(t, cfg.Development())
	assert.Equal(t, "http://localhost/mcp", cfg.MCPURL())
}

func TestLoadRequiresUpstreamSettings(t *testing.T) {
	for key := range upstreamVars() {
		t.Run(key, func(t *testing.T) {
			vars := upstreamVars()
			delete(vars, key)
			_, err := LoadFrom(vars)
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestDevelopmentRootURLCarriesPort(t *testing.T) {
	vars := upstreamVars()
	vars["APP_ENV"] = "development"
	vars["MCP_PORT"] = "8080"
	vars["SERVER_URL"] = "http://localhost/"

	cfg, err := LoadFrom(vars)
	require.NoError(t, err)
	assert.True(t, cfg.Development())
	assert.Equal(t, "http://localhost:8080", cfg.RootURL())
	assert.Equal(t, "http://localhost:8080/mcp", cfg.OAuth().ResourceURL)
}

func TestValidateRejectsBadModes(t *testing.T) {
	vars := upstreamVars()
	vars["OAUTH_VERIFY_MODE"] = "magic"
	_, err := LoadFrom(vars)
	assert.ErrorContains(t, err, "OAUTH_VERIFY_MODE")

	vars = upstreamVars()
	vars["OAUTH_DCR_MODE"] = "protected"
	_, err = LoadFrom(vars)
	assert.ErrorContains(t, err, "OAUTH_DCR_ACCESS_TOKEN")

	vars["OAUTH_DCR_ACCESS_TOKEN"] = "s3cret"
	_, err = LoadFrom(vars)
	assert.NoError(t, err)
}

func TestSlogLevel(t *testing.T) {
	cfg := &Config{LogLevel: "debug"}
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	cfg.LogLevel = "nonsense"
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestApplySecretKeepsExistingUnlessOverwrite(t *testing.T) {
	t.Setenv("CFG_TEST_EXISTING", "keep")
	t.Setenv("CFG_TEST_NEW", "")
	os.Unsetenv("CFG_TEST_NEW")

	applied, err := applySecret(`{"CFG_TEST_EXISTING":"replaced","CFG_TEST_NEW":42}`, false)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, "keep", os.Getenv("CFG_TEST_EXISTING"))
	assert.Equal(t, "42", os.Getenv("CFG_TEST_NEW"))

	_, err = applySecret(`{"CFG_TEST_EXISTING":"replaced"}`, true)
	require.NoError(t, err)
	assert.Equal(t, "replaced", os.Getenv("CFG_TEST_EXISTING"))

	_, err = applySecret(`[1,2]`, false)
	assert.Error(t, err)
}

func TestClickHouseSettings(t *testing.T) {
	cfg, err := LoadFrom(upstreamVars())
	require.NoError(t, err)
	assert.False(t, cfg.ClickHouse.Enabled())

	vars := upstreamVars()
	vars["CLICKHOUSE_HOST"] = "https://ch.example.com"
	vars["CLICKHOUSE_PORT"] = "8443"
	vars["CLICKHOUSE_USER"] = "reader"
	vars["CLICKHOUSE_PASSWORD"] = "pw"
	vars["CLICKHOUSE_DATABASE"] = "analytics"
	cfg, err = LoadFrom(vars)
	require.NoError(t, err)
	require.True(t, cfg.ClickHouse.Enabled())

	wh := cfg.ClickHouse.Warehouse()
	assert.Equal(t, "https://ch.example.com", wh.Host)
	assert.Equal(t, 8443, wh.Port)
	assert.Equal(t, "reader", wh.User)
	assert.Equal(t, "analytics", wh.Database)
	assert.Equal(t, 10*time.Second, wh.DialTimeout)
	assert.Equal(t, 1000, wh.MaxRows)
}
