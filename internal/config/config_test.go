package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "crm-sync.db", cfg.Store.SQLitePath)
	assert.Equal(t, "hubspot", cfg.Upstream.Provider)
	assert.Equal(t, "https://api.hubapi.com", cfg.Upstream.HubSpot.BaseURL)
	assert.Equal(t, "Contact", cfg.Upstream.Salesforce.Object)
	assert.Equal(t, 100, cfg.Sync.PageSize)
	assert.Equal(t, 1, cfg.Sync.SkipSize)
	assert.Equal(t, 5, cfg.Sync.MaxConsecutiveGaps)
	assert.Equal(t, 2*time.Second, cfg.Sync.RateLimitBackoff)
	assert.Equal(t, 6*time.Hour, cfg.Sync.StaleRunAfter)
	assert.True(t, cfg.Sync.DedupAfterRun)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.MaxSkew)
	assert.Equal(t, 8, cfg.Webhook.Workers)
	assert.Equal(t, "memory", cfg.Webhook.Backend)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
  format: console
sync:
  page_size: 50
  max_consecutive_gaps: 3
webhook:
  workers: 4
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 50, cfg.Sync.PageSize)
	assert.Equal(t, 3, cfg.Sync.MaxConsecutiveGaps)
	assert.Equal(t, 4, cfg.Webhook.Workers)
	// Defaults still apply for unset values
	assert.Equal(t, 1, cfg.Sync.SkipSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("CRMSYNC_STORE_DRIVER", "postgres")
	t.Setenv("CRMSYNC_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CRMSYNC_SERVER_PORT=3000\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("CRMSYNC_SERVER_PORT") }) //nolint:errcheck

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/crm"
	cfg.Upstream.Provider = "hubspot"
	cfg.Upstream.HubSpot.Token = "pat-token"
	cfg.Sync.PageSize = 100
	cfg.Sync.SkipSize = 1
	cfg.Sync.MaxConsecutiveGaps = 5
	cfg.Webhook.Workers = 8
	cfg.Webhook.Backend = "memory"
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "sync ok", mode: "sync"},
		{name: "serve ok", mode: "serve"},
		{name: "store ok without upstream", mode: "store", mutate: func(c *Config) { c.Upstream.HubSpot.Token = "" }},
		{name: "missing database url", mode: "store", mutate: func(c *Config) { c.Store.DatabaseURL = "" }, wantErr: "store.database_url is required"},
		{name: "sqlite needs path", mode: "store", mutate: func(c *Config) { c.Store.Driver = "sqlite" }, wantErr: "store.sqlite_path is required"},
		{name: "unknown driver", mode: "store", mutate: func(c *Config) { c.Store.Driver = "mysql" }, wantErr: "unknown store driver"},
		{name: "missing hubspot token", mode: "sync", mutate: func(c *Config) { c.Upstream.HubSpot.Token = "" }, wantErr: "upstream.hubspot.token is required"},
		{name: "salesforce creds", mode: "sync", mutate: func(c *Config) { c.Upstream.Provider = "salesforce" }, wantErr: "upstream.salesforce"},
		{name: "page size too large", mode: "sync", mutate: func(c *Config) { c.Sync.PageSize = 500 }, wantErr: "sync.page_size must be between 1 and 100"},
		{name: "skip size", mode: "sync", mutate: func(c *Config) { c.Sync.SkipSize = 0 }, wantErr: "sync.skip_size"},
		{name: "gap budget", mode: "sync", mutate: func(c *Config) { c.Sync.MaxConsecutiveGaps = 0 }, wantErr: "max_consecutive_gaps"},
		{name: "invalid port", mode: "serve", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port must be > 0"},
		{name: "amqp needs url", mode: "serve", mutate: func(c *Config) { c.Webhook.Backend = "amqp" }, wantErr: "webhook.amqp_url is required"},
		{name: "unknown mode", mode: "bogus", wantErr: "unknown mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := cfg.Validate(tt.mode)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "prod.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: sqlite\nwebhook:\n  breaker_cooldown: 2m\n"), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 2*time.Minute, cfg.Webhook.BreakerCooldown)
	assert.Equal(t, 10, cfg.Webhook.BreakerThreshold)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err, "an explicit file must exist")
	assert.Contains(t, err.Error(), "config: read file")
}
