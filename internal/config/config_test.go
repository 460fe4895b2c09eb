package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test from an empty directory so no stray config.yaml or
// .env is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	for _, name := range legacyEnv {
		t.Setenv(name, "")
	}
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://mempool.space/api", cfg.Upstream.BaseURL)
	assert.Equal(t, 3, cfg.Upstream.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Upstream.RetryDelay)
	assert.Equal(t, time.Second, cfg.Upstream.MinInterval)
	assert.Equal(t, 10*time.Second, cfg.Upstream.RequestTimeout)
	assert.Equal(t, CacheBackendFile, cfg.Cache.Backend)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 10, cfg.History.RecentLimit)
	assert.Equal(t, []string{"log"}, cfg.Alerting.Channels)
	assert.Empty(t, cfg.LLM.APIKey)
	assert.Equal(t, "stderr", cfg.Logging.Output)
	assert.Equal(t, "btc-fee-agent/dev", cfg.Upstream.UserAgent)
}

func TestLoadFileAndPrefixedEnv(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "feeagent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
upstream:
  max_attempts: 5
  retry_delay: 250ms
server:
  allowed_origins: ["https://a.example"]
history:
  recent_limit: 25
`), 0o600))

	t.Setenv("FEEAGENT_HISTORY_RECENT_LIMIT", "7")
	t.Setenv("FEEAGENT_SERVER_ALLOWED_ORIGINS", "https://b.example,https://c.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Upstream.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Upstream.RetryDelay)
	assert.Equal(t, 7, cfg.History.RecentLimit)
	assert.Equal(t, []string{"https://b.example", "https://c.example"}, cfg.Server.AllowedOrigins)
}

func TestLoadLegacyEnvAliases(t *testing.T) {
	isolate(t)
	t.Setenv("MEMPOOL_BASE_URL", "http://mempool.local/api")
	t.Setenv("MEMPOOL_TIMEOUT", "4")
	t.Setenv("MEMPOOL_RETRY_COUNT", "6")
	t.Setenv("MEMPOOL_RETRY_DELAY", "1.5")
	t.Setenv("MEMPOOL_RATE_LIMIT_SECONDS", "500ms")
	t.Setenv("GEMINI_API_KEY", "secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://mempool.local/api", cfg.Upstream.BaseURL)
	assert.Equal(t, 4*time.Second, cfg.Upstream.RequestTimeout)
	assert.Equal(t, 7, cfg.Upstream.MaxAttempts, "six retries after the first attempt")
	assert.Equal(t, 1500*time.Millisecond, cfg.Upstream.RetryDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Upstream.MinInterval)
	assert.Equal(t, "secret", cfg.LLM.APIKey)
}

func TestLegacyRetryCountZeroMeansSingleAttempt(t *testing.T) {
	isolate(t)
	t.Setenv("MEMPOOL_RETRY_COUNT", "0")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Upstream.MaxAttempts)
}

func TestPrefixedEnvWinsOverLegacy(t *testing.T) {
	isolate(t)
	t.Setenv("MEMPOOL_RETRY_COUNT", "6")
	t.Setenv("FEEAGENT_UPSTREAM_MAX_ATTEMPTS", "2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Upstream.MaxAttempts)
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("FEEAGENT_APP_ENVIRONMENT=staging\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("FEEAGENT_APP_ENVIRONMENT") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.App.Environment)
}

func TestValidate(t *testing.T) {
	isolate(t)
	base, err := Load("")
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"zero attempts":     func(c *Config) { c.Upstream.MaxAttempts = 0 },
		"negative delay":    func(c *Config) { c.Upstream.RetryDelay = -time.Second },
		"unknown backend":   func(c *Config) { c.Cache.Backend = "memcached" },
		"redis without url": func(c *Config) { c.Cache.Backend = CacheBackendRedis },
		"zero interval":     func(c *Config) { c.Scheduler.Interval = 0 },
		"telegram no token": func(c *Config) { c.Alerting.Telegram.Enabled = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := *base
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 500}}
	assert.Equal(t, 500, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 20, cfg.ResolveMaxPoints(20))
}
