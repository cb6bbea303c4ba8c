package shared

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvKeyOpenAIAPIKey, EnvKeyOpenAIBaseURL, EnvKeyFoursquareToken, EnvKeyAmadeusAPIKey,
		EnvKeyAmadeusClientID, EnvKeyAmadeusClientSecret, EnvKeyTavilyAPIKey,
		EnvKeyRedisURL, EnvKeyListenAddr,
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":3000", cfg.Server.Addr)
	assert.Equal(t, "/ws", cfg.Server.Path)
	assert.Equal(t, 15*time.Second, cfg.Tools.DefaultTimeout)
	assert.Equal(t, StateBackendMemory, cfg.State.Backend)
	assert.Equal(t, ModelTransportWebSocket, cfg.Model.Transport)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv(EnvKeyOpenAIAPIKey, "sk-test")
	t.Setenv(EnvKeyRedisURL, "redis://localhost:6379/0")

	path := filepath.Join(t.TempDir(), "concierge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":8080"
  idle_timeout: 2m
model:
  voice: verse
tools:
  default_timeout: 10s
  timeouts:
    flight_create_order: 30s
state:
  backend: redis
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 2*time.Minute, cfg.Server.IdleTimeout)
	assert.Equal(t, "verse", cfg.Model.Voice)
	assert.Equal(t, "gpt-realtime", cfg.Model.Model)
	assert.Equal(t, "sk-test", cfg.Model.APIKey)
	assert.Equal(t, 10*time.Second, cfg.Tools.DefaultTimeout)
	assert.Equal(t, 30*time.Second, cfg.Tools.Timeouts["flight_create_order"])
	assert.Equal(t, "redis://localhost:6379/0", cfg.State.RedisURL)

	dump, err := cfg.Dump()
	require.NoError(t, err)
	assert.NotContains(t, dump, "sk-test")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Model.Transport = "carrier-pigeon" }},
		{"redis without url", func(c *Config) { c.State.Backend = StateBackendRedis }},
		{"unknown backend", func(c *Config) { c.State.Backend = "graph" }},
		{"zero tool timeout", func(c *Config) { c.Tools.DefaultTimeout = 0 }},
		{"relative path", func(c *Config) { c.Server.Path = "ws" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
