package discordbot

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, HistoryReplyChain, cfg.History.Strategy)
	assert.Equal(t, 180*time.Second, cfg.Model.AttemptTimeout)
	assert.Equal(t, 0, cfg.Model.DefaultIndex)
	assert.Equal(t, 1, cfg.Model.WelcomeGoodbyeIndex)
	assert.True(t, cfg.Modules.Main)
	assert.False(t, cfg.Modules.Voice)
	assert.False(t, cfg.API.Enabled)

	// a token is the only required value
	require.Error(t, cfg.Validate())
	cfg.Discord.Token = "token"
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*Config)
	}{
		{name: "database type", configure: func(c *Config) { c.DatabaseType = "mysql" }},
		{name: "provider", configure: func(c *Config) { c.Model.Provider = "local" }},
		{name: "strategy", configure: func(c *Config) { c.History.Strategy = "everything" }},
		{name: "negative index", configure: func(c *Config) { c.Model.DefaultIndex = -1 }},
		{name: "attempt timeout", configure: func(c *Config) { c.Model.AttemptTimeout = time.Millisecond }},
		{name: "timeout duration", configure: func(c *Config) { c.Timeout.Duration = 0 }},
		{name: "cache size", configure: func(c *Config) { c.History.CacheSize = 0 }},
		{name: "listen network", configure: func(c *Config) { c.API.ListenNetwork = "udp" }},
		{name: "missing section", configure: func(c *Config) { c.Modules = nil }},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := testConfig(t)
				require.NoError(t, cfg.Validate())
				tc.configure(cfg)
				assert.Error(t, cfg.Validate())
			},
		)
	}
}

func TestConfigAdoptLevels(t *testing.T) {
	prev := testConfig(t)
	prevModel := prev.Model.LogLevel

	next := testConfig(t)
	next.Model.LogLevel.Set(slog.LevelError)
	next.API.LogLevel = nil

	next.adoptLevels(prev)

	assert.Same(t, prevModel, next.Model.LogLevel)
	assert.Equal(t, slog.LevelError, prevModel.Level())
	assert.Same(t, prev.API.LogLevel, next.API.LogLevel)
	assert.Equal(t, DefaultAPILogLevel, next.API.LogLevel.Level())

	// nothing to adopt
	next.adoptLevels(nil)
	assert.Same(t, prevModel, next.Model.LogLevel)
}

func TestConfigRedacted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Model.APIKey = "sk-secret"
	cfg.API.Secret = "cookie-secret"
	cfg.API.AdminPasswordHash = "$argon2id$..."

	m := cfg.Redacted()
	require.NotNil(t, m)
	assert.Equal(t, "[redacted]", m["database"])
	assert.Equal(t, "sqlite", m["database_type"])
	assert.Equal(t, "DEBUG", m["log_level"])

	discord, ok := m["discord"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[redacted]", discord["token"])
	assert.Equal(t, "owner", discord["owner_id"])
	assert.Equal(t, "WARN", discord["log_level"])

	model, ok := m["model"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[redacted]", model["api_key"])
	assert.Equal(t, "3m0s", model["attempt_timeout"])
	assert.Equal(t, []string{"m0", "m1", "m2"}, model["roster"])

	api, ok := m["api"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[redacted]", api["secret"])
	assert.Equal(t, "[redacted]", api["admin_password_hash"])
	assert.NotContains(t, api, "admin_username", "empty strings are omitted")
}
