package conf

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "DATA_DIR", "STORE_BACKEND", "HISTORY_LIMIT", "LIST_TIMEOUT", "INIT_TIMEOUT", "DRIVER_COMMAND", "DRIVER_ARGS"} {
		t.Setenv(key, "")
	}

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3002, cfg.Server.Port)
	assert.Equal(t, "./data", cfg.Store.DataDir)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, 7*time.Second, cfg.Timeouts.List)
	assert.Equal(t, 15*time.Second, cfg.Timeouts.Send)
	assert.Equal(t, 60*time.Second, cfg.Timeouts.Init)
	assert.Equal(t, 50, cfg.Timeouts.HistoryLimit)
	assert.Equal(t, time.Second, cfg.Store.Debounce)
	assert.Equal(t, []string{"driver/index.js"}, cfg.Driver.Args)
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("STORE_BACKEND", "file")
	t.Setenv("LIST_TIMEOUT", "2500")
	t.Setenv("SEND_TIMEOUT", "20s")
	t.Setenv("DRIVER_ARGS", "wa.js --headless")
	t.Setenv("DEBUG", "true")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, 2500*time.Millisecond, cfg.Timeouts.List)
	assert.Equal(t, 20*time.Second, cfg.Timeouts.Send)
	assert.Equal(t, []string{"wa.js", "--headless"}, cfg.Driver.Args)
	assert.True(t, cfg.Debug)
}

func TestLoadFromEnv_Malformed(t *testing.T) {
	t.Setenv("HISTORY_TIMEOUT", "soon")

	_, err := LoadFromEnv()

	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "HISTORY_TIMEOUT", ce.Field)
}

func TestValidate(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	base, err := LoadFromEnv()
	require.NoError(t, err)

	tests := []struct {
		name  string
		edit  func(c *Config)
		field string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "PORT"},
		{"bad backend", func(c *Config) { c.Store.Backend = "redis" }, "STORE_BACKEND"},
		{"zero timeout", func(c *Config) { c.Timeouts.Evaluate = 0 }, "EVALUATE_TIMEOUT"},
		{"half feishu", func(c *Config) { c.Feishu.AppID = "cli_x"; c.Feishu.AppSecret = "" }, "FEISHU_APP_ID/FEISHU_APP_SECRET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.edit(&cfg)
			var ce *ConfigError
			require.ErrorAs(t, cfg.Validate(), &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}
