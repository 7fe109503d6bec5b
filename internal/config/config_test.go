package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/italolelis/seedbox_relay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()

	t.Setenv("DOWNLOAD_DIR", "/data")
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, config.EngineEmbedded, cfg.Engine)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 10, cfg.ProgressStep)
	assert.Equal(t, time.Second, cfg.PacingInterval)
	assert.Equal(t, "reject", cfg.SessionPolicy)
	assert.Equal(t, "https://api.telegram.org", cfg.Telegram.APIURL)
	assert.Equal(t, "0.0.0.0:9091", cfg.Web.BindAddress)
	assert.Equal(t, "/json", cfg.Deluge.APIPath)

	limit, err := cfg.PayloadLimit()
	require.NoError(t, err)
	assert.Equal(t, int64(50*1024*1024), limit)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ENGINE", "deluge")
	t.Setenv("DELUGE_BASE_URL", "http://deluge:8112")
	t.Setenv("ALLOWED_USERS", "42,alice")
	t.Setenv("MAX_PAYLOAD_SIZE", "2GB")
	t.Setenv("SESSION_POLICY", "replace")
	t.Setenv("WEB_USERNAME", "admin")
	t.Setenv("EMBEDDED_DOWNLOAD_RATE_LIMIT", "1MiB")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "http://deluge:8112", cfg.Deluge.BaseURL)
	assert.Equal(t, []string{"42", "alice"}, cfg.AllowedUsers)
	assert.Equal(t, "admin", cfg.Web.Username)

	limit, err := cfg.PayloadLimit()
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000_000), limit)

	rate, err := cfg.EmbeddedRateLimit()
	require.NoError(t, err)
	assert.Equal(t, int64(1024*1024), rate)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"unknown engine", map[string]string{"ENGINE": "qbittorrent"}, "unknown ENGINE"},
		{"deluge without url", map[string]string{"ENGINE": "deluge"}, "DELUGE_BASE_URL"},
		{"putio without token", map[string]string{"ENGINE": "putio"}, "PUTIO_TOKEN"},
		{"bad policy", map[string]string{"SESSION_POLICY": "queue"}, "SESSION_POLICY"},
		{"bad payload size", map[string]string{"MAX_PAYLOAD_SIZE": "lots"}, "MAX_PAYLOAD_SIZE"},
		{"zero progress step", map[string]string{"PROGRESS_STEP": "0"}, "PROGRESS_STEP"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)

			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := config.LoadConfig()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Warn", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &config.Config{LogLevel: tt.level}
			assert.Equal(t, tt.want, cfg.SlogLevel())
		})
	}
}
