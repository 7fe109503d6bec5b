package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kelseyhightower/envconfig"
)

// Supported download engines.
const (
	EngineEmbedded = "embedded"
	EngineDeluge   = "deluge"
	EnginePutio    = "putio"
)

// Config struct for environment variables.
type Config struct {
	Engine         string        `envconfig:"ENGINE" default:"embedded"`
	DownloadDir    string        `envconfig:"DOWNLOAD_DIR" required:"true"`
	PollInterval   time.Duration `envconfig:"POLL_INTERVAL" default:"2s"`
	ProgressStep   int           `envconfig:"PROGRESS_STEP" default:"10"`
	PacingInterval time.Duration `envconfig:"PACING_INTERVAL" default:"1s"`
	MaxPayloadSize string        `envconfig:"MAX_PAYLOAD_SIZE" default:"50MiB"`
	SessionPolicy  string        `envconfig:"SESSION_POLICY" default:"reject"`
	MaxParallel    int           `envconfig:"MAX_PARALLEL" default:"5"`
	CleanupTimeout time.Duration `envconfig:"CLEANUP_TIMEOUT" default:"1m"`

	AllowedUsers      []string      `envconfig:"ALLOWED_USERS"`
	KeepOrphanedFor   time.Duration `envconfig:"KEEP_ORPHANED_FOR" default:"24h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string        `envconfig:"DB_PATH" default:"sessions.db"`

	Telegram struct {
		Token  string `split_words:"true"`
		APIURL string `envconfig:"API_URL" default:"https://api.telegram.org"`
	}

	Embedded struct {
		ListenPort        int    `split_words:"true" default:"42069"`
		DownloadRateLimit string `split_words:"true"`
		NoDHT             bool   `split_words:"true"`
	}

	Deluge struct {
		BaseURL  string `split_words:"true"`
		APIPath  string `split_words:"true" default:"/json"`
		Password string `split_words:"true"`
		Insecure bool   `split_words:"true"`
	}

	Putio struct {
		Token string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		OTLPEndpoint string `split_words:"true"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks settings envconfig cannot express.
func (c *Config) Validate() error {
	var errs []error

	switch c.Engine {
	case EngineEmbedded:
	case EngineDeluge:
		if c.Deluge.BaseURL == "" {
			errs = append(errs, errors.New("DELUGE_BASE_URL is required for the deluge engine"))
		}
	case EnginePutio:
		if c.Putio.Token == "" {
			errs = append(errs, errors.New("PUTIO_TOKEN is required for the putio engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ENGINE %q", c.Engine))
	}

	if c.SessionPolicy != "reject" && c.SessionPolicy != "replace" {
		errs = append(errs, fmt.Errorf("SESSION_POLICY must be reject or replace, got %q", c.SessionPolicy))
	}

	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}

	if c.ProgressStep <= 0 || c.ProgressStep > 100 {
		errs = append(errs, errors.New("PROGRESS_STEP must be between 1 and 100"))
	}

	if _, err := c.PayloadLimit(); err != nil {
		errs = append(errs, err)
	}

	if _, err := c.EmbeddedRateLimit(); err != nil {
		errs = append(errs, err)
	}

	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("TELEGRAM_TOKEN is required"))
	}

	return errors.Join(errs...)
}

// PayloadLimit returns MAX_PAYLOAD_SIZE in bytes.
func (c *Config) PayloadLimit() (int64, error) {
	n, err := humanize.ParseBytes(c.MaxPayloadSize)
	if err != nil {
		return 0, fmt.Errorf("invalid MAX_PAYLOAD_SIZE %q: %w", c.MaxPayloadSize, err)
	}

	if n == 0 {
		return 0, errors.New("MAX_PAYLOAD_SIZE must be positive")
	}

	return int64(n), nil
}

// EmbeddedRateLimit returns the embedded engine's download limit in bytes per second, 0 for none.
func (c *Config) EmbeddedRateLimit() (int64, error) {
	if c.Embedded.DownloadRateLimit == "" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(c.Embedded.DownloadRateLimit)
	if err != nil {
		return 0, fmt.Errorf("invalid EMBEDDED_DOWNLOAD_RATE_LIMIT %q: %w", c.Embedded.DownloadRateLimit, err)
	}

	return int64(n), nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
