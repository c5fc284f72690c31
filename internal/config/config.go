package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// MaxParallelism is the upper bound of the admissible parallelism range.
// Values outside 1..MaxParallelism are rejected at configuration time, not
// clamped.
const MaxParallelism = 20

// Config struct for environment variables. CLI flags may override the fields
// that have a flag counterpart.
type Config struct {
	OutputDir   string `envconfig:"OUTPUT_DIR" default:"./downloads"`
	MaxFiles    int    `envconfig:"FILE_COUNT" default:"100"`
	Parallelism int    `envconfig:"PARALLEL_DOWNLOADS" default:"3"`

	// CurlFile points at a file holding the operator's pasted curl command.
	// Empty means the command is read from stdin at startup.
	CurlFile string `envconfig:"CURL_FILE"`

	MaxAttempts   int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	RetryBackoff  time.Duration `envconfig:"RETRY_BACKOFF" default:"2s"`
	HeaderTimeout time.Duration `envconfig:"HEADER_TIMEOUT" default:"30s"`

	// SessionWarnAfter is the advisory credential age threshold. It only
	// produces a warning event; the pool pauses on actual rejection.
	SessionWarnAfter time.Duration `envconfig:"SESSION_WARN_AFTER" default:"45m"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled     bool   `split_words:"true" default:"true"`
		ServiceName string `split_words:"true" default:"takeout_downloader"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8420"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

// Validate rejects configurations the orchestrator must not start with.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("output directory must not be empty")
	}

	if c.MaxFiles < 1 {
		return fmt.Errorf("file count must be at least 1, got %d", c.MaxFiles)
	}

	if c.Parallelism < 1 || c.Parallelism > MaxParallelism {
		return fmt.Errorf("parallelism must be in 1..%d, got %d", MaxParallelism, c.Parallelism)
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}

	return nil
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
