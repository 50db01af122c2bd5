// Package config loads and validates console configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all console configuration.
type Config struct {
	// Backend settings.
	BackendURL     string
	BackendAPIKey  string
	BackendTimeout time.Duration

	// Conversation log. DatabaseURL selects the direct Postgres log; otherwise
	// JournalPath selects the local SQLite journal; otherwise the backend API.
	DatabaseURL string
	JournalPath string

	// Run observation.
	PollInterval         time.Duration
	FirstPipelineRecipe  string // Recipe id that gets the next-step suggestion.
	OperationFlashWindow time.Duration
	RefreshInterval      time.Duration // Minimum gap between artifact refreshes of one run; 0 never throttles.

	// Redis cache invalidated when a run finishes. Empty disables it.
	RedisURL    string
	CachePrefix string

	// Persistence writer.
	WriterBatchSize     int
	WriterFlushInterval time.Duration
	WriterAttempts      int
	WriterBaseDelay     time.Duration

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel       string
	DefaultSpeaker string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present. Every
// malformed variable is reported, not just the first.
func Load() (Config, error) {
	_ = godotenv.Load() // Missing .env is normal outside development.

	var errs []error
	str := func(key, def string) string { return envStr(key, def) }
	integer := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = append(errs, err)
		return v
	}
	boolean := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = append(errs, err)
		return v
	}
	duration := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = append(errs, err)
		return v
	}

	cfg := Config{
		BackendURL:           str("TIMELINE_BACKEND_URL", "http://localhost:8080"),
		BackendAPIKey:        str("TIMELINE_BACKEND_API_KEY", ""),
		BackendTimeout:       duration("TIMELINE_BACKEND_TIMEOUT", 30*time.Second),
		DatabaseURL:          str("DATABASE_URL", ""),
		JournalPath:          str("TIMELINE_JOURNAL_PATH", ""),
		PollInterval:         duration("TIMELINE_POLL_INTERVAL", 2*time.Second),
		FirstPipelineRecipe:  str("TIMELINE_FIRST_PIPELINE_RECIPE", "first-pipeline"),
		OperationFlashWindow: duration("TIMELINE_OPERATION_FLASH_WINDOW", 2*time.Second),
		RefreshInterval:      duration("TIMELINE_REFRESH_INTERVAL", 0),
		RedisURL:             str("TIMELINE_REDIS_URL", ""),
		CachePrefix:          str("TIMELINE_CACHE_PREFIX", "console:"),
		WriterBatchSize:      integer("TIMELINE_WRITER_BATCH_SIZE", 50),
		WriterFlushInterval:  duration("TIMELINE_WRITER_FLUSH_INTERVAL", 250*time.Millisecond),
		WriterAttempts:       integer("TIMELINE_WRITER_ATTEMPTS", 3),
		WriterBaseDelay:      duration("TIMELINE_WRITER_BASE_DELAY", 100*time.Millisecond),
		OTELEndpoint:         str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:          str("OTEL_SERVICE_NAME", "console"),
		OTELInsecure:         boolean("TIMELINE_OTEL_INSECURE", false),
		LogLevel:             str("TIMELINE_LOG_LEVEL", "info"),
		DefaultSpeaker:       str("TIMELINE_DEFAULT_SPEAKER", "Assistant"),
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges that parsing alone cannot catch.
func (c Config) Validate() error {
	var errs []error
	if c.BackendURL == "" && c.DatabaseURL == "" && c.JournalPath == "" {
		errs = append(errs, errors.New("config: one of TIMELINE_BACKEND_URL, DATABASE_URL or TIMELINE_JOURNAL_PATH is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("config: TIMELINE_POLL_INTERVAL must be positive"))
	}
	if c.WriterBatchSize <= 0 {
		errs = append(errs, errors.New("config: TIMELINE_WRITER_BATCH_SIZE must be positive"))
	}
	if c.WriterAttempts <= 0 {
		errs = append(errs, errors.New("config: TIMELINE_WRITER_ATTEMPTS must be positive"))
	}
	if c.RefreshInterval < 0 {
		errs = append(errs, errors.New("config: TIMELINE_REFRESH_INTERVAL must not be negative"))
	}
	if c.OperationFlashWindow < 0 {
		errs = append(errs, errors.New("config: TIMELINE_OPERATION_FLASH_WINDOW must not be negative"))
	}
	return errors.Join(errs...)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
