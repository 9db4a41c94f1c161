// Package config loads process configuration the way the teacher's
// ws/config.go does: a typed struct populated from the environment via
// caarlos0/env struct tags, with an optional .env file read first
// through joho/godotenv (a missing file is not an error), followed by
// range/enum validation before the supervisor starts anything.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every environment-sourced setting the supervisor needs
// to build the subscription store, primary sink, spooler, limiter, and
// breaker defaults for every exchange it runs.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// On-disk inputs (§6): a rules TOML file per exchange directory and
	// one coverage manifest YAML file.
	RulesDir     string `env:"RULES_DIR" envDefault:"./config/rules"`
	ManifestPath string `env:"MANIFEST_PATH" envDefault:"./config/manifest.yaml"`

	// Subscription store (D), embedded pebble KV, one DB per process.
	StorePath string `env:"STORE_PATH" envDefault:"./data/store"`

	// Primary sink (K), NATS JetStream.
	SinkURL           string        `env:"SINK_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	SinkSubjectPrefix string        `env:"SINK_SUBJECT_PREFIX" envDefault:"collector"`
	SinkStreamName    string        `env:"SINK_STREAM_NAME" envDefault:"COLLECTOR_EVENTS"`
	SinkMaxRetries    int           `env:"SINK_MAX_RETRIES" envDefault:"3"`
	SinkBackoffBase   time.Duration `env:"SINK_BACKOFF_BASE" envDefault:"100ms"`
	SinkBackoffCap    time.Duration `env:"SINK_BACKOFF_CAP" envDefault:"5s"`
	SinkMaxReconnects int           `env:"SINK_MAX_RECONNECTS" envDefault:"60"`
	SinkReconnectWait time.Duration `env:"SINK_RECONNECT_WAIT" envDefault:"2s"`

	// Spooler (H), durable NDJSON overflow fallback.
	SpoolDir             string `env:"SPOOL_DIR" envDefault:"./data/spool"`
	SpoolMaxSegmentBytes int64  `env:"SPOOL_MAX_SEGMENT_BYTES" envDefault:"67108864"`  // 64MB
	SpoolMaxTotalBytes   int64  `env:"SPOOL_MAX_TOTAL_BYTES" envDefault:"1073741824"` // 1GB
	SpoolFsyncEveryN     int    `env:"SPOOL_FSYNC_EVERY_N" envDefault:"100"`

	// Dedup window (J).
	DedupWindowSeconds int `env:"DEDUP_WINDOW_SECONDS" envDefault:"5"`
	DedupMaxKeys       int `env:"DEDUP_MAX_KEYS" envDefault:"100000"`

	// Replay worker (L).
	ReplayBatchSize    int           `env:"REPLAY_BATCH_SIZE" envDefault:"200"`
	ReplayRateLimit    time.Duration `env:"REPLAY_RATE_LIMIT" envDefault:"10ms"`
	ReplayPollInterval time.Duration `env:"REPLAY_POLL_INTERVAL" envDefault:"2s"`

	// Circuit breaker (G), applied to every connection; rules files
	// carry no breaker settings.
	BreakerFailureThreshold  int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerSuccessThreshold  int           `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"2"`
	BreakerCooldown          time.Duration `env:"BREAKER_COOLDOWN" envDefault:"30s"`
	BreakerHalfOpenMaxTrials int           `env:"BREAKER_HALF_OPEN_MAX_TRIALS" envDefault:"3"`

	// Storm guard, independent of the breaker (spec.md §4.7/§9).
	StormGuardBurst     int           `env:"STORM_GUARD_BURST" envDefault:"5"`
	StormGuardPerSecond float64       `env:"STORM_GUARD_PER_SECOND" envDefault:"0.5"`
	StormGuardTTL       time.Duration `env:"STORM_GUARD_TTL" envDefault:"10m"`

	// Outbound queue (E).
	QueueCapacity int `env:"QUEUE_CAPACITY" envDefault:"256"`

	// Rate limiter (F) — one bucket per class; only the min gap is
	// env-tunable, every class's bucket is sized from the rules file's
	// rate.messages_per_second at supervisor wiring time.
	LimiterMinGap time.Duration `env:"LIMITER_MIN_GAP" envDefault:"0"`

	// Process-wide resource sampling (ambient, §9).
	MetricsAddr     string        `env:"METRICS_ADDR" envDefault:":9102"`
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"10s"`

	// Connection runner (I) defaults.
	RulesBatchSize        int           `env:"RULES_BATCH_SIZE" envDefault:"10"`
	DeadletterMaxAttempts int           `env:"DEADLETTER_MAX_ATTEMPTS" envDefault:"5"`
	BackoffBase           time.Duration `env:"BACKOFF_BASE" envDefault:"500ms"`
	BackoffCap            time.Duration `env:"BACKOFF_CAP" envDefault:"30s"`
	SubscribeInterval     time.Duration `env:"SUBSCRIBE_INTERVAL" envDefault:"1s"`
	StaleSweepInterval    time.Duration `env:"STALE_SWEEP_INTERVAL" envDefault:"30s"`
	StaleSweepMaxBatch    int           `env:"STALE_SWEEP_MAX_BATCH" envDefault:"100"`
	DrainTimeout          time.Duration `env:"DRAIN_TIMEOUT" envDefault:"5s"`
	JoinTimeout           time.Duration `env:"JOIN_TIMEOUT" envDefault:"5s"`

	// Logging.
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads an optional .env file then the environment into a Config,
// validating before returning. logger may be nil (startup, before the
// logger itself is built from this same Config).
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("config: no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("config: loaded .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate rejects out-of-range or nonsensical values before the
// supervisor builds anything from them.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("STORE_PATH is required")
	}
	if c.SinkURL == "" {
		return fmt.Errorf("SINK_NATS_URL is required")
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("QUEUE_CAPACITY must be > 0, got %d", c.QueueCapacity)
	}
	if c.DedupWindowSeconds < 0 {
		return fmt.Errorf("DEDUP_WINDOW_SECONDS must be >= 0, got %d", c.DedupWindowSeconds)
	}
	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be > 0, got %d", c.BreakerFailureThreshold)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got %q)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the loaded configuration via structured logging,
// matching the teacher's Config.LogConfig.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("rules_dir", c.RulesDir).
		Str("manifest_path", c.ManifestPath).
		Str("store_path", c.StorePath).
		Str("sink_url", c.SinkURL).
		Str("spool_dir", c.SpoolDir).
		Int("queue_capacity", c.QueueCapacity).
		Str("metrics_addr", c.MetricsAddr).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
