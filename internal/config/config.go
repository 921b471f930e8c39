// Package config loads the proxy's configuration the way the teacher's
// ws/config.go does: environment variables (with caarlos0/env), an
// optional .env file (joho/godotenv), then validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all condensation-proxy configuration (spec §6 "Configuration
// surface"). Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Broker connectivity
	KafkaBrokers      string `env:"PROXY_KAFKA_BROKERS" envDefault:""`
	KafkaConsumerGroup string `env:"PROXY_KAFKA_CONSUMER_GROUP" envDefault:"condense-proxy-group"`
	NatsURL           string `env:"PROXY_NATS_URL" envDefault:""`
	Destination       string `env:"PROXY_DESTINATION" envDefault:"default"`

	// Condensation
	CondenserEnabled bool          `env:"PROXY_CONDENSER_ENABLED" envDefault:"true"`
	CriteriaEnabled  bool          `env:"PROXY_CRITERIA_ENABLED" envDefault:"true"`
	WindowMs         int64         `env:"PROXY_CONDENSER_WINDOW_MS" envDefault:"1000"`
	MaxBatchSize     int           `env:"PROXY_CONDENSER_MAX_BATCH_SIZE" envDefault:"100"`
	FlushIntervalMs  int64         `env:"PROXY_FLUSH_INTERVAL_MS" envDefault:"500"`
	PreserveOrder    bool          `env:"PROXY_PRESERVE_MESSAGE_ORDER" envDefault:"true"`
	MetricsEnabled   bool          `env:"PROXY_ENABLE_METRICS" envDefault:"false"`

	TimestampFieldsExclude string `env:"PROXY_TIMESTAMP_FIELDS_EXCLUDE" envDefault:"timestamp,time,datetime,date,ts,createdAt,created_at,updatedAt,updated_at,eventTime,event_time"`
	TimestampFieldsExtract string `env:"PROXY_TIMESTAMP_FIELDS_EXTRACT" envDefault:"timestamp,time,datetime,ts,createdAt,created_at,eventTime,event_time"`

	// Safety thresholds (same naming convention as the teacher's container
	// CPU guard, repurposed here to gate the scheduler's load warning).
	CPUPauseThreshold float64 `env:"PROXY_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`

	ConsumerQueueCapacity int `env:"PROXY_CONSUMER_QUEUE_CAPACITY" envDefault:"1000"`

	// Monitoring
	MetricsAddr     string        `env:"PROXY_METRICS_ADDR" envDefault:":9090"`
	MetricsInterval time.Duration `env:"PROXY_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"PROXY_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"PROXY_LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and environment
// variables (ENV vars win), then validates it. logger may be nil during
// early startup, before a structured logger exists.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for internal consistency.
func (c *Config) Validate() error {
	if c.WindowMs <= 0 {
		return fmt.Errorf("PROXY_CONDENSER_WINDOW_MS must be > 0, got %d", c.WindowMs)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("PROXY_CONDENSER_MAX_BATCH_SIZE must be > 0, got %d", c.MaxBatchSize)
	}
	if c.FlushIntervalMs <= 0 {
		return fmt.Errorf("PROXY_FLUSH_INTERVAL_MS must be > 0, got %d", c.FlushIntervalMs)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("PROXY_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.ConsumerQueueCapacity <= 0 {
		return fmt.Errorf("PROXY_CONSUMER_QUEUE_CAPACITY must be > 0, got %d", c.ConsumerQueueCapacity)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("PROXY_LOG_LEVEL must be one of debug, info, warn, error (got %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("PROXY_LOG_FORMAT must be one of json, text, pretty (got %s)", c.LogFormat)
	}
	return nil
}

// KafkaBrokerList splits the comma-separated PROXY_KAFKA_BROKERS value.
func (c *Config) KafkaBrokerList() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// TimestampExcludeList splits PROXY_TIMESTAMP_FIELDS_EXCLUDE.
func (c *Config) TimestampExcludeList() []string {
	return splitCSV(c.TimestampFieldsExclude)
}

// TimestampExtractList splits PROXY_TIMESTAMP_FIELDS_EXTRACT.
func (c *Config) TimestampExtractList() []string {
	return splitCSV(c.TimestampFieldsExtract)
}

func splitCSV(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(f); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// LogConfig logs the loaded configuration using structured logging, the
// same shape as the teacher's Config.LogConfig.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("destination", c.Destination).
		Bool("condenser_enabled", c.CondenserEnabled).
		Bool("criteria_enabled", c.CriteriaEnabled).
		Int64("window_ms", c.WindowMs).
		Int("max_batch_size", c.MaxBatchSize).
		Int64("flush_interval_ms", c.FlushIntervalMs).
		Bool("preserve_message_order", c.PreserveOrder).
		Bool("metrics_enabled", c.MetricsEnabled).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Int("consumer_queue_capacity", c.ConsumerQueueCapacity).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("condensation proxy configuration loaded")
}
