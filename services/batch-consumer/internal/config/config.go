// services/batch-consumer/internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/YaganovValera/batch-retry/common/backoff"
	"github.com/YaganovValera/batch-retry/common/configloader"
	"github.com/YaganovValera/batch-retry/common/kafka/classify"
)

// EnvPrefix — префикс переменных окружения сервиса.
const EnvPrefix = "BATCHCONSUMER"

// -----------------------------------------------------------------------------
// Структуры
// -----------------------------------------------------------------------------

type Config struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`

	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Retry      RetryConfig      `mapstructure:"retry"`
	DeadLetter DeadLetterConfig `mapstructure:"dead_letter"`
	Processor  ProcessorConfig  `mapstructure:"processor"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	HTTP       HTTPConfig       `mapstructure:"http"`
}

type KafkaConfig struct {
	Brokers         []string       `mapstructure:"brokers"`
	GroupID         string         `mapstructure:"group_id"`
	Version         string         `mapstructure:"version"`
	Topics          []string       `mapstructure:"topics"`
	InitialOffset   string         `mapstructure:"initial_offset"`
	Concurrency     int            `mapstructure:"concurrency"`
	BatchSize       int            `mapstructure:"batch_size"`
	BatchWait       time.Duration  `mapstructure:"batch_wait"`
	SessionTimeout  time.Duration  `mapstructure:"session_timeout"`
	MaxPollInterval time.Duration  `mapstructure:"max_poll_interval"`
	Timeout         time.Duration  `mapstructure:"timeout"`
	Acks            string         `mapstructure:"acks"`
	Compression     string         `mapstructure:"compression"`
	Backoff         backoff.Config `mapstructure:"backoff"`
}

// RetryConfig — какие сбои повторять и с какими паузами.
type RetryConfig struct {
	Retryable []string       `mapstructure:"retryable"`
	Policy    backoff.Policy `mapstructure:",squash"`
}

type DeadLetterConfig struct {
	Suffix string `mapstructure:"suffix"`
}

type ProcessorConfig struct {
	RecoverAfter int           `mapstructure:"recover_after"`
	PoisonMarker string        `mapstructure:"poison_marker"`
	Work         time.Duration `mapstructure:"work"`
	AttemptStore string        `mapstructure:"attempt_store"`
	Redis        RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	URL     string         `mapstructure:"url"`
	TTL     time.Duration  `mapstructure:"ttl"`
	Backoff backoff.Config `mapstructure:"backoff"`
}

type TelemetryConfig struct {
	OTLPEndpoint string  `mapstructure:"otel_endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	Disabled     bool    `mapstructure:"disabled"`
	SamplerRatio float64 `mapstructure:"sampler_ratio"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	DevMode bool   `mapstructure:"dev_mode"`
}

// --- HTTP ---

type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsPath     string        `mapstructure:"metrics_path"`
	HealthzPath     string        `mapstructure:"healthz_path"`
	ReadyzPath      string        `mapstructure:"readyz_path"`
}

// Хранилища счётчиков попыток демонстрационного обработчика.
const (
	AttemptStoreMemory = "memory"
	AttemptStoreRedis  = "redis"
)

// -----------------------------------------------------------------------------
// Load
// -----------------------------------------------------------------------------

func defaults() configloader.Defaults {
	return configloader.Defaults{
		"service_name":    "batch-consumer",
		"service_version": "v1.0.0",

		// Kafka
		"kafka.brokers":                  []string{"localhost:9092"},
		"kafka.group_id":                 "batch-consumer",
		"kafka.version":                  "2.8.0",
		"kafka.topics":                   []string{"events"},
		"kafka.initial_offset":           "oldest",
		"kafka.concurrency":              1,
		"kafka.batch_size":               100,
		"kafka.batch_wait":               "1s",
		"kafka.session_timeout":          "10s",
		"kafka.max_poll_interval":        "5m",
		"kafka.timeout":                  "15s",
		"kafka.acks":                     "all",
		"kafka.compression":              "none",
		"kafka.backoff.initial_interval": "1s",
		"kafka.backoff.max_interval":     "30s",
		"kafka.backoff.max_elapsed_time": "1m",

		// Retry: фиксированная пауза 1s, пять доставок
		"retry.retryable":            []string{classify.KindTransient},
		"retry.kind":                 string(backoff.PolicyFixed),
		"retry.interval":             backoff.DefaultInterval.String(),
		"retry.multiplier":           backoff.DefaultMultiplier,
		"retry.max_interval":         backoff.DefaultMaxInterval.String(),
		"retry.randomization_factor": 0.0,
		"retry.max_attempts":         backoff.DefaultMaxAttempts,
		"retry.max_elapsed_time":     "0s",

		"dead_letter.suffix": "-dlq",

		// Processor
		"processor.recover_after": 3,
		"processor.poison_marker": "",
		"processor.work":          "0s",
		"processor.attempt_store": AttemptStoreMemory,
		"processor.redis.url":     "",
		"processor.redis.ttl":     "10m",

		// Telemetry
		"telemetry.otel_endpoint": "otel-collector:4317",
		"telemetry.insecure":      false,
		"telemetry.disabled":      false,
		"telemetry.sampler_ratio": 1.0,

		// Logging
		"logging.level":    "info",
		"logging.dev_mode": false,

		// HTTP (полный набор)
		"http.port":             8090,
		"http.read_timeout":     "10s",
		"http.write_timeout":    "15s",
		"http.idle_timeout":     "60s",
		"http.shutdown_timeout": "5s",
		"http.metrics_path":     "/metrics",
		"http.healthz_path":     "/healthz",
		"http.readyz_path":      "/readyz",
	}
}

// Load читает YAML-файл (если задан), переменные BATCHCONSUMER_* и дефолты.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := configloader.Load(path, EnvPrefix, defaults(), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// -----------------------------------------------------------------------------
// Validation helpers
// -----------------------------------------------------------------------------

// Validate проверяет конфиг. Политика повторов предварительно дополняется
// значениями по умолчанию.
func (c *Config) Validate() error {
	// service
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required")
	}

	// kafka
	if err := validateKafka(&c.Kafka); err != nil {
		return err
	}

	// retry
	if _, err := classify.FromNames(c.Retry.Retryable); err != nil {
		return fmt.Errorf("retry.retryable: %w", err)
	}
	c.Retry.Policy.ApplyDefaults()
	if err := c.Retry.Policy.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	// пауза перед повторной доставкой идёт внутри обработки пачки
	if d := c.Retry.Policy.MaxDelay(); d >= c.Kafka.MaxPollInterval {
		return fmt.Errorf("retry: longest delay %s must be below kafka.max_poll_interval %s",
			d, c.Kafka.MaxPollInterval)
	}

	// dead letter
	if c.DeadLetter.Suffix == "" {
		return fmt.Errorf("dead_letter.suffix is required")
	}

	// processor
	if c.Processor.RecoverAfter < 1 {
		return fmt.Errorf("processor.recover_after must be ≥ 1")
	}
	if c.Processor.Work < 0 {
		return fmt.Errorf("processor.work must be ≥ 0")
	}
	switch strings.ToLower(c.Processor.AttemptStore) {
	case AttemptStoreMemory:
	case AttemptStoreRedis:
		if c.Processor.Redis.URL == "" {
			return fmt.Errorf("processor.redis.url is required for redis attempt store")
		}
		if c.Processor.Redis.TTL <= 0 {
			return fmt.Errorf("processor.redis.ttl must be > 0")
		}
	default:
		return fmt.Errorf("processor.attempt_store must be one of [memory, redis]")
	}

	// telemetry
	if !c.Telemetry.Disabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry.otel_endpoint is required")
	}
	if c.Telemetry.SamplerRatio < 0 || c.Telemetry.SamplerRatio > 1 {
		return fmt.Errorf("telemetry.sampler_ratio must be between 0 and 1")
	}

	// logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	// http
	return validateHTTP(&c.HTTP)
}

func validateKafka(k *KafkaConfig) error {
	if len(k.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if k.GroupID == "" {
		return fmt.Errorf("kafka.group_id is required")
	}
	if len(k.Topics) == 0 {
		return fmt.Errorf("kafka.topics must contain at least one topic")
	}
	if k.Concurrency <= 0 {
		return fmt.Errorf("kafka.concurrency must be > 0")
	}
	if k.BatchSize <= 0 {
		return fmt.Errorf("kafka.batch_size must be > 0")
	}
	durations := map[string]time.Duration{
		"kafka.batch_wait":        k.BatchWait,
		"kafka.session_timeout":   k.SessionTimeout,
		"kafka.max_poll_interval": k.MaxPollInterval,
		"kafka.timeout":           k.Timeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	switch strings.ToLower(k.InitialOffset) {
	case "oldest", "newest":
	default:
		return fmt.Errorf("kafka.initial_offset must be one of [oldest, newest]")
	}
	switch strings.ToLower(k.Acks) {
	case "all", "leader", "none":
	default:
		return fmt.Errorf("kafka.acks must be one of [all, leader, none]")
	}
	switch strings.ToLower(k.Compression) {
	case "none", "gzip", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("kafka.compression must be one of [none, gzip, snappy, lz4, zstd]")
	}
	return nil
}

func validateHTTP(h *HTTPConfig) error {
	if h.Port <= 0 || h.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}
	durations := map[string]time.Duration{
		"http.read_timeout":     h.ReadTimeout,
		"http.write_timeout":    h.WriteTimeout,
		"http.idle_timeout":     h.IdleTimeout,
		"http.shutdown_timeout": h.ShutdownTimeout,
	}
	for k, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", k)
		}
	}
	paths := map[string]string{
		"http.metrics_path": h.MetricsPath,
		"http.healthz_path": h.HealthzPath,
		"http.readyz_path":  h.ReadyzPath,
	}
	for k, p := range paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with '/'", k)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Debug print
// -----------------------------------------------------------------------------

func (c *Config) Print() {
	configloader.PrintConfig(c)
}
