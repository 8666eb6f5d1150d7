package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	AES       AESConfig       `mapstructure:"aes"`
	Log       LogConfig       `mapstructure:"log"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
}

type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Mode        string `mapstructure:"mode"`         // debug, release, test
	MetricsPort int    `mapstructure:"metrics_port"` // worker /metrics listener, 0 = off
	DocsPath    string `mapstructure:"docs_path"`    // OpenAPI YAML served at /docs
}

type DatabaseConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	DBName            string        `mapstructure:"dbname"`
	SSLMode           string        `mapstructure:"sslmode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	ConnMaxLifetime   time.Duration `mapstructure:"conn_max_lifetime"`
	ApplicationName   string        `mapstructure:"application_name"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	Expiry time.Duration `mapstructure:"expiry"`
	Issuer string        `mapstructure:"issuer"`
}

type AESConfig struct {
	Key string `mapstructure:"key"` // 32-byte hex-encoded key for AES-256
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// RateLimitConfig caps jobs started per rolling window.
type RateLimitConfig struct {
	Max      int64         `mapstructure:"max"`
	Duration time.Duration `mapstructure:"duration"`
}

type BackoffConfig struct {
	Type  string        `mapstructure:"type"` // fixed, exponential
	Delay time.Duration `mapstructure:"delay"`
}

// QueueSettings is the per-queue engine configuration.
type QueueSettings struct {
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	Attempts    int             `mapstructure:"attempts"`
	Backoff     BackoffConfig   `mapstructure:"backoff"`
	Concurrency int             `mapstructure:"concurrency"`
}

// RetentionRule bounds how long and how many terminal jobs are kept.
type RetentionRule struct {
	Age   time.Duration `mapstructure:"age"`
	Count int64         `mapstructure:"count"`
}

type RetentionConfig struct {
	RemoveOnComplete RetentionRule `mapstructure:"remove_on_complete"`
	RemoveOnFail     RetentionRule `mapstructure:"remove_on_fail"`
}

type QueueConfig struct {
	LeaseTimeout  time.Duration            `mapstructure:"lease_timeout"`
	PollInterval  time.Duration            `mapstructure:"poll_interval"`
	SweepInterval time.Duration            `mapstructure:"sweep_interval"`
	SweepBatch    int                      `mapstructure:"sweep_batch"`
	Retention     RetentionConfig          `mapstructure:"retention"`
	Queues        map[string]QueueSettings `mapstructure:"queues"`
}

// Settings returns the configuration of the named queue.
func (q QueueConfig) Settings(name string) (QueueSettings, bool) {
	s, ok := q.Queues[name]
	return s, ok
}

type CircuitBreakerConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

// DeliveryConfig tunes outbound webhook POSTs.
type DeliveryConfig struct {
	Timeout        time.Duration        `mapstructure:"timeout"`
	UserAgent      string               `mapstructure:"user_agent"`
	DeferDelay     time.Duration        `mapstructure:"defer_delay"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// ProvidersConfig holds the shared secrets of inbound webhook providers.
type ProvidersConfig struct {
	PaymentGateway PaymentGatewayConfig `mapstructure:"payment_gateway"`
	ESign          ESignConfig          `mapstructure:"esign"`
}

type PaymentGatewayConfig struct {
	ServerKey string `mapstructure:"server_key"`
}

type ESignConfig struct {
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type IngestConfig struct {
	DedupTTL        time.Duration `mapstructure:"dedup_ttl"`
	RateLimit       int64         `mapstructure:"rate_limit"` // requests per minute per client IP
	NotifyRecipient string        `mapstructure:"notify_recipient"`
}

var defaultQueues = map[string]QueueSettings{
	"email": {
		RateLimit:   RateLimitConfig{Max: 100, Duration: time.Minute},
		Attempts:    3,
		Backoff:     BackoffConfig{Type: "exponential", Delay: 5 * time.Second},
		Concurrency: 5,
	},
	"notifications": {
		RateLimit:   RateLimitConfig{Max: 200, Duration: time.Minute},
		Attempts:    3,
		Backoff:     BackoffConfig{Type: "exponential", Delay: 2 * time.Second},
		Concurrency: 5,
	},
	"batch-processing": {
		RateLimit:   RateLimitConfig{Max: 10, Duration: time.Second},
		Attempts:    5,
		Backoff:     BackoffConfig{Type: "exponential", Delay: 10 * time.Second},
		Concurrency: 2,
	},
	"reports": {
		RateLimit:   RateLimitConfig{Max: 5, Duration: time.Minute},
		Attempts:    2,
		Backoff:     BackoffConfig{Type: "fixed", Delay: 30 * time.Second},
		Concurrency: 1,
	},
	"webhook-delivery": {
		RateLimit:   RateLimitConfig{Max: 50, Duration: time.Second},
		Attempts:    5,
		Backoff:     BackoffConfig{Type: "exponential", Delay: 5 * time.Second},
		Concurrency: 10,
	},
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: TEC_.
// Nested keys use underscore: TEC_DATABASE_HOST, TEC_QUEUE_QUEUES_BATCH_PROCESSING_CONCURRENCY.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.docs_path", "docs/api/openapi.yaml")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "travel_events")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.application_name", "travel-event-core")
	v.SetDefault("database.connect_retries", 5)
	v.SetDefault("database.connect_retry_delay", "2s")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.expiry", "24h")
	v.SetDefault("jwt.issuer", "travel-event-core")
	v.SetDefault("aes.key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("queue.lease_timeout", "30s")
	v.SetDefault("queue.poll_interval", "250ms")
	v.SetDefault("queue.sweep_interval", "30s")
	v.SetDefault("queue.sweep_batch", 100)
	v.SetDefault("queue.retention.remove_on_complete.age", "24h")
	v.SetDefault("queue.retention.remove_on_complete.count", 1000)
	v.SetDefault("queue.retention.remove_on_fail.age", "168h")
	v.SetDefault("queue.retention.remove_on_fail.count", 5000)
	for name, q := range defaultQueues {
		prefix := "queue.queues." + name + "."
		v.SetDefault(prefix+"rate_limit.max", q.RateLimit.Max)
		v.SetDefault(prefix+"rate_limit.duration", q.RateLimit.Duration.String())
		v.SetDefault(prefix+"attempts", q.Attempts)
		v.SetDefault(prefix+"backoff.type", q.Backoff.Type)
		v.SetDefault(prefix+"backoff.delay", q.Backoff.Delay.String())
		v.SetDefault(prefix+"concurrency", q.Concurrency)
	}

	v.SetDefault("delivery.timeout", "10s")
	v.SetDefault("delivery.user_agent", "travel-event-core/1.0")
	v.SetDefault("delivery.defer_delay", "30s")
	v.SetDefault("delivery.circuit_breaker.max_requests", 1)
	v.SetDefault("delivery.circuit_breaker.interval", "60s")
	v.SetDefault("delivery.circuit_breaker.timeout", "30s")
	v.SetDefault("delivery.circuit_breaker.failure_ratio", 0.5)
	v.SetDefault("delivery.circuit_breaker.min_requests", 5)

	v.SetDefault("providers.payment_gateway.server_key", "")
	v.SetDefault("providers.esign.webhook_secret", "")

	v.SetDefault("ingest.dedup_ttl", "72h")
	v.SetDefault("ingest.rate_limit", 300)
	v.SetDefault("ingest.notify_recipient", "")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// TEC_QUEUE_QUEUES_BATCH_PROCESSING_ATTEMPTS -> queue.queues.batch-processing.attempts
	v.SetEnvPrefix("TEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Env vars alone are a valid setup.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects queue settings the engine cannot run with.
func (c *Config) Validate() error {
	for name, q := range c.Queue.Queues {
		if q.Attempts < 1 {
			return fmt.Errorf("queue %s: attempts must be >= 1", name)
		}
		if q.Concurrency < 1 {
			return fmt.Errorf("queue %s: concurrency must be >= 1", name)
		}
		if q.RateLimit.Max < 0 || (q.RateLimit.Max > 0 && q.RateLimit.Duration <= 0) {
			return fmt.Errorf("queue %s: invalid rate limit", name)
		}
		switch q.Backoff.Type {
		case "fixed", "exponential":
		default:
			return fmt.Errorf("queue %s: unknown backoff type %q", name, q.Backoff.Type)
		}
	}
	if c.Queue.LeaseTimeout <= 0 {
		return fmt.Errorf("queue.lease_timeout must be positive")
	}
	return nil
}
