package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/SuperALKALINEdroiD/unsend/internal/logger"
	"github.com/SuperALKALINEdroiD/unsend/internal/msgstore"
	"github.com/SuperALKALINEdroiD/unsend/internal/provider"
	"github.com/SuperALKALINEdroiD/unsend/internal/queue"
	"github.com/SuperALKALINEdroiD/unsend/internal/ratelimit"
)

// EnvPrefix prefixes every environment override, e.g. UNSEND_DATABASE_URL
// overrides database.url.
const EnvPrefix = "UNSEND"

// Config holds all application configuration.
type Config struct {
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	API       APIConfig       `mapstructure:"api"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Queue     queue.Config    `mapstructure:"queue"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Store     msgstore.Config `mapstructure:"store"`
	Provider  provider.Config `mapstructure:"provider"`
	TLS       TLSConfig       `mapstructure:"tls"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
}

// SMTPConfig holds the SMTP submission server configuration.
type SMTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Domain          string        `mapstructure:"domain"`
	MaxConnections  int           `mapstructure:"max_connections"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	MaxRecipients   int           `mapstructure:"max_recipients"`
	AllowInsecure   bool          `mapstructure:"allow_insecure_auth"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// APIConfig holds REST API server configuration.
type APIConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// MaxBodyBytes caps request bodies, attachments included.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
	// WebhookToken, when set, must be passed as ?token= on the SES
	// webhook URL.
	WebhookToken string `mapstructure:"webhook_token"`
}

// WorkerConfig holds the delivery worker's HTTP surface.
type WorkerConfig struct {
	// MetricsAddr serves /metrics, /healthz and /readyz.
	MetricsAddr         string        `mapstructure:"metrics_addr"`
	DepthReportInterval time.Duration `mapstructure:"depth_report_interval"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	PoolMin        int32         `mapstructure:"pool_min"`
	PoolMax        int32         `mapstructure:"pool_max"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// Migrate applies the embedded schema on startup.
	Migrate bool `mapstructure:"migrate"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	Output    string `mapstructure:"output"`
	FilePath  string `mapstructure:"file_path"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
	MaxFiles  int    `mapstructure:"max_files"`
}

// Logger builds the logger settings for one process.
func (c LoggingConfig) Logger(service string) logger.Config {
	return logger.Config{
		Level:     c.Level,
		Format:    c.Format,
		Output:    c.Output,
		FilePath:  c.FilePath,
		MaxSizeMB: c.MaxSizeMB,
		MaxFiles:  c.MaxFiles,
		Service:   service,
	}
}

// RateLimitConfig selects the strategies applied on submit and their
// shared ceiling.
type RateLimitConfig struct {
	// Store is "redis" (default) or "memory".
	Store      string        `mapstructure:"store"`
	RedisAddr  string        `mapstructure:"redis_addr"`
	Strategies []string      `mapstructure:"strategies"`
	Limit      int           `mapstructure:"limit"`
	Window     time.Duration `mapstructure:"window"`
}

// Policy returns the configured ceiling.
func (c RateLimitConfig) Policy() ratelimit.Policy {
	return ratelimit.Policy{Limit: c.Limit, Window: c.Window}
}

// ParsedStrategies converts the configured strategy names.
func (c RateLimitConfig) ParsedStrategies() ([]ratelimit.Strategy, error) {
	out := make([]ratelimit.Strategy, 0, len(c.Strategies))
	for _, name := range c.Strategies {
		s, err := ratelimit.ParseStrategy(name)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// TLSConfig holds TLS certificate configuration for the SMTP server.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// Enabled reports whether both certificate and key are set.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// BootstrapConfig seeds a development team on startup.
type BootstrapConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	TeamID     int64  `mapstructure:"team_id"`
	Domain     string `mapstructure:"domain"`
	Region     string `mapstructure:"region"`
	APIKeyName string `mapstructure:"api_key_name"`
}

// Load reads config.yaml from configPath and applies UNSEND_* environment
// overrides on top of it and the built-in defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults registers every key so that env-only values are picked up by
// Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("smtp.host", "0.0.0.0")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.domain", "localhost")
	v.SetDefault("smtp.max_connections", 1000)
	v.SetDefault("smtp.read_timeout", 30*time.Second)
	v.SetDefault("smtp.write_timeout", 30*time.Second)
	v.SetDefault("smtp.max_message_size", 26214400)
	v.SetDefault("smtp.max_recipients", 50)
	v.SetDefault("smtp.allow_insecure_auth", false)
	v.SetDefault("smtp.metrics_addr", ":9101")
	v.SetDefault("smtp.shutdown_timeout", 30*time.Second)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.read_timeout", 10*time.Second)
	v.SetDefault("api.write_timeout", 10*time.Second)
	v.SetDefault("api.shutdown_timeout", 15*time.Second)
	v.SetDefault("api.max_body_bytes", 40<<20)
	v.SetDefault("api.webhook_token", "")

	v.SetDefault("worker.metrics_addr", ":9102")
	v.SetDefault("worker.depth_report_interval", 15*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.pool_min", 2)
	v.SetDefault("database.pool_max", 20)
	v.SetDefault("database.connect_timeout", 5*time.Second)
	v.SetDefault("database.migrate", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file_path", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_files", 5)

	q := queue.DefaultConfig()
	v.SetDefault("queue.type", q.Type)
	v.SetDefault("queue.redis_addr", q.RedisAddr)
	v.SetDefault("queue.redis_password", "")
	v.SetDefault("queue.redis_db", q.RedisDB)
	v.SetDefault("queue.localities", q.Localities)
	v.SetDefault("queue.poll_interval", q.PollInterval)
	v.SetDefault("queue.claim_batch", q.ClaimBatch)
	v.SetDefault("queue.consumer_group", q.ConsumerGroup)
	v.SetDefault("queue.stream_max_len", q.StreamMaxLen)
	v.SetDefault("queue.reclaim_idle", q.ReclaimIdle)
	v.SetDefault("queue.worker_count", q.WorkerCount)
	v.SetDefault("queue.block_timeout", q.BlockTimeout)
	v.SetDefault("queue.process_timeout", q.ProcessTimeout)
	v.SetDefault("queue.shutdown_timeout", q.ShutdownTimeout)
	v.SetDefault("queue.max_retries", q.MaxRetries)
	v.SetDefault("queue.sqs_dlq_url", "")
	v.SetDefault("queue.sqs_region", "")
	v.SetDefault("queue.sqs_endpoint", "")

	v.SetDefault("rate_limit.store", "redis")
	v.SetDefault("rate_limit.redis_addr", "")
	v.SetDefault("rate_limit.strategies", []string{"domain"})
	v.SetDefault("rate_limit.limit", 10)
	v.SetDefault("rate_limit.window", time.Second)

	v.SetDefault("store.type", "local")
	v.SetDefault("store.path", "./data/attachments")
	v.SetDefault("store.s3_bucket", "")
	v.SetDefault("store.s3_prefix", "")
	v.SetDefault("store.s3_endpoint", "")
	v.SetDefault("store.s3_region", "us-east-1")

	v.SetDefault("provider.type", "stdout")
	v.SetDefault("provider.region", "")
	v.SetDefault("provider.endpoint", "")
	v.SetDefault("provider.configuration_set", "")
	v.SetDefault("provider.timeout", 30*time.Second)
	v.SetDefault("provider.unsigned", false)
	v.SetDefault("provider.raw", false)

	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")

	v.SetDefault("bootstrap.enabled", false)
	v.SetDefault("bootstrap.team_id", 1)
	v.SetDefault("bootstrap.domain", "")
	v.SetDefault("bootstrap.region", "us-east-1")
	v.SetDefault("bootstrap.api_key_name", "bootstrap")
}

// Validate checks values that every process depends on.
func (c *Config) Validate() error {
	var errs []error
	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("smtp.port out of range: %d", c.SMTP.Port))
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port out of range: %d", c.API.Port))
	}
	if c.Database.PoolMin > c.Database.PoolMax {
		errs = append(errs, fmt.Errorf("database.pool_min %d exceeds pool_max %d", c.Database.PoolMin, c.Database.PoolMax))
	}
	if _, err := c.RateLimit.ParsedStrategies(); err != nil {
		errs = append(errs, fmt.Errorf("rate_limit.strategies: %w", err))
	}
	if c.RateLimit.Limit <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.limit must be positive"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.window must be positive"))
	}
	switch c.RateLimit.Store {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("rate_limit.store must be redis or memory, got %q", c.RateLimit.Store))
	}
	if len(c.Queue.Localities) == 0 {
		errs = append(errs, fmt.Errorf("queue.localities must not be empty"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, fmt.Errorf("tls.cert_file and tls.key_file must be set together"))
	}
	if c.Bootstrap.Enabled && c.Bootstrap.Domain == "" {
		errs = append(errs, fmt.Errorf("bootstrap.domain is required when bootstrap is enabled"))
	}
	return errors.Join(errs...)
}

// RateLimitRedisAddr returns the Redis address for rate limit counters,
// falling back to the queue's Redis.
func (c *Config) RateLimitRedisAddr() string {
	if c.RateLimit.RedisAddr != "" {
		return c.RateLimit.RedisAddr
	}
	return c.Queue.RedisAddr
}

// DefaultLocality is the locality for domains without a region.
func (c *Config) DefaultLocality() string {
	if len(c.Queue.Localities) > 0 {
		return c.Queue.Localities[0]
	}
	return "us-east-1"
}
