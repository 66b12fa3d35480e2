package queue

import "time"

// Config holds configuration for the delayed job queue.
type Config struct {
	// Type selects the ready transport: "redis" (default), "sqs", or
	// "memory". The scheduler is Redis-backed for redis and sqs.
	Type          string `mapstructure:"type"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// Localities lists the partitions this process promotes and consumes.
	Localities    []string      `mapstructure:"localities"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	ClaimBatch    int           `mapstructure:"claim_batch"`
	ConsumerGroup string        `mapstructure:"consumer_group"`
	// StreamMaxLen caps each ready stream (approximately); 0 disables
	// trimming.
	StreamMaxLen int64 `mapstructure:"stream_max_len"`
	// ReclaimIdle is how long a delivered stream entry may stay
	// unacknowledged before another consumer takes it over.
	ReclaimIdle time.Duration `mapstructure:"reclaim_idle"`

	WorkerCount     int           `mapstructure:"worker_count"`
	BlockTimeout    time.Duration `mapstructure:"block_timeout"`
	ProcessTimeout  time.Duration `mapstructure:"process_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`

	// SQS-specific config. SQSQueueURLs maps locality to queue URL.
	SQSQueueURLs  map[string]string `mapstructure:"sqs_queue_urls"`
	SQSDLQueueURL string            `mapstructure:"sqs_dlq_url"`
	SQSRegion     string            `mapstructure:"sqs_region"`
	SQSEndpoint   string            `mapstructure:"sqs_endpoint"`
	SQSWaitTime   int32             `mapstructure:"sqs_wait_time"`          // long poll seconds, default 20
	SQSVisTimeout int32             `mapstructure:"sqs_visibility_timeout"` // seconds, default 30
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Type:            "redis",
		RedisAddr:       "localhost:6379",
		RedisDB:         0,
		Localities:      []string{"us-east-1"},
		PollInterval:    500 * time.Millisecond,
		ClaimBatch:      100,
		ConsumerGroup:   "delivery",
		StreamMaxLen:    100_000,
		ReclaimIdle:     2 * time.Minute,
		WorkerCount:     10,
		BlockTimeout:    5 * time.Second,
		ProcessTimeout:  30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		MaxRetries:      5,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.Localities) == 0 {
		c.Localities = d.Localities
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = d.ClaimBatch
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = d.ConsumerGroup
	}
	if c.ReclaimIdle <= 0 {
		c.ReclaimIdle = d.ReclaimIdle
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = d.WorkerCount
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = d.BlockTimeout
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = d.ProcessTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.SQSWaitTime == 0 {
		c.SQSWaitTime = 20
	}
	if c.SQSVisTimeout == 0 {
		c.SQSVisTimeout = 30
	}
	return c
}
