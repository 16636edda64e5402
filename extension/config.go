package extension

import (
	"time"

	"github.com/xraph/entitle/lifecycle"
)

// Config holds the Entitle extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.entitle" or "entitle" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// DisableScheduler prevents the lifecycle cron jobs from running in this
	// process.
	DisableScheduler bool `json:"disable_scheduler" mapstructure:"disable_scheduler" yaml:"disable_scheduler"`

	// CacheTTL is how long a cached customer snapshot lives (default: 1h).
	CacheTTL time.Duration `json:"cache_ttl" mapstructure:"cache_ttl" yaml:"cache_ttl"`

	// GuardTTL is how long a delete guard blocks stale cache writes
	// (default: 5s).
	GuardTTL time.Duration `json:"guard_ttl" mapstructure:"guard_ttl" yaml:"guard_ttl"`

	// IdempotencyTTL is how long plan results are kept for replay
	// (default: 24h).
	IdempotencyTTL time.Duration `json:"idempotency_ttl" mapstructure:"idempotency_ttl" yaml:"idempotency_ttl"`

	// IdempotencyLease is how long an in-flight execution holds its key
	// before another caller may take it over (default: 2m). It is raised to
	// twice ExecuteTimeout when shorter.
	IdempotencyLease time.Duration `json:"idempotency_lease" mapstructure:"idempotency_lease" yaml:"idempotency_lease"`

	// VerifyDelay is how long after a plan the cache is compared with the
	// ledger (default: 10s).
	VerifyDelay time.Duration `json:"verify_delay" mapstructure:"verify_delay" yaml:"verify_delay"`

	// DeductTimeout bounds each cache call of a deduction (default: 150ms).
	DeductTimeout time.Duration `json:"deduct_timeout" mapstructure:"deduct_timeout" yaml:"deduct_timeout"`

	// ExecuteTimeout bounds one billing plan execution (default: 30s).
	ExecuteTimeout time.Duration `json:"execute_timeout" mapstructure:"execute_timeout" yaml:"execute_timeout"`

	// SyncBatchSize is the number of cached deductions written to the
	// ledger in one batch (default: 100).
	SyncBatchSize int `json:"sync_batch_size" mapstructure:"sync_batch_size" yaml:"sync_batch_size"`

	// SyncFlushInterval is how frequently queued deductions are written
	// even if the batch is not full (default: 1s).
	SyncFlushInterval time.Duration `json:"sync_flush_interval" mapstructure:"sync_flush_interval" yaml:"sync_flush_interval"`

	// LedgerRetries is how many times a ledger write is attempted
	// (default: 5).
	LedgerRetries uint `json:"ledger_retries" mapstructure:"ledger_retries" yaml:"ledger_retries"`

	// Schedules holds the cron specs of the lifecycle jobs.
	Schedules lifecycle.Specs `json:"schedules" mapstructure:"schedules" yaml:"schedules"`

	// RedisAddr selects the Redis cache. When empty an in-process cache is
	// used, which is only safe for a single instance.
	RedisAddr string `json:"redis_addr" mapstructure:"redis_addr" yaml:"redis_addr"`

	// RedisPrefix namespaces every Redis key (default: "entitle").
	RedisPrefix string `json:"redis_prefix" mapstructure:"redis_prefix" yaml:"redis_prefix"`

	// AMQPURL enables publishing engine events to RabbitMQ.
	AMQPURL string `json:"amqp_url" mapstructure:"amqp_url" yaml:"amqp_url"`

	// AMQPExchange is the topic exchange events go to
	// (default: "entitle.events").
	AMQPExchange string `json:"amqp_exchange" mapstructure:"amqp_exchange" yaml:"amqp_exchange"`

	// StripeKey selects the Stripe subscription provider. When empty an
	// in-process provider is used.
	StripeKey string `json:"-" mapstructure:"stripe_key" yaml:"stripe_key"`

	// Metrics registers Prometheus collectors for engine events.
	Metrics bool `json:"metrics" mapstructure:"metrics" yaml:"metrics"`

	// GroveDatabase is the name of a grove.DB registered in the DI container.
	// When set, the extension resolves this named database and auto-constructs
	// the appropriate store based on the driver type (pg/sqlite/mongo).
	// When empty and WithGroveDatabase was called, the default (unnamed) DB is used.
	GroveDatabase string `json:"grove_database" mapstructure:"grove_database" yaml:"grove_database"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:          time.Hour,
		GuardTTL:          5 * time.Second,
		IdempotencyTTL:    24 * time.Hour,
		IdempotencyLease:  2 * time.Minute,
		VerifyDelay:       10 * time.Second,
		DeductTimeout:     150 * time.Millisecond,
		ExecuteTimeout:    30 * time.Second,
		SyncBatchSize:     100,
		SyncFlushInterval: time.Second,
		LedgerRetries:     5,
		Schedules:         lifecycle.DefaultSpecs(),
		RedisPrefix:       "entitle",
		AMQPExchange:      "entitle.events",
	}
}

// withDefaults fills zero-valued fields with defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CacheTTL == 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.GuardTTL == 0 {
		c.GuardTTL = d.GuardTTL
	}
	if c.IdempotencyTTL == 0 {
		c.IdempotencyTTL = d.IdempotencyTTL
	}
	if c.IdempotencyLease == 0 {
		c.IdempotencyLease = d.IdempotencyLease
	}
	if c.VerifyDelay == 0 {
		c.VerifyDelay = d.VerifyDelay
	}
	if c.DeductTimeout == 0 {
		c.DeductTimeout = d.DeductTimeout
	}
	if c.ExecuteTimeout == 0 {
		c.ExecuteTimeout = d.ExecuteTimeout
	}
	if c.SyncBatchSize == 0 {
		c.SyncBatchSize = d.SyncBatchSize
	}
	if c.SyncFlushInterval == 0 {
		c.SyncFlushInterval = d.SyncFlushInterval
	}
	if c.LedgerRetries == 0 {
		c.LedgerRetries = d.LedgerRetries
	}
	if c.Schedules.Transitions == "" {
		c.Schedules.Transitions = d.Schedules.Transitions
	}
	if c.Schedules.Reset == "" {
		c.Schedules.Reset = d.Schedules.Reset
	}
	if c.Schedules.Retry == "" {
		c.Schedules.Retry = d.Schedules.Retry
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = d.RedisPrefix
	}
	if c.AMQPExchange == "" {
		c.AMQPExchange = d.AMQPExchange
	}
	if c.IdempotencyLease < 2*c.ExecuteTimeout {
		c.IdempotencyLease = 2 * c.ExecuteTimeout
	}
	return c
}
