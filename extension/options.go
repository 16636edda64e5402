package extension

import (
	"log/slog"
	"time"

	"github.com/xraph/entitle/cache"
	"github.com/xraph/entitle/engine"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/provider"
	"github.com/xraph/entitle/store"
)

// Option configures the Entitle Forge extension.
type Option func(*Extension)

// WithStore sets the ledger store, bypassing grove resolution.
func WithStore(s store.Store) Option {
	return func(e *Extension) { e.store = s }
}

// WithCache sets the balance cache and idempotency store. Both must share
// a backend.
func WithCache(c cache.Cache, idem cache.Idempotency) Option {
	return func(e *Extension) {
		e.cache = c
		e.idem = idem
	}
}

// WithProvider sets the subscription provider.
func WithProvider(p provider.SubscriptionProvider) Option {
	return func(e *Extension) { e.provider = p }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extension) { e.logger = l }
}

// WithEngineOption passes an engine.Option through to the underlying engine.
func WithEngineOption(opt engine.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers an engine plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, engine.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithDisableScheduler keeps the lifecycle jobs from running in this process.
func WithDisableScheduler() Option {
	return func(e *Extension) { e.config.DisableScheduler = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithRedisAddr selects the Redis cache.
func WithRedisAddr(addr string) Option {
	return func(e *Extension) { e.config.RedisAddr = addr }
}

// WithAMQPURL enables event publishing to RabbitMQ.
func WithAMQPURL(url string) Option {
	return func(e *Extension) { e.config.AMQPURL = url }
}

// WithStripeKey selects the Stripe provider.
func WithStripeKey(key string) Option {
	return func(e *Extension) { e.config.StripeKey = key }
}

// WithMetrics registers Prometheus collectors for engine events.
func WithMetrics() Option {
	return func(e *Extension) { e.config.Metrics = true }
}

// WithSyncConfig sets how cached deductions are batched to the ledger.
func WithSyncConfig(batchSize int, flushInterval time.Duration) Option {
	return func(e *Extension) {
		e.config.SyncBatchSize = batchSize
		e.config.SyncFlushInterval = flushInterval
	}
}

// WithVerifyDelay sets how long after a plan the cache is checked.
func WithVerifyDelay(d time.Duration) Option {
	return func(e *Extension) { e.config.VerifyDelay = d }
}

// WithGroveDatabase sets the name of the grove.DB to resolve from the DI container.
// The extension will auto-construct the appropriate store backend (postgres/sqlite/mongo)
// based on the grove driver type. Pass an empty string to use the default (unnamed) grove.DB.
func WithGroveDatabase(name string) Option {
	return func(e *Extension) {
		e.config.GroveDatabase = name
		e.useGrove = true
	}
}
