package engine

import (
	"log/slog"
	"time"

	"github.com/xraph/entitle/lifecycle"
	"github.com/xraph/entitle/plugin"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDeductTimeout bounds each cache call made during a deduction.
func WithDeductTimeout(d time.Duration) Option {
	return func(e *Engine) { e.deductTimeout = d }
}

// WithExecuteTimeout bounds one billing plan execution.
func WithExecuteTimeout(d time.Duration) Option {
	return func(e *Engine) { e.executeTimeout = d }
}

// WithSyncConfig configures how cached deductions are written to the ledger.
func WithSyncConfig(batchSize int, flushInterval time.Duration) Option {
	return func(e *Engine) {
		e.syncBatchSize = batchSize
		e.syncInterval = flushInterval
	}
}

// WithLedgerRetries sets how many times a ledger write is attempted.
func WithLedgerRetries(n uint) Option {
	return func(e *Engine) { e.ledgerRetries = n }
}

// WithVerifyDelay sets how long after a plan the cache is checked against
// the ledger.
func WithVerifyDelay(d time.Duration) Option {
	return func(e *Engine) { e.verifyDelay = d }
}

// WithLifecycleSpecs sets the cron schedules of the lifecycle jobs.
func WithLifecycleSpecs(specs lifecycle.Specs) Option {
	return func(e *Engine) { e.specs = specs }
}

// WithoutScheduler disables the built-in lifecycle scheduler. Jobs can still
// be run through Engine.Jobs.
func WithoutScheduler() Option {
	return func(e *Engine) { e.runScheduler = false }
}

// WithoutMigrate skips store migration on Start.
func WithoutMigrate() Option {
	return func(e *Engine) { e.migrate = false }
}
