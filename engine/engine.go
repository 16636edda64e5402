// Package engine wires the entitle components into one billing engine: the
// ledger store, the fast balance cache, the deduction engine, the billing
// plan executor, the cache verifier and the lifecycle scheduler.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/entitle/cache"
	"github.com/xraph/entitle/deduct"
	"github.com/xraph/entitle/executor"
	"github.com/xraph/entitle/lifecycle"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/provider"
	"github.com/xraph/entitle/reconcile"
	"github.com/xraph/entitle/store"
)

// Engine is the main entitle engine.
type Engine struct {
	store    store.Store
	cache    cache.Cache
	idem     cache.Idempotency
	provider provider.SubscriptionProvider
	plugins  *plugin.Registry
	logger   *slog.Logger
	now      func() time.Time

	deduct    *deduct.Engine
	exec      *executor.Executor
	verifier  *reconcile.Verifier
	retrier   *reconcile.Retrier
	jobs      *lifecycle.Jobs
	scheduler *lifecycle.Scheduler

	// Configuration
	deductTimeout  time.Duration
	executeTimeout time.Duration
	syncBatchSize  int
	syncInterval   time.Duration
	ledgerRetries  uint
	verifyDelay    time.Duration
	specs          lifecycle.Specs
	runScheduler   bool
	migrate        bool

	stopOnce sync.Once
}

// New creates an Engine. The store, cache, idempotency store and provider
// are required.
func New(s store.Store, c cache.Cache, idem cache.Idempotency, p provider.SubscriptionProvider, opts ...Option) *Engine {
	e := &Engine{
		store:          s,
		cache:          c,
		idem:           idem,
		provider:       p,
		plugins:        plugin.NewRegistry(),
		logger:         slog.Default(),
		now:            time.Now,
		deductTimeout:  150 * time.Millisecond,
		executeTimeout: 30 * time.Second,
		syncBatchSize:  100,
		syncInterval:   time.Second,
		ledgerRetries:  5,
		verifyDelay:    10 * time.Second,
		specs:          lifecycle.DefaultSpecs(),
		runScheduler:   true,
		migrate:        true,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.deduct = deduct.New(c, s,
		deduct.WithLogger(e.logger),
		deduct.WithPlugins(e.plugins),
		deduct.WithClock(e.now),
		deduct.WithTimeout(e.deductTimeout),
		deduct.WithSyncConfig(e.syncBatchSize, e.syncInterval),
		deduct.WithRetries(e.ledgerRetries),
	)
	e.verifier = reconcile.NewVerifier(c, s,
		reconcile.WithDelay(e.verifyDelay),
		reconcile.WithFlusher(e.deduct),
		reconcile.WithPlugins(e.plugins),
		reconcile.WithLogger(e.logger),
		reconcile.WithClock(e.now),
	)
	e.exec = executor.New(s, c, idem, p,
		executor.WithLogger(e.logger),
		executor.WithPlugins(e.plugins),
		executor.WithClock(e.now),
		executor.WithVerifier(e.verifier),
		executor.WithFlusher(e.deduct),
		executor.WithTimeout(e.executeTimeout),
		executor.WithLedgerRetry(e.ledgerRetries, 200*time.Millisecond),
	)
	e.retrier = reconcile.NewRetrier(s, e.exec.Resume,
		reconcile.WithRetrierLogger(e.logger),
		reconcile.WithRetrierClock(e.now),
	)
	e.jobs = lifecycle.NewJobs(s, e.exec,
		lifecycle.WithLogger(e.logger),
		lifecycle.WithClock(e.now),
		lifecycle.WithCache(c),
		lifecycle.WithFlusher(e.deduct),
		lifecycle.WithRetrier(e.retrier),
	)
	if e.runScheduler {
		e.scheduler = lifecycle.NewScheduler(e.jobs, e.specs, e.logger)
	}
	return e
}

// Start migrates the store, initializes plugins and starts the background
// workers.
func (e *Engine) Start(ctx context.Context) error {
	if e.migrate {
		if err := e.store.Migrate(ctx); err != nil {
			return err
		}
	}

	e.plugins.EmitInit(ctx, e)
	e.deduct.Start(ctx)

	if e.scheduler != nil {
		if err := e.scheduler.Start(); err != nil {
			e.deduct.Stop()
			return err
		}
	}

	e.logger.Info("entitle engine started",
		"plugins", e.plugins.Count(),
		"scheduler", e.scheduler != nil,
		"sync_batch_size", e.syncBatchSize,
		"sync_flush_interval", e.syncInterval,
		"verify_delay", e.verifyDelay,
	)
	return nil
}

// Stop drains the deduction queue, stops the workers and closes the store.
func (e *Engine) Stop(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		if e.scheduler != nil {
			e.scheduler.Stop(ctx)
		}
		e.deduct.Stop()
		e.verifier.Stop()
		e.plugins.EmitShutdown(ctx)

		err = e.store.Close()
		e.logger.Info("entitle engine stopped")
	})
	return err
}

// Health reports whether the store and cache are reachable.
func (e *Engine) Health(ctx context.Context) error {
	return errors.Join(e.store.Ping(ctx), e.cache.Ping(ctx))
}

// Store returns the ledger store.
func (e *Engine) Store() store.Store { return e.store }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Executor returns the billing plan executor.
func (e *Engine) Executor() *executor.Executor { return e.exec }

// Jobs returns the lifecycle jobs, for callers running them on their own
// schedule.
func (e *Engine) Jobs() *lifecycle.Jobs { return e.jobs }

// Verifier returns the cache verifier.
func (e *Engine) Verifier() *reconcile.Verifier { return e.verifier }
