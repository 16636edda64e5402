// Package extension provides the Forge extension adapter for Entitle.
//
// It implements the forge.Extension interface to integrate the Entitle
// engine into a Forge application with automatic dependency discovery,
// DI registration, and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.entitle" or "entitle" keys.
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/vessel"

	"github.com/xraph/entitle/cache"
	cachemem "github.com/xraph/entitle/cache/memory"
	cacheredis "github.com/xraph/entitle/cache/redis"
	"github.com/xraph/entitle/engine"
	"github.com/xraph/entitle/eventbus/amqp"
	"github.com/xraph/entitle/observability"
	"github.com/xraph/entitle/provider"
	provmem "github.com/xraph/entitle/provider/memory"
	provstripe "github.com/xraph/entitle/provider/stripe"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/store/mongo"
	"github.com/xraph/entitle/store/postgres"
	"github.com/xraph/entitle/store/sqlite"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "entitle"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Metered balances and billing plans"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the Entitle engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *engine.Engine
	store      store.Store
	cache      cache.Cache
	idem       cache.Idempotency
	provider   provider.SubscriptionProvider
	redis      goredis.UniversalClient
	logger     *slog.Logger
	useGrove   bool
	engineOpts []engine.Option
}

// New creates a new Entitle Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Entitle engine.
// This is nil until Register is called.
func (e *Extension) Engine() *engine.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// builds the engine's backends, and registers the engine in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil {
		s, err := e.resolveStore(fapp)
		if err != nil {
			return err
		}
		e.store = s
	}
	e.buildCache()
	if e.provider == nil {
		e.provider = e.buildProvider()
	}

	opts, err := e.buildEngineOpts()
	if err != nil {
		return err
	}
	e.engine = engine.New(e.store, e.cache, e.idem, e.provider, opts...)

	return vessel.Provide(fapp.Container(), func() (*engine.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("entitle: extension not initialized")
	}
	if err := e.engine.Start(ctx); err != nil {
		return err
	}
	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(ctx context.Context) error {
	var err error
	if e.engine != nil {
		err = e.engine.Stop(ctx)
	}
	if e.redis != nil {
		err = errors.Join(err, e.redis.Close())
	}
	e.MarkStopped()
	return err
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("entitle: engine not initialized")
	}
	return e.engine.Health(ctx)
}

// resolveStore picks the store backend. A grove database from the DI
// container selects the matching driver; otherwise the memory store is used.
func (e *Extension) resolveStore(fapp forge.App) (store.Store, error) {
	if !e.useGrove && e.config.GroveDatabase == "" {
		e.Logger().Warn("entitle: no grove database configured, using in-memory store")
		return memory.New(), nil
	}

	var (
		db  *grove.DB
		err error
	)
	if e.config.GroveDatabase != "" {
		db, err = vessel.InjectNamed[*grove.DB](fapp.Container(), e.config.GroveDatabase)
	} else {
		db, err = vessel.Inject[*grove.DB](fapp.Container())
	}
	if err != nil {
		return nil, fmt.Errorf("entitle: resolve grove database %q: %w", e.config.GroveDatabase, err)
	}

	switch name := db.Driver().Name(); name {
	case "pg":
		return postgres.New(db), nil
	case "sqlite":
		return sqlite.New(db), nil
	case "mongo":
		return mongo.New(db), nil
	default:
		return nil, fmt.Errorf("entitle: unsupported grove driver %q", name)
	}
}

// buildCache selects Redis when an address is configured. The cache and
// the idempotency store always share a backend.
func (e *Extension) buildCache() {
	if e.cache != nil && e.idem != nil {
		return
	}
	settings := cache.Settings{
		TTL:              e.config.CacheTTL,
		GuardTTL:         e.config.GuardTTL,
		IdempotencyTTL:   e.config.IdempotencyTTL,
		IdempotencyLease: e.config.IdempotencyLease,
	}
	if e.config.RedisAddr == "" {
		e.cache = cachemem.New(cachemem.WithSettings(settings))
		e.idem = cachemem.NewIdempotency(settings.IdempotencyTTL, cachemem.WithLease(settings.IdempotencyLease))
		return
	}
	e.redis = goredis.NewClient(&goredis.Options{Addr: e.config.RedisAddr})
	e.cache = cacheredis.New(e.redis,
		cacheredis.WithSettings(settings),
		cacheredis.WithPrefix(e.config.RedisPrefix),
	)
	e.idem = cacheredis.NewIdempotency(e.redis, settings.IdempotencyTTL, cacheredis.WithLease(settings.IdempotencyLease))
}

func (e *Extension) buildProvider() provider.SubscriptionProvider {
	if e.config.StripeKey == "" {
		e.Logger().Warn("entitle: no stripe key configured, using in-memory provider")
		return provmem.New()
	}
	return provstripe.New(e.config.StripeKey, provstripe.WithLogger(e.logger))
}

// buildEngineOpts constructs engine.Option values from the resolved config.
func (e *Extension) buildEngineOpts() ([]engine.Option, error) {
	opts := make([]engine.Option, 0, len(e.engineOpts)+12)
	opts = append(opts,
		engine.WithLogger(e.logger),
		engine.WithDeductTimeout(e.config.DeductTimeout),
		engine.WithExecuteTimeout(e.config.ExecuteTimeout),
		engine.WithSyncConfig(e.config.SyncBatchSize, e.config.SyncFlushInterval),
		engine.WithLedgerRetries(e.config.LedgerRetries),
		engine.WithVerifyDelay(e.config.VerifyDelay),
		engine.WithLifecycleSpecs(e.config.Schedules),
	)
	if e.config.DisableMigrate {
		opts = append(opts, engine.WithoutMigrate())
	}
	if e.config.DisableScheduler {
		opts = append(opts, engine.WithoutScheduler())
	}
	if e.config.Metrics {
		opts = append(opts, engine.WithPlugin(observability.NewMetricsExtension(observability.NewPrometheusFactory(nil))))
	}
	if e.config.AMQPURL != "" {
		pub, err := amqp.Dial(e.config.AMQPURL,
			amqp.WithExchange(e.config.AMQPExchange),
			amqp.WithLogger(e.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("entitle: connect event bus: %w", err)
		}
		opts = append(opts, engine.WithPlugin(pub))
	}

	// Pass-through options win over config-derived ones.
	opts = append(opts, e.engineOpts...)
	return opts, nil
}

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("entitle: configuration is required but not found in config files; " +
				"ensure 'extensions.entitle' or 'entitle' key exists in your config")
		}
		e.config = programmaticConfig.withDefaults()
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("entitle: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("disable_scheduler", e.config.DisableScheduler),
		forge.F("redis", e.config.RedisAddr != ""),
		forge.F("amqp", e.config.AMQPURL != ""),
		forge.F("stripe", e.config.StripeKey != ""),
		forge.F("sync_batch_size", e.config.SyncBatchSize),
		forge.F("sync_flush_interval", e.config.SyncFlushInterval),
		forge.F("verify_delay", e.config.VerifyDelay),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	for _, key := range []string{"extensions.entitle", "entitle"} {
		if !cm.IsSet(key) {
			continue
		}
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("entitle: loaded config from file", forge.F("key", key))
			return cfg, true
		}
		e.Logger().Warn("entitle: failed to bind config",
			forge.F("key", key),
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.DisableScheduler {
		yamlConfig.DisableScheduler = true
	}
	if programmaticConfig.Metrics {
		yamlConfig.Metrics = true
	}

	fillString(&yamlConfig.RedisAddr, programmaticConfig.RedisAddr)
	fillString(&yamlConfig.RedisPrefix, programmaticConfig.RedisPrefix)
	fillString(&yamlConfig.AMQPURL, programmaticConfig.AMQPURL)
	fillString(&yamlConfig.AMQPExchange, programmaticConfig.AMQPExchange)
	fillString(&yamlConfig.StripeKey, programmaticConfig.StripeKey)
	fillString(&yamlConfig.GroveDatabase, programmaticConfig.GroveDatabase)
	fillString(&yamlConfig.Schedules.Transitions, programmaticConfig.Schedules.Transitions)
	fillString(&yamlConfig.Schedules.Reset, programmaticConfig.Schedules.Reset)
	fillString(&yamlConfig.Schedules.Retry, programmaticConfig.Schedules.Retry)

	fillZero(&yamlConfig.CacheTTL, programmaticConfig.CacheTTL)
	fillZero(&yamlConfig.GuardTTL, programmaticConfig.GuardTTL)
	fillZero(&yamlConfig.IdempotencyTTL, programmaticConfig.IdempotencyTTL)
	fillZero(&yamlConfig.IdempotencyLease, programmaticConfig.IdempotencyLease)
	fillZero(&yamlConfig.VerifyDelay, programmaticConfig.VerifyDelay)
	fillZero(&yamlConfig.DeductTimeout, programmaticConfig.DeductTimeout)
	fillZero(&yamlConfig.ExecuteTimeout, programmaticConfig.ExecuteTimeout)
	fillZero(&yamlConfig.SyncBatchSize, programmaticConfig.SyncBatchSize)
	fillZero(&yamlConfig.SyncFlushInterval, programmaticConfig.SyncFlushInterval)
	fillZero(&yamlConfig.LedgerRetries, programmaticConfig.LedgerRetries)

	return yamlConfig.withDefaults()
}

func fillString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func fillZero[T comparable](dst *T, v T) {
	var zero T
	if *dst == zero {
		*dst = v
	}
}
