// Package deduct runs usage deductions against the fast balance cache and
// keeps the entitlement ledger in step with it.
//
// A deduction runs as one atomic script on the customer's cache entry. On a
// miss the engine flushes queued deltas, reads the ledger and populates the
// entry before retrying once. When the cache is unavailable or the entry is
// malformed the deduction runs directly on the ledger instead. Deltas applied
// in the cache are queued and written to the ledger by a background worker.
package deduct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/balance"
	"github.com/xraph/entitle/cache"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plugin"
)

const tracerName = "github.com/xraph/entitle/deduct"

// Result is the outcome of a deduction.
type Result struct {
	Success         bool                       `json:"success"`
	RejectedFeature string                     `json:"rejected_feature,omitempty"`
	Balances        map[string]decimal.Decimal `json:"balances"`
	Dropped         map[string]decimal.Decimal `json:"dropped,omitempty"`
	Changes         []balance.Change           `json:"changes,omitempty"`
	Source          event.Source               `json:"source"`
}

// Engine applies deductions.
type Engine struct {
	cache   cache.Cache
	store   customer.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	timeout       time.Duration
	batchSize     int
	flushInterval time.Duration
	maxRetries    uint

	group singleflight.Group

	mu       sync.Mutex
	queue    map[customerRef][]balance.Change
	queued   int
	internal map[customerRef]id.ID
	stripes  [64]sync.Mutex
	// gates order cached writes against populate: deductions share a gate,
	// a populate or a write-through holds it alone.
	gates [64]sync.RWMutex

	kick     chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type customerRef struct {
	scope      entitle.Scope
	customerID string
}

func (r customerRef) String() string { return r.scope.String() + ":" + r.customerID }

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPlugins sets the registry that receives balance events.
func WithPlugins(r *plugin.Registry) Option {
	return func(e *Engine) { e.plugins = r }
}

// WithTracer sets the tracer used for deduction spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTimeout bounds each cache call made during a deduction.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithSyncConfig configures the ledger sync worker.
func WithSyncConfig(batchSize int, flushInterval time.Duration) Option {
	return func(e *Engine) {
		e.batchSize = batchSize
		e.flushInterval = flushInterval
	}
}

// WithRetries sets how many times a ledger write is attempted.
func WithRetries(n uint) Option {
	return func(e *Engine) { e.maxRetries = n }
}

// New creates a deduction engine.
func New(c cache.Cache, s customer.Store, opts ...Option) *Engine {
	e := &Engine{
		cache:         c,
		store:         s,
		plugins:       plugin.NewRegistry(),
		logger:        slog.Default(),
		tracer:        otel.Tracer(tracerName),
		now:           time.Now,
		timeout:       150 * time.Millisecond,
		batchSize:     100,
		flushInterval: time.Second,
		maxRetries:    5,
		queue:         make(map[customerRef][]balance.Change),
		internal:      make(map[customerRef]id.ID),
		kick:          make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins the ledger sync worker.
func (e *Engine) Start(_ context.Context) {
	e.wg.Add(1)
	go e.syncWorker()
}

// Stop drains the sync queue and stops the worker.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()
}

// Deduct atomically deducts every item in req from the customer's balances.
// A request rejected under the reject policy returns a Result with Success
// false and a nil error.
func (e *Engine) Deduct(ctx context.Context, sc entitle.Scope, customerID string, req balance.Request) (*Result, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "deduct.Deduct", trace.WithAttributes(
		attribute.String("entitle.org_id", sc.OrgID),
		attribute.String("entitle.env", sc.Env),
		attribute.String("entitle.customer_id", customerID),
		attribute.String("entitle.policy", string(req.Policy)),
		attribute.Int("entitle.items", len(req.Items)),
	))
	defer span.End()

	ref := customerRef{scope: sc, customerID: customerID}
	key := cache.NewKey(sc, customerID)

	out, err := e.deductQueued(ctx, ref, key, req)
	if errors.Is(err, entitle.ErrCacheMiss) && e.populate(ctx, ref) {
		out, err = e.deductQueued(ctx, ref, key, req)
	}

	source := event.SourceCache
	switch {
	case err == nil:
	case entitle.IsNotFound(err), entitle.IsInvalidRequest(err):
		span.RecordError(err)
		return nil, err
	default:
		e.logger.Warn("deduct falling back to ledger",
			"org_id", sc.OrgID,
			"customer_id", customerID,
			"error", err,
		)
		source = event.SourceLedger
		out, err = e.deductLedger(ctx, ref, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	span.SetAttributes(
		attribute.String("entitle.source", string(source)),
		attribute.Bool("entitle.success", out.Success),
	)
	return e.finish(ctx, ref, req, out, source), nil
}

// Balances returns the customer's available balance per feature.
func (e *Engine) Balances(ctx context.Context, sc entitle.Scope, customerID string) (map[string]decimal.Decimal, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	ref := customerRef{scope: sc, customerID: customerID}
	key := cache.NewKey(sc, customerID)

	snap, err := e.getCached(ctx, key)
	if errors.Is(err, entitle.ErrCacheMiss) && e.populate(ctx, ref) {
		snap, err = e.getCached(ctx, key)
	}
	if err == nil {
		return snap.Balances(e.now()), nil
	}

	if ferr := e.flushCustomer(ctx, ref); ferr != nil {
		e.logger.Warn("deduct flush before ledger read failed", "customer_id", customerID, "error", ferr)
	}
	view, err := e.store.LoadView(ctx, sc, customerID)
	if err != nil {
		return nil, err
	}
	return balance.Totals(view.Accounts(), e.now()), nil
}

// deductQueued runs the cached deduction and queues its changes under the
// customer's shared gate, so a populate reads the ledger either before the
// deduction touched the cache or after its changes were queued.
func (e *Engine) deductQueued(ctx context.Context, ref customerRef, key cache.Key, req balance.Request) (*balance.Outcome, error) {
	g := e.gate(ref)
	g.RLock()
	defer g.RUnlock()

	out, err := e.deductCached(ctx, key, req)
	if err == nil && out.Success {
		e.enqueue(ref, out.Changes)
	}
	return out, err
}

func (e *Engine) deductCached(ctx context.Context, key cache.Key, req balance.Request) (*balance.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.cache.Deduct(ctx, key, req, e.now())
}

func (e *Engine) getCached(ctx context.Context, key cache.Key) (*cache.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.cache.Get(ctx, key)
}

// populate loads the ledger view into the cache. It reports whether a usable
// entry now exists.
func (e *Engine) populate(ctx context.Context, ref customerRef) bool {
	v, err, _ := e.group.Do(ref.String(), func() (interface{}, error) {
		g := e.gate(ref)
		g.Lock()
		defer g.Unlock()

		if err := e.flushCustomer(ctx, ref); err != nil {
			return false, err
		}
		fetchedAt := e.now()
		view, err := e.store.LoadView(ctx, ref.scope, ref.customerID)
		if err != nil {
			return false, err
		}
		e.remember(ref, view.Customer.InternalID)

		setCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		res, err := e.cache.Set(setCtx, cache.NewKey(ref.scope, ref.customerID), cache.FromView(view, fetchedAt), fetchedAt, false)
		if err != nil {
			return false, err
		}
		return res != cache.SetStaleWrite, nil
	})
	if err != nil {
		e.logger.Debug("deduct cache populate failed", "customer_id", ref.customerID, "error", err)
		return false
	}
	return v.(bool)
}

func (e *Engine) deductLedger(ctx context.Context, ref customerRef, req balance.Request) (*balance.Outcome, error) {
	if err := e.flushCustomer(ctx, ref); err != nil {
		e.logger.Warn("deduct flush before ledger write failed", "customer_id", ref.customerID, "error", err)
	}
	internalID, err := e.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	now := e.now()
	var out *balance.Outcome
	err = e.store.MutateEntitlements(ctx, internalID, func(ents []*customer.Entitlement) error {
		_, o, err := balance.Apply(customer.Accounts(ents), req, now)
		if err != nil {
			return err
		}
		out = o
		if o.Success {
			customer.ApplyChanges(ents, o.Changes, now)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("deduct: ledger: %w", err)
	}

	if out.Success {
		_, _ = e.cache.Delete(ctx, cache.NewKey(ref.scope, ref.customerID)) //nolint:errcheck // best-effort cache invalidation
	}
	return out, nil
}

func (e *Engine) finish(ctx context.Context, ref customerRef, req balance.Request, out *balance.Outcome, source event.Source) *Result {
	res := &Result{
		Success:         out.Success,
		RejectedFeature: out.RejectedFeature,
		Balances:        map[string]decimal.Decimal(out.Balances),
		Changes:         []balance.Change(out.Changes),
		Source:          source,
	}
	if len(out.Dropped) > 0 {
		res.Dropped = map[string]decimal.Decimal(out.Dropped)
	}

	if out.Success && len(out.Changes) > 0 {
		e.plugins.EmitBalanceChanged(ctx, &event.BalanceChanged{
			ID:         id.NewEventID(),
			Scope:      ref.scope,
			CustomerID: ref.customerID,
			EntityID:   req.EntityID,
			Source:     source,
			Changes:    res.Changes,
			Balances:   res.Balances,
			Dropped:    res.Dropped,
			At:         e.now().UTC(),
		})
	}
	return res
}

func (e *Engine) remember(ref customerRef, internalID id.ID) {
	e.mu.Lock()
	e.internal[ref] = internalID
	e.mu.Unlock()
}

func (e *Engine) resolve(ctx context.Context, ref customerRef) (id.ID, error) {
	e.mu.Lock()
	internalID, ok := e.internal[ref]
	e.mu.Unlock()
	if ok {
		return internalID, nil
	}

	c, err := e.store.GetCustomer(ctx, ref.scope, ref.customerID)
	if err != nil {
		return id.Nil, err
	}
	e.remember(ref, c.InternalID)
	return c.InternalID, nil
}
