package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/balance"
	"github.com/xraph/entitle/cache"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plugin"
)

// Cached balances pass through Lua doubles; differences below this many
// decimal places are not mismatches.
const comparePlaces = 9

// Flusher writes queued cache deltas to the ledger.
type Flusher interface {
	FlushCustomer(ctx context.Context, sc entitle.Scope, customerID string) error
}

// Verifier compares a customer's cached balances with the ledger some time
// after a plan execution invalidated the cache.
type Verifier struct {
	cache   cache.Cache
	store   customer.Store
	flusher Flusher
	plugins *plugin.Registry
	logger  *slog.Logger
	now     func() time.Time
	delay   time.Duration
	timeout time.Duration

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	stopped bool
	wg      sync.WaitGroup
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithDelay sets how long Schedule waits before verifying.
func WithDelay(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.delay = d }
}

// WithFlusher flushes queued deltas before each comparison.
func WithFlusher(f Flusher) VerifierOption {
	return func(v *Verifier) { v.flusher = f }
}

// WithPlugins sets the registry that receives consistency events.
func WithPlugins(r *plugin.Registry) VerifierOption {
	return func(v *Verifier) { v.plugins = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a Verifier.
func NewVerifier(c cache.Cache, s customer.Store, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		cache:   c,
		store:   s,
		plugins: plugin.NewRegistry(),
		logger:  slog.Default(),
		now:     time.Now,
		delay:   10 * time.Second,
		timeout: 5 * time.Second,
		timers:  make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Schedule verifies the customer after the configured delay. It does nothing
// once the verifier is stopped.
func (v *Verifier) Schedule(sc entitle.Scope, customerID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopped {
		return
	}

	v.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(v.delay, func() {
		defer v.wg.Done()
		v.mu.Lock()
		delete(v.timers, t)
		v.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
		defer cancel()
		if _, err := v.Verify(ctx, sc, customerID); err != nil {
			v.logger.Warn("cache verification failed", "customer_id", customerID, "error", err)
		}
	})
	v.timers[t] = struct{}{}
}

// Stop cancels pending verifications and waits for running ones.
func (v *Verifier) Stop() {
	v.mu.Lock()
	v.stopped = true
	for t := range v.timers {
		if t.Stop() {
			v.wg.Done()
		}
		delete(v.timers, t)
	}
	v.mu.Unlock()
	v.wg.Wait()
}

// Verify compares cached and ledger balances now. On disagreement it emits
// CacheConsistencyCheckFailed, invalidates the cache entry and returns the
// mismatches. A customer with no cache entry has nothing to verify.
func (v *Verifier) Verify(ctx context.Context, sc entitle.Scope, customerID string) ([]event.Mismatch, error) {
	if v.flusher != nil {
		if err := v.flusher.FlushCustomer(ctx, sc, customerID); err != nil {
			return nil, err
		}
	}

	key := cache.NewKey(sc, customerID)
	snap, err := v.cache.Get(ctx, key)
	switch {
	case errors.Is(err, entitle.ErrCacheMiss):
		return nil, nil
	case errors.Is(err, entitle.ErrCacheCorrupt):
		v.invalidate(ctx, key)
		return nil, err
	case err != nil:
		return nil, err
	}

	view, err := v.store.LoadView(ctx, sc, customerID)
	if err != nil {
		return nil, err
	}

	now := v.now()
	mismatches := Compare(snap.Balances(now), balance.Totals(view.Accounts(), now))
	if len(mismatches) == 0 {
		return nil, nil
	}

	v.logger.Warn("cache disagrees with ledger",
		"org_id", sc.OrgID,
		"customer_id", customerID,
		"mismatches", len(mismatches),
	)
	v.invalidate(ctx, key)
	v.plugins.EmitCacheConsistencyCheckFailed(ctx, &event.CacheConsistencyCheckFailed{
		ID:         id.NewEventID(),
		Scope:      sc,
		CustomerID: customerID,
		Mismatches: mismatches,
		At:         now.UTC(),
	})
	return mismatches, nil
}

func (v *Verifier) invalidate(ctx context.Context, key cache.Key) {
	_, _ = v.cache.Delete(ctx, key) //nolint:errcheck // best-effort cache invalidation
}

// Compare returns the features whose balances differ, sorted by feature. A
// feature missing on one side counts as zero there.
func Compare(cached, ledger map[string]decimal.Decimal) []event.Mismatch {
	features := make(map[string]struct{}, len(ledger))
	for f := range cached {
		features[f] = struct{}{}
	}
	for f := range ledger {
		features[f] = struct{}{}
	}

	var out []event.Mismatch
	for f := range features {
		c, l := cached[f], ledger[f]
		if c.Round(comparePlaces).Equal(l.Round(comparePlaces)) {
			continue
		}
		out = append(out, event.Mismatch{FeatureID: f, Cache: c, Ledger: l})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureID < out[j].FeatureID })
	return out
}
