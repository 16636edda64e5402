// Package memory provides an in-process cache.Cache and cache.Idempotency
// backed by expirable LRUs. Every operation holds one mutex, so each mutator
// is atomic the way a Redis script is.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/balance"
	"github.com/xraph/entitle/cache"
	"github.com/xraph/entitle/internal/jsonx"
)

// Compile-time interface checks.
var (
	_ cache.Cache       = (*Cache)(nil)
	_ cache.Idempotency = (*Idempotency)(nil)
)

const defaultSize = 100_000

// Cache is an in-process cache.Cache.
type Cache struct {
	mu       sync.Mutex
	settings cache.Settings
	size     int
	now      func() time.Time

	entries  *expirable.LRU[string, []byte]
	guards   *expirable.LRU[string, int64]
	variants map[string]map[string]struct{}
}

// Option configures a memory cache.
type Option func(*Cache)

// WithSettings overrides the TTLs.
func WithSettings(s cache.Settings) Option {
	return func(c *Cache) { c.settings = s }
}

// WithSize bounds the number of entries kept.
func WithSize(n int) Option {
	return func(c *Cache) { c.size = n }
}

// WithClock replaces the clock used for guard markers.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		settings: cache.DefaultSettings(),
		size:     defaultSize,
		now:      time.Now,
		variants: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.entries = expirable.NewLRU[string, []byte](c.size, nil, c.settings.TTL)
	c.guards = expirable.NewLRU[string, int64](c.size, nil, c.settings.GuardTTL)
	return c
}

func (c *Cache) Get(_ context.Context, key cache.Key) (*cache.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.load(key.String())
}

func (c *Cache) Set(_ context.Context, key cache.Key, snap *cache.Snapshot, fetchedAt time.Time, overwrite bool) (cache.SetResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	at := jsonx.FromTime(fetchedAt)
	if guard, ok := c.guards.Get(key.GuardKey()); ok && guard >= int64(at) {
		return cache.SetStaleWrite, nil
	}
	if raw, ok := c.entries.Get(key.String()); ok {
		if !overwrite {
			return cache.SetCacheExists, nil
		}
		var existing cache.Snapshot
		if err := json.Unmarshal(raw, &existing); err == nil && existing.FetchedAt > at {
			return cache.SetStaleWrite, nil
		}
	}

	stored := *snap
	stored.FetchedAt = at
	if err := c.store(key.String(), &stored); err != nil {
		return "", err
	}
	if key.IsVariant() {
		base := key.Base().String()
		if c.variants[base] == nil {
			c.variants[base] = make(map[string]struct{})
		}
		c.variants[base][key.String()] = struct{}{}
	}
	return cache.SetOK, nil
}

func (c *Cache) Delete(_ context.Context, key cache.Key) (cache.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.guards.Add(key.GuardKey(), c.now().UnixMilli())
	existed := c.entries.Remove(key.Base().String())
	if c.dropVariants(key) {
		existed = true
	}
	if existed {
		return cache.Deleted, nil
	}
	return cache.Skipped, nil
}

func (c *Cache) Deduct(_ context.Context, key cache.Key, req balance.Request, now time.Time) (*balance.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key.Base().String()
	snap, err := c.load(k)
	if err != nil {
		return nil, err
	}
	accounts, out, err := balance.Apply(snap.Accounts, req, now)
	if err != nil {
		return nil, err
	}
	if !out.Success {
		return out, nil
	}
	snap.Accounts = accounts
	if err := c.store(k, snap); err != nil {
		return nil, err
	}
	c.dropVariants(key)
	return out, nil
}

func (c *Cache) IncrementEntitlementBalance(_ context.Context, key cache.Key, entitlementID, entityID string, delta decimal.Decimal) error {
	return c.mutate(key, func(s *cache.Snapshot) error {
		return balance.Increment(s.Accounts, entitlementID, entityID, delta)
	})
}

func (c *Cache) IncrementProductOptionQuantity(_ context.Context, key cache.Key, customerProductID, featureID string, delta int64) error {
	return c.mutate(key, func(s *cache.Snapshot) error {
		if !s.IncrementOption(customerProductID, featureID, delta) {
			return fmt.Errorf("customer product %s: %w", customerProductID, entitle.ErrCustomerProductNotFound)
		}
		return nil
	})
}

func (c *Cache) Ping(_ context.Context) error { return nil }

// Len returns the number of live entries.
func (c *Cache) Len() int { return c.entries.Len() }

func (c *Cache) mutate(key cache.Key, fn func(*cache.Snapshot) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key.Base().String()
	snap, err := c.load(k)
	if err != nil {
		return err
	}
	if err := fn(snap); err != nil {
		return err
	}
	if err := c.store(k, snap); err != nil {
		return err
	}
	c.dropVariants(key)
	return nil
}

func (c *Cache) load(k string) (*cache.Snapshot, error) {
	raw, ok := c.entries.Get(k)
	if !ok {
		return nil, entitle.ErrCacheMiss
	}
	var snap cache.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("%s: %w", k, entitle.ErrCacheCorrupt)
	}
	return &snap, nil
}

func (c *Cache) store(k string, snap *cache.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("cache/memory: encode %s: %w", k, err)
	}
	c.entries.Add(k, raw)
	return nil
}

func (c *Cache) dropVariants(key cache.Key) bool {
	base := key.Base().String()
	existed := false
	for v := range c.variants[base] {
		if c.entries.Remove(v) {
			existed = true
		}
	}
	delete(c.variants, base)
	return existed
}

// ──────────────────────────────────────────────────
// Idempotency
// ──────────────────────────────────────────────────

// Idempotency is an in-process cache.Idempotency. An in-progress claim
// lapses after the lease so a crashed execution does not hold its key for
// the whole record TTL.
type Idempotency struct {
	mu      sync.Mutex
	lease   time.Duration
	now     func() time.Time
	records *expirable.LRU[string, idemEntry]
}

type idemEntry struct {
	rec        cache.Record
	leaseUntil time.Time
}

// IdempotencyOption configures an Idempotency.
type IdempotencyOption func(*Idempotency)

// WithLease sets how long an in-progress claim holds its key.
func WithLease(d time.Duration) IdempotencyOption {
	return func(i *Idempotency) { i.lease = d }
}

// WithIdempotencyClock overrides the time source used for leases.
func WithIdempotencyClock(now func() time.Time) IdempotencyOption {
	return func(i *Idempotency) { i.now = now }
}

// NewIdempotency creates an idempotency store whose records live for ttl.
func NewIdempotency(ttl time.Duration, opts ...IdempotencyOption) *Idempotency {
	i := &Idempotency{
		lease:   cache.DefaultSettings().IdempotencyLease,
		now:     time.Now,
		records: expirable.NewLRU[string, idemEntry](defaultSize, nil, ttl),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Idempotency) Acquire(_ context.Context, key string) (*cache.Record, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	if e, ok := i.records.Get(key); ok {
		if e.rec.State != cache.StateInProgress || now.Before(e.leaseUntil) {
			rec := e.rec
			return &rec, false, nil
		}
	}
	rec := cache.Record{State: cache.StateInProgress}
	i.records.Add(key, idemEntry{rec: rec, leaseUntil: now.Add(i.lease)})
	return &rec, true, nil
}

func (i *Idempotency) Complete(_ context.Context, key string, state cache.State, result []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.records.Add(key, idemEntry{rec: cache.Record{State: state, Result: append([]byte(nil), result...)}})
	return nil
}

func (i *Idempotency) Release(_ context.Context, key string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.records.Remove(key)
	return nil
}
