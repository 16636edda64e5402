// Package redis provides a Redis-backed cache.Cache and cache.Idempotency.
// Every mutator is a single Lua script against one customer's keys.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
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

const defaultPrefix = "entitle:"

// Cache is a Redis cache.Cache.
type Cache struct {
	client   goredis.UniversalClient
	settings cache.Settings
	prefix   string
	now      func() time.Time
}

// Option configures a Redis cache.
type Option func(*Cache)

// WithSettings overrides the TTLs.
func WithSettings(s cache.Settings) Option {
	return func(c *Cache) { c.settings = s }
}

// WithPrefix namespaces every key.
func WithPrefix(prefix string) Option {
	return func(c *Cache) { c.prefix = prefix }
}

// WithClock replaces the clock used for guard markers.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache on an existing client.
func New(client goredis.UniversalClient, opts ...Option) *Cache {
	c := &Cache{
		client:   client,
		settings: cache.DefaultSettings(),
		prefix:   defaultPrefix,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Client returns the underlying Redis client.
func (c *Cache) Client() goredis.UniversalClient { return c.client }

func (c *Cache) entryKey(k cache.Key) string    { return c.prefix + k.String() }
func (c *Cache) guardKey(k cache.Key) string    { return c.prefix + k.GuardKey() }
func (c *Cache) variantsKey(k cache.Key) string { return c.prefix + k.VariantsKey() }

func (c *Cache) Get(ctx context.Context, key cache.Key) (*cache.Snapshot, error) {
	raw, err := c.client.Get(ctx, c.entryKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, entitle.ErrCacheMiss
	}
	if err != nil {
		return nil, cache.Unavailable("get", err)
	}
	var snap cache.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("%s: %w", key, entitle.ErrCacheCorrupt)
	}
	return &snap, nil
}

func (c *Cache) Set(ctx context.Context, key cache.Key, snap *cache.Snapshot, fetchedAt time.Time, overwrite bool) (cache.SetResult, error) {
	stored := *snap
	stored.FetchedAt = jsonx.FromTime(fetchedAt)
	payload, err := json.Marshal(&stored)
	if err != nil {
		return "", fmt.Errorf("cache/redis: encode %s: %w", key, err)
	}

	res, err := setScript.Run(ctx, c.client,
		[]string{c.entryKey(key), c.guardKey(key), c.variantsKey(key)},
		string(payload), int64(stored.FetchedAt), flag(overwrite), c.settings.TTL.Milliseconds(), flag(key.IsVariant()),
	).Text()
	if err != nil {
		return "", cache.Unavailable("set", err)
	}
	return cache.SetResult(res), nil
}

func (c *Cache) Delete(ctx context.Context, key cache.Key) (cache.DeleteResult, error) {
	base := key.Base()
	res, err := deleteScript.Run(ctx, c.client,
		[]string{c.entryKey(base), c.guardKey(base), c.variantsKey(base)},
		c.now().UnixMilli(), c.settings.GuardTTL.Milliseconds(),
	).Text()
	if err != nil {
		return "", cache.Unavailable("delete", err)
	}
	return cache.DeleteResult(res), nil
}

func (c *Cache) Deduct(ctx context.Context, key cache.Key, req balance.Request, now time.Time) (*balance.Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("cache/redis: encode request: %w", err)
	}

	base := key.Base()
	res, err := deductScript.Run(ctx, c.client,
		[]string{c.entryKey(base), c.variantsKey(base)},
		string(payload), now.UnixMilli(),
	).Text()
	if err != nil {
		return nil, cache.Unavailable("deduct", err)
	}
	if err := scriptStatus(key, res); err != nil {
		return nil, err
	}

	var out balance.Outcome
	if err := json.Unmarshal([]byte(res), &out); err != nil {
		return nil, fmt.Errorf("%s: deduct result: %w", key, entitle.ErrCacheCorrupt)
	}
	return &out, nil
}

func (c *Cache) IncrementEntitlementBalance(ctx context.Context, key cache.Key, entitlementID, entityID string, delta decimal.Decimal) error {
	base := key.Base()
	res, err := incrementBalanceScript.Run(ctx, c.client,
		[]string{c.entryKey(base), c.variantsKey(base)},
		entitlementID, entityID, delta.String(),
	).Text()
	if err != nil {
		return cache.Unavailable("increment balance", err)
	}
	if res == "NOT_FOUND" {
		return fmt.Errorf("entitlement %s: %w", entitlementID, entitle.ErrEntitlementNotFound)
	}
	return scriptStatus(key, res)
}

func (c *Cache) IncrementProductOptionQuantity(ctx context.Context, key cache.Key, customerProductID, featureID string, delta int64) error {
	base := key.Base()
	res, err := incrementOptionScript.Run(ctx, c.client,
		[]string{c.entryKey(base), c.variantsKey(base)},
		customerProductID, featureID, delta,
	).Text()
	if err != nil {
		return cache.Unavailable("increment option", err)
	}
	if res == "NOT_FOUND" {
		return fmt.Errorf("customer product %s: %w", customerProductID, entitle.ErrCustomerProductNotFound)
	}
	return scriptStatus(key, res)
}

func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return cache.Unavailable("ping", err)
	}
	return nil
}

// scriptStatus maps the script status replies to errors. JSON payloads and
// OK pass through as nil.
func scriptStatus(key cache.Key, res string) error {
	switch {
	case res == "MISS":
		return entitle.ErrCacheMiss
	case res == "CORRUPT":
		return fmt.Errorf("%s: %w", key, entitle.ErrCacheCorrupt)
	case res == "BAD_REQUEST":
		return fmt.Errorf("%s: %w", key, entitle.ErrInvalidRequest)
	case strings.HasPrefix(res, "NOT_FOUND:"):
		return fmt.Errorf("feature %s: %w", strings.TrimPrefix(res, "NOT_FOUND:"), entitle.ErrEntitlementNotFound)
	}
	return nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// ──────────────────────────────────────────────────
// Idempotency
// ──────────────────────────────────────────────────

// Idempotency is a Redis cache.Idempotency built on SET NX PX. The claim
// expires after the lease and the finished record after the TTL.
type Idempotency struct {
	client goredis.UniversalClient
	ttl    time.Duration
	lease  time.Duration
	prefix string
}

// IdempotencyOption configures an Idempotency.
type IdempotencyOption func(*Idempotency)

// WithLease sets how long an in-progress claim holds its key.
func WithLease(d time.Duration) IdempotencyOption {
	return func(i *Idempotency) { i.lease = d }
}

// NewIdempotency creates an idempotency store whose records live for ttl.
func NewIdempotency(client goredis.UniversalClient, ttl time.Duration, opts ...IdempotencyOption) *Idempotency {
	i := &Idempotency{
		client: client,
		ttl:    ttl,
		lease:  cache.DefaultSettings().IdempotencyLease,
		prefix: defaultPrefix + "idem:",
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Idempotency) Acquire(ctx context.Context, key string) (*cache.Record, bool, error) {
	claim, err := json.Marshal(cache.Record{State: cache.StateInProgress})
	if err != nil {
		return nil, false, err
	}

	// One retry covers a record expiring between SETNX and GET.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := i.client.SetNX(ctx, i.prefix+key, claim, i.lease).Result()
		if err != nil {
			return nil, false, cache.Unavailable("idempotency acquire", err)
		}
		if ok {
			return &cache.Record{State: cache.StateInProgress}, true, nil
		}

		raw, err := i.client.Get(ctx, i.prefix+key).Bytes()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, false, cache.Unavailable("idempotency read", err)
		}
		var rec cache.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, false, fmt.Errorf("idempotency %s: %w", key, entitle.ErrCacheCorrupt)
		}
		return &rec, false, nil
	}
	return nil, false, cache.Unavailable("idempotency acquire", errors.New("record churned"))
}

func (i *Idempotency) Complete(ctx context.Context, key string, state cache.State, result []byte) error {
	raw, err := json.Marshal(cache.Record{State: state, Result: result})
	if err != nil {
		return err
	}
	if err := i.client.Set(ctx, i.prefix+key, raw, i.ttl).Err(); err != nil {
		return cache.Unavailable("idempotency complete", err)
	}
	return nil
}

func (i *Idempotency) Release(ctx context.Context, key string) error {
	if err := i.client.Del(ctx, i.prefix+key).Err(); err != nil {
		return cache.Unavailable("idempotency release", err)
	}
	return nil
}
