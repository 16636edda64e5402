package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/balance"
	"github.com/xraph/entitle/cache"
	"github.com/xraph/entitle/internal/jsonx"
)

var (
	ctx   = context.Background()
	scope = entitle.Scope{OrgID: "org_1", Env: entitle.EnvLive}
	t0    = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
)

func snapshot(balances ...int64) *cache.Snapshot {
	s := &cache.Snapshot{CustomerID: "acme", Products: jsonx.List[cache.ProductState]{{ID: "cp_1", Options: jsonx.Map[int64]{"seats": 2}}}}
	for i, b := range balances {
		s.Accounts = append(s.Accounts, balance.Account{
			ID:        []string{"ent_a", "ent_b"}[i],
			FeatureID: []string{"calls", "tokens"}[i],
			Balance:   decimal.NewFromInt(b),
		})
	}
	return s
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newCache() (*Cache, *clock) {
	clk := &clock{now: t0}
	return New(WithClock(clk.Now)), clk
}

func TestSetResults(t *testing.T) {
	key := cache.NewKey(scope, "acme")

	tests := []struct {
		name      string
		prepare   func(c *Cache, clk *clock)
		fetchedAt time.Time
		overwrite bool
		want      cache.SetResult
	}{
		{
			name:      "empty",
			fetchedAt: t0,
			want:      cache.SetOK,
		},
		{
			name: "exists without overwrite",
			prepare: func(c *Cache, _ *clock) {
				_, _ = c.Set(ctx, key, snapshot(1), t0, false)
			},
			fetchedAt: t0.Add(time.Second),
			want:      cache.SetCacheExists,
		},
		{
			name: "overwrite newer",
			prepare: func(c *Cache, _ *clock) {
				_, _ = c.Set(ctx, key, snapshot(1), t0, false)
			},
			fetchedAt: t0.Add(time.Second),
			overwrite: true,
			want:      cache.SetOK,
		},
		{
			name: "overwrite with older fetch",
			prepare: func(c *Cache, _ *clock) {
				_, _ = c.Set(ctx, key, snapshot(1), t0.Add(time.Second), false)
			},
			fetchedAt: t0,
			overwrite: true,
			want:      cache.SetStaleWrite,
		},
		{
			name: "read before delete",
			prepare: func(c *Cache, clk *clock) {
				clk.now = t0.Add(2 * time.Second)
				_, _ = c.Delete(ctx, key)
			},
			fetchedAt: t0.Add(time.Second),
			want:      cache.SetStaleWrite,
		},
		{
			name: "guard equal to fetch",
			prepare: func(c *Cache, clk *clock) {
				clk.now = t0
				_, _ = c.Delete(ctx, key)
			},
			fetchedAt: t0,
			want:      cache.SetStaleWrite,
		},
		{
			name: "read after delete",
			prepare: func(c *Cache, clk *clock) {
				clk.now = t0
				_, _ = c.Delete(ctx, key)
			},
			fetchedAt: t0.Add(time.Millisecond),
			want:      cache.SetOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, clk := newCache()
			if tt.prepare != nil {
				tt.prepare(c, clk)
			}
			got, err := c.Set(ctx, key, snapshot(5), tt.fetchedAt, tt.overwrite)
			if err != nil {
				t.Fatalf("set: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDeleteDropsVariants(t *testing.T) {
	c, _ := newCache()
	base := cache.NewKey(scope, "acme")
	variant := base.WithExpand("invoices")

	if _, err := c.Set(ctx, base, snapshot(1), t0, false); err != nil {
		t.Fatalf("set base: %v", err)
	}
	if _, err := c.Set(ctx, variant, snapshot(1), t0, false); err != nil {
		t.Fatalf("set variant: %v", err)
	}

	res, err := c.Delete(ctx, variant)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res != cache.Deleted {
		t.Errorf("got %s, want DELETED", res)
	}
	for _, k := range []cache.Key{base, variant} {
		if _, err := c.Get(ctx, k); !errors.Is(err, entitle.ErrCacheMiss) {
			t.Errorf("%s: expected miss, got %v", k, err)
		}
	}

	res, _ = c.Delete(ctx, base)
	if res != cache.Skipped {
		t.Errorf("second delete: got %s, want SKIPPED", res)
	}
}

func TestDeductAtomic(t *testing.T) {
	c, _ := newCache()
	key := cache.NewKey(scope, "acme")
	if _, err := c.Set(ctx, key, snapshot(10, 1), t0, false); err != nil {
		t.Fatalf("set: %v", err)
	}
	variant := key.WithExpand("products")
	_, _ = c.Set(ctx, variant, snapshot(10, 1), t0, false)

	req := balance.Request{Policy: balance.PolicyReject, Items: []balance.Item{
		{FeatureID: "calls", Amount: decimal.NewFromInt(3)},
		{FeatureID: "tokens", Amount: decimal.NewFromInt(2)},
	}}
	out, err := c.Deduct(ctx, key, req, t0)
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if out.Success {
		t.Fatal("expected rejection")
	}
	snap, _ := c.Get(ctx, key)
	if !snap.Accounts[0].Balance.Equal(decimal.NewFromInt(10)) {
		t.Errorf("rejected deduct changed balance to %s", snap.Accounts[0].Balance)
	}
	if _, err := c.Get(ctx, variant); err != nil {
		t.Error("rejected deduct should not drop variants")
	}

	req.Items[1].Amount = decimal.NewFromInt(1)
	out, err = c.Deduct(ctx, key, req, t0)
	if err != nil || !out.Success {
		t.Fatalf("deduct: %v %+v", err, out)
	}
	snap, _ = c.Get(ctx, key)
	if !snap.Accounts[0].Balance.Equal(decimal.NewFromInt(7)) || !snap.Accounts[1].Balance.IsZero() {
		t.Errorf("balances: %s %s", snap.Accounts[0].Balance, snap.Accounts[1].Balance)
	}
	if _, err := c.Get(ctx, variant); !errors.Is(err, entitle.ErrCacheMiss) {
		t.Error("deduct should drop variants")
	}
}

func TestDeductMiss(t *testing.T) {
	c, _ := newCache()
	_, err := c.Deduct(ctx, cache.NewKey(scope, "ghost"), balance.Request{
		Policy: balance.PolicyCap,
		Items:  []balance.Item{{FeatureID: "calls", Amount: decimal.NewFromInt(1)}},
	}, t0)
	if !errors.Is(err, entitle.ErrCacheMiss) {
		t.Errorf("expected miss, got %v", err)
	}
}

func TestIncrements(t *testing.T) {
	c, _ := newCache()
	key := cache.NewKey(scope, "acme")
	_, _ = c.Set(ctx, key, snapshot(10), t0, false)

	if err := c.IncrementEntitlementBalance(ctx, key, "ent_a", "", decimal.NewFromInt(5)); err != nil {
		t.Fatalf("increment balance: %v", err)
	}
	if err := c.IncrementProductOptionQuantity(ctx, key, "cp_1", "seats", 3); err != nil {
		t.Fatalf("increment option: %v", err)
	}
	if err := c.IncrementProductOptionQuantity(ctx, key, "cp_9", "seats", 3); !entitle.IsNotFound(err) {
		t.Errorf("unknown product: got %v", err)
	}

	snap, _ := c.Get(ctx, key)
	if !snap.Accounts[0].Balance.Equal(decimal.NewFromInt(15)) {
		t.Errorf("balance: got %s", snap.Accounts[0].Balance)
	}
	if snap.Products[0].Options["seats"] != 5 {
		t.Errorf("seats: got %d", snap.Products[0].Options["seats"])
	}
}

func TestIdempotency(t *testing.T) {
	idem := NewIdempotency(time.Hour)

	rec, acquired, err := idem.Acquire(ctx, "k1")
	if err != nil || !acquired || rec.State != cache.StateInProgress {
		t.Fatalf("first acquire: %v %v %+v", err, acquired, rec)
	}
	rec, acquired, _ = idem.Acquire(ctx, "k1")
	if acquired || rec.State != cache.StateInProgress {
		t.Fatalf("second acquire: %v %+v", acquired, rec)
	}

	if err := idem.Complete(ctx, "k1", cache.StateCompleted, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	rec, acquired, _ = idem.Acquire(ctx, "k1")
	if acquired || rec.State != cache.StateCompleted || string(rec.Result) != `{"ok":true}` {
		t.Fatalf("after complete: %v %+v", acquired, rec)
	}

	_ = idem.Release(ctx, "k1")
	if _, acquired, _ = idem.Acquire(ctx, "k1"); !acquired {
		t.Error("release should free the key")
	}
}

func TestIdempotencyLease(t *testing.T) {
	now := t0
	idem := NewIdempotency(24*time.Hour,
		WithLease(time.Minute),
		WithIdempotencyClock(func() time.Time { return now }),
	)

	if _, acquired, _ := idem.Acquire(ctx, "k1"); !acquired {
		t.Fatal("first acquire failed")
	}
	now = now.Add(30 * time.Second)
	if _, acquired, _ := idem.Acquire(ctx, "k1"); acquired {
		t.Fatal("claim taken over inside the lease")
	}

	now = now.Add(time.Minute)
	if _, acquired, _ := idem.Acquire(ctx, "k1"); !acquired {
		t.Fatal("lapsed claim not taken over")
	}

	// Finished records outlive the lease.
	_ = idem.Complete(ctx, "k1", cache.StatePending, []byte(`{}`))
	now = now.Add(time.Hour)
	rec, acquired, _ := idem.Acquire(ctx, "k1")
	if acquired || rec.State != cache.StatePending {
		t.Errorf("pending record: %v %+v", acquired, rec)
	}
}
