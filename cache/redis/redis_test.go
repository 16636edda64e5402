package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/balance"
	"github.com/xraph/entitle/cache"
	"github.com/xraph/entitle/internal/jsonx"
)

var (
	ctx   = context.Background()
	scope = entitle.Scope{OrgID: "org_1", Env: entitle.EnvSandbox}
	t0    = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func setup(t *testing.T) (*Cache, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := t0
	c := New(client, WithClock(func() time.Time { return now }))
	return c, mr, &now
}

func snapshot() *cache.Snapshot {
	mb := d(-5)
	return &cache.Snapshot{
		CustomerID: "acme",
		Products: jsonx.List[cache.ProductState]{
			{ID: "cp_1", ProductID: "pro", Status: "active", Options: jsonx.Map[int64]{"seats": 2}},
		},
		Accounts: jsonx.List[balance.Account]{
			{
				ID: "ent_calls", FeatureID: "calls", Balance: d(10),
				UsageAllowed: true, MinBalance: &mb,
				Rollovers: jsonx.List[balance.Rollover]{{ID: "roll_1", Balance: d(3)}},
			},
			{
				ID: "ent_msgs", FeatureID: "messages", Balance: d(8), EntityScoped: true,
				Entities: jsonx.Map[decimal.Decimal]{"u1": d(4), "u2": d(4)},
			},
			{
				ID: "ent_credits", FeatureID: "credits", Balance: d(100),
				CreditCosts: jsonx.Map[decimal.Decimal]{"gpt": d(2)},
			},
		},
	}
}

func TestSetAndGuard(t *testing.T) {
	c, _, now := setup(t)
	key := cache.NewKey(scope, "acme")

	res, err := c.Set(ctx, key, snapshot(), t0, false)
	if err != nil || res != cache.SetOK {
		t.Fatalf("first set: %s %v", res, err)
	}
	if res, _ = c.Set(ctx, key, snapshot(), t0.Add(time.Second), false); res != cache.SetCacheExists {
		t.Errorf("set without overwrite: got %s", res)
	}
	if res, _ = c.Set(ctx, key, snapshot(), t0.Add(-time.Second), true); res != cache.SetStaleWrite {
		t.Errorf("older overwrite: got %s", res)
	}

	*now = t0.Add(2 * time.Second)
	del, err := c.Delete(ctx, key)
	if err != nil || del != cache.Deleted {
		t.Fatalf("delete: %s %v", del, err)
	}
	if res, _ = c.Set(ctx, key, snapshot(), t0.Add(time.Second), false); res != cache.SetStaleWrite {
		t.Errorf("fetch before delete: got %s", res)
	}
	if res, _ = c.Set(ctx, key, snapshot(), t0.Add(3*time.Second), false); res != cache.SetOK {
		t.Errorf("fetch after delete: got %s", res)
	}
}

func TestGuardExpires(t *testing.T) {
	c, mr, _ := setup(t)
	key := cache.NewKey(scope, "acme")

	if del, _ := c.Delete(ctx, key); del != cache.Skipped {
		t.Errorf("delete of absent key: got %s", del)
	}
	if !mr.Exists(c.guardKey(key)) {
		t.Fatal("guard marker not written")
	}
	mr.FastForward(6 * time.Second)
	if mr.Exists(c.guardKey(key)) {
		t.Error("guard marker should expire after the guard TTL")
	}
}

func TestVariants(t *testing.T) {
	c, _, _ := setup(t)
	key := cache.NewKey(scope, "acme")
	variant := key.WithExpand("invoices", "entities")

	_, _ = c.Set(ctx, key, snapshot(), t0, false)
	if res, _ := c.Set(ctx, variant, snapshot(), t0, false); res != cache.SetOK {
		t.Fatalf("variant set: %s", res)
	}

	err := c.IncrementProductOptionQuantity(ctx, key, "cp_1", "seats", 1)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if _, err := c.Get(ctx, variant); !errors.Is(err, entitle.ErrCacheMiss) {
		t.Errorf("mutator should drop variants, got %v", err)
	}
	snap, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.Products[0].Options["seats"] != 3 {
		t.Errorf("seats: got %d", snap.Products[0].Options["seats"])
	}
}

func TestDeductScript(t *testing.T) {
	tests := []struct {
		name    string
		req     balance.Request
		success bool
		check   func(t *testing.T, s *cache.Snapshot, out *balance.Outcome)
	}{
		{
			name: "rollover then main",
			req: balance.Request{Policy: balance.PolicyCap, Items: []balance.Item{
				{FeatureID: "calls", Amount: d(5)},
			}},
			success: true,
			check: func(t *testing.T, s *cache.Snapshot, out *balance.Outcome) {
				if !s.Accounts[0].Rollovers[0].Balance.IsZero() || !s.Accounts[0].Balance.Equal(d(8)) {
					t.Errorf("calls: rollover %s main %s", s.Accounts[0].Rollovers[0].Balance, s.Accounts[0].Balance)
				}
				if !out.Balances["calls"].Equal(d(8)) {
					t.Errorf("reported: %v", out.Balances)
				}
				if len(out.Changes) != 2 {
					t.Errorf("changes: %+v", out.Changes)
				}
			},
		},
		{
			name: "allow to min balance",
			req: balance.Request{Policy: balance.PolicyAllow, Items: []balance.Item{
				{FeatureID: "calls", Amount: d(20)},
			}},
			success: true,
			check: func(t *testing.T, s *cache.Snapshot, out *balance.Outcome) {
				if !s.Accounts[0].Balance.Equal(d(-5)) {
					t.Errorf("calls: got %s, want -5", s.Accounts[0].Balance)
				}
				if !out.Dropped["calls"].Equal(d(2)) {
					t.Errorf("dropped: %v", out.Dropped)
				}
			},
		},
		{
			name: "entity",
			req: balance.Request{Policy: balance.PolicyCap, EntityID: "u2", Items: []balance.Item{
				{FeatureID: "messages", Amount: d(3)},
			}},
			success: true,
			check: func(t *testing.T, s *cache.Snapshot, _ *balance.Outcome) {
				a := s.Accounts[1]
				if !a.Entities["u2"].Equal(d(1)) || !a.Entities["u1"].Equal(d(4)) || !a.Balance.Equal(d(5)) {
					t.Errorf("messages: balance %s entities %v", a.Balance, a.Entities)
				}
			},
		},
		{
			name: "credits",
			req: balance.Request{Policy: balance.PolicyCap, Items: []balance.Item{
				{FeatureID: "gpt", Amount: d(10)},
			}},
			success: true,
			check: func(t *testing.T, s *cache.Snapshot, _ *balance.Outcome) {
				if !s.Accounts[2].Balance.Equal(d(80)) {
					t.Errorf("credits: got %s", s.Accounts[2].Balance)
				}
			},
		},
		{
			name: "reject is atomic",
			req: balance.Request{Policy: balance.PolicyReject, Items: []balance.Item{
				{FeatureID: "calls", Amount: d(5)},
				{FeatureID: "messages", Amount: d(50)},
			}},
			success: false,
			check: func(t *testing.T, s *cache.Snapshot, out *balance.Outcome) {
				if !s.Accounts[0].Balance.Equal(d(10)) || !s.Accounts[0].Rollovers[0].Balance.Equal(d(3)) {
					t.Errorf("calls changed on reject: %s", s.Accounts[0].Balance)
				}
				if out.RejectedFeature != "messages" {
					t.Errorf("rejected feature: %q", out.RejectedFeature)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := setup(t)
			key := cache.NewKey(scope, "acme")
			if _, err := c.Set(ctx, key, snapshot(), t0, false); err != nil {
				t.Fatalf("set: %v", err)
			}

			out, err := c.Deduct(ctx, key, tt.req, t0)
			if err != nil {
				t.Fatalf("deduct: %v", err)
			}
			if out.Success != tt.success {
				t.Fatalf("success: got %v, want %v", out.Success, tt.success)
			}
			snap, err := c.Get(ctx, key)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			tt.check(t, snap, out)
		})
	}
}

func TestDeductMatchesPureRules(t *testing.T) {
	c, _, _ := setup(t)
	key := cache.NewKey(scope, "acme")
	_, _ = c.Set(ctx, key, snapshot(), t0, false)

	req := balance.Request{Policy: balance.PolicyAllow, Items: []balance.Item{
		{FeatureID: "calls", Amount: d(7)},
		{FeatureID: "messages", Amount: d(6)},
		{FeatureID: "gpt", Amount: d(3)},
	}}

	want, _, err := balance.Apply(snapshot().Accounts, req, t0)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := c.Deduct(ctx, key, req, t0); err != nil {
		t.Fatalf("deduct: %v", err)
	}
	got, _ := c.Get(ctx, key)

	for i := range want {
		if !got.Accounts[i].Balance.Equal(want[i].Balance) {
			t.Errorf("%s: script %s, pure %s", want[i].ID, got.Accounts[i].Balance, want[i].Balance)
		}
	}
}

func TestDeductEntityRollover(t *testing.T) {
	c, _, _ := setup(t)
	key := cache.NewKey(scope, "acme")
	snap := &cache.Snapshot{
		CustomerID: "acme",
		Accounts: jsonx.List[balance.Account]{{
			ID: "ent_seats", FeatureID: "seats", Balance: d(20), EntityScoped: true,
			Entities: jsonx.Map[decimal.Decimal]{"u1": d(10), "u2": d(10)},
			Rollovers: jsonx.List[balance.Rollover]{{
				ID: "roll_1", Balance: d(20),
				Entities: jsonx.Map[decimal.Decimal]{"u1": d(10), "u2": d(10)},
			}},
		}},
	}
	if _, err := c.Set(ctx, key, snap, t0, false); err != nil {
		t.Fatalf("set: %v", err)
	}

	req := balance.Request{Policy: balance.PolicyCap, Items: []balance.Item{{FeatureID: "seats", Amount: d(50)}}}
	out, err := c.Deduct(ctx, key, req, t0)
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if !out.Balances["seats"].IsZero() || !out.Dropped["seats"].Equal(d(10)) {
		t.Errorf("outcome: balances %v dropped %v", out.Balances, out.Dropped)
	}
	got, _ := c.Get(ctx, key)
	r := got.Accounts[0].Rollovers[0]
	if !r.Balance.IsZero() || !r.Entities["u1"].IsZero() || !r.Entities["u2"].IsZero() {
		t.Errorf("rollover: balance %s entities %v", r.Balance, r.Entities)
	}
}

func TestDeductErrors(t *testing.T) {
	c, mr, _ := setup(t)
	key := cache.NewKey(scope, "acme")
	req := balance.Request{Policy: balance.PolicyCap, Items: []balance.Item{{FeatureID: "calls", Amount: d(1)}}}

	if _, err := c.Deduct(ctx, key, req, t0); !errors.Is(err, entitle.ErrCacheMiss) {
		t.Errorf("miss: got %v", err)
	}

	_ = mr.Set(c.entryKey(key), "{not json")
	if _, err := c.Deduct(ctx, key, req, t0); !errors.Is(err, entitle.ErrCacheCorrupt) {
		t.Errorf("corrupt: got %v", err)
	}

	_, _ = c.Delete(ctx, key)
	_, _ = c.Set(ctx, key, snapshot(), t0.Add(time.Hour), false)
	req.Items[0].FeatureID = "storage"
	if _, err := c.Deduct(ctx, key, req, t0); !errors.Is(err, entitle.ErrEntitlementNotFound) {
		t.Errorf("unknown feature: got %v", err)
	}

	mr.Close()
	req.Items[0].FeatureID = "calls"
	if _, err := c.Deduct(ctx, key, req, t0); !errors.Is(err, entitle.ErrCacheUnavailable) || !entitle.IsRetryable(err) {
		t.Errorf("closed server: got %v", err)
	}
}

func TestIncrementBalance(t *testing.T) {
	c, _, _ := setup(t)
	key := cache.NewKey(scope, "acme")
	_, _ = c.Set(ctx, key, snapshot(), t0, false)

	if err := c.IncrementEntitlementBalance(ctx, key, "ent_msgs", "u3", d(4)); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := c.IncrementEntitlementBalance(ctx, key, "ent_none", "", d(1)); !entitle.IsNotFound(err) {
		t.Errorf("unknown entitlement: got %v", err)
	}
	snap, _ := c.Get(ctx, key)
	a := snap.Accounts[1]
	if !a.Balance.Equal(d(12)) || !a.Entities["u3"].Equal(d(4)) {
		t.Errorf("messages: balance %s entities %v", a.Balance, a.Entities)
	}
}

func TestIdempotency(t *testing.T) {
	_, mr, _ := setup(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()
	idem := NewIdempotency(client, time.Minute)

	_, acquired, err := idem.Acquire(ctx, "plan-1")
	if err != nil || !acquired {
		t.Fatalf("acquire: %v %v", acquired, err)
	}
	rec, acquired, _ := idem.Acquire(ctx, "plan-1")
	if acquired || rec.State != cache.StateInProgress {
		t.Errorf("second acquire: %v %+v", acquired, rec)
	}

	result, _ := json.Marshal(map[string]string{"plan_id": "bplan_1"})
	if err := idem.Complete(ctx, "plan-1", cache.StateCompleted, result); err != nil {
		t.Fatalf("complete: %v", err)
	}
	rec, _, _ = idem.Acquire(ctx, "plan-1")
	if rec.State != cache.StateCompleted || string(rec.Result) != string(result) {
		t.Errorf("completed record: %+v", rec)
	}

	mr.FastForward(2 * time.Minute)
	if _, acquired, _ = idem.Acquire(ctx, "plan-1"); !acquired {
		t.Error("record should expire after the TTL")
	}
}

func TestIdempotencyLease(t *testing.T) {
	_, mr, _ := setup(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()
	idem := NewIdempotency(client, time.Hour, WithLease(time.Minute))

	if _, acquired, _ := idem.Acquire(ctx, "plan-1"); !acquired {
		t.Fatal("first acquire failed")
	}
	mr.FastForward(2 * time.Minute)
	if _, acquired, _ := idem.Acquire(ctx, "plan-1"); !acquired {
		t.Fatal("lapsed claim not taken over")
	}

	if err := idem.Complete(ctx, "plan-1", cache.StatePending, []byte(`{}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	mr.FastForward(30 * time.Minute)
	rec, acquired, _ := idem.Acquire(ctx, "plan-1")
	if acquired || rec.State != cache.StatePending {
		t.Errorf("pending record: %v %+v", acquired, rec)
	}
}
