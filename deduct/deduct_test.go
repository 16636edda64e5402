package deduct

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/balance"
	"github.com/xraph/entitle/cache"
	cachemem "github.com/xraph/entitle/cache/memory"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plugin"
	storemem "github.com/xraph/entitle/store/memory"
)

var testScope = entitle.Scope{OrgID: "org_1", Env: entitle.EnvLive}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// seed stores a customer "acme" with one active product granting the given
// message balance.
func seed(t *testing.T, messages int64) (*storemem.Store, id.ID) {
	t.Helper()
	s := storemem.New()
	c := &customer.Customer{
		InternalID: id.NewCustomerID(),
		ID:         "acme",
		OrgID:      testScope.OrgID,
		Env:        testScope.Env,
	}
	cp := &customer.Product{
		ID:                 id.NewCustomerProductID(),
		CustomerInternalID: c.InternalID,
		ProductID:          "pro",
		ProductVersion:     1,
		Group:              "main",
		Status:             customer.StatusActive,
		StartsAt:           time.Now().Add(-time.Hour),
		Quantity:           1,
	}
	allowance := decimal.NewFromInt(messages)
	ent := &customer.Entitlement{
		ID:                 id.NewEntitlementID(),
		CustomerProductID:  cp.ID,
		CustomerInternalID: c.InternalID,
		FeatureID:          "messages",
		Balance:            allowance,
		Allowance:          &allowance,
	}
	s.Put(&customer.View{Customer: c, Products: []*customer.Product{cp}, Entitlements: []*customer.Entitlement{ent}})
	return s, ent.ID
}

func ledgerBalance(t *testing.T, s *storemem.Store) decimal.Decimal {
	t.Helper()
	v, err := s.LoadView(context.Background(), testScope, "acme")
	if err != nil {
		t.Fatalf("load view: %v", err)
	}
	return balance.Totals(v.Accounts(), time.Now())["messages"]
}

func messages(n int64, policy balance.Policy) balance.Request {
	return balance.Request{
		Policy: policy,
		Items:  []balance.Item{{FeatureID: "messages", Amount: decimal.NewFromInt(n)}},
	}
}

// downCache fails every call as if the cache server were unreachable.
type downCache struct {
	cache.Cache
	calls atomic.Int32
}

func (d *downCache) fail(op string) error {
	d.calls.Add(1)
	return cache.Unavailable(op, errors.New("connection refused"))
}

func (d *downCache) Get(context.Context, cache.Key) (*cache.Snapshot, error) {
	return nil, d.fail("get")
}

func (d *downCache) Set(context.Context, cache.Key, *cache.Snapshot, time.Time, bool) (cache.SetResult, error) {
	return "", d.fail("set")
}

func (d *downCache) Delete(context.Context, cache.Key) (cache.DeleteResult, error) {
	return "", d.fail("delete")
}

func (d *downCache) Deduct(context.Context, cache.Key, balance.Request, time.Time) (*balance.Outcome, error) {
	return nil, d.fail("deduct")
}

type balanceRecorder struct {
	mu     sync.Mutex
	events []*event.BalanceChanged
}

func (r *balanceRecorder) Name() string { return "recorder" }

func (r *balanceRecorder) OnBalanceChanged(_ context.Context, e *event.BalanceChanged) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *balanceRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestDeductPopulatesOnMiss(t *testing.T) {
	ctx := context.Background()
	s, entID := seed(t, 100)
	c := cachemem.New()
	e := New(c, s, WithLogger(quiet()))

	res, err := e.Deduct(ctx, testScope, "acme", messages(30, balance.PolicyReject))
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if !res.Success {
		t.Fatal("expected success")
	}
	if res.Source != event.SourceCache {
		t.Errorf("source: got %s, want cache", res.Source)
	}
	if got := res.Balances["messages"]; !got.Equal(decimal.NewFromInt(70)) {
		t.Errorf("balance: got %s, want 70", got)
	}
	if len(res.Changes) != 1 || res.Changes[0].AccountID != entID.String() {
		t.Fatalf("changes: %+v", res.Changes)
	}
	if c.Len() != 1 {
		t.Errorf("cache entries: got %d, want 1", c.Len())
	}

	// The ledger only moves once the queue is flushed.
	if got := ledgerBalance(t, s); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("ledger before flush: got %s, want 100", got)
	}
	if e.Pending() != 1 {
		t.Errorf("pending: got %d, want 1", e.Pending())
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := ledgerBalance(t, s); !got.Equal(decimal.NewFromInt(70)) {
		t.Errorf("ledger after flush: got %s, want 70", got)
	}
	if e.Pending() != 0 {
		t.Errorf("pending after flush: got %d", e.Pending())
	}
}

func TestDeductPolicies(t *testing.T) {
	tests := []struct {
		name    string
		amount  int64
		policy  balance.Policy
		success bool
		balance int64
		dropped int64
	}{
		{name: "reject short", amount: 150, policy: balance.PolicyReject, success: false, balance: 100},
		{name: "cap short", amount: 150, policy: balance.PolicyCap, success: true, balance: 0, dropped: 50},
		{name: "exact", amount: 100, policy: balance.PolicyReject, success: true, balance: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := seed(t, 100)
			e := New(cachemem.New(), s, WithLogger(quiet()))

			res, err := e.Deduct(ctx, testScope, "acme", messages(tt.amount, tt.policy))
			if err != nil {
				t.Fatalf("deduct: %v", err)
			}
			if res.Success != tt.success {
				t.Fatalf("success: got %v, want %v", res.Success, tt.success)
			}
			if !tt.success {
				if res.RejectedFeature != "messages" {
					t.Errorf("rejected feature: got %q", res.RejectedFeature)
				}
				if len(res.Changes) != 0 {
					t.Errorf("rejected request produced changes: %+v", res.Changes)
				}
			}
			if err := e.Flush(ctx); err != nil {
				t.Fatalf("flush: %v", err)
			}
			if got := ledgerBalance(t, s); !got.Equal(decimal.NewFromInt(tt.balance)) {
				t.Errorf("ledger: got %s, want %d", got, tt.balance)
			}
			if tt.dropped > 0 {
				if got := res.Dropped["messages"]; !got.Equal(decimal.NewFromInt(tt.dropped)) {
					t.Errorf("dropped: got %s, want %d", got, tt.dropped)
				}
			}
		})
	}
}

func TestDeductFallsBackToLedger(t *testing.T) {
	ctx := context.Background()
	s, _ := seed(t, 100)
	down := &downCache{}
	e := New(down, s, WithLogger(quiet()))

	res, err := e.Deduct(ctx, testScope, "acme", messages(40, balance.PolicyReject))
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if !res.Success || res.Source != event.SourceLedger {
		t.Fatalf("got success=%v source=%s, want ledger success", res.Success, res.Source)
	}
	if got := ledgerBalance(t, s); !got.Equal(decimal.NewFromInt(60)) {
		t.Errorf("ledger: got %s, want 60", got)
	}
	if e.Pending() != 0 {
		t.Errorf("ledger deductions must not queue: pending %d", e.Pending())
	}

	balances, err := e.Balances(ctx, testScope, "acme")
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if got := balances["messages"]; !got.Equal(decimal.NewFromInt(60)) {
		t.Errorf("balances: got %s, want 60", got)
	}
	if down.calls.Load() == 0 {
		t.Error("expected the cache to be tried first")
	}
}

func TestDeductErrors(t *testing.T) {
	ctx := context.Background()
	s, _ := seed(t, 100)
	e := New(cachemem.New(), s, WithLogger(quiet()))

	_, err := e.Deduct(ctx, testScope, "ghost", messages(1, balance.PolicyCap))
	if !entitle.IsNotFound(err) {
		t.Errorf("unknown customer: got %v, want not found", err)
	}

	_, err = e.Deduct(ctx, testScope, "acme", balance.Request{Policy: balance.PolicyCap})
	if !entitle.IsInvalidRequest(err) {
		t.Errorf("empty request: got %v, want invalid request", err)
	}

	_, err = e.Deduct(ctx, entitle.Scope{}, "acme", messages(1, balance.PolicyCap))
	if err == nil {
		t.Error("expected scope validation error")
	}
}

func TestDeductEmitsBalanceChanged(t *testing.T) {
	ctx := context.Background()
	s, _ := seed(t, 10)
	rec := &balanceRecorder{}
	reg := plugin.NewRegistry().WithLogger(quiet())
	if err := reg.Register(rec); err != nil {
		t.Fatal(err)
	}
	e := New(cachemem.New(), s, WithLogger(quiet()), WithPlugins(reg))

	if _, err := e.Deduct(ctx, testScope, "acme", messages(5, balance.PolicyReject)); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Deduct(ctx, testScope, "acme", messages(50, balance.PolicyReject)); err != nil {
		t.Fatal(err)
	}

	if rec.count() != 1 {
		t.Fatalf("events: got %d, want 1 (rejections emit nothing)", rec.count())
	}
	ev := rec.events[0]
	if ev.CustomerID != "acme" || ev.Source != event.SourceCache {
		t.Errorf("event: %+v", ev)
	}
	if got := ev.Balances["messages"]; !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("event balance: got %s, want 5", got)
	}
}

func TestConcurrentDeductionsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	s, _ := seed(t, 50)
	e := New(cachemem.New(), s, WithLogger(quiet()))

	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Deduct(ctx, testScope, "acme", messages(1, balance.PolicyReject))
			if err != nil {
				t.Errorf("deduct: %v", err)
				return
			}
			if res.Success {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := succeeded.Load(); got != 50 {
		t.Errorf("successful deductions: got %d, want 50", got)
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := ledgerBalance(t, s); !got.IsZero() {
		t.Errorf("ledger: got %s, want 0", got)
	}
}

func TestStopFlushesQueue(t *testing.T) {
	ctx := context.Background()
	s, _ := seed(t, 100)
	e := New(cachemem.New(), s, WithLogger(quiet()), WithSyncConfig(1000, time.Hour))
	e.Start(ctx)

	for i := 0; i < 3; i++ {
		if _, err := e.Deduct(ctx, testScope, "acme", messages(10, balance.PolicyCap)); err != nil {
			t.Fatal(err)
		}
	}
	e.Stop()

	if got := ledgerBalance(t, s); !got.Equal(decimal.NewFromInt(70)) {
		t.Errorf("ledger after stop: got %s, want 70", got)
	}
}

// pausingCache holds a successful cached deduction until release is closed.
type pausingCache struct {
	*cachemem.Cache
	deducted chan struct{}
	release  chan struct{}
}

func (p *pausingCache) Deduct(ctx context.Context, key cache.Key, req balance.Request, now time.Time) (*balance.Outcome, error) {
	out, err := p.Cache.Deduct(ctx, key, req, now)
	close(p.deducted)
	<-p.release
	return out, err
}

func TestPopulateWaitsForQueuedDeduction(t *testing.T) {
	ctx := context.Background()
	s, _ := seed(t, 100)
	inner := cachemem.New()
	e := New(inner, s, WithLogger(quiet()), WithTimeout(time.Second))
	if _, err := e.Balances(ctx, testScope, "acme"); err != nil {
		t.Fatalf("warm: %v", err)
	}

	pc := &pausingCache{Cache: inner, deducted: make(chan struct{}), release: make(chan struct{})}
	e.cache = pc

	deducted := make(chan error, 1)
	go func() {
		_, err := e.Deduct(ctx, testScope, "acme", messages(30, balance.PolicyReject))
		deducted <- err
	}()
	<-pc.deducted

	// The entry is invalidated after the cache took the usage but before
	// the usage reached the sync queue.
	if _, err := inner.Delete(ctx, cache.NewKey(testScope, "acme")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	read := make(chan map[string]decimal.Decimal, 1)
	go func() {
		b, err := e.Balances(ctx, testScope, "acme")
		if err != nil {
			t.Errorf("balances: %v", err)
		}
		read <- b
	}()

	select {
	case <-read:
		t.Fatal("repopulated before the deduction was queued")
	case <-time.After(50 * time.Millisecond):
	}
	close(pc.release)
	if err := <-deducted; err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if got := (<-read)["messages"]; !got.Equal(decimal.NewFromInt(70)) {
		t.Errorf("balance after repopulate: got %s, want 70", got)
	}

	if err := e.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := ledgerBalance(t, s); !got.Equal(decimal.NewFromInt(70)) {
		t.Errorf("ledger: got %s, want 70", got)
	}
	got, err := e.Balances(ctx, testScope, "acme")
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if !got["messages"].Equal(decimal.NewFromInt(70)) {
		t.Errorf("cached balance: got %s, want 70", got["messages"])
	}
}
