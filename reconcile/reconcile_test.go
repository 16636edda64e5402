package reconcile_test

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
	"github.com/xraph/entitle/billing"
	"github.com/xraph/entitle/cache"
	cachemem "github.com/xraph/entitle/cache/memory"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/product"
	"github.com/xraph/entitle/reconcile"
	storemem "github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/types"
)

var (
	testScope = entitle.Scope{OrgID: "org_1", Env: entitle.EnvLive}
	testStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// seed stores a customer with one product granting 100 messages.
func seed(t *testing.T, s *storemem.Store) *customer.View {
	t.Helper()
	allowance := decimal.NewFromInt(100)
	p := &product.Product{
		ID:    "pro",
		Group: "main",
		Entitlements: []product.Entitlement{{
			FeatureID:     "messages",
			Allowance:     &allowance,
			ResetInterval: types.IntervalMonth,
		}},
	}
	v := &customer.View{Customer: &customer.Customer{
		InternalID: id.NewCustomerID(),
		ID:         "acme",
		OrgID:      testScope.OrgID,
		Env:        testScope.Env,
	}}
	cp := &customer.Product{
		ID:                 id.NewCustomerProductID(),
		CustomerInternalID: v.Customer.InternalID,
		ProductID:          p.ID,
		Group:              p.Group,
		Status:             customer.StatusActive,
		StartsAt:           testStart,
		Period:             types.NewPeriod(testStart, types.IntervalMonth),
		Quantity:           1,
	}
	v.Products = append(v.Products, cp)
	v.Entitlements = customer.Grant(cp, p, testStart)
	s.Put(v)
	return v
}

func marker(t *testing.T, v *customer.View) *reconcile.Marker {
	t.Helper()
	plan, err := billing.PastDuePlan(billing.State{Scope: testScope, View: v}, v.Products[0].ID, testStart)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	return reconcile.NewMarker(testScope, reconcile.KindLedgerPending, plan, "key-1", errors.New("store down"), testStart)
}

// ──────────────────────────────────────────────────
// Retrier
// ──────────────────────────────────────────────────

func TestRetryPending(t *testing.T) {
	ctx := context.Background()
	s := storemem.New()
	v := seed(t, s)

	ok, bad := marker(t, v), marker(t, v)
	for _, m := range []*reconcile.Marker{ok, bad} {
		if err := s.SaveMarker(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	var calls atomic.Int32
	handler := func(_ context.Context, m *reconcile.Marker) error {
		calls.Add(1)
		if m.ID == bad.ID {
			return entitle.ErrStoreUnavailable
		}
		return nil
	}
	r := reconcile.NewRetrier(s, handler, reconcile.WithRetrierLogger(quiet()), reconcile.WithBatch(10, 2))

	report, err := r.RetryPending(ctx)
	if err != nil {
		t.Fatalf("RetryPending: %v", err)
	}
	if report.Resolved != 1 || report.Failed != 1 {
		t.Errorf("report = %+v", report)
	}
	if calls.Load() != 2 {
		t.Errorf("handler calls = %d", calls.Load())
	}

	if _, err := s.GetMarker(ctx, ok.ID); !errors.Is(err, entitle.ErrMarkerNotFound) {
		t.Errorf("resolved marker still stored: %v", err)
	}
	left, err := s.GetMarker(ctx, bad.ID)
	if err != nil {
		t.Fatalf("failed marker: %v", err)
	}
	if left.Attempts != 1 || left.Error != entitle.ErrStoreUnavailable.Error() {
		t.Errorf("failed marker attempts=%d error=%q", left.Attempts, left.Error)
	}

	report, err = r.RetryPending(ctx)
	if err != nil || report.Failed != 1 || report.Resolved != 0 {
		t.Errorf("second pass: %+v, %v", report, err)
	}
	if left, _ := s.GetMarker(ctx, bad.ID); left.Attempts != 2 {
		t.Errorf("attempts after second pass = %d", left.Attempts)
	}
}

func TestRetryPendingEmpty(t *testing.T) {
	r := reconcile.NewRetrier(storemem.New(), func(context.Context, *reconcile.Marker) error {
		t.Error("handler called without markers")
		return nil
	}, reconcile.WithRetrierLogger(quiet()))
	report, err := r.RetryPending(context.Background())
	if err != nil || report != (reconcile.Report{}) {
		t.Errorf("got %+v, %v", report, err)
	}
}

func TestMarkerKeepsPlan(t *testing.T) {
	s := storemem.New()
	m := marker(t, seed(t, s))
	if m.CustomerID != "acme" || m.Plan.Scenario() != billing.ScenarioPastDue {
		t.Errorf("marker: %+v", m)
	}
	if m.Error != "store down" {
		t.Errorf("error = %q", m.Error)
	}
}

// ──────────────────────────────────────────────────
// Verifier
// ──────────────────────────────────────────────────

type mismatchRecorder struct {
	mu     sync.Mutex
	events []*event.CacheConsistencyCheckFailed
}

func (r *mismatchRecorder) Name() string { return "mismatches" }

func (r *mismatchRecorder) OnCacheConsistencyCheckFailed(_ context.Context, e *event.CacheConsistencyCheckFailed) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *mismatchRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type countingFlusher struct{ n atomic.Int32 }

func (f *countingFlusher) FlushCustomer(context.Context, entitle.Scope, string) error {
	f.n.Add(1)
	return nil
}

func newVerifier(t *testing.T, opts ...reconcile.VerifierOption) (*reconcile.Verifier, *cachemem.Cache, *customer.View, *mismatchRecorder) {
	t.Helper()
	s := storemem.New()
	v := seed(t, s)
	c := cachemem.New()
	rec := &mismatchRecorder{}
	reg := plugin.NewRegistry().WithLogger(quiet())
	if err := reg.Register(rec); err != nil {
		t.Fatal(err)
	}
	opts = append([]reconcile.VerifierOption{
		reconcile.WithLogger(quiet()),
		reconcile.WithPlugins(reg),
		reconcile.WithClock(func() time.Time { return testStart.Add(time.Hour) }),
	}, opts...)
	return reconcile.NewVerifier(c, s, opts...), c, v, rec
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	f := &countingFlusher{}
	ver, c, v, rec := newVerifier(t, reconcile.WithFlusher(f))
	key := cache.NewKey(testScope, "acme")

	// No entry, nothing to compare.
	if ms, err := ver.Verify(ctx, testScope, "acme"); err != nil || ms != nil {
		t.Fatalf("miss: %v, %v", ms, err)
	}

	if _, err := c.Set(ctx, key, cache.FromView(v, testStart), testStart, true); err != nil {
		t.Fatal(err)
	}
	if ms, err := ver.Verify(ctx, testScope, "acme"); err != nil || len(ms) != 0 {
		t.Fatalf("consistent cache: %v, %v", ms, err)
	}

	if err := c.IncrementEntitlementBalance(ctx, key, v.Entitlements[0].ID.String(), "", d(-5)); err != nil {
		t.Fatal(err)
	}
	ms, err := ver.Verify(ctx, testScope, "acme")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(ms) != 1 || ms[0].FeatureID != "messages" || !ms[0].Cache.Equal(d(95)) || !ms[0].Ledger.Equal(d(100)) {
		t.Fatalf("mismatches = %+v", ms)
	}
	if _, err := c.Get(ctx, key); !errors.Is(err, entitle.ErrCacheMiss) {
		t.Errorf("mismatched entry not invalidated: %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("events = %d, want 1", rec.count())
	}
	if f.n.Load() != 3 {
		t.Errorf("flushes = %d, want 3", f.n.Load())
	}
}

func TestScheduleAndStop(t *testing.T) {
	ctx := context.Background()
	ver, c, v, rec := newVerifier(t, reconcile.WithDelay(10*time.Millisecond))
	key := cache.NewKey(testScope, "acme")
	if _, err := c.Set(ctx, key, cache.FromView(v, testStart), testStart, true); err != nil {
		t.Fatal(err)
	}
	if err := c.IncrementEntitlementBalance(ctx, key, v.Entitlements[0].ID.String(), "", d(-1)); err != nil {
		t.Fatal(err)
	}

	ver.Schedule(testScope, "acme")
	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.count() != 1 {
		t.Fatalf("scheduled verification did not run")
	}

	ver.Stop()
	ver.Schedule(testScope, "acme")
	time.Sleep(30 * time.Millisecond)
	if rec.count() != 1 {
		t.Errorf("verification ran after Stop")
	}
}

func TestStopCancelsPending(t *testing.T) {
	ver, _, _, rec := newVerifier(t, reconcile.WithDelay(time.Hour))
	ver.Schedule(testScope, "acme")

	done := make(chan struct{})
	go func() {
		ver.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop waited for a pending timer")
	}
	if rec.count() != 0 {
		t.Errorf("events = %d", rec.count())
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name   string
		cached map[string]decimal.Decimal
		ledger map[string]decimal.Decimal
		want   []string
	}{
		{"equal", map[string]decimal.Decimal{"a": d(1)}, map[string]decimal.Decimal{"a": d(1)}, nil},
		{"float noise", map[string]decimal.Decimal{"a": d(0.3)}, map[string]decimal.Decimal{"a": d(0.1).Add(d(0.2))}, nil},
		{"below precision", map[string]decimal.Decimal{"a": decimal.RequireFromString("1.0000000001")}, map[string]decimal.Decimal{"a": d(1)}, nil},
		{"differs", map[string]decimal.Decimal{"a": d(1), "b": d(2)}, map[string]decimal.Decimal{"a": d(1), "b": d(3)}, []string{"b"}},
		{"missing side counts as zero", map[string]decimal.Decimal{"z": d(1)}, map[string]decimal.Decimal{"a": d(0), "c": d(4)}, []string{"c", "z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reconcile.Compare(tt.cached, tt.ledger)
			if len(got) != len(tt.want) {
				t.Fatalf("got %+v, want %v", got, tt.want)
			}
			for i, m := range got {
				if m.FeatureID != tt.want[i] {
					t.Errorf("mismatch %d = %s, want %s", i, m.FeatureID, tt.want[i])
				}
			}
		})
	}
}
