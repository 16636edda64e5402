package plugin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/entitle/event"
)

type recorder struct {
	name     string
	balances atomic.Int32
	plans    atomic.Int32
	fail     bool
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) OnBalanceChanged(_ context.Context, _ *event.BalanceChanged) error {
	r.balances.Add(1)
	if r.fail {
		return errors.New("boom")
	}
	return nil
}

func (r *recorder) OnPlanExecuted(_ context.Context, _ *event.PlanExecuted) error {
	r.plans.Add(1)
	return nil
}

type sleeper struct{}

func (sleeper) Name() string { return "sleeper" }

func (sleeper) OnShutdown(ctx context.Context) error {
	time.Sleep(200 * time.Millisecond)
	return nil
}

func quiet() *Registry {
	return NewRegistry().WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterDuplicate(t *testing.T) {
	r := quiet()
	if err := r.Register(&recorder{name: "a"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(&recorder{name: "a"}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if r.Count() != 1 {
		t.Errorf("count: got %d", r.Count())
	}
	if r.Get("a") == nil || r.Get("b") != nil {
		t.Error("lookup by name")
	}
}

func TestDispatch(t *testing.T) {
	r := quiet()
	ok := &recorder{name: "ok"}
	failing := &recorder{name: "failing", fail: true}
	_ = r.Register(ok)
	_ = r.Register(failing)

	ctx := context.Background()
	r.EmitBalanceChanged(ctx, &event.BalanceChanged{CustomerID: "acme"})
	r.EmitPlanExecuted(ctx, &event.PlanExecuted{PlanID: "bplan_1"})
	r.EmitReconciliationPending(ctx, &event.ReconciliationPending{})

	if ok.balances.Load() != 1 || failing.balances.Load() != 1 {
		t.Errorf("a failing hook must not stop dispatch: ok=%d failing=%d", ok.balances.Load(), failing.balances.Load())
	}
	if ok.plans.Load() != 1 {
		t.Errorf("plan hook calls: %d", ok.plans.Load())
	}
}

func TestHookTimeout(t *testing.T) {
	r := quiet().WithTimeout(20 * time.Millisecond)
	_ = r.Register(sleeper{})

	start := time.Now()
	r.EmitShutdown(context.Background())
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("shutdown hook was not bounded by the timeout: %s", elapsed)
	}
}

func TestImplementedInterfaces(t *testing.T) {
	got := implementedInterfaces(&recorder{})
	want := []string{"OnBalanceChanged", "OnPlanExecuted"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}
