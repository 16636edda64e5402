package balance

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/internal/jsonx"
)

var now = time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func dp(v int64) *decimal.Decimal {
	x := d(v)
	return &x
}

func deduct(feature string, amount int64, policy Policy) Request {
	return Request{Policy: policy, Items: []Item{{FeatureID: feature, Amount: d(amount)}}}
}

func mustApply(t *testing.T, accounts []Account, req Request) ([]Account, *Outcome) {
	t.Helper()
	Sort(accounts)
	got, out, err := Apply(accounts, req, now)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return got, out
}

func TestApplyPolicies(t *testing.T) {
	tests := []struct {
		name        string
		account     Account
		req         Request
		wantSuccess bool
		wantBalance int64
		wantDropped int64
	}{
		{
			name:        "within balance",
			account:     Account{ID: "a", FeatureID: "calls", Balance: d(10)},
			req:         deduct("calls", 4, PolicyCap),
			wantSuccess: true, wantBalance: 6,
		},
		{
			name:        "cap floors at zero",
			account:     Account{ID: "a", FeatureID: "calls", Balance: d(10)},
			req:         deduct("calls", 15, PolicyCap),
			wantSuccess: true, wantBalance: 0, wantDropped: 5,
		},
		{
			name:        "cap ignores usage allowed",
			account:     Account{ID: "a", FeatureID: "calls", Balance: d(10), UsageAllowed: true},
			req:         deduct("calls", 15, PolicyCap),
			wantSuccess: true, wantBalance: 0, wantDropped: 5,
		},
		{
			name:        "reject leaves balance",
			account:     Account{ID: "a", FeatureID: "calls", Balance: d(10)},
			req:         deduct("calls", 15, PolicyReject),
			wantSuccess: false, wantBalance: 10,
		},
		{
			name:        "allow unbounded overage",
			account:     Account{ID: "a", FeatureID: "calls", Balance: d(10), UsageAllowed: true},
			req:         deduct("calls", 15, PolicyAllow),
			wantSuccess: true, wantBalance: -5,
		},
		{
			name:        "allow bounded by min balance",
			account:     Account{ID: "a", FeatureID: "calls", Balance: d(10), UsageAllowed: true, MinBalance: dp(-3)},
			req:         deduct("calls", 15, PolicyAllow),
			wantSuccess: true, wantBalance: -3, wantDropped: 2,
		},
		{
			name:        "allow without usage allowed caps",
			account:     Account{ID: "a", FeatureID: "calls", Balance: d(10)},
			req:         deduct("calls", 15, PolicyAllow),
			wantSuccess: true, wantBalance: 0, wantDropped: 5,
		},
		{
			name:        "negative balance is not consumed",
			account:     Account{ID: "a", FeatureID: "calls", Balance: d(-2), UsageAllowed: true},
			req:         deduct("calls", 1, PolicyCap),
			wantSuccess: true, wantBalance: -2, wantDropped: 1,
		},
		{
			name:        "zero amount",
			account:     Account{ID: "a", FeatureID: "calls", Balance: d(10)},
			req:         deduct("calls", 0, PolicyReject),
			wantSuccess: true, wantBalance: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, out := mustApply(t, []Account{tt.account}, tt.req)
			if out.Success != tt.wantSuccess {
				t.Fatalf("success: got %v, want %v", out.Success, tt.wantSuccess)
			}
			if !got[0].Balance.Equal(d(tt.wantBalance)) {
				t.Errorf("balance: got %s, want %d", got[0].Balance, tt.wantBalance)
			}
			if dropped := out.Dropped["calls"]; !dropped.Equal(d(tt.wantDropped)) {
				t.Errorf("dropped: got %s, want %d", dropped, tt.wantDropped)
			}
			if !tt.wantSuccess && len(out.Changes) != 0 {
				t.Errorf("rejected outcome should carry no changes, got %d", len(out.Changes))
			}
		})
	}
}

func TestApplyRejectIsAllOrNothing(t *testing.T) {
	accounts := []Account{
		{ID: "a", FeatureID: "calls", Balance: d(10)},
		{ID: "b", FeatureID: "tokens", Balance: d(1)},
	}
	req := Request{Policy: PolicyReject, Items: []Item{
		{FeatureID: "calls", Amount: d(5)},
		{FeatureID: "tokens", Amount: d(2)},
	}}

	got, out := mustApply(t, accounts, req)
	if out.Success {
		t.Fatal("expected rejection")
	}
	if out.RejectedFeature != "tokens" {
		t.Errorf("rejected feature: got %q", out.RejectedFeature)
	}
	for _, a := range got {
		want := d(10)
		if a.ID == "b" {
			want = d(1)
		}
		if !a.Balance.Equal(want) {
			t.Errorf("account %s changed to %s", a.ID, a.Balance)
		}
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	accounts := []Account{{ID: "a", FeatureID: "calls", Balance: d(10), Entities: jsonx.Map[decimal.Decimal]{}}}
	_, _ = mustApply(t, accounts, deduct("calls", 4, PolicyCap))
	if !accounts[0].Balance.Equal(d(10)) {
		t.Errorf("input mutated: %s", accounts[0].Balance)
	}
}

func TestApplyRolloversFirst(t *testing.T) {
	soon := jsonx.FromTime(now.Add(24 * time.Hour))
	later := jsonx.FromTime(now.Add(48 * time.Hour))
	expired := jsonx.FromTime(now.Add(-time.Hour))

	accounts := []Account{{
		ID: "a", FeatureID: "calls", Balance: d(10),
		Rollovers: jsonx.List[Rollover]{
			{ID: "never", Balance: d(3)},
			{ID: "later", Balance: d(2), ExpiresAt: later},
			{ID: "gone", Balance: d(50), ExpiresAt: expired},
			{ID: "soon", Balance: d(4), ExpiresAt: soon},
		},
	}}

	got, out := mustApply(t, accounts, deduct("calls", 8, PolicyCap))

	want := map[string]int64{"soon": 0, "later": 0, "never": 1, "gone": 50}
	for _, r := range got[0].Rollovers {
		if !r.Balance.Equal(d(want[r.ID])) {
			t.Errorf("rollover %s: got %s, want %d", r.ID, r.Balance, want[r.ID])
		}
	}
	if !got[0].Balance.Equal(d(10)) {
		t.Errorf("main balance touched: %s", got[0].Balance)
	}
	// 10 main + 1 remaining rollover; the expired one is excluded.
	if !out.Balances["calls"].Equal(d(11)) {
		t.Errorf("reported balance: got %s, want 11", out.Balances["calls"])
	}
}

func TestApplyAccountRank(t *testing.T) {
	soon := jsonx.FromTime(now.Add(time.Hour))
	accounts := []Account{
		{ID: "lifetime", FeatureID: "calls", Balance: d(5)},
		{ID: "monthly", FeatureID: "calls", Balance: d(5), NextResetAt: soon},
	}
	got, _ := mustApply(t, accounts, deduct("calls", 6, PolicyCap))
	for _, a := range got {
		want := map[string]int64{"monthly": 0, "lifetime": 4}[a.ID]
		if !a.Balance.Equal(d(want)) {
			t.Errorf("%s: got %s, want %d", a.ID, a.Balance, want)
		}
	}
}

func TestApplyEntities(t *testing.T) {
	scoped := func() []Account {
		return []Account{{
			ID: "seats", FeatureID: "messages", Balance: d(10), EntityScoped: true,
			Entities: jsonx.Map[decimal.Decimal]{"u1": d(5), "u2": d(5)},
		}}
	}

	t.Run("single entity", func(t *testing.T) {
		req := deduct("messages", 3, PolicyCap)
		req.EntityID = "u2"
		got, _ := mustApply(t, scoped(), req)
		if !got[0].Entities["u2"].Equal(d(2)) || !got[0].Entities["u1"].Equal(d(5)) {
			t.Errorf("entities: %v", got[0].Entities)
		}
		if !got[0].Balance.Equal(d(7)) {
			t.Errorf("top-level balance: got %s, want 7", got[0].Balance)
		}
	})

	t.Run("entity cannot borrow from siblings", func(t *testing.T) {
		req := deduct("messages", 6, PolicyReject)
		req.EntityID = "u1"
		_, out := mustApply(t, scoped(), req)
		if out.Success {
			t.Error("expected rejection")
		}
	})

	t.Run("spread without entity", func(t *testing.T) {
		got, _ := mustApply(t, scoped(), deduct("messages", 7, PolicyCap))
		if !got[0].Entities["u1"].Equal(d(0)) || !got[0].Entities["u2"].Equal(d(3)) {
			t.Errorf("entities: %v", got[0].Entities)
		}
		if !got[0].Balance.Equal(d(3)) {
			t.Errorf("top-level balance: got %s, want 3", got[0].Balance)
		}
	})
}

func TestApplyCreditSystem(t *testing.T) {
	accounts := []Account{{
		ID: "credits", FeatureID: "credits", Balance: d(100),
		CreditCosts: jsonx.Map[decimal.Decimal]{"gpt": d(2)},
	}}

	got, out := mustApply(t, accounts, deduct("gpt", 10, PolicyCap))
	if !got[0].Balance.Equal(d(80)) {
		t.Errorf("credits: got %s, want 80", got[0].Balance)
	}
	if !out.Balances["credits"].Equal(d(80)) {
		t.Errorf("reported: %v", out.Balances)
	}

	_, out = mustApply(t, got, deduct("gpt", 50, PolicyCap))
	if !out.Dropped["gpt"].Equal(d(10)) {
		t.Errorf("dropped: got %s, want 10 units", out.Dropped["gpt"])
	}
}

func TestApplyUnlimited(t *testing.T) {
	accounts := []Account{{ID: "a", FeatureID: "calls", Unlimited: true}}
	got, out := mustApply(t, accounts, deduct("calls", 1000, PolicyReject))
	if !out.Success || len(out.Changes) != 0 {
		t.Errorf("unlimited should be a no-op: %+v", out)
	}
	if !got[0].Balance.IsZero() {
		t.Errorf("balance changed: %s", got[0].Balance)
	}
}

func TestApplyErrors(t *testing.T) {
	accounts := []Account{{ID: "a", FeatureID: "calls", Balance: d(10)}}

	_, _, err := Apply(accounts, deduct("storage", 1, PolicyCap), now)
	if !errors.Is(err, entitle.ErrEntitlementNotFound) || !entitle.IsNotFound(err) {
		t.Errorf("unknown feature: got %v", err)
	}

	_, _, err = Apply(accounts, deduct("calls", -1, PolicyCap), now)
	if !errors.Is(err, entitle.ErrInvalidAmount) {
		t.Errorf("negative amount: got %v", err)
	}

	_, _, err = Apply(accounts, deduct("calls", 1, Policy("maybe")), now)
	if !entitle.IsInvalidRequest(err) {
		t.Errorf("unknown policy: got %v", err)
	}
}

func TestChangesSumToDelta(t *testing.T) {
	accounts := []Account{{
		ID: "a", FeatureID: "calls", Balance: d(10),
		Rollovers: jsonx.List[Rollover]{{ID: "r", Balance: d(3)}},
	}}
	_, out := mustApply(t, accounts, deduct("calls", 5, PolicyCap))

	total := decimal.Zero
	for _, c := range out.Changes {
		total = total.Add(c.Delta)
	}
	if !total.Equal(d(-5)) {
		t.Errorf("changes sum: got %s, want -5", total)
	}
	if len(out.Changes) != 2 || out.Changes[0].RolloverID != "r" {
		t.Errorf("unexpected changes: %+v", out.Changes)
	}
}

func TestIncrement(t *testing.T) {
	accounts := []Account{{
		ID: "seats", FeatureID: "messages", Balance: d(4), EntityScoped: true,
		Entities: jsonx.Map[decimal.Decimal]{"u1": d(4)},
	}}
	if err := Increment(accounts, "seats", "u2", d(6)); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if !accounts[0].Balance.Equal(d(10)) || !accounts[0].Entities["u2"].Equal(d(6)) {
		t.Errorf("got balance %s entities %v", accounts[0].Balance, accounts[0].Entities)
	}
	if err := Increment(accounts, "missing", "", d(1)); !entitle.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}
