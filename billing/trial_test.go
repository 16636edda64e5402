package billing

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/product"
	"github.com/xraph/entitle/types"
)

func trialPlan(id string, cents, messages int64, days int) *product.Product {
	p := plan(id, cents, messages)
	p.FreeTrial = &product.FreeTrial{Length: days, Interval: types.IntervalDay}
	return p
}

func TestComputeFreeTrial(t *testing.T) {
	trialEnd := midCycle.AddDate(0, 0, 7)

	tests := []struct {
		name      string
		setup     func(v *customer.View)
		disable   bool
		wantTrial bool
		wantTotal types.Money
	}{
		{name: "first attach starts the trial", wantTrial: true, wantTotal: types.Money{}},
		{name: "trial can be skipped", disable: true, wantTotal: types.USD(2000)},
		{
			name: "one trial per product",
			setup: func(v *customer.View) {
				ended := periodStart
				v.Products = append(v.Products, &customer.Product{
					ProductID:   "pro",
					Group:       "main",
					Status:      customer.StatusExpired,
					EndedAt:     &ended,
					TrialEndsAt: &ended,
				})
			},
			wantTotal: types.USD(2000),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newView()
			if tt.setup != nil {
				tt.setup(v)
			}
			p := mustCompute(t, v, Request{Product: trialPlan("pro", 2000, 100, 7), DisableTrial: tt.disable, Now: midCycle})

			if !p.Total().Equal(tt.wantTotal) {
				t.Errorf("total: got %s, want %s", p.Total(), tt.wantTotal)
			}
			cp := p.Inserts()[0].Product
			if got := cp.IsTrialing(midCycle); got != tt.wantTrial {
				t.Fatalf("trialing: got %v, want %v", got, tt.wantTrial)
			}

			var sub Action
			for _, a := range p.Actions() {
				if a.Kind == ActionCreateSubscription {
					sub = a
				}
			}
			if sub.Kind == "" {
				t.Fatal("no subscription action")
			}
			if !tt.wantTrial {
				if !sub.TrialEnd.IsZero() {
					t.Errorf("subscription trial end: %s", sub.TrialEnd)
				}
				return
			}

			if !cp.TrialEndsAt.Equal(trialEnd) || !cp.Period.End.Equal(trialEnd) {
				t.Errorf("trial period: ends %s, period %+v", cp.TrialEndsAt, cp.Period)
			}
			if !sub.TrialEnd.Equal(trialEnd) || !sub.BillingAnchor.Equal(trialEnd) {
				t.Errorf("subscription: trial end %s, anchor %s", sub.TrialEnd, sub.BillingAnchor)
			}
			if want := []ActionKind{ActionCreateSubscription}; !sameKinds(kinds(p), want) {
				t.Errorf("actions: got %v, want %v", kinds(p), want)
			}
			ent := p.Inserts()[0].Entitlements[0]
			if ent.NextResetAt == nil || !ent.NextResetAt.Equal(trialEnd) {
				t.Errorf("first reset at trial end: got %v", ent.NextResetAt)
			}
		})
	}
}

// startTrial attaches p on a trial and applies the plan with the processor
// subscription recorded.
func startTrial(t *testing.T, v *customer.View, p *product.Product, subscriptionID string) (*customer.View, *customer.Product) {
	t.Helper()
	pl := mustCompute(t, v, Request{Product: p, Now: midCycle})
	cpID := pl.Inserts()[0].Product.ID
	if subscriptionID != "" {
		pl = pl.WithSubscription(cpID, subscriptionID)
	}
	v = apply(t, v, pl, midCycle)
	return v, v.Product(cpID)
}

func TestConvertTrialPlan(t *testing.T) {
	trialEnd := midCycle.AddDate(0, 0, 7)

	tests := []struct {
		name         string
		subscription string
		wantTotal    types.Money
	}{
		{"processor bills the first cycle", "sub_trial", types.Money{}},
		{"no subscription charges here", "", types.USD(2000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, cp := startTrial(t, newView(), trialPlan("pro", 2000, 100, 7), tt.subscription)

			st := State{Scope: testScope, View: v}
			if _, err := ConvertTrialPlan(st, cp.ID, midCycle.AddDate(0, 0, 3)); !errors.Is(err, entitle.ErrInvalidTransition) {
				t.Errorf("convert before the trial ends: got %v", err)
			}

			conv, err := ConvertTrialPlan(st, cp.ID, trialEnd)
			if err != nil {
				t.Fatalf("convert: %v", err)
			}
			if conv.Scenario() != ScenarioTrialEnd {
				t.Errorf("scenario: %s", conv.Scenario())
			}
			if !conv.Total().Equal(tt.wantTotal) {
				t.Errorf("total: got %s, want %s", conv.Total(), tt.wantTotal)
			}
			v = apply(t, v, conv, trialEnd)

			got := v.Product(cp.ID)
			want := types.NewPeriod(trialEnd, types.IntervalMonth)
			if !got.Period.Start.Equal(want.Start) || !got.Period.End.Equal(want.End) {
				t.Errorf("period: got %+v, want %+v", got.Period, want)
			}
			if got.IsTrialing(trialEnd) || got.PendingTrialEnd() != nil {
				t.Error("trial still pending after conversion")
			}
			if !v.HasTrialed("pro") {
				t.Error("converted trial forgotten")
			}
			if _, err := ConvertTrialPlan(State{Scope: testScope, View: v}, cp.ID, trialEnd); !errors.Is(err, entitle.ErrInvalidTransition) {
				t.Errorf("convert twice: got %v", err)
			}
		})
	}
}

func TestTrialingProductIsNeverRefunded(t *testing.T) {
	tests := []struct {
		name      string
		req       func() Request
		wantTotal types.Money
	}{
		{
			name:      "immediate cancel",
			req:       func() Request { return Request{Product: plan("pro", 2000, 100), Cancel: true, Timing: TimingImmediate} },
			wantTotal: types.Money{},
		},
		{
			name:      "upgrade charges the new product in full",
			req:       func() Request { return Request{Product: plan("premium", 5000, 500)} },
			wantTotal: types.USD(5000),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := startTrial(t, newView(), trialPlan("pro", 2000, 100, 7), "sub_trial")
			now := midCycle.AddDate(0, 0, 2)

			req := tt.req()
			req.Now = now
			p := mustCompute(t, v, req)
			for _, l := range p.LineItems() {
				if l.Direction == DirectionRefund {
					t.Errorf("refund line for an unpaid trial: %+v", l)
				}
			}
			if !p.Total().Equal(tt.wantTotal) {
				t.Errorf("total: got %s, want %s", p.Total(), tt.wantTotal)
			}
			for _, a := range p.Actions() {
				if a.Kind == ActionRefund {
					t.Errorf("refund action: %+v", a)
				}
			}
		})
	}
}

func TestTrialQuantityChangeIsFree(t *testing.T) {
	team := seats(false)
	team.FreeTrial = &product.FreeTrial{Length: 14}
	v := newView()
	pl := mustCompute(t, v, Request{
		Product: team,
		Options: []customer.Option{{FeatureID: "seats", Quantity: 2}},
		Now:     midCycle,
	})
	if !pl.Total().IsZero() {
		t.Fatalf("trial attach charged %s", pl.Total())
	}
	v = apply(t, v, pl, midCycle)

	now := midCycle.Add(24 * time.Hour)
	p := mustCompute(t, v, Request{
		Product: team,
		Options: []customer.Option{{FeatureID: "seats", Quantity: 5}},
		Now:     now,
	})
	if len(p.LineItems()) != 0 {
		t.Errorf("quantity change during a trial billed: %+v", p.LineItems())
	}
	var allowance *decimal.Decimal
	for _, u := range p.EntitlementUpdates() {
		allowance = u.Allowance
	}
	if allowance == nil || !allowance.Equal(decimal.NewFromInt(5)) {
		t.Errorf("allowance: got %v, want 5", allowance)
	}
}
