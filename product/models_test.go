package product

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/types"
)

func dec(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func TestProductInterval(t *testing.T) {
	tests := []struct {
		name    string
		prices  []Price
		want    types.Interval
		wantErr error
	}{
		{"none", nil, types.IntervalNone, nil},
		{"monthly", []Price{{ID: "a", Amount: types.USD(100), Interval: types.IntervalMonth}}, types.IntervalMonth, nil},
		{"one-off ignored", []Price{
			{ID: "a", Amount: types.USD(100), Interval: types.IntervalMonth},
			{ID: "b", Amount: types.USD(100)},
		}, types.IntervalMonth, nil},
		{"mixed", []Price{
			{ID: "a", Amount: types.USD(100), Interval: types.IntervalMonth},
			{ID: "b", Amount: types.USD(100), Interval: types.IntervalYear},
		}, types.IntervalNone, entitle.ErrMixedIntervals},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Product{ID: "p", Prices: tt.prices}
			got, err := p.Interval()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if !entitle.IsInvalidRequest(err) {
					t.Error("mixed intervals should be an invalid request")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMonthlyTotal(t *testing.T) {
	p := &Product{ID: "team", Prices: []Price{
		{ID: "base", Kind: PriceFixed, Amount: types.USD(1200), Interval: types.IntervalYear},
		{ID: "seats", Kind: PricePrepaid, FeatureID: "seats", Amount: types.USD(500), Interval: types.IntervalYear},
		{ID: "calls", Kind: PriceUsage, FeatureID: "calls", Amount: types.USD(1), Interval: types.IntervalYear},
	}}

	got := p.MonthlyTotal(map[string]int64{"seats": 12})
	// (12.00 + 5.00 * 12) / 12
	if !got.Equal(decimal.NewFromInt(6)) {
		t.Errorf("got %s, want 6", got)
	}
}

func TestAllowance(t *testing.T) {
	p := &Product{ID: "p", Prices: []Price{
		{ID: "seats", Kind: PricePrepaid, FeatureID: "seats", Amount: types.USD(500), Interval: types.IntervalMonth, BillingUnits: 5},
	}, Entitlements: []Entitlement{
		{FeatureID: "seats", Allowance: dec(2)},
		{FeatureID: "calls"},
	}}

	got, limited := p.Allowance(p.Entitlement("seats"), map[string]int64{"seats": 3})
	if !limited || !got.Equal(decimal.NewFromInt(17)) {
		t.Errorf("seats: got %s limited=%v, want 17", got, limited)
	}
	if _, limited := p.Allowance(p.Entitlement("calls"), nil); limited {
		t.Error("nil allowance should be unlimited")
	}
}

func TestIsFreeAndAutoProrate(t *testing.T) {
	free := &Product{ID: "free", Prices: []Price{{ID: "zero", Amount: types.USD(0), Interval: types.IntervalMonth}}}
	if !free.IsFree() {
		t.Error("zero-priced product should be free")
	}

	pro := &Product{ID: "pro", Prices: []Price{
		{ID: "a", Amount: types.USD(2000), Interval: types.IntervalMonth, ProrateOnDecrease: true},
		{ID: "b", Amount: types.USD(500), Interval: types.IntervalMonth},
	}}
	if pro.IsFree() {
		t.Error("paid product reported free")
	}
	if pro.AllAutoProrate() {
		t.Error("one non-prorating price should disable auto prorate")
	}
	pro.Prices[1].ProrateOnDecrease = true
	if !pro.AllAutoProrate() {
		t.Error("expected auto prorate")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		p    Product
		ok   bool
	}{
		{"valid", Product{ID: "p", Prices: []Price{{ID: "a", Amount: types.USD(1)}}}, true},
		{"missing id", Product{}, false},
		{"duplicate price", Product{ID: "p", Prices: []Price{{ID: "a"}, {ID: "a"}}}, false},
		{"negative", Product{ID: "p", Prices: []Price{{ID: "a", Amount: types.USD(-1)}}}, false},
		{"prepaid without feature", Product{ID: "p", Prices: []Price{{ID: "a", Kind: PricePrepaid}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !entitle.IsInvalidRequest(err) {
				t.Fatalf("expected invalid request, got %v", err)
			}
		})
	}
}
