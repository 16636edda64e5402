package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/product"
)

// GrantPlan adds units to a live product's prepaid quantity for a feature
// without charging for them. Allowance and balance of the feature's
// entitlements grow by units times the price's billing units.
func GrantPlan(st State, customerProductID id.ID, featureID string, units int64, now time.Time) (*Plan, error) {
	if units <= 0 {
		return nil, entitle.ValidationError{Field: "units", Message: "must be positive"}
	}
	cp, err := lookup(st, customerProductID)
	if err != nil {
		return nil, err
	}
	if !cp.Status.IsLive() {
		return nil, fmt.Errorf("grant %s: %w", cp.ID, entitle.ErrInvalidTransition)
	}
	var price *product.Price
	for i := range cp.Prices {
		if cp.Prices[i].Kind == product.PricePrepaid && cp.Prices[i].FeatureID == featureID {
			price = &cp.Prices[i]
			break
		}
	}
	if price == nil {
		return nil, entitle.ValidationError{Field: "feature_id", Message: "no prepaid price for " + featureID}
	}

	b := newBuilder(st, ScenarioGrant, now)
	b.primary = cp.ID

	opts := append([]customer.Option(nil), cp.Options...)
	found := false
	for i := range opts {
		if opts[i].FeatureID == featureID {
			opts[i].Quantity += units
			found = true
		}
	}
	if !found {
		opts = append(opts, customer.Option{FeatureID: featureID, Quantity: units})
	}
	b.setUpdate(cp.ID, ProductDelta{Options: opts})

	amount := decimal.NewFromInt(units * price.Units())
	for _, e := range st.View.EntitlementsOf(cp.ID) {
		if e.FeatureID != featureID || e.Allowance == nil {
			continue
		}
		allowance := e.Allowance.Add(amount)
		delta := amount
		b.entUpds = append(b.entUpds, EntitlementUpdate{EntitlementID: e.ID, Allowance: &allowance, BalanceChange: &delta})
	}
	return b.build(nil)
}
