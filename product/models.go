// Package product defines the catalog: products, their prices and the
// entitlement templates a customer receives when attaching them.
package product

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/types"
)

// PriceKind classifies how a price is charged.
type PriceKind string

const (
	PriceFixed   PriceKind = "fixed"   // flat amount per interval
	PricePrepaid PriceKind = "prepaid" // per purchased quantity, grants allowance
	PriceUsage   PriceKind = "usage"   // billed in arrears on overage
)

type Product struct {
	types.Entity
	ID           string        `json:"id"`
	Version      int           `json:"version"`
	OrgID        string        `json:"org_id"`
	Env          string        `json:"env"`
	Name         string        `json:"name"`
	Group        string        `json:"group"`
	IsAddOn      bool          `json:"is_add_on"`
	IsDefault    bool          `json:"is_default"`
	Prices       []Price       `json:"prices"`
	Entitlements []Entitlement `json:"entitlements"`
	FreeTrial    *FreeTrial    `json:"free_trial,omitempty"`
}

// FreeTrial delays the first charge of a paid product. A customer gets the
// trial once per product.
type FreeTrial struct {
	Length   int            `json:"length"`
	Interval types.Interval `json:"interval"`
}

// End returns when a trial starting at start ends.
func (t FreeTrial) End(start time.Time) time.Time {
	interval := t.Interval
	if interval == types.IntervalNone {
		interval = types.IntervalDay
	}
	return interval.Next(start, t.Length)
}

type Price struct {
	ID                string         `json:"id"`
	Kind              PriceKind      `json:"kind"`
	FeatureID         string         `json:"feature_id,omitempty"`
	Amount            types.Money    `json:"amount"`
	Interval          types.Interval `json:"interval"`
	BillingUnits      int64          `json:"billing_units,omitempty"`
	ProrateOnDecrease bool           `json:"prorate_on_decrease"`
	ProcessorPriceID  string         `json:"processor_price_id,omitempty"`
}

// Entitlement is the template copied onto a customer when the product is
// attached. A nil Allowance means unlimited.
type Entitlement struct {
	ID                string                     `json:"id"`
	FeatureID         string                     `json:"feature_id"`
	Allowance         *decimal.Decimal           `json:"allowance,omitempty"`
	ResetInterval     types.Interval             `json:"reset_interval"`
	UsageAllowed      bool                       `json:"usage_allowed"`
	MaxOverage        *decimal.Decimal           `json:"max_overage,omitempty"`
	CreditCosts       map[string]decimal.Decimal `json:"credit_costs,omitempty"`
	EntityFeatureID   string                     `json:"entity_feature_id,omitempty"`
	CarryFromPrevious bool                       `json:"carry_from_previous"`
	Rollover          *RolloverConfig            `json:"rollover,omitempty"`
}

// RolloverConfig bounds how much unused balance survives a reset and for how
// long. A nil Max carries everything; an IntervalNone Duration never expires.
type RolloverConfig struct {
	Max      *decimal.Decimal `json:"max,omitempty"`
	Duration types.Interval   `json:"duration"`
	Length   int              `json:"length"`
}

// Units returns the billing unit size, defaulting to one.
func (p Price) Units() int64 {
	if p.BillingUnits <= 0 {
		return 1
	}
	return p.BillingUnits
}

// IsRecurring reports whether the price is charged every interval.
func (p Price) IsRecurring() bool {
	return p.Interval.IsRecurring() && p.Kind != PriceUsage
}

// IsFree reports whether the product carries no positive price.
func (p *Product) IsFree() bool {
	for _, pr := range p.Prices {
		if pr.Amount.IsPositive() {
			return false
		}
	}
	return true
}

// Interval returns the single recurring interval of the product, or
// IntervalNone when nothing recurs.
func (p *Product) Interval() (types.Interval, error) {
	interval := types.IntervalNone
	for _, pr := range p.Prices {
		if !pr.Interval.IsRecurring() {
			continue
		}
		if interval != types.IntervalNone && interval != pr.Interval {
			return types.IntervalNone, fmt.Errorf("product %s: %w", p.ID, entitle.ErrMixedIntervals)
		}
		interval = pr.Interval
	}
	return interval, nil
}

// MonthlyTotal returns the monthly equivalent of every recurring price,
// with prepaid prices multiplied by the purchased quantity.
func (p *Product) MonthlyTotal(quantities map[string]int64) decimal.Decimal {
	total := decimal.Zero
	for _, pr := range p.Prices {
		if !pr.IsRecurring() {
			continue
		}
		amount := pr.Amount.Amount
		if pr.Kind == PricePrepaid {
			amount = amount.Mul(decimal.NewFromInt(quantities[pr.FeatureID]))
		}
		total = total.Add(pr.Interval.ToMonthly(amount))
	}
	return total
}

// Currency returns the currency of the first priced item.
func (p *Product) Currency() string {
	for _, pr := range p.Prices {
		if pr.Amount.Currency != "" {
			return pr.Amount.Currency
		}
	}
	return ""
}

// Price returns the price with the given ID, or nil.
func (p *Product) Price(priceID string) *Price {
	for i := range p.Prices {
		if p.Prices[i].ID == priceID {
			return &p.Prices[i]
		}
	}
	return nil
}

// PrepaidPrice returns the prepaid price for a feature, or nil.
func (p *Product) PrepaidPrice(featureID string) *Price {
	for i := range p.Prices {
		if p.Prices[i].Kind == PricePrepaid && p.Prices[i].FeatureID == featureID {
			return &p.Prices[i]
		}
	}
	return nil
}

// Entitlement returns the template for a feature, or nil.
func (p *Product) Entitlement(featureID string) *Entitlement {
	for i := range p.Entitlements {
		if p.Entitlements[i].FeatureID == featureID {
			return &p.Entitlements[i]
		}
	}
	return nil
}

// AllAutoProrate reports whether every recurring price refunds on decrease.
func (p *Product) AllAutoProrate() bool {
	found := false
	for _, pr := range p.Prices {
		if !pr.IsRecurring() {
			continue
		}
		if !pr.ProrateOnDecrease {
			return false
		}
		found = true
	}
	return found
}

// Allowance returns the starting balance a customer receives for a template.
// Prepaid features grant quantity times billing units on top of the
// included allowance. The second result is false for unlimited templates.
func (p *Product) Allowance(e *Entitlement, quantities map[string]int64) (decimal.Decimal, bool) {
	if e.Allowance == nil {
		return decimal.Zero, false
	}
	allowance := *e.Allowance
	if pr := p.PrepaidPrice(e.FeatureID); pr != nil {
		qty := decimal.NewFromInt(quantities[e.FeatureID] * pr.Units())
		allowance = allowance.Add(qty)
	}
	return allowance, true
}

// Validate checks the product for structural errors.
func (p *Product) Validate() error {
	if p.ID == "" {
		return entitle.ValidationError{Field: "id", Message: "required"}
	}
	if _, err := p.Interval(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(p.Prices))
	currency := p.Currency()
	for _, pr := range p.Prices {
		if pr.ID == "" {
			return entitle.ValidationError{Field: "prices.id", Message: "required"}
		}
		if seen[pr.ID] {
			return entitle.ValidationError{Field: "prices.id", Message: "duplicate " + pr.ID}
		}
		seen[pr.ID] = true
		if pr.Amount.IsNegative() {
			return entitle.ValidationError{Field: "prices.amount", Message: "must not be negative"}
		}
		if pr.Amount.Currency != "" && pr.Amount.Currency != currency {
			return fmt.Errorf("price %s is %s, product is %s: %w", pr.ID, pr.Amount.Currency, currency, entitle.ErrCurrencyMismatch)
		}
		if pr.Kind == PricePrepaid && pr.FeatureID == "" {
			return entitle.ValidationError{Field: "prices.feature_id", Message: "prepaid price needs a feature"}
		}
	}
	if t := p.FreeTrial; t != nil {
		if t.Length <= 0 {
			return entitle.ValidationError{Field: "free_trial.length", Message: "must be positive"}
		}
		if p.IsFree() {
			return entitle.ValidationError{Field: "free_trial", Message: "free product cannot have a trial"}
		}
	}
	for _, e := range p.Entitlements {
		if e.FeatureID == "" {
			return entitle.ValidationError{Field: "entitlements.feature_id", Message: "required"}
		}
	}
	return nil
}
