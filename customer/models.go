// Package customer defines the entitlement ledger: customers, the products
// attached to them and the per-feature balances those products grant.
package customer

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/product"
	"github.com/xraph/entitle/types"
)

type Customer struct {
	types.Entity
	InternalID          id.ID  `json:"internal_id"`
	ID                  string `json:"id"`
	OrgID               string `json:"org_id"`
	Env                 string `json:"env"`
	Name                string `json:"name,omitempty"`
	Email               string `json:"email,omitempty"`
	ProcessorCustomerID string `json:"processor_customer_id,omitempty"`
}

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusExpired   Status = "expired"
)

// IsLive reports whether the product currently grants entitlements.
func (s Status) IsLive() bool { return s == StatusActive || s == StatusPastDue }

type Option struct {
	FeatureID string `json:"feature_id"`
	Quantity  int64  `json:"quantity"`
}

// Product is a catalog product attached to a customer.
type Product struct {
	types.Entity
	ID                      id.ID           `json:"id"`
	CustomerInternalID      id.ID           `json:"customer_internal_id"`
	ProductID               string          `json:"product_id"`
	ProductVersion          int             `json:"product_version"`
	Group                   string          `json:"group"`
	IsAddOn                 bool            `json:"is_add_on"`
	EntityID                string          `json:"entity_id,omitempty"`
	Status                  Status          `json:"status"`
	CanceledAt              *time.Time      `json:"canceled_at,omitempty"`
	StartsAt                time.Time       `json:"starts_at"`
	EndedAt                 *time.Time      `json:"ended_at,omitempty"`
	Period                  types.Period    `json:"period"`
	Quantity                int64           `json:"quantity"`
	Options                 []Option        `json:"options,omitempty"`
	Prices                  []product.Price `json:"prices"`
	ProcessorSubscriptionID string          `json:"processor_subscription_id,omitempty"`
	LastPaymentRef          string          `json:"last_payment_ref,omitempty"`
	TrialEndsAt             *time.Time      `json:"trial_ends_at,omitempty"`
	TrialConverted          bool            `json:"trial_converted,omitempty"`
}

// IsCanceled reports whether the product is set to end.
func (p *Product) IsCanceled() bool { return p.CanceledAt != nil }

// IsTrialing reports whether the product is inside an unconverted free trial
// at now.
func (p *Product) IsTrialing(now time.Time) bool {
	return p.TrialEndsAt != nil && !p.TrialConverted && now.Before(*p.TrialEndsAt)
}

// PendingTrialEnd returns the end of a trial that has not converted yet.
func (p *Product) PendingTrialEnd() *time.Time {
	if p.TrialEndsAt == nil || p.TrialConverted {
		return nil
	}
	return p.TrialEndsAt
}

// Quantities returns the prepaid quantity per feature.
func (p *Product) Quantities() map[string]int64 {
	out := make(map[string]int64, len(p.Options))
	for _, o := range p.Options {
		out[o.FeatureID] = o.Quantity
	}
	return out
}

// Clone returns a deep copy of the product.
func (p *Product) Clone() *Product {
	out := *p
	out.Options = append([]Option(nil), p.Options...)
	out.Prices = append([]product.Price(nil), p.Prices...)
	if p.CanceledAt != nil {
		t := *p.CanceledAt
		out.CanceledAt = &t
	}
	if p.EndedAt != nil {
		t := *p.EndedAt
		out.EndedAt = &t
	}
	if p.TrialEndsAt != nil {
		t := *p.TrialEndsAt
		out.TrialEndsAt = &t
	}
	return &out
}

// Entitlement is a customer's balance for one feature, granted by one
// attached product.
type Entitlement struct {
	types.Entity
	ID                 id.ID                      `json:"id"`
	CustomerProductID  id.ID                      `json:"customer_product_id"`
	CustomerInternalID id.ID                      `json:"customer_internal_id"`
	FeatureID          string                     `json:"feature_id"`
	Balance            decimal.Decimal            `json:"balance"`
	Allowance          *decimal.Decimal           `json:"allowance,omitempty"`
	UsageAllowed       bool                       `json:"usage_allowed"`
	MinBalance         *decimal.Decimal           `json:"min_balance,omitempty"`
	CreditCosts        map[string]decimal.Decimal `json:"credit_costs,omitempty"`
	ResetInterval      types.Interval             `json:"reset_interval"`
	NextResetAt        *time.Time                 `json:"next_reset_at,omitempty"`
	EntityScoped       bool                       `json:"entity_scoped"`
	Entities           map[string]decimal.Decimal `json:"entities,omitempty"`
	Rollovers          []Rollover                 `json:"rollovers,omitempty"`
	RolloverConfig     *product.RolloverConfig    `json:"rollover_config,omitempty"`
	CarryFromPrevious  bool                       `json:"carry_from_previous"`
}

type Rollover struct {
	ID        id.ID                      `json:"id"`
	Balance   decimal.Decimal            `json:"balance"`
	ExpiresAt *time.Time                 `json:"expires_at,omitempty"`
	Entities  map[string]decimal.Decimal `json:"entities,omitempty"`
}

// IsUnlimited reports whether the entitlement has no allowance.
func (e *Entitlement) IsUnlimited() bool { return e.Allowance == nil }

// Used returns allowance minus balance, with entity usage summed first. A
// balance above the allowance counts as no usage.
func (e *Entitlement) Used() decimal.Decimal {
	if e.Allowance == nil {
		return decimal.Zero
	}
	if e.EntityScoped && len(e.Entities) > 0 {
		used := decimal.Zero
		for entityID := range e.Entities {
			used = used.Add(e.EntityUsed(entityID))
		}
		return used
	}
	return decimal.Max(e.Allowance.Sub(e.Balance), decimal.Zero)
}

// EntityUsed returns the allowance minus one entity's balance, never below
// zero.
func (e *Entitlement) EntityUsed(entityID string) decimal.Decimal {
	if e.Allowance == nil {
		return decimal.Zero
	}
	return decimal.Max(e.Allowance.Sub(e.Entities[entityID]), decimal.Zero)
}

// Clone returns a deep copy of the entitlement.
func (e *Entitlement) Clone() *Entitlement {
	out := *e
	out.Allowance = cloneDecimal(e.Allowance)
	out.MinBalance = cloneDecimal(e.MinBalance)
	out.CreditCosts = cloneDecimals(e.CreditCosts)
	out.Entities = cloneDecimals(e.Entities)
	if e.NextResetAt != nil {
		t := *e.NextResetAt
		out.NextResetAt = &t
	}
	if e.Rollovers != nil {
		out.Rollovers = make([]Rollover, len(e.Rollovers))
		for i, r := range e.Rollovers {
			r.Entities = cloneDecimals(r.Entities)
			if r.ExpiresAt != nil {
				t := *r.ExpiresAt
				r.ExpiresAt = &t
			}
			out.Rollovers[i] = r
		}
	}
	return &out
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func cloneDecimals(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	if m == nil {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
