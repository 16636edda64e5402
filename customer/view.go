package customer

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/balance"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/internal/jsonx"
)

// View is a customer's ledger state loaded in one read. Products and
// entitlements are flat slices that refer to each other by ID.
type View struct {
	Customer     *Customer      `json:"customer"`
	Products     []*Product     `json:"products"`
	Entitlements []*Entitlement `json:"entitlements"`
}

// Product returns the customer product with the given ID, or nil.
func (v *View) Product(cpID id.ID) *Product {
	for _, p := range v.Products {
		if p.ID == cpID {
			return p
		}
	}
	return nil
}

// MainProduct returns the live main product in a group for an entity.
func (v *View) MainProduct(group, entityID string) *Product {
	for _, p := range v.Products {
		if !p.IsAddOn && p.Group == group && p.EntityID == entityID && p.Status.IsLive() {
			return p
		}
	}
	return nil
}

// ScheduledProduct returns the product waiting to start in a group.
func (v *View) ScheduledProduct(group, entityID string) *Product {
	for _, p := range v.Products {
		if !p.IsAddOn && p.Group == group && p.EntityID == entityID && p.Status == StatusScheduled {
			return p
		}
	}
	return nil
}

// AddOn returns the live add-on attached for a catalog product.
func (v *View) AddOn(productID, entityID string) *Product {
	for _, p := range v.Products {
		if p.IsAddOn && p.ProductID == productID && p.EntityID == entityID && p.Status.IsLive() {
			return p
		}
	}
	return nil
}

// HasTrialed reports whether the customer ever started a free trial of the
// catalog product.
func (v *View) HasTrialed(productID string) bool {
	for _, p := range v.Products {
		if p.ProductID == productID && p.TrialEndsAt != nil {
			return true
		}
	}
	return false
}

// EntitlementsOf returns the entitlements granted by one customer product.
func (v *View) EntitlementsOf(cpID id.ID) []*Entitlement {
	var out []*Entitlement
	for _, e := range v.Entitlements {
		if e.CustomerProductID == cpID {
			out = append(out, e)
		}
	}
	return out
}

// LiveEntitlements returns the entitlements of active and past-due products.
func (v *View) LiveEntitlements() []*Entitlement {
	var out []*Entitlement
	for _, e := range v.Entitlements {
		if p := v.Product(e.CustomerProductID); p != nil && p.Status.IsLive() {
			out = append(out, e)
		}
	}
	return out
}

// Accounts returns the deductible accounts of the live entitlements.
func (v *View) Accounts() []balance.Account {
	return Accounts(v.LiveEntitlements())
}

// CheckUniqueness verifies that no group has two live main products for the
// same entity.
func (v *View) CheckUniqueness() error {
	seen := make(map[string]bool)
	for _, p := range v.Products {
		if p.IsAddOn || !p.Status.IsLive() {
			continue
		}
		k := p.Group + "\x00" + p.EntityID
		if seen[k] {
			return fmt.Errorf("group %q: %w", p.Group, entitle.ErrUniquenessViolation)
		}
		seen[k] = true
	}
	return nil
}

// Account converts the entitlement to its deductible form.
func (e *Entitlement) Account() balance.Account {
	a := balance.Account{
		ID:           e.ID.String(),
		FeatureID:    e.FeatureID,
		Balance:      e.Balance,
		Unlimited:    e.Allowance == nil,
		UsageAllowed: e.UsageAllowed,
		MinBalance:   cloneDecimal(e.MinBalance),
		CreditCosts:  jsonx.Map[decimal.Decimal](cloneDecimals(e.CreditCosts)),
		EntityScoped: e.EntityScoped,
		Entities:     jsonx.Map[decimal.Decimal](cloneDecimals(e.Entities)),
	}
	if e.NextResetAt != nil {
		a.NextResetAt = jsonx.FromTime(*e.NextResetAt)
	}
	for _, r := range e.Rollovers {
		br := balance.Rollover{
			ID:       r.ID.String(),
			Balance:  r.Balance,
			Entities: jsonx.Map[decimal.Decimal](cloneDecimals(r.Entities)),
		}
		if r.ExpiresAt != nil {
			br.ExpiresAt = jsonx.FromTime(*r.ExpiresAt)
		}
		a.Rollovers = append(a.Rollovers, br)
	}
	return a
}

// Accounts converts entitlements and sorts them for consumption.
func Accounts(ents []*Entitlement) []balance.Account {
	out := make([]balance.Account, 0, len(ents))
	for _, e := range ents {
		out = append(out, e.Account())
	}
	balance.Sort(out)
	return out
}

// ApplyChanges writes deduction changes back onto entitlements. Changes for
// entitlements or rollovers that no longer exist are returned unapplied.
func ApplyChanges(ents []*Entitlement, changes []balance.Change, now time.Time) []balance.Change {
	byID := make(map[string]*Entitlement, len(ents))
	for _, e := range ents {
		byID[e.ID.String()] = e
	}

	var skipped []balance.Change
	for _, c := range changes {
		e, ok := byID[c.AccountID]
		if !ok || !e.applyChange(c) {
			skipped = append(skipped, c)
			continue
		}
		e.Touch(now)
	}
	return skipped
}

func (e *Entitlement) applyChange(c balance.Change) bool {
	if c.RolloverID != "" {
		for i := range e.Rollovers {
			r := &e.Rollovers[i]
			if r.ID.String() != c.RolloverID {
				continue
			}
			if c.EntityID != "" {
				if r.Entities == nil {
					r.Entities = make(map[string]decimal.Decimal)
				}
				r.Entities[c.EntityID] = r.Entities[c.EntityID].Add(c.Delta)
				r.Balance = sumOf(r.Entities)
				return true
			}
			r.Balance = r.Balance.Add(c.Delta)
			return true
		}
		return false
	}
	if c.EntityID != "" && e.EntityScoped {
		if e.Entities == nil {
			e.Entities = make(map[string]decimal.Decimal)
		}
		e.Entities[c.EntityID] = e.Entities[c.EntityID].Add(c.Delta)
		e.Balance = sumOf(e.Entities)
		return true
	}
	e.Balance = e.Balance.Add(c.Delta)
	return true
}
