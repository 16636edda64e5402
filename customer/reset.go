package customer

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/product"
	"github.com/xraph/entitle/types"
)

// Grant builds the entitlements a product grants to the customer product cp.
// Balances start at the full allowance and the reset clock is anchored at
// cp.StartsAt. A free trial ending earlier than the first reset moves that
// reset to the trial end.
func Grant(cp *Product, p *product.Product, now time.Time) []*Entitlement {
	quantities := cp.Quantities()
	out := make([]*Entitlement, 0, len(p.Entitlements))
	for i := range p.Entitlements {
		tmpl := &p.Entitlements[i]
		e := &Entitlement{
			Entity:             types.NewEntity(now),
			ID:                 id.NewEntitlementID(),
			CustomerProductID:  cp.ID,
			CustomerInternalID: cp.CustomerInternalID,
			FeatureID:          tmpl.FeatureID,
			UsageAllowed:       tmpl.UsageAllowed,
			CreditCosts:        cloneDecimals(tmpl.CreditCosts),
			ResetInterval:      tmpl.ResetInterval,
			EntityScoped:       tmpl.EntityFeatureID != "",
			RolloverConfig:     tmpl.Rollover,
			CarryFromPrevious:  tmpl.CarryFromPrevious,
		}
		if allowance, limited := p.Allowance(tmpl, quantities); limited {
			e.Allowance = &allowance
			if !e.EntityScoped {
				e.Balance = allowance
			}
		}
		if e.EntityScoped {
			e.Entities = make(map[string]decimal.Decimal)
		}
		if tmpl.UsageAllowed && tmpl.MaxOverage != nil {
			mb := tmpl.MaxOverage.Neg()
			e.MinBalance = &mb
		}
		if tmpl.ResetInterval.IsRecurring() {
			next := tmpl.ResetInterval.Next(cp.StartsAt, 1)
			if t := cp.PendingTrialEnd(); t != nil && t.Before(next) {
				next = *t
			}
			e.NextResetAt = &next
		}
		out = append(out, e)
	}
	return out
}

// AddEntity provisions a sub-balance for a new entity at the full allowance.
// It is a no-op for entities that already exist.
func (e *Entitlement) AddEntity(entityID string) {
	if !e.EntityScoped || e.Allowance == nil {
		return
	}
	if _, ok := e.Entities[entityID]; ok {
		return
	}
	if e.Entities == nil {
		e.Entities = make(map[string]decimal.Decimal)
	}
	e.Entities[entityID] = *e.Allowance
	e.Balance = e.Balance.Add(*e.Allowance)
}

// Reset starts a new cycle once NextResetAt has passed. Unused balance is
// carried into a rollover first when the entitlement has a rollover config,
// expired rollovers are pruned and the balance is refilled to the allowance.
// It reports whether the entitlement changed.
func (e *Entitlement) Reset(now time.Time) bool {
	if e.NextResetAt == nil || now.Before(*e.NextResetAt) {
		return false
	}

	e.pruneRollovers(now)
	if e.Allowance != nil {
		if e.RolloverConfig != nil {
			e.carry(now)
		}
		e.refill()
	}

	if e.ResetInterval.IsRecurring() {
		next := *e.NextResetAt
		for !next.After(now) {
			next = e.ResetInterval.Next(next, 1)
		}
		e.NextResetAt = &next
	} else {
		e.NextResetAt = nil
	}
	e.Touch(now)
	return true
}

func (e *Entitlement) pruneRollovers(now time.Time) {
	kept := e.Rollovers[:0]
	for _, r := range e.Rollovers {
		if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
			continue
		}
		kept = append(kept, r)
	}
	e.Rollovers = kept
}

// carry moves the unused balance into a new rollover. The rollover is only
// recorded when something positive is carried.
func (e *Entitlement) carry(now time.Time) {
	cfg := e.RolloverConfig
	capped := func(v decimal.Decimal) decimal.Decimal {
		if !v.IsPositive() {
			return decimal.Zero
		}
		if cfg.Max != nil && v.GreaterThan(*cfg.Max) {
			return *cfg.Max
		}
		return v
	}

	r := Rollover{ID: id.NewRolloverID(), Balance: capped(e.Balance)}
	if e.EntityScoped && len(e.Entities) > 0 {
		// Entity rollovers are capped per entity and the top level is their
		// sum.
		r.Entities = make(map[string]decimal.Decimal, len(e.Entities))
		for k, v := range e.Entities {
			r.Entities[k] = capped(v)
		}
		r.Balance = sumOf(r.Entities)
	}
	if !r.Balance.IsPositive() {
		return
	}
	if cfg.Duration.IsRecurring() && cfg.Length > 0 {
		expires := cfg.Duration.Next(now, cfg.Length)
		r.ExpiresAt = &expires
	}
	e.Rollovers = append(e.Rollovers, r)
}

func (e *Entitlement) refill() {
	if !e.EntityScoped {
		e.Balance = *e.Allowance
		return
	}
	for k := range e.Entities {
		e.Entities[k] = *e.Allowance
	}
	e.Balance = sumOf(e.Entities)
}

func sumOf(m map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range m {
		total = total.Add(v)
	}
	return total
}
