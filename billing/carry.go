package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/id"
)

// carryOver moves state from the entitlements of a replaced product onto the
// entitlements of its replacement in the same group. Unexpired rollovers and
// entities always move. Usage moves when the new entitlement carries from
// previous or carryUsage is set.
func carryOver(from, to []*customer.Entitlement, carryUsage bool, now time.Time) {
	byFeature := make(map[string]*customer.Entitlement, len(from))
	for _, e := range from {
		byFeature[e.FeatureID] = e
	}

	for _, ne := range to {
		oe, ok := byFeature[ne.FeatureID]
		if !ok {
			continue
		}

		for _, r := range oe.Rollovers {
			if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
				continue
			}
			moved := customer.Rollover{ID: id.NewRolloverID(), Balance: r.Balance}
			if r.ExpiresAt != nil {
				t := *r.ExpiresAt
				moved.ExpiresAt = &t
			}
			if r.Entities != nil {
				moved.Entities = make(map[string]decimal.Decimal, len(r.Entities))
				for k, v := range r.Entities {
					moved.Entities[k] = v
				}
			}
			ne.Rollovers = append(ne.Rollovers, moved)
		}

		if ne.EntityScoped {
			for entityID := range oe.Entities {
				ne.AddEntity(entityID)
			}
		}

		if !(ne.CarryFromPrevious || carryUsage) || ne.Allowance == nil || oe.Allowance == nil {
			continue
		}
		if ne.EntityScoped && oe.EntityScoped {
			for entityID := range oe.Entities {
				ne.Entities[entityID] = ne.Allowance.Sub(oe.EntityUsed(entityID))
			}
			ne.Balance = sumEntities(ne.Entities)
			continue
		}
		ne.Balance = ne.Balance.Sub(oe.Used())
	}
}
