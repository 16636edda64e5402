package balance

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/internal/jsonx"
)

// Validate checks the request before any balance is read.
func (r Request) Validate() error {
	switch r.Policy {
	case PolicyCap, PolicyReject, PolicyAllow:
	default:
		return entitle.ValidationError{Field: "policy", Message: fmt.Sprintf("unknown policy %q", r.Policy)}
	}
	if len(r.Items) == 0 {
		return entitle.ValidationError{Field: "items", Message: "required"}
	}
	for _, it := range r.Items {
		if it.FeatureID == "" {
			return entitle.ValidationError{Field: "items.feature_id", Message: "required"}
		}
		if it.Amount.IsNegative() {
			return fmt.Errorf("feature %s: %w", it.FeatureID, entitle.ErrInvalidAmount)
		}
	}
	return nil
}

// candidate is an account that can pay for a feature at cost units per unit.
type candidate struct {
	idx  int
	cost decimal.Decimal
}

// pool is a single consumable balance: a rollover or main balance,
// optionally narrowed to one entity.
type pool struct {
	acc      int
	rollover int // -1 for the main balance
	entity   string
}

// Apply runs req against accounts, which must already be Sort-ed, and
// returns the updated accounts. The input slice is never modified. A
// rejected request returns the input accounts and an unsuccessful Outcome
// with a nil error.
func Apply(accounts []Account, req Request, now time.Time) ([]Account, *Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	work := CloneAll(accounts)
	out := &Outcome{
		Success:  true,
		Dropped:  make(jsonx.Map[decimal.Decimal]),
		Balances: make(jsonx.Map[decimal.Decimal]),
	}
	touched := make(map[string]bool)

	for _, item := range req.Items {
		cands := candidates(work, item.FeatureID)
		if len(cands) == 0 {
			return nil, nil, fmt.Errorf("feature %s: %w", item.FeatureID, entitle.ErrEntitlementNotFound)
		}
		for _, c := range cands {
			touched[work[c.idx].FeatureID] = true
		}
		if item.Amount.IsZero() || anyUnlimited(work, cands) {
			continue
		}

		remaining := item.Amount
		// Rollovers first, then main balances.
		for _, c := range cands {
			for ri := range work[c.idx].Rollovers {
				if work[c.idx].Rollovers[ri].Expired(now) {
					continue
				}
				for _, p := range rolloverPools(work, c.idx, ri, req.EntityID) {
					remaining = consume(work, p, c.cost, remaining, decimal.Zero, false, out)
				}
			}
		}
		for _, c := range cands {
			for _, p := range mainPools(work, c.idx, req.EntityID) {
				remaining = consume(work, p, c.cost, remaining, decimal.Zero, false, out)
			}
		}
		if remaining.IsPositive() && req.Policy == PolicyAllow {
			for _, c := range cands {
				acc := work[c.idx]
				if !acc.UsageAllowed {
					continue
				}
				floor, bounded := decimal.Zero, acc.MinBalance != nil
				if bounded {
					floor = *acc.MinBalance
				}
				for _, p := range mainPools(work, c.idx, req.EntityID) {
					remaining = consume(work, p, c.cost, remaining, floor, !bounded, out)
				}
			}
		}

		if remaining.IsPositive() {
			if req.Policy == PolicyReject {
				return accounts, &Outcome{
					Success:         false,
					RejectedFeature: item.FeatureID,
					Balances:        Totals(accounts, now),
				}, nil
			}
			out.Dropped[item.FeatureID] = out.Dropped[item.FeatureID].Add(remaining)
		}
	}

	totals := Totals(work, now)
	for f := range touched {
		out.Balances[f] = totals[f]
	}
	return work, out, nil
}

// candidates returns the accounts able to pay for featureID, in rank order.
func candidates(accounts []Account, featureID string) []candidate {
	var out []candidate
	for i, a := range accounts {
		if a.FeatureID == featureID {
			out = append(out, candidate{idx: i, cost: decimal.NewFromInt(1)})
			continue
		}
		if cost, ok := a.CreditCosts[featureID]; ok && cost.IsPositive() {
			out = append(out, candidate{idx: i, cost: cost})
		}
	}
	return out
}

func anyUnlimited(accounts []Account, cands []candidate) bool {
	for _, c := range cands {
		if accounts[c.idx].Unlimited {
			return true
		}
	}
	return false
}

func mainPools(accounts []Account, idx int, entityID string) []pool {
	return pools(idx, -1, accounts[idx].EntityScoped, accounts[idx].Entities, entityID)
}

func rolloverPools(accounts []Account, idx, ri int, entityID string) []pool {
	r := accounts[idx].Rollovers[ri]
	scoped := accounts[idx].EntityScoped && len(r.Entities) > 0
	return pools(idx, ri, scoped, r.Entities, entityID)
}

func pools(idx, ri int, scoped bool, entities jsonx.Map[decimal.Decimal], entityID string) []pool {
	if !scoped {
		return []pool{{acc: idx, rollover: ri}}
	}
	if entityID != "" {
		return []pool{{acc: idx, rollover: ri, entity: entityID}}
	}
	if len(entities) == 0 {
		return []pool{{acc: idx, rollover: ri}}
	}
	keys := make([]string, 0, len(entities))
	for k := range entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]pool, len(keys))
	for i, k := range keys {
		out[i] = pool{acc: idx, rollover: ri, entity: k}
	}
	return out
}

// consume draws up to remaining feature units from p, paying cost account
// units per feature unit and never going below floor unless unbounded. It
// returns the feature units still owed.
func consume(accounts []Account, p pool, cost, remaining, floor decimal.Decimal, unbounded bool, out *Outcome) decimal.Decimal {
	if !remaining.IsPositive() {
		return remaining
	}
	current := poolValue(accounts, p)
	need := remaining.Mul(cost)

	var debit decimal.Decimal
	switch {
	case unbounded:
		debit = need
	case current.Sub(floor).Cmp(need) >= 0:
		debit = need
	default:
		debit = current.Sub(floor)
	}
	if !debit.IsPositive() {
		return remaining
	}

	adjust(accounts, p, debit.Neg())
	out.Changes = append(out.Changes, Change{
		AccountID:  accounts[p.acc].ID,
		RolloverID: rolloverID(accounts, p),
		EntityID:   p.entity,
		Delta:      debit.Neg(),
	})
	if debit.Equal(need) {
		return decimal.Zero
	}
	return remaining.Sub(debit.Div(cost))
}

func rolloverID(accounts []Account, p pool) string {
	if p.rollover < 0 {
		return ""
	}
	return accounts[p.acc].Rollovers[p.rollover].ID
}

func poolValue(accounts []Account, p pool) decimal.Decimal {
	a := &accounts[p.acc]
	if p.rollover >= 0 {
		r := a.Rollovers[p.rollover]
		if p.entity != "" {
			return r.Entities[p.entity]
		}
		return r.Balance
	}
	if p.entity != "" {
		return a.Entities[p.entity]
	}
	return a.Balance
}

// adjust applies delta to a pool, keeping the top-level balance equal to the
// sum of its entities.
func adjust(accounts []Account, p pool, delta decimal.Decimal) {
	a := &accounts[p.acc]
	if p.rollover >= 0 {
		r := &a.Rollovers[p.rollover]
		if p.entity != "" {
			if r.Entities == nil {
				r.Entities = make(jsonx.Map[decimal.Decimal])
			}
			r.Entities[p.entity] = r.Entities[p.entity].Add(delta)
			r.Balance = sum(r.Entities)
			return
		}
		r.Balance = r.Balance.Add(delta)
		return
	}
	if p.entity != "" {
		if a.Entities == nil {
			a.Entities = make(jsonx.Map[decimal.Decimal])
		}
		a.Entities[p.entity] = a.Entities[p.entity].Add(delta)
		a.Balance = sum(a.Entities)
		return
	}
	a.Balance = a.Balance.Add(delta)
}

// Increment adds delta to an account's main balance, or to one entity's
// sub-balance when the account is entity scoped.
func Increment(accounts []Account, accountID, entityID string, delta decimal.Decimal) error {
	for i := range accounts {
		if accounts[i].ID != accountID {
			continue
		}
		p := pool{acc: i, rollover: -1}
		if accounts[i].EntityScoped && entityID != "" {
			p.entity = entityID
		}
		adjust(accounts, p, delta)
		return nil
	}
	return fmt.Errorf("account %s: %w", accountID, entitle.ErrEntitlementNotFound)
}
