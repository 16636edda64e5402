// Package balance implements the deduction rules for a customer's feature
// balances. It is pure: callers pass the accounts and the clock reading and
// receive a new set of accounts plus the changes that produced it.
//
// The same rules run inside the Redis deduct script, so the JSON shape of
// Account is shared with Lua.
package balance

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle/internal/jsonx"
)

// Policy controls what happens when a balance cannot cover an amount.
type Policy string

const (
	// PolicyCap floors balances at zero and drops the excess.
	PolicyCap Policy = "cap"
	// PolicyReject fails the whole request when any item is short.
	PolicyReject Policy = "reject"
	// PolicyAllow lets usage-allowed accounts go negative down to their
	// minimum balance.
	PolicyAllow Policy = "allow"
)

// Account is the deductible view of one customer entitlement.
type Account struct {
	ID           string                     `json:"id"`
	FeatureID    string                     `json:"feature_id"`
	Balance      decimal.Decimal            `json:"balance"`
	Unlimited    bool                       `json:"unlimited"`
	UsageAllowed bool                       `json:"usage_allowed"`
	MinBalance   *decimal.Decimal           `json:"min_balance,omitempty"`
	CreditCosts  jsonx.Map[decimal.Decimal] `json:"credit_costs"`
	EntityScoped bool                       `json:"entity_scoped"`
	Entities     jsonx.Map[decimal.Decimal] `json:"entities"`
	Rollovers    jsonx.List[Rollover]       `json:"rollovers"`
	NextResetAt  jsonx.Millis               `json:"next_reset_at"`
}

// Rollover is balance carried over from a previous cycle. A zero ExpiresAt
// never expires.
type Rollover struct {
	ID        string                     `json:"id"`
	Balance   decimal.Decimal            `json:"balance"`
	ExpiresAt jsonx.Millis               `json:"expires_at"`
	Entities  jsonx.Map[decimal.Decimal] `json:"entities"`
}

// Expired reports whether the rollover can no longer be consumed at now.
func (r Rollover) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt.Time())
}

// Item is one feature amount in a deduction.
type Item struct {
	FeatureID string          `json:"feature_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// Request is an atomic multi-feature deduction.
type Request struct {
	EntityID string `json:"entity_id,omitempty"`
	Policy   Policy `json:"policy"`
	Items    []Item `json:"items"`
}

// Change is one signed adjustment produced by a deduction. RolloverID and
// EntityID are empty when the change targets the main balance.
type Change struct {
	AccountID  string          `json:"account_id"`
	RolloverID string          `json:"rollover_id,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
	Delta      decimal.Decimal `json:"delta"`
}

// Outcome reports the result of a deduction. A rejected request has
// Success false and no changes.
type Outcome struct {
	Success         bool                       `json:"success"`
	RejectedFeature string                     `json:"rejected_feature,omitempty"`
	Balances        jsonx.Map[decimal.Decimal] `json:"balances"`
	Changes         jsonx.List[Change]         `json:"changes"`
	Dropped         jsonx.Map[decimal.Decimal] `json:"dropped"`
}

// Clone returns a deep copy of the account.
func (a Account) Clone() Account {
	out := a
	if a.MinBalance != nil {
		mb := *a.MinBalance
		out.MinBalance = &mb
	}
	out.CreditCosts = cloneMap(a.CreditCosts)
	out.Entities = cloneMap(a.Entities)
	if a.Rollovers != nil {
		out.Rollovers = make(jsonx.List[Rollover], len(a.Rollovers))
		for i, r := range a.Rollovers {
			r.Entities = cloneMap(r.Entities)
			out.Rollovers[i] = r
		}
	}
	return out
}

// CloneAll deep copies a slice of accounts.
func CloneAll(accounts []Account) []Account {
	out := make([]Account, len(accounts))
	for i := range accounts {
		out[i] = accounts[i].Clone()
	}
	return out
}

func cloneMap(m jsonx.Map[decimal.Decimal]) jsonx.Map[decimal.Decimal] {
	if m == nil {
		return nil
	}
	out := make(jsonx.Map[decimal.Decimal], len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Sort orders accounts for consumption: soonest reset first, never-resetting
// last, then accounts without overage before usage-allowed ones, then by ID.
// Rollovers inside each account are ordered by expiry, never-expiring last.
func Sort(accounts []Account) {
	sort.SliceStable(accounts, func(i, j int) bool {
		a, b := accounts[i], accounts[j]
		if a.NextResetAt != b.NextResetAt {
			if a.NextResetAt.IsZero() || b.NextResetAt.IsZero() {
				return b.NextResetAt.IsZero()
			}
			return a.NextResetAt < b.NextResetAt
		}
		if a.UsageAllowed != b.UsageAllowed {
			return !a.UsageAllowed
		}
		return a.ID < b.ID
	})
	for i := range accounts {
		rolls := accounts[i].Rollovers
		sort.SliceStable(rolls, func(x, y int) bool {
			a, b := rolls[x], rolls[y]
			if a.ExpiresAt != b.ExpiresAt {
				if a.ExpiresAt.IsZero() || b.ExpiresAt.IsZero() {
					return b.ExpiresAt.IsZero()
				}
				return a.ExpiresAt < b.ExpiresAt
			}
			return a.ID < b.ID
		})
	}
}

// Value is what the rollover can still pay. Entity rollovers are worth the
// sum of their entities.
func (r Rollover) Value() decimal.Decimal {
	if len(r.Entities) > 0 {
		return sum(r.Entities)
	}
	return r.Balance
}

// Available returns main plus unexpired rollover balance of an account.
// Entity-scoped balances are read per entity.
func (a Account) Available(now time.Time) decimal.Decimal {
	total := a.Balance
	if a.EntityScoped && len(a.Entities) > 0 {
		total = sum(a.Entities)
	}
	for _, r := range a.Rollovers {
		if !r.Expired(now) {
			total = total.Add(r.Value())
		}
	}
	return total
}

func sum(m jsonx.Map[decimal.Decimal]) decimal.Decimal {
	total := decimal.Zero
	for _, v := range m {
		total = total.Add(v)
	}
	return total
}

// Totals sums Available per feature.
func Totals(accounts []Account, now time.Time) jsonx.Map[decimal.Decimal] {
	out := make(jsonx.Map[decimal.Decimal])
	for _, a := range accounts {
		out[a.FeatureID] = out[a.FeatureID].Add(a.Available(now))
	}
	return out
}
