package cache

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle/balance"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/internal/jsonx"
)

// Snapshot is the cached form of a customer's ledger view.
type Snapshot struct {
	CustomerID string                      `json:"customer_id"`
	InternalID string                      `json:"internal_id"`
	Products   jsonx.List[ProductState]    `json:"products"`
	Accounts   jsonx.List[balance.Account] `json:"accounts"`
	FetchedAt  jsonx.Millis                `json:"fetched_at"`
}

type ProductState struct {
	ID          string           `json:"id"`
	ProductID   string           `json:"product_id"`
	Group       string           `json:"group"`
	IsAddOn     bool             `json:"is_add_on"`
	EntityID    string           `json:"entity_id"`
	Status      string           `json:"status"`
	Quantity    int64            `json:"quantity"`
	Options     jsonx.Map[int64] `json:"options"`
	CanceledAt  jsonx.Millis     `json:"canceled_at"`
	PeriodStart jsonx.Millis     `json:"period_start"`
	PeriodEnd   jsonx.Millis     `json:"period_end"`
}

// FromView builds a snapshot of the live part of a ledger view.
func FromView(v *customer.View, fetchedAt time.Time) *Snapshot {
	s := &Snapshot{
		CustomerID: v.Customer.ID,
		InternalID: v.Customer.InternalID.String(),
		Accounts:   jsonx.List[balance.Account](v.Accounts()),
		FetchedAt:  jsonx.FromTime(fetchedAt),
	}
	for _, p := range v.Products {
		if !p.Status.IsLive() && p.Status != customer.StatusScheduled {
			continue
		}
		ps := ProductState{
			ID:          p.ID.String(),
			ProductID:   p.ProductID,
			Group:       p.Group,
			IsAddOn:     p.IsAddOn,
			EntityID:    p.EntityID,
			Status:      string(p.Status),
			Quantity:    p.Quantity,
			Options:     jsonx.Map[int64](p.Quantities()),
			PeriodStart: jsonx.FromTime(p.Period.Start),
			PeriodEnd:   jsonx.FromTime(p.Period.End),
		}
		if p.CanceledAt != nil {
			ps.CanceledAt = jsonx.FromTime(*p.CanceledAt)
		}
		s.Products = append(s.Products, ps)
	}
	return s
}

// Balances sums the available balance per feature.
func (s *Snapshot) Balances(now time.Time) jsonx.Map[decimal.Decimal] {
	return balance.Totals(s.Accounts, now)
}

// IncrementOption adds delta to a product's prepaid quantity for a feature.
func (s *Snapshot) IncrementOption(customerProductID, featureID string, delta int64) bool {
	for i := range s.Products {
		p := &s.Products[i]
		if p.ID != customerProductID {
			continue
		}
		if p.Options == nil {
			p.Options = make(jsonx.Map[int64])
		}
		p.Options[featureID] += delta
		return true
	}
	return false
}
