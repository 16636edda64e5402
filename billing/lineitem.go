package billing

import (
	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
)

// Direction tells whether a line item charges or refunds the customer.
type Direction string

const (
	DirectionCharge Direction = "charge"
	DirectionRefund Direction = "refund"
)

// LineItem is one monetary line produced by a plan. Amount is the positive
// magnitude; Direction carries the sign.
type LineItem struct {
	ID                   id.ID        `json:"id"`
	PlanID               id.ID        `json:"plan_id"`
	Amount               types.Money  `json:"amount"`
	AmountAfterDiscounts types.Money  `json:"amount_after_discounts"`
	Direction            Direction    `json:"direction"`
	Prorated             bool         `json:"prorated"`
	Period               types.Period `json:"period"`
	PriceID              string       `json:"price_id"`
	FeatureID            string       `json:"feature_id,omitempty"`
	CustomerProductID    id.ID        `json:"customer_product_id,omitempty"`
	Description          string       `json:"description,omitempty"`
}

// Signed returns the amount after discounts, negative for refunds.
func (l LineItem) Signed() types.Money {
	if l.Direction == DirectionRefund {
		return l.AmountAfterDiscounts.Neg()
	}
	return l.AmountAfterDiscounts
}

func (l LineItem) signedGross() types.Money {
	if l.Direction == DirectionRefund {
		return l.Amount.Neg()
	}
	return l.Amount
}

func total(items []LineItem) types.Money {
	var sum types.Money
	for _, l := range items {
		sum = sum.Add(l.Signed())
	}
	return sum
}

// elide removes refund and charge pairs on the same price whose signed
// amounts cancel out.
func elide(items []LineItem) []LineItem {
	drop := make([]bool, len(items))
	for i := range items {
		if drop[i] || items[i].Direction != DirectionRefund {
			continue
		}
		for j := range items {
			if i == j || drop[j] || items[j].Direction != DirectionCharge || items[j].PriceID != items[i].PriceID {
				continue
			}
			if items[i].signedGross().Add(items[j].signedGross()).IsZero() {
				drop[i], drop[j] = true, true
				break
			}
		}
	}
	out := make([]LineItem, 0, len(items))
	for i, l := range items {
		if !drop[i] {
			out = append(out, l)
		}
	}
	return out
}

// Discount reduces the charges of a plan. PercentOff applies first, then
// AmountOff is spread over the charges in order.
type Discount struct {
	PercentOff decimal.Decimal `json:"percent_off"`
	AmountOff  *types.Money    `json:"amount_off,omitempty"`
	CouponID   string          `json:"coupon_id,omitempty"`
}

// Validate checks the discount against the plan currency.
func (d *Discount) Validate(currency string) error {
	if d.PercentOff.IsNegative() || d.PercentOff.GreaterThan(decimal.NewFromInt(100)) {
		return entitle.ValidationError{Field: "discount.percent_off", Message: "must be between 0 and 100"}
	}
	if d.AmountOff != nil {
		if d.AmountOff.IsNegative() {
			return entitle.ValidationError{Field: "discount.amount_off", Message: "must not be negative"}
		}
		if currency != "" && d.AmountOff.Currency != currency {
			return entitle.ValidationError{Field: "discount.amount_off", Message: "currency mismatch"}
		}
	}
	return nil
}

func (d *Discount) apply(items []LineItem) []LineItem {
	hundred := decimal.NewFromInt(100)
	factor := hundred.Sub(d.PercentOff).Div(hundred)

	var left types.Money
	if d.AmountOff != nil {
		left = *d.AmountOff
	}
	for i := range items {
		l := &items[i]
		if l.Direction != DirectionCharge {
			continue
		}
		after := l.Amount.Mul(factor)
		if left.IsPositive() {
			off := left
			if off.Cmp(after) > 0 {
				off = after
			}
			after = after.Sub(off)
			left = left.Sub(off)
		}
		l.AmountAfterDiscounts = after
	}
	return items
}
