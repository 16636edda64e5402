// Package proration computes partial-period charges and credits.
//
// All functions are pure: the caller supplies the clock reading.
package proration

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle/types"
)

// Behavior controls when a price change is billed.
type Behavior string

const (
	// Immediately bills the prorated difference now.
	Immediately Behavior = "immediately"
	// NextBilling adds the prorated difference to the next invoice.
	NextBilling Behavior = "next_billing"
	// None applies the change without any proration.
	None Behavior = "none"
)

// Fraction returns the unused share of period at now, in [0, 1].
// A zero-length or open period yields exactly zero.
func Fraction(now time.Time, period types.Period) decimal.Decimal {
	if period.IsOpen() || !period.End.After(period.Start) {
		return decimal.Zero
	}
	if !now.After(period.Start) {
		return decimal.NewFromInt(1)
	}
	if !now.Before(period.End) {
		return decimal.Zero
	}
	remaining := decimal.NewFromInt(period.End.Sub(now).Milliseconds())
	total := decimal.NewFromInt(period.End.Sub(period.Start).Milliseconds())
	if total.IsZero() {
		return decimal.Zero
	}
	return remaining.Div(total)
}

// Apply returns amount * (end - now) / (end - start).
func Apply(now time.Time, period types.Period, amount decimal.Decimal) decimal.Decimal {
	f := Fraction(now, period)
	if f.IsZero() {
		return decimal.Zero
	}
	return amount.Mul(f)
}

// ApplyMoney is Apply for monetary amounts.
func ApplyMoney(now time.Time, period types.Period, amount types.Money) types.Money {
	return types.Money{Amount: Apply(now, period, amount.Amount), Currency: amount.Currency}
}
