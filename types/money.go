// Package types provides value types shared across the ledger and the plan computer.
package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an exact monetary amount in major units of an ISO 4217 currency.
// It is backed by decimal arithmetic so proration never loses precision;
// MinorUnits rounds only at the processor boundary.
//
// Examples:
//   - USD(4900) = $49.00
//   - EUR(19900) = €199.00
//   - JPY(100) = ¥100
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"` // ISO 4217 lowercase
}

// FromMinor creates a Money value from an amount in the smallest currency unit.
func FromMinor(units int64, currency string) Money {
	currency = strings.ToLower(currency)
	return Money{Amount: decimal.New(units, -int32(currencyDecimals(currency))), Currency: currency}
}

// FromDecimal creates a Money value from an amount in major units.
func FromDecimal(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToLower(currency)}
}

// USD creates a Money value in US Dollars (cents).
func USD(cents int64) Money { return FromMinor(cents, "usd") }

// EUR creates a Money value in Euros (cents).
func EUR(cents int64) Money { return FromMinor(cents, "eur") }

// GBP creates a Money value in British Pounds (pence).
func GBP(pence int64) Money { return FromMinor(pence, "gbp") }

// JPY creates a Money value in Japanese Yen (no decimal).
func JPY(yen int64) Money { return FromMinor(yen, "jpy") }

// Zero returns a zero Money value in the specified currency.
func Zero(currency string) Money { return Money{Amount: decimal.Zero, Currency: strings.ToLower(currency)} }

// Add adds two Money values. Panics if currencies don't match.
func (m Money) Add(other Money) Money {
	m = m.adopt(other)
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}
}

// Sub subtracts another Money value. Panics if currencies don't match.
func (m Money) Sub(other Money) Money {
	m = m.adopt(other)
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}
}

// Mul scales the amount by a decimal factor.
func (m Money) Mul(factor decimal.Decimal) Money {
	return Money{Amount: m.Amount.Mul(factor), Currency: m.Currency}
}

// MulInt multiplies the amount by a quantity.
func (m Money) MulInt(qty int64) Money {
	return m.Mul(decimal.NewFromInt(qty))
}

// Neg returns the negative of the Money value.
func (m Money) Neg() Money {
	return Money{Amount: m.Amount.Neg(), Currency: m.Currency}
}

// Abs returns the absolute value.
func (m Money) Abs() Money {
	return Money{Amount: m.Amount.Abs(), Currency: m.Currency}
}

// IsZero returns true if the amount is zero.
func (m Money) IsZero() bool { return m.Amount.IsZero() }

// IsPositive returns true if the amount is greater than zero.
func (m Money) IsPositive() bool { return m.Amount.IsPositive() }

// IsNegative returns true if the amount is less than zero.
func (m Money) IsNegative() bool { return m.Amount.IsNegative() }

// Equal returns true if both values have the same amount and currency.
// A zero amount with no currency equals any zero amount.
func (m Money) Equal(other Money) bool {
	if m.IsZero() && other.IsZero() {
		return true
	}
	return m.Amount.Equal(other.Amount) && m.Currency == other.Currency
}

// Cmp compares two amounts. Panics if currencies don't match.
func (m Money) Cmp(other Money) int {
	m = m.adopt(other)
	m.assertSameCurrency(other)
	return m.Amount.Cmp(other.Amount)
}

// MinorUnits returns the amount in the smallest currency unit, rounded half
// away from zero.
func (m Money) MinorUnits() int64 {
	places := int32(currencyDecimals(m.Currency))
	return m.Amount.Shift(places).Round(0).IntPart()
}

// Round returns the amount rounded to the currency's minor unit.
func (m Money) Round() Money {
	return Money{Amount: m.Amount.Round(int32(currencyDecimals(m.Currency))), Currency: m.Currency}
}

// FormatMajor returns the major unit string without currency symbol.
// For currencies with 2 decimal places: "49.00" for USD(4900).
// For currencies with 0 decimal places (JPY): "100" for JPY(100).
func (m Money) FormatMajor() string {
	return m.Amount.StringFixed(int32(currencyDecimals(m.Currency)))
}

// String returns a human-readable string with currency symbol.
// Examples: "$49.00", "€199.00", "£99.00", "¥100"
func (m Money) String() string {
	if m.IsNegative() {
		return "-" + currencySymbol(m.Currency) + m.Abs().FormatMajor()
	}
	return currencySymbol(m.Currency) + m.FormatMajor()
}

// MarshalJSON implements json.Marshaler.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
		Display  string          `json:"display,omitempty"`
	}{
		Amount:   m.Amount,
		Currency: m.Currency,
		Display:  m.String(),
	})
}

// UnmarshalJSON implements json.Unmarshaler and ignores the display field.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("money: %w", err)
	}
	m.Amount = raw.Amount
	m.Currency = strings.ToLower(raw.Currency)
	return nil
}

// adopt lets a zero value without a currency take the other side's currency.
func (m Money) adopt(other Money) Money {
	if m.Currency == "" && m.IsZero() {
		m.Currency = other.Currency
	}
	return m
}

// assertSameCurrency panics if currencies don't match.
func (m Money) assertSameCurrency(other Money) {
	if other.Currency == "" && other.IsZero() {
		return
	}
	if m.Currency != other.Currency {
		panic(fmt.Sprintf("money: currency mismatch: %s != %s", m.Currency, other.Currency))
	}
}

// currencySymbol returns the symbol for a currency code.
func currencySymbol(currency string) string {
	symbols := map[string]string{
		"usd": "$",
		"eur": "€",
		"gbp": "£",
		"jpy": "¥",
		"cad": "C$",
		"aud": "A$",
	}
	if sym, ok := symbols[strings.ToLower(currency)]; ok {
		return sym
	}
	return strings.ToUpper(currency) + " "
}

// currencyDecimals returns the number of decimal places for a currency.
func currencyDecimals(currency string) int {
	zeroDecimal := map[string]bool{
		"jpy": true,
		"krw": true,
		"vnd": true,
		"clp": true,
	}
	if zeroDecimal[strings.ToLower(currency)] {
		return 0
	}
	return 2
}

// Sum adds Money values that share a currency. An empty input sums to a
// zero value without currency.
func Sum(values ...Money) Money {
	var result Money
	for _, v := range values {
		result = result.Add(v)
	}
	return result
}
