package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestMoneyConstructors(t *testing.T) {
	tests := []struct {
		name     string
		money    Money
		minor    int64
		currency string
		display  string
	}{
		{"USD", USD(4900), 4900, "usd", "$49.00"},
		{"EUR", EUR(19900), 19900, "eur", "€199.00"},
		{"GBP", GBP(9900), 9900, "gbp", "£99.00"},
		{"JPY", JPY(100), 100, "jpy", "¥100"},
		{"Negative", USD(-150), -150, "usd", "-$1.50"},
		{"Zero USD", Zero("USD"), 0, "usd", "$0.00"},
		{"Other", FromMinor(1234, "SEK"), 1234, "sek", "SEK 12.34"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.money.MinorUnits(); got != tt.minor {
				t.Errorf("MinorUnits: got %d, want %d", got, tt.minor)
			}
			if tt.money.Currency != tt.currency {
				t.Errorf("Currency: got %s, want %s", tt.money.Currency, tt.currency)
			}
			if tt.money.String() != tt.display {
				t.Errorf("Display: got %s, want %s", tt.money.String(), tt.display)
			}
		})
	}
}

func TestMoneyArithmetic(t *testing.T) {
	tests := []struct {
		name     string
		op       func() Money
		expected Money
	}{
		{"Add", func() Money { return USD(100).Add(USD(200)) }, USD(300)},
		{"Sub", func() Money { return USD(500).Sub(USD(200)) }, USD(300)},
		{"MulInt", func() Money { return USD(100).MulInt(3) }, USD(300)},
		{"Mul half", func() Money { return USD(600).Mul(decimal.NewFromFloat(0.5)) }, USD(300)},
		{"Neg", func() Money { return USD(100).Neg() }, USD(-100)},
		{"Abs", func() Money { return USD(-100).Abs() }, USD(100)},
		{"Sum", func() Money { return Sum(USD(100), USD(150), USD(50)) }, USD(300)},
		{"Zero adopts currency", func() Money { return Money{}.Add(EUR(300)) }, EUR(300)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.op()
			if !got.Equal(tt.expected) {
				t.Errorf("got %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestMoneyCurrencyMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on currency mismatch")
		}
	}()
	_ = USD(100).Add(EUR(100))
}

func TestMoneyMinorUnitsRounding(t *testing.T) {
	third := USD(2000).Mul(decimal.NewFromInt(1).Div(decimal.NewFromInt(3)))
	if got := third.MinorUnits(); got != 667 {
		t.Errorf("expected 667 cents, got %d", got)
	}
	if got := third.Neg().MinorUnits(); got != -667 {
		t.Errorf("expected -667 cents, got %d", got)
	}
}

func TestMoneyJSON(t *testing.T) {
	data, err := json.Marshal(USD(4900))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out Money
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Equal(USD(4900)) {
		t.Errorf("round-trip mismatch: %s", out)
	}
}

func TestIntervalNext(t *testing.T) {
	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		interval Interval
		want     time.Time
	}{
		{IntervalDay, time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)},
		{IntervalWeek, time.Date(2026, 1, 22, 0, 0, 0, 0, time.UTC)},
		{IntervalMonth, time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)},
		{IntervalYear, time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC)},
		{IntervalNone, start},
	}
	for _, tt := range tests {
		t.Run(string(tt.interval), func(t *testing.T) {
			if got := tt.interval.Next(start, 1); !got.Equal(tt.want) {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPeriodContains(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p := NewPeriod(start, IntervalMonth)

	if !p.Contains(start) {
		t.Error("period should contain its start")
	}
	if p.Contains(p.End) {
		t.Error("period should not contain its end")
	}
	if p.Length() != 31*24*time.Hour {
		t.Errorf("unexpected length %s", p.Length())
	}
	if !NewPeriod(start, IntervalNone).IsOpen() {
		t.Error("one-off period should be open")
	}
}
