package proration

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle/types"
)

func TestApplyBoundaries(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	period := types.Period{Start: start, End: start.Add(30 * 24 * time.Hour)}
	amount := decimal.NewFromInt(2000)

	tests := []struct {
		name string
		now  time.Time
		want decimal.Decimal
	}{
		{"at start", start, amount},
		{"before start", start.Add(-time.Hour), amount},
		{"at end", period.End, decimal.Zero},
		{"after end", period.End.Add(time.Hour), decimal.Zero},
		{"midpoint", start.Add(15 * 24 * time.Hour), decimal.NewFromInt(1000)},
		{"quarter left", start.Add(22*24*time.Hour + 12*time.Hour), decimal.NewFromInt(500)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Apply(tt.now, period, amount)
			if !got.Equal(tt.want) {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestApplyZeroLengthPeriod(t *testing.T) {
	at := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	period := types.Period{Start: at, End: at}

	for _, amount := range []int64{0, 1, -250, 1 << 40} {
		got := Apply(at, period, decimal.NewFromInt(amount))
		if !got.IsZero() {
			t.Errorf("amount %d: expected exactly 0, got %s", amount, got)
		}
	}
}

func TestApplyOpenPeriod(t *testing.T) {
	at := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	got := Apply(at, types.Period{Start: at}, decimal.NewFromInt(100))
	if !got.IsZero() {
		t.Errorf("expected 0 for open period, got %s", got)
	}
}

func TestApplyMoney(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	period := types.Period{Start: start, End: start.Add(10 * 24 * time.Hour)}

	got := ApplyMoney(start.Add(5*24*time.Hour), period, types.USD(5000))
	if !got.Equal(types.USD(2500)) {
		t.Errorf("got %s, want $25.00", got)
	}
	if got.Currency != "usd" {
		t.Errorf("currency lost: %q", got.Currency)
	}
}
