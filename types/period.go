package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Interval is a recurring billing or reset cadence.
type Interval string

const (
	IntervalNone  Interval = ""      // one-off or lifetime
	IntervalDay   Interval = "day"   // daily
	IntervalWeek  Interval = "week"  // weekly
	IntervalMonth Interval = "month" // monthly
	IntervalYear  Interval = "year"  // yearly
)

// IsRecurring reports whether the interval repeats.
func (i Interval) IsRecurring() bool { return i != IntervalNone }

// Next returns t advanced by n intervals. Month arithmetic follows time.AddDate.
func (i Interval) Next(t time.Time, n int) time.Time {
	switch i {
	case IntervalDay:
		return t.AddDate(0, 0, n)
	case IntervalWeek:
		return t.AddDate(0, 0, 7*n)
	case IntervalMonth:
		return t.AddDate(0, n, 0)
	case IntervalYear:
		return t.AddDate(n, 0, 0)
	default:
		return t
	}
}

// ToMonthly converts one interval's amount to a monthly equivalent.
// Days count as 1/30 of a month.
func (i Interval) ToMonthly(amount decimal.Decimal) decimal.Decimal {
	switch i {
	case IntervalDay:
		return amount.Mul(decimal.NewFromInt(30))
	case IntervalWeek:
		return amount.Mul(decimal.NewFromInt(30)).Div(decimal.NewFromInt(7))
	case IntervalYear:
		return amount.Div(decimal.NewFromInt(12))
	default:
		return amount
	}
}

// Period is a half-open billing window [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewPeriod returns the period of one interval starting at start.
func NewPeriod(start time.Time, interval Interval) Period {
	if !interval.IsRecurring() {
		return Period{Start: start}
	}
	return Period{Start: start, End: interval.Next(start, 1)}
}

// IsZero reports whether the period is unset.
func (p Period) IsZero() bool { return p.Start.IsZero() && p.End.IsZero() }

// IsOpen reports whether the period has no end.
func (p Period) IsOpen() bool { return p.End.IsZero() }

// Length returns the duration of the period; zero for open periods.
func (p Period) Length() time.Duration {
	if p.IsOpen() {
		return 0
	}
	return p.End.Sub(p.Start)
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	if t.Before(p.Start) {
		return false
	}
	return p.IsOpen() || t.Before(p.End)
}
