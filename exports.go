package entitle

import "github.com/xraph/entitle/types"

// Re-export common types for convenience so users don't have to import types package.

// Money is re-exported from types package.
type Money = types.Money

// Period is re-exported from types package.
type Period = types.Period

// Interval is re-exported from types package.
type Interval = types.Interval

// Re-export Money constructors
var (
	USD       = types.USD
	EUR       = types.EUR
	GBP       = types.GBP
	JPY       = types.JPY
	Zero      = types.Zero
	Sum       = types.Sum
	FromMinor = types.FromMinor
)
