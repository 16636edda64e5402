// Package event defines the events produced by the engine. Plugins receive
// them through the plugin registry.
package event

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/balance"
	"github.com/xraph/entitle/id"
)

// Source tells which store applied a balance change.
type Source string

const (
	SourceCache  Source = "cache"
	SourceLedger Source = "ledger"
)

// BalanceChanged is emitted after a successful deduction.
type BalanceChanged struct {
	ID         id.ID                      `json:"id"`
	Scope      entitle.Scope              `json:"scope"`
	CustomerID string                     `json:"customer_id"`
	EntityID   string                     `json:"entity_id,omitempty"`
	Source     Source                     `json:"source"`
	Changes    []balance.Change           `json:"changes"`
	Balances   map[string]decimal.Decimal `json:"balances"`
	Dropped    map[string]decimal.Decimal `json:"dropped,omitempty"`
	At         time.Time                  `json:"at"`
}

// PlanExecuted is emitted once a billing plan has been executed.
type PlanExecuted struct {
	ID             id.ID         `json:"id"`
	Scope          entitle.Scope `json:"scope"`
	CustomerID     string        `json:"customer_id"`
	PlanID         string        `json:"plan_id"`
	Scenario       string        `json:"scenario"`
	LineItems      int           `json:"line_items"`
	Actions        int           `json:"actions"`
	Pending        bool          `json:"pending"`
	IdempotencyKey string        `json:"idempotency_key"`
	Elapsed        time.Duration `json:"elapsed"`
	At             time.Time     `json:"at"`
}

// CacheConsistencyCheckFailed is emitted when a delayed verification finds
// the cache disagreeing with the ledger.
type CacheConsistencyCheckFailed struct {
	ID         id.ID         `json:"id"`
	Scope      entitle.Scope `json:"scope"`
	CustomerID string        `json:"customer_id"`
	Mismatches []Mismatch    `json:"mismatches"`
	At         time.Time     `json:"at"`
}

// Mismatch describes one disagreeing feature balance.
type Mismatch struct {
	FeatureID string          `json:"feature_id"`
	Cache     decimal.Decimal `json:"cache"`
	Ledger    decimal.Decimal `json:"ledger"`
}

// ReconciliationPending is emitted when a pending-reconciliation marker is
// recorded.
type ReconciliationPending struct {
	ID         id.ID         `json:"id"`
	Scope      entitle.Scope `json:"scope"`
	CustomerID string        `json:"customer_id"`
	MarkerID   string        `json:"marker_id"`
	Kind       string        `json:"kind"`
	PlanID     string        `json:"plan_id"`
	Error      string        `json:"error"`
	At         time.Time     `json:"at"`
}
