// Package reconcile tracks work that could not finish in one pass and checks
// that the fast cache agrees with the ledger after a plan is executed.
//
// A Marker records a plan whose processor actions or ledger write must be
// retried. The Retrier drains markers; the Verifier compares cached balances
// with the ledger a short while after each execution.
package reconcile

import (
	"context"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/billing"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
)

// Kind tells what a marker is waiting for.
type Kind string

const (
	// KindProcessor marks a plan whose later processor actions failed after
	// earlier ones succeeded. The marker plan holds the remaining actions.
	KindProcessor Kind = "processor"
	// KindLedgerPending marks a plan whose processor actions all succeeded
	// but whose ledger write exhausted its retries. The marker plan carries
	// no actions.
	KindLedgerPending Kind = "ledger_pending"
)

// Marker is a pending reconciliation record.
type Marker struct {
	types.Entity
	ID             id.ID         `json:"id"`
	Scope          entitle.Scope `json:"scope"`
	CustomerID     string        `json:"customer_id"`
	Kind           Kind          `json:"kind"`
	Plan           *billing.Plan `json:"plan"`
	IdempotencyKey string        `json:"idempotency_key"`
	Error          string        `json:"error,omitempty"`
	Attempts       int           `json:"attempts"`
}

// NewMarker creates a marker for plan.
func NewMarker(sc entitle.Scope, kind Kind, plan *billing.Plan, idempotencyKey string, cause error, now time.Time) *Marker {
	m := &Marker{
		Entity:         types.NewEntity(now),
		ID:             id.NewMarkerID(),
		Scope:          sc,
		CustomerID:     plan.CustomerID(),
		Kind:           kind,
		Plan:           plan,
		IdempotencyKey: idempotencyKey,
	}
	if cause != nil {
		m.Error = cause.Error()
	}
	return m
}

// Store persists markers.
type Store interface {
	// SaveMarker inserts or replaces a marker by ID.
	SaveMarker(ctx context.Context, m *Marker) error
	GetMarker(ctx context.Context, markerID id.ID) (*Marker, error)
	// ListMarkers returns up to limit markers, oldest first.
	ListMarkers(ctx context.Context, limit int) ([]*Marker, error)
	DeleteMarker(ctx context.Context, markerID id.ID) error
}
