package billing

import (
	"context"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/id"
)

// Deferred is a plan waiting for the customer to complete checkout.
type Deferred struct {
	ID         id.ID         `json:"id"`
	Scope      entitle.Scope `json:"scope"`
	CustomerID string        `json:"customer_id"`
	Plan       *Plan         `json:"plan"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Store persists applied plans.
type Store interface {
	// ApplyPlan writes the plan's effect in one transaction and records the
	// plan as applied. A plan applied before returns
	// entitle.ErrPlanAlreadyApplied and changes nothing.
	ApplyPlan(ctx context.Context, p *Plan) error
	// ListLineItems returns a customer's line items, newest first.
	ListLineItems(ctx context.Context, customerInternalID id.ID, limit int) ([]LineItem, error)

	SaveDeferred(ctx context.Context, d *Deferred) error
	// TakeDeferred returns the deferred plan and removes it.
	TakeDeferred(ctx context.Context, deferredID id.ID) (*Deferred, error)
}
