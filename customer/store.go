package customer

import (
	"context"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/id"
)

// Store is the durable entitlement ledger.
type Store interface {
	CreateCustomer(ctx context.Context, c *Customer) error
	GetCustomer(ctx context.Context, sc entitle.Scope, customerID string) (*Customer, error)
	GetCustomerByInternalID(ctx context.Context, internalID id.ID) (*Customer, error)
	UpdateCustomer(ctx context.Context, c *Customer) error

	// LoadView reads the customer with every product and entitlement.
	LoadView(ctx context.Context, sc entitle.Scope, customerID string) (*View, error)

	ListProductsBySubscription(ctx context.Context, subscriptionID string) ([]*Product, error)
	// ListDueCancellations returns live products whose cancellation took
	// effect at or before now.
	ListDueCancellations(ctx context.Context, now time.Time, limit int) ([]*Product, error)
	// ListDueActivations returns scheduled products starting at or before now.
	ListDueActivations(ctx context.Context, now time.Time, limit int) ([]*Product, error)
	// ListDueTrials returns live, uncanceled products whose free trial ended
	// at or before now and has not converted.
	ListDueTrials(ctx context.Context, now time.Time, limit int) ([]*Product, error)
	// ListDueResets returns the internal IDs of customers with entitlements
	// whose next reset is at or before now.
	ListDueResets(ctx context.Context, now time.Time, limit int) ([]id.ID, error)

	// MutateEntitlements runs fn over the customer's live entitlements inside
	// one transaction holding row locks, and persists what fn leaves behind.
	// Returning an error from fn rolls back.
	MutateEntitlements(ctx context.Context, internalID id.ID, fn func([]*Entitlement) error) error
}
