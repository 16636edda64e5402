// Package provider defines the payment processor capability the executor
// drives. The core only depends on SubscriptionProvider; processor adapters
// live in sub-packages.
package provider

import (
	"context"
	"time"

	"github.com/xraph/entitle/types"
)

// SubscriptionProvider is the set of processor operations a billing plan can
// require. Every request carries an idempotency key; a provider must treat a
// repeated key as the same request.
//
// Errors should wrap entitle.ErrPaymentDeclined for declined payments and
// entitle.ErrProviderUnavailable for transient failures.
type SubscriptionProvider interface {
	CreateSubscription(ctx context.Context, req *CreateSubscriptionRequest) (*Subscription, error)
	UpdateSubscription(ctx context.Context, req *UpdateSubscriptionRequest) (*Subscription, error)
	CancelSubscription(ctx context.Context, req *CancelSubscriptionRequest) (*Subscription, error)
	CreateInvoice(ctx context.Context, req *InvoiceRequest) (*Invoice, error)
	ApplyDiscount(ctx context.Context, req *DiscountRequest) (*Subscription, error)
	Refund(ctx context.Context, req *RefundRequest) (*Refund, error)
}

// Item is one processor price on a subscription.
type Item struct {
	PriceID  string `json:"price_id"`
	Quantity int64  `json:"quantity"`
}

// CreateSubscriptionRequest opens a subscription. The processor bills the
// first cycle starting at BillingAnchor; anything owed before that is
// collected by CreateInvoice. A non-zero TrialEnd opens the subscription in
// a free trial that ends then.
type CreateSubscriptionRequest struct {
	IdempotencyKey string            `json:"idempotency_key"`
	CustomerID     string            `json:"customer_id"`
	Items          []Item            `json:"items"`
	BillingAnchor  time.Time         `json:"billing_anchor,omitempty"`
	TrialEnd       time.Time         `json:"trial_end,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// UpdateSubscriptionRequest replaces a subscription's items. When Resume is
// set a pending cancel-at-period-end is cleared and Items may be empty.
type UpdateSubscriptionRequest struct {
	IdempotencyKey string            `json:"idempotency_key"`
	SubscriptionID string            `json:"subscription_id"`
	Items          []Item            `json:"items,omitempty"`
	Resume         bool              `json:"resume,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// CancelSubscriptionRequest cancels a subscription now or at period end.
type CancelSubscriptionRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	SubscriptionID string `json:"subscription_id"`
	AtPeriodEnd    bool   `json:"at_period_end"`
}

// InvoiceLine is one line of a one-off invoice.
type InvoiceLine struct {
	Description string      `json:"description"`
	Amount      types.Money `json:"amount"`
}

// InvoiceRequest collects a one-off payment. Amount is the net amount due
// and equals the sum of Lines.
type InvoiceRequest struct {
	IdempotencyKey string            `json:"idempotency_key"`
	CustomerID     string            `json:"customer_id"`
	Amount         types.Money       `json:"amount"`
	Lines          []InvoiceLine     `json:"lines"`
	Description    string            `json:"description,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// DiscountRequest attaches a processor coupon to a subscription.
type DiscountRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	SubscriptionID string `json:"subscription_id"`
	CouponID       string `json:"coupon_id"`
}

// RefundRequest returns money against an earlier payment.
type RefundRequest struct {
	IdempotencyKey string      `json:"idempotency_key"`
	PaymentRef     string      `json:"payment_ref"`
	Amount         types.Money `json:"amount"`
	Reason         string      `json:"reason,omitempty"`
}

// Subscription is the processor's view of a subscription after a call.
type Subscription struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	Items             []Item `json:"items,omitempty"`
	CouponID          string `json:"coupon_id,omitempty"`
}

// Invoice is a collected one-off invoice. PaymentRef identifies the payment
// so later refunds can reference it.
type Invoice struct {
	ID         string      `json:"id"`
	Status     string      `json:"status"`
	Amount     types.Money `json:"amount"`
	PaymentRef string      `json:"payment_ref,omitempty"`
}

// Refund is a completed refund.
type Refund struct {
	ID         string      `json:"id"`
	PaymentRef string      `json:"payment_ref"`
	Amount     types.Money `json:"amount"`
}
