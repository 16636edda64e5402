// Package stripe implements provider.SubscriptionProvider on the Stripe API.
//
// Plans collect prorated charges through one-off invoices and let
// subscriptions bill from the next cycle, so every subscription call here
// disables Stripe's own proration.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stripe/stripe-go/v82"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/provider"
	"github.com/xraph/entitle/types"
)

// Compile-time check.
var _ provider.SubscriptionProvider = (*Provider)(nil)

type subscriptionAPI interface {
	Create(ctx context.Context, params *stripe.SubscriptionCreateParams) (*stripe.Subscription, error)
	Retrieve(ctx context.Context, id string, params *stripe.SubscriptionRetrieveParams) (*stripe.Subscription, error)
	Update(ctx context.Context, id string, params *stripe.SubscriptionUpdateParams) (*stripe.Subscription, error)
	Cancel(ctx context.Context, id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error)
}

type invoiceAPI interface {
	Create(ctx context.Context, params *stripe.InvoiceCreateParams) (*stripe.Invoice, error)
	FinalizeInvoice(ctx context.Context, id string, params *stripe.InvoiceFinalizeInvoiceParams) (*stripe.Invoice, error)
	Pay(ctx context.Context, id string, params *stripe.InvoicePayParams) (*stripe.Invoice, error)
}

type invoiceItemAPI interface {
	Create(ctx context.Context, params *stripe.InvoiceItemCreateParams) (*stripe.InvoiceItem, error)
}

type refundAPI interface {
	Create(ctx context.Context, params *stripe.RefundCreateParams) (*stripe.Refund, error)
}

// Provider drives Stripe subscriptions, invoices and refunds.
type Provider struct {
	subscriptions subscriptionAPI
	invoices      invoiceAPI
	invoiceItems  invoiceItemAPI
	refunds       refundAPI
	logger        *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates a Provider for the given secret key.
func New(key string, opts ...Option) *Provider {
	return NewFromClient(stripe.NewClient(key), opts...)
}

// NewFromClient creates a Provider on an existing client, for example one
// built with stripe.WithBackends.
func NewFromClient(sc *stripe.Client, opts ...Option) *Provider {
	p := &Provider{
		subscriptions: sc.V1Subscriptions,
		invoices:      sc.V1Invoices,
		invoiceItems:  sc.V1InvoiceItems,
		refunds:       sc.V1Refunds,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ──────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────

// CreateSubscription opens a subscription anchored at req.BillingAnchor.
func (p *Provider) CreateSubscription(ctx context.Context, req *provider.CreateSubscriptionRequest) (*provider.Subscription, error) {
	params := &stripe.SubscriptionCreateParams{
		Customer:          stripe.String(req.CustomerID),
		ProrationBehavior: stripe.String("none"),
		Metadata:          req.Metadata,
	}
	for _, it := range req.Items {
		params.Items = append(params.Items, &stripe.SubscriptionCreateItemParams{
			Price:    stripe.String(it.PriceID),
			Quantity: stripe.Int64(it.Quantity),
		})
	}
	switch {
	case !req.TrialEnd.IsZero():
		// The trial end anchors the billing cycle.
		params.TrialEnd = stripe.Int64(req.TrialEnd.Unix())
	case !req.BillingAnchor.IsZero():
		params.BillingCycleAnchor = stripe.Int64(req.BillingAnchor.Unix())
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	sub, err := p.subscriptions.Create(ctx, params)
	if err != nil {
		return nil, classify("create subscription", err)
	}
	p.logger.Debug("stripe subscription created", "subscription_id", sub.ID, "customer_id", req.CustomerID)
	return toSubscription(sub), nil
}

// UpdateSubscription swaps every current item for req.Items. Resume clears a
// pending cancellation.
func (p *Provider) UpdateSubscription(ctx context.Context, req *provider.UpdateSubscriptionRequest) (*provider.Subscription, error) {
	params := &stripe.SubscriptionUpdateParams{
		ProrationBehavior: stripe.String("none"),
		Metadata:          req.Metadata,
	}
	if req.Resume {
		params.CancelAtPeriodEnd = stripe.Bool(false)
	}
	if len(req.Items) > 0 {
		current, err := p.subscriptions.Retrieve(ctx, req.SubscriptionID, nil)
		if err != nil {
			return nil, classify("retrieve subscription", err)
		}
		if current.Items != nil {
			for _, it := range current.Items.Data {
				params.Items = append(params.Items, &stripe.SubscriptionUpdateItemParams{
					ID:      stripe.String(it.ID),
					Deleted: stripe.Bool(true),
				})
			}
		}
		for _, it := range req.Items {
			params.Items = append(params.Items, &stripe.SubscriptionUpdateItemParams{
				Price:    stripe.String(it.PriceID),
				Quantity: stripe.Int64(it.Quantity),
			})
		}
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	sub, err := p.subscriptions.Update(ctx, req.SubscriptionID, params)
	if err != nil {
		return nil, classify("update subscription", err)
	}
	return toSubscription(sub), nil
}

// CancelSubscription cancels now, or flags the subscription to end with its
// current period.
func (p *Provider) CancelSubscription(ctx context.Context, req *provider.CancelSubscriptionRequest) (*provider.Subscription, error) {
	if req.AtPeriodEnd {
		params := &stripe.SubscriptionUpdateParams{CancelAtPeriodEnd: stripe.Bool(true)}
		params.SetIdempotencyKey(req.IdempotencyKey)
		sub, err := p.subscriptions.Update(ctx, req.SubscriptionID, params)
		if err != nil {
			return nil, classify("cancel subscription", err)
		}
		return toSubscription(sub), nil
	}

	params := &stripe.SubscriptionCancelParams{
		InvoiceNow: stripe.Bool(false),
		Prorate:    stripe.Bool(false),
	}
	params.SetIdempotencyKey(req.IdempotencyKey)
	sub, err := p.subscriptions.Cancel(ctx, req.SubscriptionID, params)
	if err != nil {
		return nil, classify("cancel subscription", err)
	}
	return toSubscription(sub), nil
}

// ApplyDiscount attaches a coupon to the subscription.
func (p *Provider) ApplyDiscount(ctx context.Context, req *provider.DiscountRequest) (*provider.Subscription, error) {
	params := &stripe.SubscriptionUpdateParams{
		Discounts: []*stripe.SubscriptionUpdateDiscountParams{
			{Coupon: stripe.String(req.CouponID)},
		},
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	sub, err := p.subscriptions.Update(ctx, req.SubscriptionID, params)
	if err != nil {
		return nil, classify("apply discount", err)
	}
	out := toSubscription(sub)
	out.CouponID = req.CouponID
	return out, nil
}

// ──────────────────────────────────────────────────
// Payments
// ──────────────────────────────────────────────────

// CreateInvoice creates a draft invoice, adds one item per line, finalizes it
// and charges the customer's default payment method. Each step derives its
// own idempotency key from req.IdempotencyKey.
func (p *Provider) CreateInvoice(ctx context.Context, req *provider.InvoiceRequest) (*provider.Invoice, error) {
	currency := req.Amount.Currency

	create := &stripe.InvoiceCreateParams{
		Customer:                    stripe.String(req.CustomerID),
		Currency:                    stripe.String(currency),
		AutoAdvance:                 stripe.Bool(false),
		CollectionMethod:            stripe.String("charge_automatically"),
		PendingInvoiceItemsBehavior: stripe.String("exclude"),
		Metadata:                    req.Metadata,
	}
	if req.Description != "" {
		create.Description = stripe.String(req.Description)
	}
	create.SetIdempotencyKey(req.IdempotencyKey + ":invoice")

	inv, err := p.invoices.Create(ctx, create)
	if err != nil {
		return nil, classify("create invoice", err)
	}

	lines := req.Lines
	if len(lines) == 0 {
		lines = []provider.InvoiceLine{{Description: req.Description, Amount: req.Amount}}
	}
	for i, line := range lines {
		item := &stripe.InvoiceItemCreateParams{
			Customer: stripe.String(req.CustomerID),
			Invoice:  stripe.String(inv.ID),
			Amount:   stripe.Int64(line.Amount.MinorUnits()),
			Currency: stripe.String(currency),
		}
		if line.Description != "" {
			item.Description = stripe.String(line.Description)
		}
		item.SetIdempotencyKey(fmt.Sprintf("%s:line:%d", req.IdempotencyKey, i))
		if _, err := p.invoiceItems.Create(ctx, item); err != nil {
			return nil, classify("create invoice item", err)
		}
	}

	finalize := &stripe.InvoiceFinalizeInvoiceParams{}
	finalize.SetIdempotencyKey(req.IdempotencyKey + ":finalize")
	if _, err := p.invoices.FinalizeInvoice(ctx, inv.ID, finalize); err != nil {
		return nil, classify("finalize invoice", err)
	}

	pay := &stripe.InvoicePayParams{}
	pay.AddExpand("payments")
	pay.SetIdempotencyKey(req.IdempotencyKey + ":pay")
	paid, err := p.invoices.Pay(ctx, inv.ID, pay)
	if err != nil {
		return nil, classify("pay invoice", err)
	}

	p.logger.Debug("stripe invoice paid",
		"invoice_id", paid.ID,
		"customer_id", req.CustomerID,
		"amount", req.Amount.String(),
	)

	return &provider.Invoice{
		ID:         paid.ID,
		Status:     string(paid.Status),
		Amount:     types.FromMinor(paid.AmountPaid, string(paid.Currency)),
		PaymentRef: paymentRef(paid),
	}, nil
}

// Refund refunds against a payment intent or charge.
func (p *Provider) Refund(ctx context.Context, req *provider.RefundRequest) (*provider.Refund, error) {
	params := &stripe.RefundCreateParams{
		Amount: stripe.Int64(req.Amount.MinorUnits()),
	}
	if strings.HasPrefix(req.PaymentRef, "ch_") {
		params.Charge = stripe.String(req.PaymentRef)
	} else {
		params.PaymentIntent = stripe.String(req.PaymentRef)
	}
	if req.Reason != "" {
		params.Reason = stripe.String(req.Reason)
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	r, err := p.refunds.Create(ctx, params)
	if err != nil {
		return nil, classify("refund", err)
	}
	return &provider.Refund{
		ID:         r.ID,
		PaymentRef: req.PaymentRef,
		Amount:     types.FromMinor(r.Amount, string(r.Currency)),
	}, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func toSubscription(sub *stripe.Subscription) *provider.Subscription {
	out := &provider.Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Items != nil {
		for _, it := range sub.Items.Data {
			if it.Price == nil {
				continue
			}
			out.Items = append(out.Items, provider.Item{PriceID: it.Price.ID, Quantity: it.Quantity})
		}
	}
	return out
}

// paymentRef returns the payment intent (or charge) that settled inv, falling
// back to the invoice ID.
func paymentRef(inv *stripe.Invoice) string {
	if inv.Payments != nil {
		for _, pay := range inv.Payments.Data {
			if pay.Payment == nil {
				continue
			}
			if pay.Payment.PaymentIntent != nil {
				return pay.Payment.PaymentIntent.ID
			}
			if pay.Payment.Charge != nil {
				return pay.Payment.Charge.ID
			}
		}
	}
	return inv.ID
}

// classify maps Stripe failures onto the entitle error categories. Server
// errors, throttling and transport failures are retryable; card errors are
// declines.
func classify(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("stripe: %s: %w: %w", op, entitle.ErrProviderUnavailable, err)
	}

	switch {
	case se.Type == stripe.ErrorTypeCard, se.Code == stripe.ErrorCodeCardDeclined:
		return fmt.Errorf("stripe: %s: %w: %s", op, entitle.ErrPaymentDeclined, se.Msg)
	case se.HTTPStatusCode >= 500,
		se.Code == stripe.ErrorCodeRateLimit,
		se.Code == stripe.ErrorCodeLockTimeout:
		return fmt.Errorf("stripe: %s: %w: %w", op, entitle.ErrProviderUnavailable, err)
	case se.Code == stripe.ErrorCodeResourceMissing:
		return fmt.Errorf("stripe: %s: %w: %s", op, entitle.ErrNotFound, se.Msg)
	default:
		return fmt.Errorf("stripe: %s: %w", op, err)
	}
}
