// Package memory implements an in-process provider.SubscriptionProvider. It
// keeps subscriptions, invoices and refunds in maps, replays repeated
// idempotency keys and can be told to fail specific operations.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/provider"
	"github.com/xraph/entitle/types"
)

// Compile-time check.
var _ provider.SubscriptionProvider = (*Provider)(nil)

// Operation names used by Fail and Calls.
const (
	OpCreateSubscription = "create_subscription"
	OpUpdateSubscription = "update_subscription"
	OpCancelSubscription = "cancel_subscription"
	OpCreateInvoice      = "create_invoice"
	OpApplyDiscount      = "apply_discount"
	OpRefund             = "refund"
)

// Call records one processor request that took effect.
type Call struct {
	Op             string
	IdempotencyKey string
}

// Provider is a processor kept in memory.
type Provider struct {
	mu sync.Mutex

	subscriptions map[string]*provider.Subscription
	invoices      map[string]*provider.Invoice
	refunds       map[string]*provider.Refund

	// idempotency key → response
	replies map[string]any
	calls   []Call
	fail    map[string]error
	seq     int
}

// New creates an empty Provider.
func New() *Provider {
	return &Provider{
		subscriptions: make(map[string]*provider.Subscription),
		invoices:      make(map[string]*provider.Invoice),
		refunds:       make(map[string]*provider.Refund),
		replies:       make(map[string]any),
		fail:          make(map[string]error),
	}
}

// Fail makes every subsequent call of op return err. A nil err clears it.
func (p *Provider) Fail(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.fail, op)
		return
	}
	p.fail[op] = err
}

// Calls returns the requests that took effect, in order. Replayed requests
// are not recorded twice.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// Subscription returns a copy of a stored subscription.
func (p *Provider) Subscription(subID string) (*provider.Subscription, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subscriptions[subID]
	if !ok {
		return nil, false
	}
	cp := *sub
	cp.Items = append([]provider.Item(nil), sub.Items...)
	return &cp, true
}

// Refunded returns the total refunded against a payment reference.
func (p *Provider) Refunded(paymentRef string) types.Money {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total types.Money
	for _, r := range p.refunds {
		if r.PaymentRef == paymentRef {
			total = total.Add(r.Amount)
		}
	}
	return total
}

// ──────────────────────────────────────────────────
// provider.SubscriptionProvider
// ──────────────────────────────────────────────────

func (p *Provider) CreateSubscription(_ context.Context, req *provider.CreateSubscriptionRequest) (*provider.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := replay[*provider.Subscription](p, OpCreateSubscription, req.IdempotencyKey); ok {
		return r, nil
	}
	if err := p.begin(OpCreateSubscription); err != nil {
		return nil, err
	}

	sub := &provider.Subscription{
		ID:     p.next("sub"),
		Status: "active",
		Items:  append([]provider.Item(nil), req.Items...),
	}
	if !req.TrialEnd.IsZero() {
		sub.Status = "trialing"
	}
	p.subscriptions[sub.ID] = sub
	return record(p, OpCreateSubscription, req.IdempotencyKey, sub), nil
}

func (p *Provider) UpdateSubscription(_ context.Context, req *provider.UpdateSubscriptionRequest) (*provider.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := replay[*provider.Subscription](p, OpUpdateSubscription, req.IdempotencyKey); ok {
		return r, nil
	}
	if err := p.begin(OpUpdateSubscription); err != nil {
		return nil, err
	}
	sub, err := p.live(req.SubscriptionID)
	if err != nil {
		return nil, err
	}

	if len(req.Items) > 0 {
		sub.Items = append([]provider.Item(nil), req.Items...)
	}
	if req.Resume {
		sub.CancelAtPeriodEnd = false
	}
	return record(p, OpUpdateSubscription, req.IdempotencyKey, sub), nil
}

func (p *Provider) CancelSubscription(_ context.Context, req *provider.CancelSubscriptionRequest) (*provider.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := replay[*provider.Subscription](p, OpCancelSubscription, req.IdempotencyKey); ok {
		return r, nil
	}
	if err := p.begin(OpCancelSubscription); err != nil {
		return nil, err
	}
	sub, err := p.live(req.SubscriptionID)
	if err != nil {
		return nil, err
	}

	if req.AtPeriodEnd {
		sub.CancelAtPeriodEnd = true
	} else {
		sub.Status = "canceled"
	}
	return record(p, OpCancelSubscription, req.IdempotencyKey, sub), nil
}

func (p *Provider) CreateInvoice(_ context.Context, req *provider.InvoiceRequest) (*provider.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := replay[*provider.Invoice](p, OpCreateInvoice, req.IdempotencyKey); ok {
		return r, nil
	}
	if err := p.begin(OpCreateInvoice); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("memory provider: invoice amount %s: %w", req.Amount, entitle.ErrInvalidAmount)
	}

	inv := &provider.Invoice{
		ID:         p.next("in"),
		Status:     "paid",
		Amount:     req.Amount,
		PaymentRef: p.next("pi"),
	}
	p.invoices[inv.ID] = inv
	return record(p, OpCreateInvoice, req.IdempotencyKey, inv), nil
}

func (p *Provider) ApplyDiscount(_ context.Context, req *provider.DiscountRequest) (*provider.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := replay[*provider.Subscription](p, OpApplyDiscount, req.IdempotencyKey); ok {
		return r, nil
	}
	if err := p.begin(OpApplyDiscount); err != nil {
		return nil, err
	}
	sub, err := p.live(req.SubscriptionID)
	if err != nil {
		return nil, err
	}

	sub.CouponID = req.CouponID
	return record(p, OpApplyDiscount, req.IdempotencyKey, sub), nil
}

func (p *Provider) Refund(_ context.Context, req *provider.RefundRequest) (*provider.Refund, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := replay[*provider.Refund](p, OpRefund, req.IdempotencyKey); ok {
		return r, nil
	}
	if err := p.begin(OpRefund); err != nil {
		return nil, err
	}
	if req.PaymentRef == "" {
		return nil, fmt.Errorf("memory provider: refund without payment: %w", entitle.ErrInvalidRequest)
	}

	r := &provider.Refund{
		ID:         p.next("re"),
		PaymentRef: req.PaymentRef,
		Amount:     req.Amount,
	}
	p.refunds[r.ID] = r
	return record(p, OpRefund, req.IdempotencyKey, r), nil
}

// ──────────────────────────────────────────────────
// Helpers (callers hold p.mu)
// ──────────────────────────────────────────────────

func replay[T any](p *Provider, op, key string) (T, bool) {
	var zero T
	if key == "" {
		return zero, false
	}
	v, ok := p.replies[op+"/"+key]
	if !ok {
		return zero, false
	}
	return copyReply(v).(T), true
}

func (p *Provider) begin(op string) error {
	return p.fail[op]
}

func record[T any](p *Provider, op, key string, v T) T {
	if key != "" {
		p.replies[op+"/"+key] = copyReply(v)
	}
	p.calls = append(p.calls, Call{Op: op, IdempotencyKey: key})
	return copyReply(v).(T)
}

func (p *Provider) live(subID string) (*provider.Subscription, error) {
	sub, ok := p.subscriptions[subID]
	if !ok {
		return nil, fmt.Errorf("memory provider: subscription %s: %w", subID, entitle.ErrNotFound)
	}
	return sub, nil
}

func (p *Provider) next(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s_%d", prefix, p.seq)
}

func copyReply(v any) any {
	switch r := v.(type) {
	case *provider.Subscription:
		cp := *r
		cp.Items = append([]provider.Item(nil), r.Items...)
		return &cp
	case *provider.Invoice:
		cp := *r
		return &cp
	case *provider.Refund:
		cp := *r
		return &cp
	}
	return v
}
