package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/provider"
	"github.com/xraph/entitle/types"
)

func TestIdempotentReplay(t *testing.T) {
	p := New()
	ctx := context.Background()
	req := &provider.CreateSubscriptionRequest{
		IdempotencyKey: "k1",
		CustomerID:     "cus_1",
		Items:          []provider.Item{{PriceID: "price_pro", Quantity: 1}},
	}

	first, err := p.CreateSubscription(ctx, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := p.CreateSubscription(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("replay created a new subscription: %s vs %s", first.ID, second.ID)
	}
	if n := len(p.Calls()); n != 1 {
		t.Errorf("expected 1 call, got %d", n)
	}
}

func TestCreateSubscriptionStatus(t *testing.T) {
	tests := []struct {
		name     string
		trialEnd time.Time
		want     string
	}{
		{"paid", time.Time{}, "active"},
		{"trial", time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), "trialing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := New().CreateSubscription(context.Background(), &provider.CreateSubscriptionRequest{
				IdempotencyKey: "k",
				Items:          []provider.Item{{PriceID: "price_pro", Quantity: 1}},
				TrialEnd:       tt.trialEnd,
			})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if sub.Status != tt.want {
				t.Errorf("status: got %s, want %s", sub.Status, tt.want)
			}
		})
	}
}

func TestFailureInjection(t *testing.T) {
	p := New()
	ctx := context.Background()
	p.Fail(OpCreateInvoice, entitle.ErrPaymentDeclined)

	_, err := p.CreateInvoice(ctx, &provider.InvoiceRequest{IdempotencyKey: "k", Amount: types.USD(100)})
	if !errors.Is(err, entitle.ErrPaymentDeclined) {
		t.Fatalf("expected decline, got %v", err)
	}
	if len(p.Calls()) != 0 {
		t.Error("failed call should not be recorded")
	}

	p.Fail(OpCreateInvoice, nil)
	inv, err := p.CreateInvoice(ctx, &provider.InvoiceRequest{IdempotencyKey: "k", Amount: types.USD(100)})
	if err != nil {
		t.Fatalf("invoice after clearing failure: %v", err)
	}
	if inv.PaymentRef == "" {
		t.Error("expected a payment reference")
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	p := New()
	ctx := context.Background()

	sub, err := p.CreateSubscription(ctx, &provider.CreateSubscriptionRequest{
		IdempotencyKey: "c",
		Items:          []provider.Item{{PriceID: "price_pro", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	steps := []struct {
		name  string
		run   func() error
		check func(*provider.Subscription) bool
	}{
		{
			"cancel at period end",
			func() error {
				_, err := p.CancelSubscription(ctx, &provider.CancelSubscriptionRequest{IdempotencyKey: "x", SubscriptionID: sub.ID, AtPeriodEnd: true})
				return err
			},
			func(s *provider.Subscription) bool { return s.CancelAtPeriodEnd && s.Status == "active" },
		},
		{
			"resume",
			func() error {
				_, err := p.UpdateSubscription(ctx, &provider.UpdateSubscriptionRequest{IdempotencyKey: "r", SubscriptionID: sub.ID, Resume: true})
				return err
			},
			func(s *provider.Subscription) bool { return !s.CancelAtPeriodEnd },
		},
		{
			"swap items",
			func() error {
				_, err := p.UpdateSubscription(ctx, &provider.UpdateSubscriptionRequest{
					IdempotencyKey: "u",
					SubscriptionID: sub.ID,
					Items:          []provider.Item{{PriceID: "price_premium", Quantity: 1}},
				})
				return err
			},
			func(s *provider.Subscription) bool { return s.Items[0].PriceID == "price_premium" },
		},
		{
			"coupon",
			func() error {
				_, err := p.ApplyDiscount(ctx, &provider.DiscountRequest{IdempotencyKey: "d", SubscriptionID: sub.ID, CouponID: "SAVE25"})
				return err
			},
			func(s *provider.Subscription) bool { return s.CouponID == "SAVE25" },
		},
		{
			"cancel now",
			func() error {
				_, err := p.CancelSubscription(ctx, &provider.CancelSubscriptionRequest{IdempotencyKey: "n", SubscriptionID: sub.ID})
				return err
			},
			func(s *provider.Subscription) bool { return s.Status == "canceled" },
		},
	}
	for _, st := range steps {
		t.Run(st.name, func(t *testing.T) {
			if err := st.run(); err != nil {
				t.Fatalf("%s: %v", st.name, err)
			}
			got, ok := p.Subscription(sub.ID)
			if !ok || !st.check(got) {
				t.Errorf("unexpected subscription state: %+v", got)
			}
		})
	}
}

func TestRefund(t *testing.T) {
	p := New()
	ctx := context.Background()

	if _, err := p.Refund(ctx, &provider.RefundRequest{IdempotencyKey: "a", Amount: types.USD(100)}); !entitle.IsInvalidRequest(err) {
		t.Errorf("refund without payment should be invalid, got %v", err)
	}
	for _, key := range []string{"a", "b", "b"} {
		if _, err := p.Refund(ctx, &provider.RefundRequest{IdempotencyKey: key, PaymentRef: "pi_1", Amount: types.USD(250)}); err != nil {
			t.Fatalf("refund %s: %v", key, err)
		}
	}
	if got := p.Refunded("pi_1"); !got.Equal(types.USD(500)) {
		t.Errorf("refunded: got %s, want $5.00", got)
	}
}

func TestUnknownSubscription(t *testing.T) {
	p := New()
	_, err := p.UpdateSubscription(context.Background(), &provider.UpdateSubscriptionRequest{IdempotencyKey: "k", SubscriptionID: "sub_missing"})
	if !entitle.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}
