package entitle_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/balance"
	cachemem "github.com/xraph/entitle/cache/memory"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/engine"
	"github.com/xraph/entitle/product"
	provmem "github.com/xraph/entitle/provider/memory"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/types"
)

// TestDocumentationExamples verifies that all examples in the documentation compile
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		ctx := context.Background()
		scope := entitle.Scope{OrgID: "org_docs", Env: entitle.EnvLive}

		e := engine.New(memory.New(), cachemem.New(), cachemem.NewIdempotency(24*time.Hour), provmem.New(),
			engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
			engine.WithoutScheduler(),
		)
		if err := e.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer e.Stop(ctx) //nolint:errcheck // test cleanup

		// Create a product with an included allowance
		allowance := decimal.NewFromInt(10000)
		pro := &product.Product{
			ID:    "pro",
			Name:  "Pro",
			Group: "main",
			Prices: []product.Price{{
				ID:               "pro_base",
				Kind:             product.PriceFixed,
				Amount:           types.USD(4900), // $49.00
				Interval:         types.IntervalMonth,
				ProcessorPriceID: "price_pro",
			}},
			Entitlements: []product.Entitlement{{
				FeatureID:     "api_calls",
				Allowance:     &allowance,
				ResetInterval: types.IntervalMonth,
			}},
		}
		if err := e.CreateProduct(ctx, scope, pro); err != nil {
			t.Fatal(err)
		}

		c := &customer.Customer{ID: "tenant_123", ProcessorCustomerID: "cus_tenant_123"}
		if err := e.CreateCustomer(ctx, scope, c); err != nil {
			t.Fatal(err)
		}

		if _, err := e.Attach(ctx, scope, "tenant_123", engine.AttachParams{ProductID: "pro"}); err != nil {
			t.Fatal(err)
		}

		out, err := e.Deduct(ctx, scope, "tenant_123", balance.Request{
			Policy: balance.PolicyReject,
			Items:  []balance.Item{{FeatureID: "api_calls", Amount: decimal.NewFromInt(100)}},
		})
		if err != nil {
			t.Fatal(err)
		}
		if !out.Success {
			t.Fatal("deduction rejected")
		}
		if got := out.Balances["api_calls"]; !got.Equal(decimal.NewFromInt(9900)) {
			t.Errorf("remaining: got %s, want 9900", got)
		}
	})

	t.Run("MoneyExamples", func(t *testing.T) {
		m1 := entitle.USD(100)
		m2 := entitle.USD(200)

		tests := []struct {
			name string
			got  string
			want string
		}{
			{"add", m1.Add(m2).String(), "$3.00"},
			{"multiply", m1.MulInt(3).String(), "$3.00"},
			{"zero", entitle.Zero("usd").String(), "$0.00"},
			{"major", m1.FormatMajor(), "1.00"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if tt.got != tt.want {
					t.Errorf("got %s, want %s", tt.got, tt.want)
				}
			})
		}
		if m1.Cmp(m2) >= 0 {
			t.Error("expected $1.00 < $2.00")
		}
	})
}
