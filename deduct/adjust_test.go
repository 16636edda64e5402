package deduct

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/balance"
	"github.com/xraph/entitle/cache"
	cachemem "github.com/xraph/entitle/cache/memory"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/id"
)

func TestAdjustIncrementsCachedEntry(t *testing.T) {
	ctx := context.Background()
	s, entID := seed(t, 100)
	c := cachemem.New()
	e := New(c, s, WithLogger(quiet()))
	if _, err := e.Deduct(ctx, testScope, "acme", messages(30, balance.PolicyReject)); err != nil {
		t.Fatalf("deduct: %v", err)
	}

	res, err := e.Adjust(ctx, testScope, "acme", Adjustment{EntitlementID: entID.String(), Delta: decimal.NewFromInt(50)})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if res.Source != event.SourceLedger {
		t.Errorf("source: got %s, want ledger", res.Source)
	}
	if got := res.Balances["messages"]; !got.Equal(decimal.NewFromInt(120)) {
		t.Errorf("result balance: got %s, want 120", got)
	}
	if c.Len() != 1 {
		t.Fatalf("cache entries: got %d, want 1", c.Len())
	}
	snap, err := c.Get(ctx, cache.NewKey(testScope, "acme"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := snap.Balances(e.now())["messages"]; !got.Equal(decimal.NewFromInt(120)) {
		t.Errorf("cached balance: got %s, want 120", got)
	}

	if err := e.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := ledgerBalance(t, s); !got.Equal(decimal.NewFromInt(120)) {
		t.Errorf("ledger: got %s, want 120", got)
	}
}

func TestAdjustOnMissLeavesCacheEmpty(t *testing.T) {
	ctx := context.Background()
	s, _ := seed(t, 100)
	c := cachemem.New()
	e := New(c, s, WithLogger(quiet()))

	res, err := e.Adjust(ctx, testScope, "acme", Adjustment{FeatureID: "messages", Delta: decimal.NewFromInt(-40)})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if got := res.Balances["messages"]; !got.Equal(decimal.NewFromInt(60)) {
		t.Errorf("result balance: got %s, want 60", got)
	}
	if c.Len() != 0 {
		t.Errorf("cache entries: got %d, want 0", c.Len())
	}
	if got := ledgerBalance(t, s); !got.Equal(decimal.NewFromInt(60)) {
		t.Errorf("ledger: got %s, want 60", got)
	}
}

func TestAdjustValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := seed(t, 100)
	e := New(cachemem.New(), s, WithLogger(quiet()))

	tests := []struct {
		name string
		adj  Adjustment
		want error
	}{
		{"no target", Adjustment{Delta: decimal.NewFromInt(1)}, entitle.ErrInvalidRequest},
		{"zero delta", Adjustment{FeatureID: "messages"}, entitle.ErrInvalidRequest},
		{"unknown feature", Adjustment{FeatureID: "seats", Delta: decimal.NewFromInt(1)}, entitle.ErrEntitlementNotFound},
		{"entity on a plain balance", Adjustment{FeatureID: "messages", EntityID: "u1", Delta: decimal.NewFromInt(1)}, entitle.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Adjust(ctx, testScope, "acme", tt.adj)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
	if got := ledgerBalance(t, s); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("rejected adjustments moved the ledger: %s", got)
	}
}

func TestAdjustTarget(t *testing.T) {
	cpID := id.NewCustomerProductID()
	ent := func(feature string, scoped bool, entities ...string) *customer.Entitlement {
		e := &customer.Entitlement{ID: id.NewEntitlementID(), CustomerProductID: cpID, FeatureID: feature, EntityScoped: scoped}
		if len(entities) > 0 {
			e.Entities = make(map[string]decimal.Decimal)
			for _, name := range entities {
				e.Entities[name] = decimal.NewFromInt(5)
			}
		}
		return e
	}
	msgA, msgB := ent("messages", false), ent("messages", false)
	seats := ent("seats", true, "u1", "u2")
	one := decimal.NewFromInt(1)

	tests := []struct {
		name string
		ents []*customer.Entitlement
		adj  Adjustment
		want *customer.Entitlement
		err  error
	}{
		{"feature match", []*customer.Entitlement{msgA, seats}, Adjustment{FeatureID: "messages", Delta: one}, msgA, nil},
		{"ambiguous feature", []*customer.Entitlement{msgA, msgB}, Adjustment{FeatureID: "messages", Delta: one}, nil, entitle.ErrInvalidRequest},
		{"entitlement id picks one", []*customer.Entitlement{msgA, msgB}, Adjustment{EntitlementID: msgB.ID.String(), Delta: one}, msgB, nil},
		{"entity required", []*customer.Entitlement{seats}, Adjustment{FeatureID: "seats", Delta: one}, nil, entitle.ErrInvalidRequest},
		{"entity given", []*customer.Entitlement{seats}, Adjustment{FeatureID: "seats", EntityID: "u2", Delta: one}, seats, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := adjustTarget(tt.ents, tt.adj)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Errorf("got %v, want %v", err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("adjust target: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got.ID, tt.want.ID)
			}
		})
	}
}
