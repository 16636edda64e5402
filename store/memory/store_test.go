package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/billing"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/product"
	"github.com/xraph/entitle/types"
)

var (
	testScope = entitle.Scope{OrgID: "org_1", Env: entitle.EnvLive}
	testNow   = time.Date(2026, 1, 16, 12, 0, 0, 0, time.UTC)
)

func catalogProduct(productID string, cents int64) *product.Product {
	allowance := decimal.NewFromInt(100)
	return &product.Product{
		ID:    productID,
		OrgID: testScope.OrgID,
		Env:   testScope.Env,
		Group: "main",
		Prices: []product.Price{{
			ID:       productID + "_base",
			Kind:     product.PriceFixed,
			Amount:   types.USD(cents),
			Interval: types.IntervalMonth,
		}},
		Entitlements: []product.Entitlement{{
			FeatureID:     "messages",
			Allowance:     &allowance,
			ResetInterval: types.IntervalMonth,
		}},
	}
}

func newCustomer(t *testing.T, s *Store, customerID string) *customer.Customer {
	t.Helper()
	c := &customer.Customer{
		Entity:     types.NewEntity(testNow),
		InternalID: id.NewCustomerID(),
		ID:         customerID,
		OrgID:      testScope.OrgID,
		Env:        testScope.Env,
	}
	if err := s.CreateCustomer(context.Background(), c); err != nil {
		t.Fatalf("create customer: %v", err)
	}
	return c
}

func attachPlan(t *testing.T, s *Store, customerID string, p *product.Product) *billing.Plan {
	t.Helper()
	v, err := s.LoadView(context.Background(), testScope, customerID)
	if err != nil {
		t.Fatalf("load view: %v", err)
	}
	plan, err := billing.Compute(billing.State{Scope: testScope, View: v}, billing.Request{Product: p, Now: testNow})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	return plan
}

func TestCustomers(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := newCustomer(t, s, "acme")

	dup := *c
	dup.InternalID = id.NewCustomerID()
	if err := s.CreateCustomer(ctx, &dup); !errors.Is(err, entitle.ErrDuplicateCustomer) {
		t.Errorf("duplicate: got %v", err)
	}

	// The same customer ID in another environment is a different customer.
	sandbox := dup
	sandbox.Env = entitle.EnvSandbox
	if err := s.CreateCustomer(ctx, &sandbox); err != nil {
		t.Errorf("sandbox customer: %v", err)
	}

	got, err := s.GetCustomer(ctx, testScope, "acme")
	if err != nil || got.InternalID != c.InternalID {
		t.Fatalf("GetCustomer: %+v, %v", got, err)
	}
	got.Email = "billing@acme.test"
	if err := s.UpdateCustomer(ctx, got); err != nil {
		t.Fatalf("UpdateCustomer: %v", err)
	}
	byID, err := s.GetCustomerByInternalID(ctx, c.InternalID)
	if err != nil || byID.Email != "billing@acme.test" {
		t.Errorf("GetCustomerByInternalID: %+v, %v", byID, err)
	}

	if _, err := s.GetCustomer(ctx, testScope, "missing"); !errors.Is(err, entitle.ErrCustomerNotFound) {
		t.Errorf("missing customer: got %v", err)
	}
	if _, err := s.LoadView(ctx, entitle.Scope{OrgID: "org_2", Env: entitle.EnvLive}, "acme"); !errors.Is(err, entitle.ErrCustomerNotFound) {
		t.Errorf("other org: got %v", err)
	}
}

func TestProducts(t *testing.T) {
	ctx := context.Background()
	s := New()

	v1 := catalogProduct("pro", 2000)
	if err := s.CreateProduct(ctx, v1); err != nil {
		t.Fatalf("create: %v", err)
	}
	if v1.Version != 1 {
		t.Errorf("first version = %d", v1.Version)
	}
	v2 := catalogProduct("pro", 2500)
	if err := s.CreateProduct(ctx, v2); err != nil || v2.Version != 2 {
		t.Fatalf("second version: %d, %v", v2.Version, err)
	}
	dup := catalogProduct("pro", 1)
	dup.Version = 2
	if err := s.CreateProduct(ctx, dup); !errors.Is(err, entitle.ErrDuplicateProduct) {
		t.Errorf("duplicate version: got %v", err)
	}

	free := catalogProduct("free", 0)
	free.IsDefault = true
	if err := s.CreateProduct(ctx, free); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		version int
		want    int64
	}{
		{"latest", 0, 2500},
		{"pinned", 1, 2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := s.GetProduct(ctx, testScope, "pro", tt.version)
			if err != nil {
				t.Fatal(err)
			}
			if p.Prices[0].Amount.MinorUnits() != tt.want {
				t.Errorf("amount = %d, want %d", p.Prices[0].Amount.MinorUnits(), tt.want)
			}
		})
	}
	if _, err := s.GetProduct(ctx, testScope, "pro", 9); !errors.Is(err, entitle.ErrProductNotFound) {
		t.Errorf("missing version: got %v", err)
	}

	def, err := s.GetDefaultProduct(ctx, testScope, "main")
	if err != nil || def.ID != "free" {
		t.Errorf("default: %+v, %v", def, err)
	}

	all, err := s.ListProducts(ctx, testScope, product.ListOpts{})
	if err != nil || len(all) != 2 || all[0].ID != "free" || all[1].Version != 2 {
		t.Errorf("ListProducts: %d, %v", len(all), err)
	}
	page, _ := s.ListProducts(ctx, testScope, product.ListOpts{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != "pro" {
		t.Errorf("page: %+v", page)
	}
}

func TestApplyPlan(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := newCustomer(t, s, "acme")

	plan := attachPlan(t, s, "acme", catalogProduct("pro", 2000))
	if err := s.ApplyPlan(ctx, plan); err != nil {
		t.Fatalf("ApplyPlan: %v", err)
	}
	if err := s.ApplyPlan(ctx, plan); !errors.Is(err, entitle.ErrPlanAlreadyApplied) {
		t.Errorf("second apply: got %v", err)
	}

	v, err := s.LoadView(ctx, testScope, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Products) != 1 || len(v.Entitlements) != 1 {
		t.Fatalf("view: %d products, %d entitlements", len(v.Products), len(v.Entitlements))
	}
	items, err := s.ListLineItems(ctx, c.InternalID, 0)
	if err != nil || len(items) != len(plan.LineItems()) {
		t.Errorf("line items: %d, %v", len(items), err)
	}
}

func TestDueQueries(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := newCustomer(t, s, "acme")
	if err := s.ApplyPlan(ctx, attachPlan(t, s, "acme", catalogProduct("pro", 2000))); err != nil {
		t.Fatal(err)
	}
	v, _ := s.LoadView(ctx, testScope, "acme")
	cp := v.Products[0]

	resets, err := s.ListDueResets(ctx, testNow.AddDate(0, 2, 0), 10)
	if err != nil || len(resets) != 1 || resets[0] != c.InternalID {
		t.Errorf("due resets: %v, %v", resets, err)
	}
	if resets, _ := s.ListDueResets(ctx, testNow, 10); len(resets) != 0 {
		t.Errorf("resets before the period ends: %v", resets)
	}

	canceled := cp.Clone()
	at := testNow.Add(time.Hour)
	canceled.CanceledAt = &at
	canceled.ProcessorSubscriptionID = "sub_1"
	v.Products[0] = canceled
	s.Put(v)

	due, err := s.ListDueCancellations(ctx, at, 10)
	if err != nil || len(due) != 1 {
		t.Errorf("due cancellations: %d, %v", len(due), err)
	}
	if due, _ := s.ListDueCancellations(ctx, testNow, 10); len(due) != 0 {
		t.Errorf("cancellation not yet due: %d", len(due))
	}
	bySub, err := s.ListProductsBySubscription(ctx, "sub_1")
	if err != nil || len(bySub) != 1 {
		t.Errorf("by subscription: %d, %v", len(bySub), err)
	}
	if none, _ := s.ListProductsBySubscription(ctx, ""); len(none) != 0 {
		t.Errorf("empty subscription matched %d products", len(none))
	}

	trialEnd := testNow.AddDate(0, 0, 7)
	tests := []struct {
		name    string
		edit    func(p *customer.Product)
		at      time.Time
		wantDue int
	}{
		{"trial ended", func(p *customer.Product) { p.CanceledAt = nil; p.TrialEndsAt = &trialEnd }, trialEnd, 1},
		{"trial running", func(p *customer.Product) { p.CanceledAt = nil; p.TrialEndsAt = &trialEnd }, testNow, 0},
		{"trial converted", func(p *customer.Product) { p.CanceledAt = nil; p.TrialEndsAt = &trialEnd; p.TrialConverted = true }, trialEnd, 0},
		{"trial canceled", func(p *customer.Product) { p.TrialEndsAt = &trialEnd }, trialEnd, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := canceled.Clone()
			tt.edit(p)
			v.Products[0] = p
			s.Put(v)
			due, err := s.ListDueTrials(ctx, tt.at, 10)
			if err != nil || len(due) != tt.wantDue {
				t.Errorf("due trials: %d, %v", len(due), err)
			}
		})
	}
}

func TestMutateEntitlements(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := newCustomer(t, s, "acme")
	if err := s.ApplyPlan(ctx, attachPlan(t, s, "acme", catalogProduct("pro", 2000))); err != nil {
		t.Fatal(err)
	}

	err := s.MutateEntitlements(ctx, c.InternalID, func(ents []*customer.Entitlement) error {
		ents[0].Balance = decimal.NewFromInt(40)
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}

	boom := errors.New("boom")
	err = s.MutateEntitlements(ctx, c.InternalID, func(ents []*customer.Entitlement) error {
		ents[0].Balance = decimal.Zero
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("rollback: got %v", err)
	}

	v, _ := s.LoadView(ctx, testScope, "acme")
	if got := v.Entitlements[0].Balance; !got.Equal(decimal.NewFromInt(40)) {
		t.Errorf("balance = %s, want 40", got)
	}
	if err := s.MutateEntitlements(ctx, id.NewCustomerID(), func([]*customer.Entitlement) error { return nil }); !errors.Is(err, entitle.ErrCustomerNotFound) {
		t.Errorf("unknown customer: got %v", err)
	}
}

func TestDeferredPlans(t *testing.T) {
	ctx := context.Background()
	s := New()
	newCustomer(t, s, "acme")

	d := &billing.Deferred{
		ID:         id.NewDeferredID(),
		Scope:      testScope,
		CustomerID: "acme",
		Plan:       attachPlan(t, s, "acme", catalogProduct("pro", 2000)),
		CreatedAt:  testNow,
	}
	if err := s.SaveDeferred(ctx, d); err != nil {
		t.Fatal(err)
	}
	got, err := s.TakeDeferred(ctx, d.ID)
	if err != nil || got.Plan.ID() != d.Plan.ID() {
		t.Fatalf("take: %+v, %v", got, err)
	}
	if _, err := s.TakeDeferred(ctx, d.ID); !errors.Is(err, entitle.ErrDeferredPlanNotFound) {
		t.Errorf("second take: got %v", err)
	}
}
