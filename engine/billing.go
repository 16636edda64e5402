package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/balance"
	"github.com/xraph/entitle/billing"
	"github.com/xraph/entitle/cache"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/deduct"
	"github.com/xraph/entitle/executor"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/product"
	"github.com/xraph/entitle/types"
)

// ──────────────────────────────────────────────────
// Deductions
// ──────────────────────────────────────────────────

// Deduct atomically deducts every item in req from the customer's balances.
func (e *Engine) Deduct(ctx context.Context, sc entitle.Scope, customerID string, req balance.Request) (*deduct.Result, error) {
	return e.deduct.Deduct(ctx, sc, customerID, req)
}

// Balances returns the customer's available balance per feature.
func (e *Engine) Balances(ctx context.Context, sc entitle.Scope, customerID string) (map[string]decimal.Decimal, error) {
	return e.deduct.Balances(ctx, sc, customerID)
}

// Flush writes every queued deduction to the ledger.
func (e *Engine) Flush(ctx context.Context) error {
	return e.deduct.Flush(ctx)
}

// AdjustBalance adds a signed amount to one entitlement's balance.
func (e *Engine) AdjustBalance(ctx context.Context, sc entitle.Scope, customerID string, a deduct.Adjustment) (*deduct.Result, error) {
	return e.deduct.Adjust(ctx, sc, customerID, a)
}

// GrantPrepaid adds free prepaid units of a feature to an attached product.
// The ledger is written first and the cached entry is then incremented in
// place.
func (e *Engine) GrantPrepaid(ctx context.Context, sc entitle.Scope, customerID string, customerProductID id.ID, featureID string, units int64) (*billing.Plan, error) {
	var plan *billing.Plan
	write := func(ctx context.Context) error {
		view, err := e.store.LoadView(ctx, sc, customerID)
		if err != nil {
			return err
		}
		plan, err = billing.GrantPlan(billing.State{Scope: sc, View: view}, customerProductID, featureID, units, e.now())
		if err != nil {
			return err
		}
		return e.store.ApplyPlan(ctx, plan)
	}
	mirror := func(ctx context.Context, key cache.Key) error {
		if err := e.cache.IncrementProductOptionQuantity(ctx, key, customerProductID.String(), featureID, units); err != nil {
			return err
		}
		for _, u := range plan.EntitlementUpdates() {
			if err := e.mirrorGrant(ctx, key, u); err != nil {
				return err
			}
		}
		return nil
	}
	if err := e.deduct.WriteThrough(ctx, sc, customerID, write, mirror); err != nil {
		return nil, err
	}
	e.logger.Info("prepaid units granted",
		"customer_id", customerID,
		"customer_product_id", customerProductID.String(),
		"feature_id", featureID,
		"units", units,
	)
	return plan, nil
}

// mirrorGrant increments every entity of an entity-scoped entitlement, the
// same way the ledger applies a balance change.
func (e *Engine) mirrorGrant(ctx context.Context, key cache.Key, u billing.EntitlementUpdate) error {
	if u.BalanceChange == nil {
		return nil
	}
	snap, err := e.cache.Get(ctx, key)
	if err != nil {
		return err
	}
	entID := u.EntitlementID.String()
	for _, acc := range snap.Accounts {
		if acc.ID != entID || !acc.EntityScoped || len(acc.Entities) == 0 {
			continue
		}
		for entity := range acc.Entities {
			if err := e.cache.IncrementEntitlementBalance(ctx, key, entID, entity, *u.BalanceChange); err != nil {
				return err
			}
		}
		return nil
	}
	return e.cache.IncrementEntitlementBalance(ctx, key, entID, "", *u.BalanceChange)
}

// ──────────────────────────────────────────────────
// Billing plans
// ──────────────────────────────────────────────────

// AttachParams describes a product to attach to a customer.
type AttachParams struct {
	ProductID string
	// Version pins a product version. Zero attaches the latest.
	Version    int
	EntityID   string
	Options    []customer.Option
	Quantity   int64
	Timing     billing.Timing
	CarryUsage bool
	Discount   *billing.Discount
	// DisableTrial skips the product's free trial and charges immediately.
	DisableTrial bool
	// Checkout defers the plan until the customer completes checkout.
	Checkout bool
	// IdempotencyKey deduplicates retries. It defaults to the plan ID, and
	// every Attach computes a new plan, so a caller retrying a request must
	// pass its own key.
	IdempotencyKey string
}

// AttachResult is the outcome of Attach. Exactly one of Result and Deferred
// is set.
type AttachResult struct {
	Plan     *billing.Plan     `json:"plan"`
	Result   *executor.Result  `json:"result,omitempty"`
	Deferred *billing.Deferred `json:"deferred,omitempty"`
}

// Preview computes the plan Attach would run without executing it.
func (e *Engine) Preview(ctx context.Context, sc entitle.Scope, customerID string, params AttachParams) (*billing.Plan, error) {
	p, err := e.store.GetProduct(ctx, sc, params.ProductID, params.Version)
	if err != nil {
		return nil, err
	}
	return e.compute(ctx, sc, customerID, params.request(p))
}

func (params AttachParams) request(p *product.Product) billing.Request {
	return billing.Request{
		Product:      p,
		EntityID:     params.EntityID,
		Options:      params.Options,
		Quantity:     params.Quantity,
		Timing:       params.Timing,
		CarryUsage:   params.CarryUsage,
		DisableTrial: params.DisableTrial,
		Discount:     params.Discount,
	}
}

// Attach computes and executes the plan that attaches a product, or defers
// it until checkout completes.
func (e *Engine) Attach(ctx context.Context, sc entitle.Scope, customerID string, params AttachParams) (*AttachResult, error) {
	plan, err := e.Preview(ctx, sc, customerID, params)
	if err != nil {
		return nil, err
	}
	if params.Checkout {
		d, err := e.exec.Defer(ctx, sc, plan)
		if err != nil {
			return nil, err
		}
		return &AttachResult{Plan: plan, Deferred: d}, nil
	}
	res, err := e.exec.Execute(ctx, sc, plan, keyOr(params.IdempotencyKey, plan))
	if res == nil {
		return nil, err
	}
	return &AttachResult{Plan: plan, Result: res}, err
}

// AttachBundle attaches several products with one plan. Each product is
// computed against the state the ones before it leave behind, so the bundle
// is charged on a single invoice. Checkout and IdempotencyKey are read from
// the first entry.
func (e *Engine) AttachBundle(ctx context.Context, sc entitle.Scope, customerID string, bundle []AttachParams) (*AttachResult, error) {
	if len(bundle) == 0 {
		return nil, entitle.ValidationError{Field: "products", Message: "required"}
	}
	view, err := e.store.LoadView(ctx, sc, customerID)
	if err != nil {
		return nil, err
	}
	now := e.now()

	var plan *billing.Plan
	for _, params := range bundle {
		p, err := e.store.GetProduct(ctx, sc, params.ProductID, params.Version)
		if err != nil {
			return nil, err
		}
		req := params.request(p)
		req.Now = now
		next, err := billing.Compute(billing.State{Scope: sc, View: view}, req)
		if err != nil {
			return nil, fmt.Errorf("bundle product %s: %w", params.ProductID, err)
		}
		eff, err := next.Resolve(view, now)
		if err != nil {
			return nil, fmt.Errorf("bundle product %s: %w", params.ProductID, err)
		}
		view = eff.Apply(view)

		if plan == nil {
			plan = next
			continue
		}
		if plan, err = billing.Merge(plan, next); err != nil {
			return nil, err
		}
	}

	if bundle[0].Checkout {
		d, err := e.exec.Defer(ctx, sc, plan)
		if err != nil {
			return nil, err
		}
		return &AttachResult{Plan: plan, Deferred: d}, nil
	}
	res, err := e.exec.Execute(ctx, sc, plan, keyOr(bundle[0].IdempotencyKey, plan))
	if res == nil {
		return nil, err
	}
	return &AttachResult{Plan: plan, Result: res}, err
}

// CancelParams selects a product to cancel. CustomerProductID wins over
// ProductID.
type CancelParams struct {
	CustomerProductID id.ID
	ProductID         string
	EntityID          string
	Timing            billing.Timing
	IdempotencyKey    string
}

// Cancel cancels a product, at the end of the cycle unless Timing says
// otherwise.
func (e *Engine) Cancel(ctx context.Context, sc entitle.Scope, customerID string, params CancelParams) (*executor.Result, error) {
	req := billing.Request{
		Cancel:            true,
		CustomerProductID: params.CustomerProductID,
		EntityID:          params.EntityID,
		Timing:            params.Timing,
	}
	if params.CustomerProductID.IsNil() {
		p, err := e.store.GetProduct(ctx, sc, params.ProductID, 0)
		if err != nil {
			return nil, err
		}
		req.Product = p
	}
	plan, err := e.compute(ctx, sc, customerID, req)
	if err != nil {
		return nil, err
	}
	return e.exec.Execute(ctx, sc, plan, keyOr(params.IdempotencyKey, plan))
}

// Uncancel resumes a product that is set to end.
func (e *Engine) Uncancel(ctx context.Context, sc entitle.Scope, customerID string, customerProductID id.ID, idempotencyKey string) (*executor.Result, error) {
	view, err := e.store.LoadView(ctx, sc, customerID)
	if err != nil {
		return nil, err
	}
	cp := view.Product(customerProductID)
	if cp == nil || !cp.Status.IsLive() {
		return nil, entitle.ErrCustomerProductNotFound
	}
	if !cp.IsCanceled() {
		return nil, entitle.ValidationError{Field: "customer_product_id", Message: "product is not canceled"}
	}
	p, err := e.store.GetProduct(ctx, sc, cp.ProductID, cp.ProductVersion)
	if err != nil {
		return nil, err
	}
	plan, err := billing.Compute(billing.State{Scope: sc, View: view}, billing.Request{
		Product:  p,
		EntityID: cp.EntityID,
		Options:  cp.Options,
		Quantity: cp.Quantity,
		Now:      e.now(),
	})
	if err != nil {
		return nil, err
	}
	return e.exec.Execute(ctx, sc, plan, keyOr(idempotencyKey, plan))
}

// UpdateQuantity changes the prepaid options or seat quantity of an
// attached product. The product version stays the same.
func (e *Engine) UpdateQuantity(ctx context.Context, sc entitle.Scope, customerID string, customerProductID id.ID, options []customer.Option, quantity int64, idempotencyKey string) (*executor.Result, error) {
	view, err := e.store.LoadView(ctx, sc, customerID)
	if err != nil {
		return nil, err
	}
	cp := view.Product(customerProductID)
	if cp == nil || !cp.Status.IsLive() {
		return nil, entitle.ErrCustomerProductNotFound
	}
	p, err := e.store.GetProduct(ctx, sc, cp.ProductID, cp.ProductVersion)
	if err != nil {
		return nil, err
	}
	if options == nil {
		options = cp.Options
	}
	if quantity <= 0 {
		quantity = cp.Quantity
	}
	plan, err := billing.Compute(billing.State{Scope: sc, View: view}, billing.Request{
		Product:  p,
		EntityID: cp.EntityID,
		Options:  options,
		Quantity: quantity,
		Now:      e.now(),
	})
	if err != nil {
		return nil, err
	}
	if plan.Scenario() != billing.ScenarioActive {
		return nil, fmt.Errorf("update quantity: unexpected %s plan: %w", plan.Scenario(), entitle.ErrInvalidRequest)
	}
	return e.exec.Execute(ctx, sc, plan, keyOr(idempotencyKey, plan))
}

func (e *Engine) compute(ctx context.Context, sc entitle.Scope, customerID string, req billing.Request) (*billing.Plan, error) {
	view, err := e.store.LoadView(ctx, sc, customerID)
	if err != nil {
		return nil, err
	}
	req.Now = e.now()
	return billing.Compute(billing.State{Scope: sc, View: view}, req)
}

func keyOr(key string, plan *billing.Plan) string {
	if key != "" {
		return key
	}
	return plan.ID().String()
}

// ──────────────────────────────────────────────────
// Processor webhooks
// ──────────────────────────────────────────────────

// OnCheckoutCompleted runs the plan deferred under the checkout.
func (e *Engine) OnCheckoutCompleted(ctx context.Context, sc entitle.Scope, c executor.CheckoutCompleted) (*executor.Result, error) {
	return e.exec.OnCheckoutCompleted(ctx, sc, c)
}

// OnInvoicePaid records a paid invoice against its subscription.
func (e *Engine) OnInvoicePaid(ctx context.Context, sc entitle.Scope, inv executor.InvoicePaid) ([]*executor.Result, error) {
	return e.exec.OnInvoicePaid(ctx, sc, inv)
}

// OnSubscriptionPastDue marks the subscription's products as past due.
func (e *Engine) OnSubscriptionPastDue(ctx context.Context, sc entitle.Scope, subscriptionID string) ([]*executor.Result, error) {
	return e.exec.OnSubscriptionPastDue(ctx, sc, subscriptionID)
}

// ──────────────────────────────────────────────────
// Catalog and customers
// ──────────────────────────────────────────────────

// CreateCustomer creates a customer in the scope.
func (e *Engine) CreateCustomer(ctx context.Context, sc entitle.Scope, c *customer.Customer) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	if c.ID == "" {
		return entitle.ValidationError{Field: "id", Message: "required"}
	}
	if c.InternalID.IsNil() {
		c.InternalID = id.NewCustomerID()
	}
	c.OrgID, c.Env = sc.OrgID, sc.Env
	if c.CreatedAt.IsZero() {
		c.Entity = types.NewEntity(e.now())
	}
	return e.store.CreateCustomer(ctx, c)
}

// GetCustomer returns a customer with their products and entitlements.
func (e *Engine) GetCustomer(ctx context.Context, sc entitle.Scope, customerID string) (*customer.View, error) {
	return e.store.LoadView(ctx, sc, customerID)
}

// CreateProduct stores a new catalog product version. A zero Version takes
// the next one.
func (e *Engine) CreateProduct(ctx context.Context, sc entitle.Scope, p *product.Product) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	p.OrgID, p.Env = sc.OrgID, sc.Env
	if p.CreatedAt.IsZero() {
		p.Entity = types.NewEntity(e.now())
	}
	return e.store.CreateProduct(ctx, p)
}

// ListProducts returns the latest version of each catalog product.
func (e *Engine) ListProducts(ctx context.Context, sc entitle.Scope, opts product.ListOpts) ([]*product.Product, error) {
	return e.store.ListProducts(ctx, sc, opts)
}

// LineItems returns the customer's most recent line items.
func (e *Engine) LineItems(ctx context.Context, sc entitle.Scope, customerID string, limit int) ([]billing.LineItem, error) {
	c, err := e.store.GetCustomer(ctx, sc, customerID)
	if err != nil {
		return nil, err
	}
	return e.store.ListLineItems(ctx, c.InternalID, limit)
}
