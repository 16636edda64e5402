package executor

import (
	"context"
	"fmt"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/billing"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/id"
)

// InvoicePaid is the payload of a processor invoice.paid notification.
type InvoicePaid struct {
	SubscriptionID string
	InvoiceID      string
	PaymentRef     string
	// DeferredID is set when the invoice settles a checkout.
	DeferredID string
}

// CheckoutCompleted is the payload of a processor checkout notification.
type CheckoutCompleted struct {
	DeferredID     string
	SubscriptionID string
	PaymentRef     string
}

// Defer stores plan until the customer completes checkout. The plan runs
// when CheckoutCompleted names the returned ID.
func (x *Executor) Defer(ctx context.Context, sc entitle.Scope, plan *billing.Plan) (*billing.Deferred, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, entitle.ErrEmptyPlan
	}
	d := &billing.Deferred{
		ID:         id.NewDeferredID(),
		Scope:      sc,
		CustomerID: plan.CustomerID(),
		Plan:       plan,
		CreatedAt:  x.now().UTC(),
	}
	if err := x.store.SaveDeferred(ctx, d); err != nil {
		return nil, fmt.Errorf("executor: defer plan %s: %w", plan.ID(), err)
	}
	x.logger.Info("plan deferred until checkout",
		"deferred_id", d.ID.String(),
		"customer_id", d.CustomerID,
		"plan_id", plan.ID().String(),
	)
	return d, nil
}

// OnCheckoutCompleted runs a deferred plan. The checkout already created the
// subscription and collected payment, so those actions are dropped and their
// references recorded on the plan instead.
func (x *Executor) OnCheckoutCompleted(ctx context.Context, sc entitle.Scope, c CheckoutCompleted) (*Result, error) {
	deferredID, err := id.ParseDeferredID(c.DeferredID)
	if err != nil {
		return nil, entitle.ValidationError{Field: "deferred_id", Message: err.Error()}
	}
	d, err := x.store.TakeDeferred(ctx, deferredID)
	if err != nil {
		return nil, err
	}
	if d.Scope != sc {
		x.restore(ctx, d)
		return nil, fmt.Errorf("executor: deferred plan %s: %w", deferredID, entitle.ErrDeferredPlanNotFound)
	}

	plan := settled(d.Plan, c.SubscriptionID, c.PaymentRef)
	res, err := x.Execute(ctx, sc, plan, "checkout:"+c.DeferredID)
	if err != nil && res == nil {
		x.restore(ctx, d)
	}
	return res, err
}

// settled strips the actions a checkout performed and records their results.
func settled(plan *billing.Plan, subscriptionID, paymentRef string) *billing.Plan {
	out := plan.WithoutAction(billing.ActionCreateSubscription).WithoutAction(billing.ActionCreateInvoice)
	for _, a := range plan.Actions() {
		switch {
		case a.Kind == billing.ActionCreateSubscription && subscriptionID != "":
			out = out.WithSubscription(a.CustomerProductID, subscriptionID)
		case a.Kind == billing.ActionCreateInvoice && paymentRef != "":
			out = out.WithPaymentRef(a.CustomerProductID, paymentRef)
		}
	}
	return out
}

func (x *Executor) restore(ctx context.Context, d *billing.Deferred) {
	if err := x.store.SaveDeferred(ctx, d); err != nil {
		x.logger.Error("failed to restore deferred plan", "deferred_id", d.ID.String(), "error", err)
	}
}

// OnSubscriptionPastDue marks every active product on the subscription as past
// due.
func (x *Executor) OnSubscriptionPastDue(ctx context.Context, sc entitle.Scope, subscriptionID string) ([]*Result, error) {
	return x.eachProduct(ctx, sc, subscriptionID, func(st billing.State, cp *customer.Product) (*billing.Plan, string, error) {
		if cp.Status != customer.StatusActive {
			return nil, "", nil
		}
		p, err := billing.PastDuePlan(st, cp.ID, x.now())
		return p, "past_due:" + subscriptionID + ":" + cp.ID.String(), err
	})
}

// OnInvoicePaid recovers past-due products on the subscription and records the
// payment on live ones. When the invoice settles a checkout the deferred plan
// runs instead.
func (x *Executor) OnInvoicePaid(ctx context.Context, sc entitle.Scope, inv InvoicePaid) ([]*Result, error) {
	if inv.DeferredID != "" {
		res, err := x.OnCheckoutCompleted(ctx, sc, CheckoutCompleted{
			DeferredID:     inv.DeferredID,
			SubscriptionID: inv.SubscriptionID,
			PaymentRef:     inv.PaymentRef,
		})
		if res == nil {
			return nil, err
		}
		return []*Result{res}, err
	}

	return x.eachProduct(ctx, sc, inv.SubscriptionID, func(st billing.State, cp *customer.Product) (*billing.Plan, string, error) {
		key := "invoice_paid:" + inv.InvoiceID + ":" + cp.ID.String()
		switch {
		case cp.Status == customer.StatusPastDue:
			p, err := billing.RecoverPlan(st, cp.ID, inv.PaymentRef, x.now())
			return p, key, err
		case cp.Status.IsLive() && inv.PaymentRef != "" && inv.PaymentRef != cp.LastPaymentRef:
			p, err := billing.PaymentPlan(st, cp.ID, inv.PaymentRef, x.now())
			return p, key, err
		}
		return nil, "", nil
	})
}

// eachProduct builds and executes one plan per product on the subscription.
// build returns a nil plan to skip a product. Every product is attempted;
// the errors are joined.
func (x *Executor) eachProduct(ctx context.Context, sc entitle.Scope, subscriptionID string,
	build func(billing.State, *customer.Product) (*billing.Plan, string, error),
) ([]*Result, error) {
	if subscriptionID == "" {
		return nil, entitle.ValidationError{Field: "subscription_id", Message: "required"}
	}
	products, err := x.store.ListProductsBySubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	var (
		results []*Result
		errs    entitle.MultiError
	)
	for _, cp := range products {
		c, err := x.store.GetCustomerByInternalID(ctx, cp.CustomerInternalID)
		if err != nil {
			errs.Add(err)
			continue
		}
		if c.OrgID != sc.OrgID || c.Env != sc.Env {
			continue
		}
		// Each plan changes the view, so reload it for every product.
		view, err := x.store.LoadView(ctx, sc, c.ID)
		if err != nil {
			errs.Add(err)
			continue
		}
		current := view.Product(cp.ID)
		if current == nil {
			continue
		}
		plan, key, err := build(billing.State{Scope: sc, View: view}, current)
		if err != nil {
			errs.Add(err)
			continue
		}
		if plan == nil {
			continue
		}
		res, err := x.Execute(ctx, sc, plan, key)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			errs.Add(err)
		}
	}
	if errs.HasErrors() {
		return results, &errs
	}
	return results, nil
}
