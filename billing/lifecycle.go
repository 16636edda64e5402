package billing

import (
	"fmt"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/product"
	"github.com/xraph/entitle/types"
)

// ExpirePlan ends a canceled product whose cancellation has taken effect.
func ExpirePlan(st State, customerProductID id.ID, now time.Time) (*Plan, error) {
	cp, err := lookup(st, customerProductID)
	if err != nil {
		return nil, err
	}
	if !cp.Status.IsLive() || !cp.IsCanceled() || cp.CanceledAt.After(now) {
		return nil, fmt.Errorf("expire %s: %w", cp.ID, entitle.ErrInvalidTransition)
	}

	b := newBuilder(st, ScenarioExpire, now)
	b.primary = cp.ID
	ended := *cp.CanceledAt
	expired := customer.StatusExpired
	b.setUpdate(cp.ID, ProductDelta{Status: &expired, EndedAt: &ended})
	return b.build(nil)
}

// ActivatePlan starts a scheduled product. Rollovers, entities and usage
// carry over from the product it replaces.
func ActivatePlan(st State, customerProductID id.ID, now time.Time) (*Plan, error) {
	cp, err := lookup(st, customerProductID)
	if err != nil {
		return nil, err
	}
	if cp.Status != customer.StatusScheduled || cp.StartsAt.After(now) {
		return nil, fmt.Errorf("activate %s: %w", cp.ID, entitle.ErrInvalidTransition)
	}
	v := st.View
	if !cp.IsAddOn {
		if cur := v.MainProduct(cp.Group, cp.EntityID); cur != nil {
			return nil, fmt.Errorf("activate %s: group %q still has %s: %w", cp.ID, cp.Group, cur.ID, entitle.ErrUniquenessViolation)
		}
	}

	b := newBuilder(st, ScenarioActivate, now)
	b.primary = cp.ID
	active := customer.StatusActive
	b.setUpdate(cp.ID, ProductDelta{Status: &active})

	if prev := replaced(v, cp); prev != nil {
		ents := v.EntitlementsOf(cp.ID)
		next := make([]*customer.Entitlement, len(ents))
		for i, e := range ents {
			next[i] = e.Clone()
		}
		carryOver(v.EntitlementsOf(prev.ID), next, false, now)
		for i, e := range next {
			before := ents[i]
			if e.Balance.Equal(before.Balance) && len(e.Rollovers) == len(before.Rollovers) && len(e.Entities) == len(before.Entities) {
				continue
			}
			bal := e.Balance
			b.entUpds = append(b.entUpds, EntitlementUpdate{
				EntitlementID: e.ID,
				Absolute:      &bal,
				Entities:      e.Entities,
				AddRollovers:  e.Rollovers[len(before.Rollovers):],
			})
		}
	}

	activated := cp.Clone()
	activated.Status = customer.StatusActive
	b.charge(activated, false)
	b.subscribe(activated)
	return b.build(nil)
}

// replaced returns the most recently ended product in the same slot.
func replaced(v *customer.View, cp *customer.Product) *customer.Product {
	var prev *customer.Product
	for _, p := range v.Products {
		if p.ID == cp.ID || p.Status != customer.StatusExpired || p.EndedAt == nil {
			continue
		}
		if p.Group != cp.Group || p.EntityID != cp.EntityID || p.IsAddOn != cp.IsAddOn {
			continue
		}
		if cp.IsAddOn && p.ProductID != cp.ProductID {
			continue
		}
		if prev == nil || p.EndedAt.After(*prev.EndedAt) {
			prev = p
		}
	}
	return prev
}

// PastDuePlan marks a live product as past due after a failed payment.
func PastDuePlan(st State, customerProductID id.ID, now time.Time) (*Plan, error) {
	cp, err := lookup(st, customerProductID)
	if err != nil {
		return nil, err
	}
	if cp.Status != customer.StatusActive {
		return nil, fmt.Errorf("past due %s: %w", cp.ID, entitle.ErrInvalidTransition)
	}
	b := newBuilder(st, ScenarioPastDue, now)
	b.primary = cp.ID
	pastDue := customer.StatusPastDue
	b.setUpdate(cp.ID, ProductDelta{Status: &pastDue})
	return b.build(nil)
}

// RecoverPlan returns a past-due product to active once payment succeeds.
func RecoverPlan(st State, customerProductID id.ID, paymentRef string, now time.Time) (*Plan, error) {
	cp, err := lookup(st, customerProductID)
	if err != nil {
		return nil, err
	}
	if cp.Status != customer.StatusPastDue {
		return nil, fmt.Errorf("recover %s: %w", cp.ID, entitle.ErrInvalidTransition)
	}
	b := newBuilder(st, ScenarioRecover, now)
	b.primary = cp.ID
	active := customer.StatusActive
	d := ProductDelta{Status: &active}
	if paymentRef != "" {
		d.LastPaymentRef = &paymentRef
	}
	b.setUpdate(cp.ID, d)
	return b.build(nil)
}

// PaymentPlan records a successful payment on a live product so later
// refunds can reference it.
func PaymentPlan(st State, customerProductID id.ID, paymentRef string, now time.Time) (*Plan, error) {
	cp, err := lookup(st, customerProductID)
	if err != nil {
		return nil, err
	}
	if !cp.Status.IsLive() || paymentRef == "" {
		return nil, fmt.Errorf("record payment %s: %w", cp.ID, entitle.ErrInvalidTransition)
	}
	b := newBuilder(st, ScenarioActive, now)
	b.primary = cp.ID
	b.setUpdate(cp.ID, ProductDelta{LastPaymentRef: &paymentRef})
	return b.build(nil)
}

func lookup(st State, customerProductID id.ID) (*customer.Product, error) {
	if st.View == nil || st.View.Customer == nil {
		return nil, entitle.ErrCustomerNotFound
	}
	cp := st.View.Product(customerProductID)
	if cp == nil {
		return nil, fmt.Errorf("%s: %w", customerProductID, entitle.ErrCustomerProductNotFound)
	}
	return cp, nil
}

// ConvertTrialPlan ends the free trial of a live product. The period restarts
// at the trial end. A product with a processor subscription is billed by the
// processor; otherwise its upfront prices are charged here.
func ConvertTrialPlan(st State, customerProductID id.ID, now time.Time) (*Plan, error) {
	cp, err := lookup(st, customerProductID)
	if err != nil {
		return nil, err
	}
	end := cp.PendingTrialEnd()
	if !cp.Status.IsLive() || cp.IsCanceled() || end == nil || end.After(now) {
		return nil, fmt.Errorf("convert trial %s: %w", cp.ID, entitle.ErrInvalidTransition)
	}
	interval, err := (&product.Product{Prices: cp.Prices}).Interval()
	if err != nil {
		return nil, err
	}
	period := types.NewPeriod(*end, interval)

	b := newBuilder(st, ScenarioTrialEnd, now)
	b.primary = cp.ID
	b.setUpdate(cp.ID, ProductDelta{Period: &period, EndTrial: true})
	if cp.ProcessorSubscriptionID == "" {
		converted := cp.Clone()
		converted.TrialConverted = true
		converted.Period = period
		b.charge(converted, false)
	}
	return b.build(nil)
}
