package billing

import (
	"fmt"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/id"
)

// Effect is the set of ledger rows a plan writes.
type Effect struct {
	InsertProducts      []*customer.Product
	InsertEntitlements  []*customer.Entitlement
	UpdatedProduct      *customer.Product
	UpdatedEntitlements []*customer.Entitlement
	DeletedProductID    *id.ID
	LineItems           []LineItem
}

// Resolve computes the rows the plan writes against the customer's current
// ledger view. Stores call it inside the transaction that applies the plan.
// The resulting state must keep at most one live main product per group.
func (p *Plan) Resolve(v *customer.View, now time.Time) (*Effect, error) {
	eff := &Effect{LineItems: p.LineItems()}

	for _, ins := range p.Inserts() {
		eff.InsertProducts = append(eff.InsertProducts, ins.Product)
		eff.InsertEntitlements = append(eff.InsertEntitlements, ins.Entitlements...)
	}

	if p.update != nil {
		cp := v.Product(p.update.CustomerProductID)
		if cp == nil {
			return nil, fmt.Errorf("update %s: %w", p.update.CustomerProductID, entitle.ErrCustomerProductNotFound)
		}
		cp = cp.Clone()
		p.update.Delta.ApplyTo(cp)
		cp.Touch(now)
		eff.UpdatedProduct = cp
	}

	if p.delete != nil && v.Product(*p.delete) != nil {
		d := *p.delete
		eff.DeletedProductID = &d
	}

	updated := make(map[id.ID]*customer.Entitlement)
	var order []id.ID
	for _, u := range p.entitlementUpdates {
		e, ok := updated[u.EntitlementID]
		if !ok {
			for _, cur := range v.Entitlements {
				if cur.ID == u.EntitlementID {
					e = cur.Clone()
					break
				}
			}
			if e == nil {
				return nil, fmt.Errorf("update %s: %w", u.EntitlementID, entitle.ErrEntitlementNotFound)
			}
			updated[u.EntitlementID] = e
			order = append(order, u.EntitlementID)
		}
		u.ApplyTo(e)
		e.Touch(now)
	}
	for _, entID := range order {
		eff.UpdatedEntitlements = append(eff.UpdatedEntitlements, updated[entID])
	}

	if err := eff.Apply(v).CheckUniqueness(); err != nil {
		return nil, err
	}
	return eff, nil
}

// Apply returns a new view with the effect's rows written. The input view
// is not modified.
func (e *Effect) Apply(v *customer.View) *customer.View {
	out := &customer.View{Customer: v.Customer}

	deleted := func(cpID id.ID) bool { return e.DeletedProductID != nil && *e.DeletedProductID == cpID }
	for _, cp := range v.Products {
		switch {
		case deleted(cp.ID):
			continue
		case e.UpdatedProduct != nil && e.UpdatedProduct.ID == cp.ID:
			out.Products = append(out.Products, e.UpdatedProduct)
		default:
			out.Products = append(out.Products, cp)
		}
	}
	out.Products = append(out.Products, e.InsertProducts...)

	updated := make(map[id.ID]*customer.Entitlement, len(e.UpdatedEntitlements))
	for _, ent := range e.UpdatedEntitlements {
		updated[ent.ID] = ent
	}
	for _, ent := range v.Entitlements {
		if deleted(ent.CustomerProductID) {
			continue
		}
		if u, ok := updated[ent.ID]; ok {
			out.Entitlements = append(out.Entitlements, u)
			continue
		}
		out.Entitlements = append(out.Entitlements, ent)
	}
	out.Entitlements = append(out.Entitlements, e.InsertEntitlements...)
	return out
}
