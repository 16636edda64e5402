package billing

import (
	"fmt"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/id"
)

// Merge combines two plans for the same customer into a new plan, b
// computed against the state a leaves behind. Fields of b's Update override
// a's when both update the same product. Two updates or deletes of
// different products cannot share a plan and fail with
// entitle.ErrPlanConflict.
//
// Line items are concatenated and net-zero pairs elided, after which the
// invoice and refund actions are rebuilt from what is left.
func Merge(a, b *Plan) (*Plan, error) {
	if a.scope != b.scope || a.customerInternalID != b.customerInternalID {
		return nil, fmt.Errorf("merge %s and %s: different customers: %w", a.id, b.id, entitle.ErrPlanConflict)
	}

	out := a.clone()
	out.id = id.NewBillingPlanID()
	out.scenario = b.scenario
	if b.computedAt.After(out.computedAt) {
		out.computedAt = b.computedAt
	}

	if b.update != nil {
		u := *b.update
		if out.update != nil {
			if out.update.CustomerProductID != u.CustomerProductID {
				return nil, fmt.Errorf("merge: updates of %s and %s: %w", out.update.CustomerProductID, u.CustomerProductID, entitle.ErrPlanConflict)
			}
			u.Delta = out.update.Delta.merge(u.Delta)
		}
		out.update = &u
	}
	if b.delete != nil {
		if out.delete != nil && *out.delete != *b.delete {
			return nil, fmt.Errorf("merge: deletes of %s and %s: %w", *out.delete, *b.delete, entitle.ErrPlanConflict)
		}
		d := *b.delete
		out.delete = &d
	}

	out.inserts = append(out.inserts, b.Inserts()...)
	out.entitlementUpdates = append(out.entitlementUpdates, b.entitlementUpdates...)
	out.lineItems = elide(append(out.lineItems, b.lineItems...))
	for i := range out.lineItems {
		out.lineItems[i].PlanID = out.id
	}
	out.actions = settle(append(out.actions, b.actions...), out.lineItems)
	sortActions(out.actions)
	return out, nil
}

// settle replaces the invoice and refund actions with one that collects or
// returns the net of items. The first invoice and refund supply the product
// and payment reference.
func settle(actions []Action, items []LineItem) []Action {
	var invoice, refund *Action
	kept := make([]Action, 0, len(actions))
	for i := range actions {
		switch actions[i].Kind {
		case ActionCreateInvoice:
			if invoice == nil {
				invoice = &actions[i]
			}
		case ActionRefund:
			if refund == nil {
				refund = &actions[i]
			}
		default:
			kept = append(kept, actions[i])
		}
	}

	net := total(items)
	switch {
	case net.IsPositive() && invoice != nil:
		ids := make([]id.ID, 0, len(items))
		for _, l := range items {
			ids = append(ids, l.ID)
		}
		a := *invoice
		a.LineItemIDs = ids
		a.Amount = net
		kept = append(kept, a)
	case net.IsNegative() && refund != nil:
		a := *refund
		a.Amount = net.Neg()
		kept = append(kept, a)
	}
	return kept
}
