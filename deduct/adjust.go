package deduct

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/balance"
	"github.com/xraph/entitle/cache"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/event"
)

// Adjustment changes one entitlement's balance outside a billing plan, such
// as a manual grant or a correction. EntitlementID selects the entitlement;
// when it is empty FeatureID must match exactly one live entitlement.
// EntityID is required for entity-scoped entitlements that have entities.
type Adjustment struct {
	FeatureID     string          `json:"feature_id,omitempty"`
	EntitlementID string          `json:"entitlement_id,omitempty"`
	EntityID      string          `json:"entity_id,omitempty"`
	Delta         decimal.Decimal `json:"delta"`
}

// Validate checks the adjustment is well formed.
func (a Adjustment) Validate() error {
	if a.FeatureID == "" && a.EntitlementID == "" {
		return entitle.ValidationError{Field: "feature_id", Message: "feature or entitlement required"}
	}
	if a.Delta.IsZero() {
		return entitle.ValidationError{Field: "delta", Message: "must not be zero"}
	}
	return nil
}

// Adjust writes a to the ledger and mirrors it into the cached entry with an
// atomic increment.
func (e *Engine) Adjust(ctx context.Context, sc entitle.Scope, customerID string, a Adjustment) (*Result, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	ref := customerRef{scope: sc, customerID: customerID}
	internalID, err := e.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	var (
		change   balance.Change
		balances map[string]decimal.Decimal
	)
	write := func(ctx context.Context) error {
		if err := e.flushCustomer(ctx, ref); err != nil {
			return err
		}
		return e.store.MutateEntitlements(ctx, internalID, func(ents []*customer.Entitlement) error {
			target, err := adjustTarget(ents, a)
			if err != nil {
				return err
			}
			change = balance.Change{AccountID: target.ID.String(), EntityID: a.EntityID, Delta: a.Delta}
			now := e.now()
			customer.ApplyChanges(ents, []balance.Change{change}, now)
			balances = map[string]decimal.Decimal(balance.Totals(customer.Accounts(ents), now))
			return nil
		})
	}
	mirror := func(ctx context.Context, key cache.Key) error {
		return e.cache.IncrementEntitlementBalance(ctx, key, change.AccountID, change.EntityID, change.Delta)
	}
	if err := e.WriteThrough(ctx, sc, customerID, write, mirror); err != nil {
		return nil, err
	}

	req := balance.Request{EntityID: a.EntityID}
	out := &balance.Outcome{Success: true, Balances: balances, Changes: []balance.Change{change}}
	return e.finish(ctx, ref, req, out, event.SourceLedger), nil
}

func adjustTarget(ents []*customer.Entitlement, a Adjustment) (*customer.Entitlement, error) {
	var target *customer.Entitlement
	for _, ent := range ents {
		switch {
		case a.EntitlementID != "":
			if ent.ID.String() != a.EntitlementID {
				continue
			}
		case ent.FeatureID != a.FeatureID:
			continue
		}
		if target != nil {
			return nil, entitle.ValidationError{Field: "entitlement_id", Message: "feature " + a.FeatureID + " has several entitlements"}
		}
		target = ent
	}
	if target == nil {
		return nil, fmt.Errorf("adjust %s%s: %w", a.FeatureID, a.EntitlementID, entitle.ErrEntitlementNotFound)
	}
	if target.EntityScoped && len(target.Entities) > 0 && a.EntityID == "" {
		return nil, entitle.ValidationError{Field: "entity_id", Message: "required for entity balances"}
	}
	if !target.EntityScoped && a.EntityID != "" {
		return nil, entitle.ValidationError{Field: "entity_id", Message: "entitlement has no entities"}
	}
	return target, nil
}

// WriteThrough runs write against the ledger and then mirror against the
// customer's cached entry, holding the customer's gate alone so no populate
// reads the ledger in between. A missing entry is left for the next
// populate; any other cache failure invalidates the entry.
func (e *Engine) WriteThrough(ctx context.Context, sc entitle.Scope, customerID string, write func(context.Context) error, mirror func(context.Context, cache.Key) error) error {
	ref := customerRef{scope: sc, customerID: customerID}
	g := e.gate(ref)
	g.Lock()
	defer g.Unlock()

	if err := write(ctx); err != nil {
		return err
	}

	key := cache.NewKey(sc, customerID)
	mctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	err := mirror(mctx, key)
	if err == nil || errors.Is(err, entitle.ErrCacheMiss) {
		return nil
	}
	e.logger.Warn("deduct cache increment failed, invalidating",
		"org_id", sc.OrgID,
		"customer_id", customerID,
		"error", err,
	)
	_, _ = e.cache.Delete(ctx, key) //nolint:errcheck // best-effort cache invalidation
	return nil
}
