// Package billing computes billing plans: the ledger rows, prorated line
// items and processor actions that move a customer from one product state to
// another. Computation is pure; the executor package carries plans out.
package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
)

// Scenario names the transition a plan performs.
type Scenario string

const (
	ScenarioNew       Scenario = "new"
	ScenarioActive    Scenario = "active"
	ScenarioRenew     Scenario = "renew"
	ScenarioScheduled Scenario = "scheduled"
	ScenarioUpgrade   Scenario = "upgrade"
	ScenarioDowngrade Scenario = "downgrade"
	ScenarioCancel    Scenario = "cancel"
	ScenarioExpire    Scenario = "expire"
	ScenarioActivate  Scenario = "activate"
	ScenarioPastDue   Scenario = "past_due"
	ScenarioRecover   Scenario = "recover"
	ScenarioTrialEnd  Scenario = "trial_end"
	ScenarioGrant     Scenario = "grant"
)

// Insert is a customer product attached by a plan together with the
// entitlements it grants.
type Insert struct {
	Product      *customer.Product      `json:"product"`
	Entitlements []*customer.Entitlement `json:"entitlements"`
}

func (i Insert) clone() Insert {
	out := Insert{Product: i.Product.Clone()}
	for _, e := range i.Entitlements {
		out.Entitlements = append(out.Entitlements, e.Clone())
	}
	return out
}

// Update changes fields of one existing customer product.
type Update struct {
	CustomerProductID id.ID        `json:"customer_product_id"`
	Delta             ProductDelta `json:"delta"`
}

// ProductDelta holds the product fields a plan sets. Nil fields are left
// untouched.
type ProductDelta struct {
	Status                  *customer.Status  `json:"status,omitempty"`
	CanceledAt              *time.Time        `json:"canceled_at,omitempty"`
	ClearCanceledAt         bool              `json:"clear_canceled_at,omitempty"`
	EndedAt                 *time.Time        `json:"ended_at,omitempty"`
	Period                  *types.Period     `json:"period,omitempty"`
	Options                 []customer.Option `json:"options,omitempty"`
	Quantity                *int64            `json:"quantity,omitempty"`
	ProcessorSubscriptionID *string           `json:"processor_subscription_id,omitempty"`
	LastPaymentRef          *string           `json:"last_payment_ref,omitempty"`
	EndTrial                bool              `json:"end_trial,omitempty"`
}

// ApplyTo writes the delta onto p.
func (d ProductDelta) ApplyTo(p *customer.Product) {
	if d.Status != nil {
		p.Status = *d.Status
	}
	if d.ClearCanceledAt {
		p.CanceledAt = nil
	}
	if d.CanceledAt != nil {
		t := *d.CanceledAt
		p.CanceledAt = &t
	}
	if d.EndedAt != nil {
		t := *d.EndedAt
		p.EndedAt = &t
	}
	if d.Period != nil {
		p.Period = *d.Period
	}
	if d.Options != nil {
		p.Options = append([]customer.Option(nil), d.Options...)
	}
	if d.Quantity != nil {
		p.Quantity = *d.Quantity
	}
	if d.ProcessorSubscriptionID != nil {
		p.ProcessorSubscriptionID = *d.ProcessorSubscriptionID
	}
	if d.LastPaymentRef != nil {
		p.LastPaymentRef = *d.LastPaymentRef
	}
	if d.EndTrial {
		p.TrialConverted = true
	}
}

// merge overlays the fields set in later onto d.
func (d ProductDelta) merge(later ProductDelta) ProductDelta {
	if later.Status != nil {
		d.Status = later.Status
	}
	if later.ClearCanceledAt {
		d.ClearCanceledAt = true
		d.CanceledAt = nil
	}
	if later.CanceledAt != nil {
		d.CanceledAt = later.CanceledAt
		d.ClearCanceledAt = false
	}
	if later.EndedAt != nil {
		d.EndedAt = later.EndedAt
	}
	if later.Period != nil {
		d.Period = later.Period
	}
	if later.Options != nil {
		d.Options = later.Options
	}
	if later.Quantity != nil {
		d.Quantity = later.Quantity
	}
	if later.ProcessorSubscriptionID != nil {
		d.ProcessorSubscriptionID = later.ProcessorSubscriptionID
	}
	if later.LastPaymentRef != nil {
		d.LastPaymentRef = later.LastPaymentRef
	}
	if later.EndTrial {
		d.EndTrial = true
	}
	return d
}

// EntitlementUpdate changes one existing entitlement. BalanceChange and
// Absolute are mutually exclusive. For entity-scoped entitlements a
// BalanceChange applies to every entity and Absolute sets Entities.
type EntitlementUpdate struct {
	EntitlementID id.ID                      `json:"entitlement_id"`
	BalanceChange *decimal.Decimal           `json:"balance_change,omitempty"`
	Absolute      *decimal.Decimal           `json:"absolute,omitempty"`
	Entities      map[string]decimal.Decimal `json:"entities,omitempty"`
	Allowance     *decimal.Decimal           `json:"allowance,omitempty"`
	AddRollovers  []customer.Rollover        `json:"add_rollovers,omitempty"`
}

// ApplyTo writes the update onto e.
func (u EntitlementUpdate) ApplyTo(e *customer.Entitlement) {
	if u.Allowance != nil {
		a := *u.Allowance
		e.Allowance = &a
	}
	switch {
	case u.Absolute != nil && e.EntityScoped && u.Entities != nil:
		e.Entities = make(map[string]decimal.Decimal, len(u.Entities))
		for k, v := range u.Entities {
			e.Entities[k] = v
		}
		e.Balance = sumEntities(e.Entities)
	case u.Absolute != nil:
		e.Balance = *u.Absolute
	case u.BalanceChange != nil && e.EntityScoped && len(e.Entities) > 0:
		for k, v := range e.Entities {
			e.Entities[k] = v.Add(*u.BalanceChange)
		}
		e.Balance = sumEntities(e.Entities)
	case u.BalanceChange != nil:
		e.Balance = e.Balance.Add(*u.BalanceChange)
	}
	e.Rollovers = append(e.Rollovers, u.AddRollovers...)
}

func sumEntities(m map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range m {
		total = total.Add(v)
	}
	return total
}

// Plan is an immutable billing plan. Accessors return copies.
type Plan struct {
	id                 id.ID
	scope              entitle.Scope
	customerID         string
	customerInternalID id.ID
	scenario           Scenario
	computedAt         time.Time

	inserts            []Insert
	update             *Update
	delete             *id.ID
	entitlementUpdates []EntitlementUpdate
	lineItems          []LineItem
	actions            []Action
}

func (p *Plan) ID() id.ID                 { return p.id }
func (p *Plan) Scope() entitle.Scope      { return p.scope }
func (p *Plan) CustomerID() string        { return p.customerID }
func (p *Plan) CustomerInternalID() id.ID { return p.customerInternalID }
func (p *Plan) Scenario() Scenario        { return p.scenario }
func (p *Plan) ComputedAt() time.Time     { return p.computedAt }

// Inserts returns the customer products the plan attaches.
func (p *Plan) Inserts() []Insert {
	out := make([]Insert, len(p.inserts))
	for i, ins := range p.inserts {
		out[i] = ins.clone()
	}
	return out
}

// Update returns the product update, if any.
func (p *Plan) Update() (Update, bool) {
	if p.update == nil {
		return Update{}, false
	}
	return *p.update, true
}

// Delete returns the customer product the plan removes, if any.
func (p *Plan) Delete() (id.ID, bool) {
	if p.delete == nil {
		return id.Nil, false
	}
	return *p.delete, true
}

func (p *Plan) EntitlementUpdates() []EntitlementUpdate {
	return append([]EntitlementUpdate(nil), p.entitlementUpdates...)
}

func (p *Plan) LineItems() []LineItem { return append([]LineItem(nil), p.lineItems...) }

func (p *Plan) Actions() []Action { return append([]Action(nil), p.actions...) }

// IsEmpty reports whether the plan changes nothing.
func (p *Plan) IsEmpty() bool {
	return len(p.inserts) == 0 && p.update == nil && p.delete == nil &&
		len(p.entitlementUpdates) == 0 && len(p.lineItems) == 0 && len(p.actions) == 0
}

// Total returns the signed sum of line items after discounts. Charges are
// positive.
func (p *Plan) Total() types.Money {
	return total(p.lineItems)
}

// Validate checks the plan's structural invariants.
func (p *Plan) Validate() error {
	if p.IsEmpty() {
		return entitle.ErrEmptyPlan
	}
	for _, ins := range p.inserts {
		per := ins.Product.Period
		if !per.IsOpen() && !per.End.After(per.Start) {
			return fmt.Errorf("customer product %s: %w", ins.Product.ID, entitle.ErrZeroLengthPeriod)
		}
	}
	if elided := elide(p.lineItems); len(elided) != len(p.lineItems) {
		return fmt.Errorf("billing plan %s: net-zero line items: %w", p.id, entitle.ErrInvariantViolation)
	}
	return nil
}

func (p *Plan) clone() *Plan {
	out := *p
	out.inserts = p.Inserts()
	if p.update != nil {
		u := *p.update
		out.update = &u
	}
	if p.delete != nil {
		d := *p.delete
		out.delete = &d
	}
	out.entitlementUpdates = p.EntitlementUpdates()
	out.lineItems = p.LineItems()
	out.actions = p.Actions()
	return &out
}

// WithoutActions returns a copy of the plan with no processor actions.
func (p *Plan) WithoutActions() *Plan {
	out := p.clone()
	out.actions = nil
	return out
}

// WithoutAction returns a copy of the plan without actions of one kind.
func (p *Plan) WithoutAction(kind ActionKind) *Plan {
	out := p.clone()
	out.actions = out.actions[:0]
	for _, a := range p.actions {
		if a.Kind != kind {
			out.actions = append(out.actions, a)
		}
	}
	return out
}

// SkipActions returns a copy of the plan without its first n actions.
func (p *Plan) SkipActions(n int) *Plan {
	out := p.clone()
	if n > len(out.actions) {
		n = len(out.actions)
	}
	out.actions = out.actions[n:]
	return out
}

// WithSubscription returns a copy of the plan with the processor
// subscription of one customer product recorded on the inserted product or
// the update, and on every later action for that product.
func (p *Plan) WithSubscription(customerProductID id.ID, subscriptionID string) *Plan {
	out := p.clone()
	for i := range out.inserts {
		if out.inserts[i].Product.ID == customerProductID {
			out.inserts[i].Product.ProcessorSubscriptionID = subscriptionID
		}
	}
	if out.update != nil && out.update.CustomerProductID == customerProductID {
		sub := subscriptionID
		out.update.Delta.ProcessorSubscriptionID = &sub
	}
	for i := range out.actions {
		a := &out.actions[i]
		if a.CustomerProductID == customerProductID && a.Kind != ActionCreateSubscription {
			a.SubscriptionID = subscriptionID
		}
	}
	return out
}

// WithPaymentRef returns a copy of the plan that records ref as the last
// payment of the updated or inserted product.
func (p *Plan) WithPaymentRef(customerProductID id.ID, ref string) *Plan {
	out := p.clone()
	for i := range out.inserts {
		if out.inserts[i].Product.ID == customerProductID {
			out.inserts[i].Product.LastPaymentRef = ref
		}
	}
	if out.update != nil && out.update.CustomerProductID == customerProductID {
		r := ref
		out.update.Delta.LastPaymentRef = &r
	}
	return out
}

// ──────────────────────────────────────────────────
// JSON
// ──────────────────────────────────────────────────

type planJSON struct {
	ID                 id.ID               `json:"id"`
	Scope              entitle.Scope       `json:"scope"`
	CustomerID         string              `json:"customer_id"`
	CustomerInternalID id.ID               `json:"customer_internal_id"`
	Scenario           Scenario            `json:"scenario"`
	ComputedAt         time.Time           `json:"computed_at"`
	Inserts            []Insert            `json:"inserts,omitempty"`
	Update             *Update             `json:"update,omitempty"`
	Delete             *id.ID              `json:"delete,omitempty"`
	EntitlementUpdates []EntitlementUpdate `json:"entitlement_updates,omitempty"`
	LineItems          []LineItem          `json:"line_items,omitempty"`
	Actions            []Action            `json:"actions,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (p *Plan) MarshalJSON() ([]byte, error) {
	return json.Marshal(planJSON{
		ID:                 p.id,
		Scope:              p.scope,
		CustomerID:         p.customerID,
		CustomerInternalID: p.customerInternalID,
		Scenario:           p.scenario,
		ComputedAt:         p.computedAt,
		Inserts:            p.inserts,
		Update:             p.update,
		Delete:             p.delete,
		EntitlementUpdates: p.entitlementUpdates,
		LineItems:          p.lineItems,
		Actions:            p.actions,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Plan) UnmarshalJSON(data []byte) error {
	var raw planJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("billing plan: %w", err)
	}
	*p = Plan{
		id:                 raw.ID,
		scope:              raw.Scope,
		customerID:         raw.CustomerID,
		customerInternalID: raw.CustomerInternalID,
		scenario:           raw.Scenario,
		computedAt:         raw.ComputedAt,
		inserts:            raw.Inserts,
		update:             raw.Update,
		delete:             raw.Delete,
		entitlementUpdates: raw.EntitlementUpdates,
		lineItems:          raw.LineItems,
		actions:            raw.Actions,
	}
	return nil
}
