package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/product"
	"github.com/xraph/entitle/proration"
	"github.com/xraph/entitle/types"
)

// Timing overrides when a product change takes effect.
type Timing string

const (
	TimingDefault    Timing = ""
	TimingImmediate  Timing = "immediate"
	TimingEndOfCycle Timing = "end_of_cycle"
)

// State is the ledger state a plan is computed against.
type State struct {
	Scope entitle.Scope
	View  *customer.View
}

// Request describes the desired product change. DisableTrial attaches a
// product without starting its free trial.
type Request struct {
	// Product is the catalog product to attach. For a cancellation it
	// selects the product to cancel and may be a free product to fall back
	// to.
	Product *product.Product
	// CustomerProductID selects the product to cancel directly.
	CustomerProductID id.ID
	EntityID          string
	Options           []customer.Option
	Quantity          int64
	Timing            Timing
	Cancel            bool
	CarryUsage        bool
	DisableTrial      bool
	Discount          *Discount
	Now               time.Time
}

func (r Request) quantities() map[string]int64 {
	out := make(map[string]int64, len(r.Options))
	for _, o := range r.Options {
		out[o.FeatureID] = o.Quantity
	}
	return out
}

func (r Request) quantity() int64 {
	if r.Quantity <= 0 {
		return 1
	}
	return r.Quantity
}

// Classify decides which transition a request performs.
func Classify(st State, req Request) (Scenario, error) {
	v := st.View
	if req.Cancel {
		if _, err := cancelTarget(v, req); err != nil {
			return "", err
		}
		return ScenarioCancel, nil
	}
	if req.Product == nil {
		return "", entitle.ValidationError{Field: "product", Message: "required"}
	}
	p := req.Product

	if p.IsAddOn {
		cur := v.AddOn(p.ID, req.EntityID)
		switch {
		case cur == nil:
			return ScenarioNew, nil
		case cur.IsCanceled():
			return ScenarioRenew, nil
		default:
			return ScenarioActive, nil
		}
	}

	if s := v.ScheduledProduct(p.Group, req.EntityID); s != nil && s.ProductID == p.ID {
		return ScenarioScheduled, nil
	}
	cur := v.MainProduct(p.Group, req.EntityID)
	switch {
	case cur == nil:
		return ScenarioNew, nil
	case cur.ProductID == p.ID && cur.IsCanceled():
		return ScenarioRenew, nil
	case cur.ProductID == p.ID:
		return ScenarioActive, nil
	case p.IsFree():
		return ScenarioCancel, nil
	}

	if p.MonthlyTotal(req.quantities()).GreaterThan(monthly(cur)) {
		return ScenarioUpgrade, nil
	}
	return ScenarioDowngrade, nil
}

func monthly(cp *customer.Product) decimal.Decimal {
	return (&product.Product{Prices: cp.Prices}).MonthlyTotal(cp.Quantities())
}

func cancelTarget(v *customer.View, req Request) (*customer.Product, error) {
	var cp *customer.Product
	switch {
	case !req.CustomerProductID.IsNil():
		cp = v.Product(req.CustomerProductID)
	case req.Product != nil && req.Product.IsAddOn:
		cp = v.AddOn(req.Product.ID, req.EntityID)
	case req.Product != nil:
		cp = v.MainProduct(req.Product.Group, req.EntityID)
	}
	if cp == nil || !cp.Status.IsLive() {
		return nil, entitle.ErrCustomerProductNotFound
	}
	return cp, nil
}

// Compute derives the plan that carries out req against st. It performs no
// I/O and reads the time only from req.Now. Equal inputs give plans with equal
// content, but every call mints new plan, product, entitlement and line item
// IDs.
func Compute(st State, req Request) (*Plan, error) {
	if err := st.Scope.Validate(); err != nil {
		return nil, err
	}
	if st.View == nil || st.View.Customer == nil {
		return nil, entitle.ErrCustomerNotFound
	}
	if req.Now.IsZero() {
		return nil, entitle.ValidationError{Field: "now", Message: "required"}
	}
	if req.Product != nil {
		if err := req.Product.Validate(); err != nil {
			return nil, err
		}
		if err := validateOptions(req.Product, req.Options); err != nil {
			return nil, err
		}
		if req.Discount != nil {
			if err := req.Discount.Validate(req.Product.Currency()); err != nil {
				return nil, err
			}
		}
		if err := sameCurrency(st.View, req.Product); err != nil {
			return nil, err
		}
	}

	scenario, err := Classify(st, req)
	if err != nil {
		return nil, err
	}

	b := newBuilder(st, scenario, req.Now)
	switch scenario {
	case ScenarioNew:
		err = b.attach(req)
	case ScenarioActive:
		err = b.changeQuantity(req)
	case ScenarioRenew:
		err = b.renew(req)
	case ScenarioScheduled:
		err = fmt.Errorf("product %s: %w", req.Product.ID, entitle.ErrAlreadyScheduled)
	case ScenarioUpgrade:
		err = b.replace(req)
	case ScenarioDowngrade:
		err = b.downgrade(req)
	case ScenarioCancel:
		err = b.cancel(req)
	}
	if err != nil {
		return nil, err
	}
	return b.build(req.Discount)
}

// sameCurrency rejects a product priced in a different currency from the
// customer's live paid products. Invoices and proration credits are summed
// across products.
func sameCurrency(v *customer.View, p *product.Product) error {
	want := p.Currency()
	if want == "" {
		return nil
	}
	for _, cp := range v.Products {
		if !cp.Status.IsLive() && cp.Status != customer.StatusScheduled {
			continue
		}
		got := (&product.Product{Prices: cp.Prices}).Currency()
		if got != "" && got != want {
			return fmt.Errorf("product %s is %s, customer is billed in %s: %w", p.ID, want, got, entitle.ErrCurrencyMismatch)
		}
	}
	return nil
}

func validateOptions(p *product.Product, opts []customer.Option) error {
	for _, o := range opts {
		if p.PrepaidPrice(o.FeatureID) == nil {
			return entitle.ValidationError{Field: "options.feature_id", Message: "no prepaid price for " + o.FeatureID}
		}
		if o.Quantity < 0 {
			return entitle.ValidationError{Field: "options.quantity", Message: "must not be negative"}
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Builder
// ──────────────────────────────────────────────────

type builder struct {
	st        State
	scenario  Scenario
	now       time.Time
	planID    id.ID
	inserts   []Insert
	update    *Update
	delete    *id.ID
	entUpds   []EntitlementUpdate
	lines     []LineItem
	actions   []Action
	primary   id.ID
	refundRef string
}

func newBuilder(st State, scenario Scenario, now time.Time) *builder {
	return &builder{st: st, scenario: scenario, now: now, planID: id.NewBillingPlanID()}
}

func (b *builder) view() *customer.View { return b.st.View }

func (b *builder) setUpdate(cpID id.ID, d ProductDelta) {
	b.update = &Update{CustomerProductID: cpID, Delta: d}
}

// dropScheduled deletes the product waiting to start in the same slot.
func (b *builder) dropScheduled(group, entityID string) {
	if s := b.view().ScheduledProduct(group, entityID); s != nil {
		sid := s.ID
		b.delete = &sid
	}
}

func (b *builder) newProduct(p *product.Product, req Request, status customer.Status, startsAt time.Time) (*customer.Product, error) {
	interval, err := p.Interval()
	if err != nil {
		return nil, err
	}
	return &customer.Product{
		Entity:             types.NewEntity(b.now),
		ID:                 id.NewCustomerProductID(),
		CustomerInternalID: b.view().Customer.InternalID,
		ProductID:          p.ID,
		ProductVersion:     p.Version,
		Group:              p.Group,
		IsAddOn:            p.IsAddOn,
		EntityID:           req.EntityID,
		Status:             status,
		StartsAt:           startsAt,
		Period:             types.NewPeriod(startsAt, interval),
		Quantity:           req.quantity(),
		Options:            append([]customer.Option(nil), req.Options...),
		Prices:             append([]product.Price(nil), p.Prices...),
	}, nil
}

// startTrial puts cp on p's free trial when the customer never had one for
// p. It must run before entitlements are granted so their first reset lands
// on the trial end.
func (b *builder) startTrial(cp *customer.Product, p *product.Product, req Request) bool {
	if p.FreeTrial == nil || req.DisableTrial || b.view().HasTrialed(p.ID) {
		return false
	}
	end := p.FreeTrial.End(b.now)
	cp.TrialEndsAt = &end
	cp.Period = types.Period{Start: b.now, End: end}
	return true
}

// line adds a line item for one price. Recurring prices are prorated over
// period when prorate is set.
func (b *builder) line(cp *customer.Product, pr product.Price, amount types.Money, dir Direction, period types.Period, prorate bool) {
	prorated := false
	if prorate && pr.IsRecurring() {
		amount = proration.ApplyMoney(b.now, period, amount)
		prorated = true
	}
	if !amount.IsPositive() {
		return
	}
	b.lines = append(b.lines, LineItem{
		ID:                   id.NewLineItemID(),
		PlanID:               b.planID,
		Amount:               amount,
		AmountAfterDiscounts: amount,
		Direction:            dir,
		Prorated:             prorated,
		Period:               period,
		PriceID:              pr.ID,
		FeatureID:            pr.FeatureID,
		CustomerProductID:    cp.ID,
	})
}

// priceAmount is what one cycle of a price costs for the product's
// quantities.
func priceAmount(cp *customer.Product, pr product.Price) types.Money {
	if pr.Kind == product.PricePrepaid {
		return pr.Amount.MulInt(cp.Quantities()[pr.FeatureID])
	}
	return pr.Amount.MulInt(cp.Quantity)
}

// charge bills every upfront price of cp. One-off prices are always charged
// in full. Nothing is charged during a free trial.
func (b *builder) charge(cp *customer.Product, prorate bool) {
	if cp.IsTrialing(b.now) {
		return
	}
	for _, pr := range cp.Prices {
		if pr.Kind == product.PriceUsage {
			continue
		}
		if !pr.IsRecurring() && cp.Status != customer.StatusActive {
			continue
		}
		b.line(cp, pr, priceAmount(cp, pr), DirectionCharge, cp.Period, prorate)
	}
}

// refund returns the unused part of cp's recurring prices. A trial was never
// paid for.
func (b *builder) refund(cp *customer.Product) {
	if cp.Period.IsOpen() || cp.IsTrialing(b.now) {
		return
	}
	for _, pr := range cp.Prices {
		if !pr.IsRecurring() {
			continue
		}
		b.line(cp, pr, priceAmount(cp, pr), DirectionRefund, cp.Period, true)
	}
	b.refundRef = cp.LastPaymentRef
}

func subscriptionItems(cp *customer.Product) []SubscriptionItem {
	var items []SubscriptionItem
	for _, pr := range cp.Prices {
		if !pr.Interval.IsRecurring() {
			continue
		}
		qty := cp.Quantity
		if pr.Kind == product.PricePrepaid {
			qty = cp.Quantities()[pr.FeatureID]
		}
		if pr.Kind == product.PriceUsage {
			qty = 0
		}
		items = append(items, SubscriptionItem{PriceID: pr.ID, ProcessorPriceID: pr.ProcessorPriceID, Quantity: qty})
	}
	return items
}

func hasPaidRecurring(cp *customer.Product) bool {
	for _, pr := range cp.Prices {
		if pr.Interval.IsRecurring() && pr.Amount.IsPositive() {
			return true
		}
	}
	return false
}

// subscribe adds the processor subscription for a newly active product.
// The first cycle is collected by the plan's invoice, so billing starts at
// the period end. A trialing product's subscription opens in trial and the
// processor collects the first cycle when it ends.
func (b *builder) subscribe(cp *customer.Product) {
	if !hasPaidRecurring(cp) {
		return
	}
	a := Action{
		Kind:              ActionCreateSubscription,
		CustomerProductID: cp.ID,
		Items:             subscriptionItems(cp),
		BillingAnchor:     cp.Period.End,
	}
	if cp.IsTrialing(b.now) {
		a.TrialEnd = *cp.TrialEndsAt
	}
	b.actions = append(b.actions, a)
}

// ──────────────────────────────────────────────────
// Scenarios
// ──────────────────────────────────────────────────

func (b *builder) attach(req Request) error {
	cp, err := b.newProduct(req.Product, req, customer.StatusActive, b.now)
	if err != nil {
		return err
	}
	b.primary = cp.ID
	b.startTrial(cp, req.Product, req)
	b.inserts = append(b.inserts, Insert{Product: cp, Entitlements: customer.Grant(cp, req.Product, b.now)})
	b.charge(cp, false)
	b.subscribe(cp)
	return nil
}

func (b *builder) changeQuantity(req Request) error {
	v := b.view()
	var cur *customer.Product
	if req.Product.IsAddOn {
		cur = v.AddOn(req.Product.ID, req.EntityID)
	} else {
		cur = v.MainProduct(req.Product.Group, req.EntityID)
	}
	b.primary = cur.ID
	b.refundRef = cur.LastPaymentRef

	oldQ := cur.Quantities()
	newQ := cur.Quantities()
	for f, q := range req.quantities() {
		newQ[f] = q
	}

	changed := false
	ents := v.EntitlementsOf(cur.ID)
	for _, pr := range cur.Prices {
		if pr.Kind != product.PricePrepaid {
			continue
		}
		diff := newQ[pr.FeatureID] - oldQ[pr.FeatureID]
		if diff == 0 {
			continue
		}
		changed = true
		b.quantityLine(cur, pr, diff)

		units := decimal.NewFromInt(diff * pr.Units())
		for _, e := range ents {
			if e.FeatureID != pr.FeatureID || e.Allowance == nil {
				continue
			}
			allowance := e.Allowance.Add(units)
			upd := EntitlementUpdate{EntitlementID: e.ID, Allowance: &allowance}
			if diff > 0 || pr.ProrateOnDecrease {
				delta := units
				upd.BalanceChange = &delta
			}
			b.entUpds = append(b.entUpds, upd)
		}
	}

	qty := cur.Quantity
	if req.Quantity > 0 && req.Quantity != cur.Quantity {
		changed = true
		qty = req.Quantity
		for _, pr := range cur.Prices {
			if pr.Kind == product.PriceFixed {
				b.quantityLine(cur, pr, req.Quantity-cur.Quantity)
			}
		}
	}
	if !changed {
		return fmt.Errorf("product %s: %w", req.Product.ID, entitle.ErrAlreadyAttached)
	}

	opts := make([]customer.Option, 0, len(newQ))
	for _, o := range cur.Options {
		opts = append(opts, customer.Option{FeatureID: o.FeatureID, Quantity: newQ[o.FeatureID]})
		delete(newQ, o.FeatureID)
	}
	for _, o := range req.Options {
		if q, ok := newQ[o.FeatureID]; ok {
			opts = append(opts, customer.Option{FeatureID: o.FeatureID, Quantity: q})
		}
	}
	b.setUpdate(cur.ID, ProductDelta{Options: opts, Quantity: &qty})

	if cur.ProcessorSubscriptionID != "" {
		next := cur.Clone()
		next.Options = opts
		next.Quantity = qty
		b.actions = append(b.actions, Action{
			Kind:              ActionUpdateSubscription,
			CustomerProductID: cur.ID,
			SubscriptionID:    cur.ProcessorSubscriptionID,
			Items:             subscriptionItems(next),
		})
	}
	return nil
}

// quantityLine charges an increase of diff units of pr, or refunds a
// decrease when the price prorates on decrease.
func (b *builder) quantityLine(cp *customer.Product, pr product.Price, diff int64) {
	if cp.IsTrialing(b.now) {
		return
	}
	if diff > 0 {
		b.line(cp, pr, pr.Amount.MulInt(diff), DirectionCharge, cp.Period, true)
		return
	}
	if pr.ProrateOnDecrease && pr.IsRecurring() {
		b.line(cp, pr, pr.Amount.MulInt(-diff), DirectionRefund, cp.Period, true)
	}
}

func (b *builder) renew(req Request) error {
	v := b.view()
	var cur *customer.Product
	if req.Product.IsAddOn {
		cur = v.AddOn(req.Product.ID, req.EntityID)
	} else {
		cur = v.MainProduct(req.Product.Group, req.EntityID)
		b.dropScheduled(cur.Group, cur.EntityID)
	}
	b.primary = cur.ID
	b.setUpdate(cur.ID, ProductDelta{ClearCanceledAt: true})
	if cur.ProcessorSubscriptionID != "" {
		b.actions = append(b.actions, Action{
			Kind:              ActionUpdateSubscription,
			CustomerProductID: cur.ID,
			SubscriptionID:    cur.ProcessorSubscriptionID,
			Resume:            true,
		})
	}
	return nil
}

func (b *builder) downgrade(req Request) error {
	cur := b.view().MainProduct(req.Product.Group, req.EntityID)
	immediate := req.Timing == TimingImmediate ||
		(req.Timing == TimingDefault && (&product.Product{Prices: cur.Prices}).AllAutoProrate()) ||
		cur.Period.IsOpen()
	if immediate {
		return b.replace(req)
	}
	return b.scheduleReplacement(cur, req)
}

// replace swaps the current main product for req.Product now, refunding the
// unused part of the old prices and charging the new prices for the rest of
// the period.
func (b *builder) replace(req Request) error {
	cur := b.view().MainProduct(req.Product.Group, req.EntityID)
	next, err := b.newProduct(req.Product, req, customer.StatusActive, b.now)
	if err != nil {
		return err
	}
	trial := b.startTrial(next, req.Product, req)
	inherit := !trial && !cur.IsTrialing(b.now) && !cur.Period.IsOpen() &&
		next.Period.End.Sub(next.Period.Start) > 0 && sameInterval(cur, req.Product)
	if inherit {
		next.Period = cur.Period
	}
	b.primary = next.ID

	ents := customer.Grant(next, req.Product, b.now)
	carryOver(b.view().EntitlementsOf(cur.ID), ents, req.CarryUsage, b.now)
	b.inserts = append(b.inserts, Insert{Product: next, Entitlements: ents})

	ended := b.now
	expired := customer.StatusExpired
	b.setUpdate(cur.ID, ProductDelta{Status: &expired, EndedAt: &ended})
	b.dropScheduled(cur.Group, cur.EntityID)

	b.refund(cur)
	b.charge(next, inherit)

	switch {
	case cur.ProcessorSubscriptionID != "" && hasPaidRecurring(next) && inherit:
		next.ProcessorSubscriptionID = cur.ProcessorSubscriptionID
		b.actions = append(b.actions, Action{
			Kind:              ActionUpdateSubscription,
			CustomerProductID: next.ID,
			SubscriptionID:    cur.ProcessorSubscriptionID,
			Items:             subscriptionItems(next),
		})
	case cur.ProcessorSubscriptionID != "":
		b.actions = append(b.actions, Action{
			Kind:              ActionCancelSubscription,
			CustomerProductID: cur.ID,
			SubscriptionID:    cur.ProcessorSubscriptionID,
		})
		b.subscribe(next)
	default:
		b.subscribe(next)
	}
	return nil
}

func sameInterval(cp *customer.Product, p *product.Product) bool {
	a, err := (&product.Product{Prices: cp.Prices}).Interval()
	if err != nil {
		return false
	}
	n, err := p.Interval()
	if err != nil {
		return false
	}
	return a == n
}

// scheduleReplacement cancels cur at its period end and schedules
// req.Product to start then.
func (b *builder) scheduleReplacement(cur *customer.Product, req Request) error {
	end := cur.Period.End
	next, err := b.newProduct(req.Product, req, customer.StatusScheduled, end)
	if err != nil {
		return err
	}
	b.primary = next.ID
	b.inserts = append(b.inserts, Insert{Product: next, Entitlements: customer.Grant(next, req.Product, b.now)})
	b.setUpdate(cur.ID, ProductDelta{CanceledAt: &end})
	b.dropScheduled(cur.Group, cur.EntityID)
	if cur.ProcessorSubscriptionID != "" {
		b.actions = append(b.actions, Action{
			Kind:              ActionCancelSubscription,
			CustomerProductID: cur.ID,
			SubscriptionID:    cur.ProcessorSubscriptionID,
			AtPeriodEnd:       true,
		})
	}
	return nil
}

func (b *builder) cancel(req Request) error {
	var cur *customer.Product
	fallback := req.Product
	if req.Cancel {
		cp, err := cancelTarget(b.view(), req)
		if err != nil {
			return err
		}
		cur = cp
		if fallback != nil && (!fallback.IsFree() || fallback.ID == cur.ProductID || fallback.IsAddOn) {
			fallback = nil
		}
	} else {
		cur = b.view().MainProduct(req.Product.Group, req.EntityID)
	}
	if cur.IsCanceled() && fallback == nil {
		return fmt.Errorf("customer product %s already canceled: %w", cur.ID, entitle.ErrInvalidTransition)
	}

	immediate := req.Timing == TimingImmediate || cur.Period.IsOpen()
	if fallback != nil {
		if immediate {
			req.Product = fallback
			return b.replace(req)
		}
		req.Product = fallback
		return b.scheduleReplacement(cur, req)
	}

	b.primary = cur.ID
	if !immediate {
		end := cur.Period.End
		b.setUpdate(cur.ID, ProductDelta{CanceledAt: &end})
		b.dropScheduled(cur.Group, cur.EntityID)
		if cur.ProcessorSubscriptionID != "" {
			b.actions = append(b.actions, Action{
				Kind:              ActionCancelSubscription,
				CustomerProductID: cur.ID,
				SubscriptionID:    cur.ProcessorSubscriptionID,
				AtPeriodEnd:       true,
			})
		}
		return nil
	}

	now := b.now
	expired := customer.StatusExpired
	b.setUpdate(cur.ID, ProductDelta{Status: &expired, CanceledAt: &now, EndedAt: &now})
	b.dropScheduled(cur.Group, cur.EntityID)
	b.refund(cur)
	if cur.ProcessorSubscriptionID != "" {
		b.actions = append(b.actions, Action{
			Kind:              ActionCancelSubscription,
			CustomerProductID: cur.ID,
			SubscriptionID:    cur.ProcessorSubscriptionID,
		})
	}
	return nil
}

// build finalizes line items and payment actions into a plan.
func (b *builder) build(d *Discount) (*Plan, error) {
	items := elide(b.lines)
	if d != nil {
		items = d.apply(items)
	}
	actions := append([]Action(nil), b.actions...)

	net := total(items)
	if net.IsPositive() {
		ids := make([]id.ID, 0, len(items))
		for _, l := range items {
			ids = append(ids, l.ID)
		}
		actions = append(actions, Action{
			Kind:              ActionCreateInvoice,
			CustomerProductID: b.primary,
			LineItemIDs:       ids,
			Amount:            net,
		})
	}
	if d != nil && d.CouponID != "" {
		for _, a := range actions {
			if a.Kind == ActionCreateSubscription || a.Kind == ActionUpdateSubscription {
				actions = append(actions, Action{
					Kind:              ActionApplyDiscount,
					CustomerProductID: a.CustomerProductID,
					SubscriptionID:    a.SubscriptionID,
					CouponID:          d.CouponID,
				})
				break
			}
		}
	}
	if net.IsNegative() && b.refundRef != "" {
		actions = append(actions, Action{
			Kind:              ActionRefund,
			CustomerProductID: b.primary,
			Amount:            net.Neg(),
			PaymentRef:        b.refundRef,
		})
	}
	sortActions(actions)

	v := b.view()
	p := &Plan{
		id:                 b.planID,
		scope:              b.st.Scope,
		customerID:         v.Customer.ID,
		customerInternalID: v.Customer.InternalID,
		scenario:           b.scenario,
		computedAt:         b.now,
		inserts:            b.inserts,
		update:             b.update,
		delete:             b.delete,
		entitlementUpdates: b.entUpds,
		lineItems:          items,
		actions:            actions,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
