// Package executor applies computed billing plans: it drives the processor
// actions, writes the ledger, invalidates the cache and records anything it
// could not finish for later reconciliation. Every execution is guarded by
// an idempotency key.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/billing"
	"github.com/xraph/entitle/cache"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/provider"
	"github.com/xraph/entitle/reconcile"
	"github.com/xraph/entitle/types"
)

const tracerName = "github.com/xraph/entitle/executor"

// Store is the persistence the executor needs.
type Store interface {
	customer.Store
	billing.Store
	reconcile.Store
}

// Scheduler schedules a delayed cache verification.
type Scheduler interface {
	Schedule(sc entitle.Scope, customerID string)
}

// Result is the outcome of executing a plan. It is stored under the
// idempotency key and returned again on replay.
type Result struct {
	PlanID        string             `json:"plan_id"`
	Scenario      billing.Scenario   `json:"scenario"`
	Total         types.Money        `json:"total"`
	LineItems     []billing.LineItem `json:"line_items,omitempty"`
	Subscriptions map[string]string  `json:"subscriptions,omitempty"` // customer product ID → processor subscription
	PaymentRef    string             `json:"payment_ref,omitempty"`
	Pending       bool               `json:"pending"`
	MarkerID      string             `json:"marker_id,omitempty"`
	Replayed      bool               `json:"-"`
}

// Executor runs billing plans.
type Executor struct {
	store     Store
	cache     cache.Cache
	idem      cache.Idempotency
	provider  provider.SubscriptionProvider
	verifier  Scheduler
	flusher   reconcile.Flusher
	plugins   *plugin.Registry
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	timeout   time.Duration
	retries   uint
	initRetry time.Duration
	bookTime  time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(x *Executor) { x.logger = l }
}

// WithPlugins sets the registry that receives execution events.
func WithPlugins(r *plugin.Registry) Option {
	return func(x *Executor) { x.plugins = r }
}

// WithTracer sets the tracer used for execution spans.
func WithTracer(t trace.Tracer) Option {
	return func(x *Executor) { x.tracer = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(x *Executor) { x.now = now }
}

// WithVerifier schedules a cache verification after every execution.
func WithVerifier(s Scheduler) Option {
	return func(x *Executor) { x.verifier = s }
}

// WithFlusher writes queued deduction deltas before the ledger is changed.
func WithFlusher(f reconcile.Flusher) Option {
	return func(x *Executor) { x.flusher = f }
}

// WithTimeout bounds one execution.
func WithTimeout(d time.Duration) Option {
	return func(x *Executor) { x.timeout = d }
}

// WithBookkeepingTimeout bounds the marker, idempotency and cache writes
// that follow an execution. They run after the execution deadline.
func WithBookkeepingTimeout(d time.Duration) Option {
	return func(x *Executor) { x.bookTime = d }
}

// WithLedgerRetry sets how often the ledger write is attempted and the
// first backoff interval.
func WithLedgerRetry(tries uint, initial time.Duration) Option {
	return func(x *Executor) {
		x.retries = tries
		x.initRetry = initial
	}
}

// New creates an Executor.
func New(s Store, c cache.Cache, idem cache.Idempotency, p provider.SubscriptionProvider, opts ...Option) *Executor {
	x := &Executor{
		store:     s,
		cache:     c,
		idem:      idem,
		provider:  p,
		plugins:   plugin.NewRegistry(),
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
		timeout:   30 * time.Second,
		retries:   5,
		initRetry: 200 * time.Millisecond,
		bookTime:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Execute runs plan once per idempotency key.
//
// A completed key returns the stored result with Replayed set; a key still
// in progress returns entitle.ErrIdempotencyConflict. When the first
// processor action fails nothing is written and the key is released. When a
// later action fails the rest of the plan is recorded as a reconciliation
// marker and the error wraps entitle.ErrPartialExecution. When the ledger
// write exhausts its retries the result is returned with Pending set.
func (x *Executor) Execute(ctx context.Context, sc entitle.Scope, plan *billing.Plan, idempotencyKey string) (*Result, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, entitle.ErrEmptyPlan
	}
	if idempotencyKey == "" {
		return nil, entitle.ValidationError{Field: "idempotency_key", Message: "required"}
	}
	if plan.Scope() != sc {
		return nil, entitle.ValidationError{Field: "scope", Message: "plan was computed for " + plan.Scope().String()}
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()
	ctx, span := x.tracer.Start(ctx, "executor.Execute", trace.WithAttributes(
		attribute.String("entitle.org_id", sc.OrgID),
		attribute.String("entitle.env", sc.Env),
		attribute.String("entitle.customer_id", plan.CustomerID()),
		attribute.String("entitle.plan_id", plan.ID().String()),
		attribute.String("entitle.scenario", string(plan.Scenario())),
	))
	defer span.End()

	rec, acquired, err := x.idem.Acquire(ctx, idempotencyKey)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("executor: acquire %s: %w", idempotencyKey, err)
	}
	if !acquired {
		return x.replay(rec, idempotencyKey)
	}

	res, err := x.run(ctx, sc, plan, idempotencyKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Bool("entitle.pending", res != nil && res.Pending))
	return res, err
}

func (x *Executor) replay(rec *cache.Record, key string) (*Result, error) {
	switch rec.State {
	case cache.StateCompleted, cache.StatePending:
		var res Result
		if err := json.Unmarshal(rec.Result, &res); err != nil {
			return nil, fmt.Errorf("executor: stored result for %s: %w", key, entitle.ErrCacheCorrupt)
		}
		res.Replayed = true
		return &res, nil
	default:
		return nil, fmt.Errorf("executor: %s: %w", key, entitle.ErrIdempotencyConflict)
	}
}

func (x *Executor) run(ctx context.Context, sc entitle.Scope, plan *billing.Plan, key string) (*Result, error) {
	start := x.now()

	plan, done, err := x.runActions(ctx, plan, key)

	// Bookkeeping must land even when the execution deadline has passed.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.bookTime)
	defer cancel()

	if err != nil {
		if done == 0 {
			x.release(bctx, key)
			return nil, err
		}
		m := reconcile.NewMarker(sc, reconcile.KindProcessor, plan.SkipActions(done), key, err, x.now())
		if merr := x.mark(bctx, m); merr != nil {
			// Processor keys derive from the execution key, so a retry
			// replays the applied actions instead of repeating them.
			x.release(bctx, key)
			return nil, fmt.Errorf("executor: %d of %d actions applied: %w: %w", done, len(plan.Actions()), entitle.ErrPartialExecution, errors.Join(err, merr))
		}
		res := x.result(plan)
		res.Pending = true
		res.MarkerID = m.ID.String()
		x.complete(bctx, key, cache.StatePending, res)
		return res, fmt.Errorf("executor: %d of %d actions applied: %w: %w", done, len(plan.Actions()), entitle.ErrPartialExecution, err)
	}

	res := x.result(plan)
	if err := x.applyLedger(ctx, plan); err != nil {
		if len(plan.Actions()) == 0 && !entitle.IsRetryable(err) {
			x.release(bctx, key)
			return nil, err
		}
		m := reconcile.NewMarker(sc, reconcile.KindLedgerPending, plan.WithoutActions(), key, err, x.now())
		if merr := x.mark(bctx, m); merr != nil {
			x.release(bctx, key)
			return nil, fmt.Errorf("executor: ledger write for %s not recorded: %w", plan.ID(), errors.Join(err, merr))
		}
		res.Pending = true
		res.MarkerID = m.ID.String()
		x.complete(bctx, key, cache.StatePending, res)
		x.emitExecuted(bctx, plan, key, res, start)
		return res, nil
	}

	x.invalidate(bctx, sc, plan.CustomerID())
	x.complete(bctx, key, cache.StateCompleted, res)
	x.emitExecuted(bctx, plan, key, res, start)

	x.logger.Info("plan executed",
		"org_id", sc.OrgID,
		"customer_id", plan.CustomerID(),
		"plan_id", plan.ID().String(),
		"scenario", string(plan.Scenario()),
		"total", res.Total.String(),
		"elapsed_ms", x.now().Sub(start).Milliseconds(),
	)
	return res, nil
}

// Resume finishes the work a reconciliation marker describes. It is the
// handler the reconcile.Retrier runs.
func (x *Executor) Resume(ctx context.Context, m *reconcile.Marker) error {
	plan := m.Plan
	if m.Kind == reconcile.KindProcessor {
		p, done, err := x.runActions(ctx, plan, m.IdempotencyKey)
		if err != nil {
			// Keep what succeeded so the next attempt starts after it.
			m.Plan = p.SkipActions(done)
			return err
		}
		plan = p
	}

	if err := x.applyLedger(ctx, plan.WithoutActions()); err != nil {
		return err
	}
	x.invalidate(ctx, m.Scope, m.CustomerID)

	res := x.result(plan)
	x.complete(ctx, m.IdempotencyKey, cache.StateCompleted, res)
	x.logger.Info("reconciliation marker resolved",
		"marker_id", m.ID.String(),
		"kind", string(m.Kind),
		"customer_id", m.CustomerID,
	)
	return nil
}

// ──────────────────────────────────────────────────
// Processor actions
// ──────────────────────────────────────────────────

// runActions executes the plan's actions in order. It returns the plan
// patched with processor references and the number of actions that
// succeeded. Each action's processor key depends only on the execution key
// and the action, so a resumed marker reuses the keys of the first attempt.
func (x *Executor) runActions(ctx context.Context, plan *billing.Plan, key string) (*billing.Plan, int, error) {
	actions := plan.Actions()
	if len(actions) == 0 {
		return plan, 0, nil
	}

	c, err := x.store.GetCustomerByInternalID(ctx, plan.CustomerInternalID())
	if err != nil {
		return plan, 0, err
	}

	for i := range actions {
		a := plan.Actions()[i]
		actionKey := key + ":" + string(a.Kind) + ":" + a.CustomerProductID.String()

		switch a.Kind {
		case billing.ActionCreateInvoice:
			inv, err := x.provider.CreateInvoice(ctx, &provider.InvoiceRequest{
				IdempotencyKey: actionKey,
				CustomerID:     c.ProcessorCustomerID,
				Amount:         a.Amount,
				Lines:          invoiceLines(plan, a),
				Description:    a.Description,
				Metadata:       metadata(plan),
			})
			if err != nil {
				return plan, i, err
			}
			plan = plan.WithPaymentRef(a.CustomerProductID, inv.PaymentRef)

		case billing.ActionCreateSubscription:
			sub, err := x.provider.CreateSubscription(ctx, &provider.CreateSubscriptionRequest{
				IdempotencyKey: actionKey,
				CustomerID:     c.ProcessorCustomerID,
				Items:          items(a),
				BillingAnchor:  a.BillingAnchor,
				TrialEnd:       a.TrialEnd,
				Metadata:       metadata(plan),
			})
			if err != nil {
				return plan, i, err
			}
			plan = plan.WithSubscription(a.CustomerProductID, sub.ID)

		case billing.ActionUpdateSubscription:
			if _, err := x.provider.UpdateSubscription(ctx, &provider.UpdateSubscriptionRequest{
				IdempotencyKey: actionKey,
				SubscriptionID: a.SubscriptionID,
				Items:          items(a),
				Resume:         a.Resume,
				Metadata:       metadata(plan),
			}); err != nil {
				return plan, i, err
			}

		case billing.ActionCancelSubscription:
			if _, err := x.provider.CancelSubscription(ctx, &provider.CancelSubscriptionRequest{
				IdempotencyKey: actionKey,
				SubscriptionID: a.SubscriptionID,
				AtPeriodEnd:    a.AtPeriodEnd,
			}); err != nil {
				return plan, i, err
			}

		case billing.ActionApplyDiscount:
			if _, err := x.provider.ApplyDiscount(ctx, &provider.DiscountRequest{
				IdempotencyKey: actionKey,
				SubscriptionID: a.SubscriptionID,
				CouponID:       a.CouponID,
			}); err != nil {
				return plan, i, err
			}

		case billing.ActionRefund:
			if _, err := x.provider.Refund(ctx, &provider.RefundRequest{
				IdempotencyKey: actionKey,
				PaymentRef:     a.PaymentRef,
				Amount:         a.Amount,
				Reason:         "requested_by_customer",
			}); err != nil {
				return plan, i, err
			}

		default:
			return plan, i, fmt.Errorf("executor: unknown action %q: %w", a.Kind, entitle.ErrInvalidRequest)
		}

		x.logger.Debug("processor action applied",
			"plan_id", plan.ID().String(),
			"action", string(a.Kind),
			"customer_product_id", a.CustomerProductID.String(),
		)
	}
	return plan, len(actions), nil
}

func items(a billing.Action) []provider.Item {
	out := make([]provider.Item, 0, len(a.Items))
	for _, it := range a.Items {
		out = append(out, provider.Item{PriceID: it.ProcessorPriceID, Quantity: it.Quantity})
	}
	return out
}

func invoiceLines(plan *billing.Plan, a billing.Action) []provider.InvoiceLine {
	want := make(map[id.ID]bool, len(a.LineItemIDs))
	for _, lid := range a.LineItemIDs {
		want[lid] = true
	}
	var out []provider.InvoiceLine
	for _, li := range plan.LineItems() {
		if want[li.ID] {
			out = append(out, provider.InvoiceLine{Description: li.Description, Amount: li.Signed()})
		}
	}
	return out
}

func metadata(plan *billing.Plan) map[string]string {
	return map[string]string{
		"entitle_plan_id":     plan.ID().String(),
		"entitle_customer_id": plan.CustomerID(),
	}
}

// ──────────────────────────────────────────────────
// Ledger, cache and bookkeeping
// ──────────────────────────────────────────────────

// applyLedger writes the plan with exponential backoff. A plan applied
// before counts as success; invalid and broken plans are not retried.
func (x *Executor) applyLedger(ctx context.Context, plan *billing.Plan) error {
	if x.flusher != nil {
		if err := x.flusher.FlushCustomer(ctx, plan.Scope(), plan.CustomerID()); err != nil {
			x.logger.Warn("executor flush before ledger write failed", "customer_id", plan.CustomerID(), "error", err)
		}
	}

	ledgerPlan := plan.WithoutActions()
	op := func() (struct{}, error) {
		err := x.store.ApplyPlan(ctx, ledgerPlan)
		switch {
		case err == nil, errors.Is(err, entitle.ErrPlanAlreadyApplied):
			return struct{}{}, nil
		case entitle.IsRetryable(err):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = x.initRetry
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(x.retries),
	)
	if err != nil {
		return fmt.Errorf("executor: apply plan %s: %w", plan.ID(), err)
	}
	return nil
}

func (x *Executor) invalidate(ctx context.Context, sc entitle.Scope, customerID string) {
	if _, err := x.cache.Delete(ctx, cache.NewKey(sc, customerID)); err != nil {
		x.logger.Warn("executor cache invalidation failed", "customer_id", customerID, "error", err)
	}
	if x.verifier != nil {
		x.verifier.Schedule(sc, customerID)
	}
}

func (x *Executor) mark(ctx context.Context, m *reconcile.Marker) error {
	if err := x.store.SaveMarker(ctx, m); err != nil {
		x.logger.Error("failed to save reconciliation marker",
			"marker_id", m.ID.String(),
			"plan_id", m.Plan.ID().String(),
			"error", err,
		)
		return err
	}
	x.logger.Warn("plan pending reconciliation",
		"marker_id", m.ID.String(),
		"kind", string(m.Kind),
		"customer_id", m.CustomerID,
		"error", m.Error,
	)
	x.plugins.EmitReconciliationPending(ctx, &event.ReconciliationPending{
		ID:         id.NewEventID(),
		Scope:      m.Scope,
		CustomerID: m.CustomerID,
		MarkerID:   m.ID.String(),
		Kind:       string(m.Kind),
		PlanID:     m.Plan.ID().String(),
		Error:      m.Error,
		At:         x.now().UTC(),
	})
	return nil
}

func (x *Executor) result(plan *billing.Plan) *Result {
	res := &Result{
		PlanID:    plan.ID().String(),
		Scenario:  plan.Scenario(),
		Total:     plan.Total(),
		LineItems: plan.LineItems(),
	}
	for _, ins := range plan.Inserts() {
		if ins.Product.ProcessorSubscriptionID != "" {
			if res.Subscriptions == nil {
				res.Subscriptions = make(map[string]string)
			}
			res.Subscriptions[ins.Product.ID.String()] = ins.Product.ProcessorSubscriptionID
		}
		if ins.Product.LastPaymentRef != "" {
			res.PaymentRef = ins.Product.LastPaymentRef
		}
	}
	if u, ok := plan.Update(); ok {
		if u.Delta.ProcessorSubscriptionID != nil {
			if res.Subscriptions == nil {
				res.Subscriptions = make(map[string]string)
			}
			res.Subscriptions[u.CustomerProductID.String()] = *u.Delta.ProcessorSubscriptionID
		}
		if u.Delta.LastPaymentRef != nil {
			res.PaymentRef = *u.Delta.LastPaymentRef
		}
	}
	return res
}

func (x *Executor) complete(ctx context.Context, key string, state cache.State, res *Result) {
	data, err := json.Marshal(res)
	if err != nil {
		x.logger.Error("failed to encode execution result", "key", key, "error", err)
		return
	}
	if err := x.idem.Complete(ctx, key, state, data); err != nil {
		x.logger.Warn("failed to complete idempotency key", "key", key, "error", err)
	}
}

func (x *Executor) release(ctx context.Context, key string) {
	_ = x.idem.Release(ctx, key) //nolint:errcheck // best-effort; the key expires on its own
}

func (x *Executor) emitExecuted(ctx context.Context, plan *billing.Plan, key string, res *Result, start time.Time) {
	x.plugins.EmitPlanExecuted(ctx, &event.PlanExecuted{
		ID:             id.NewEventID(),
		Scope:          plan.Scope(),
		CustomerID:     plan.CustomerID(),
		PlanID:         plan.ID().String(),
		Scenario:       string(plan.Scenario()),
		LineItems:      len(res.LineItems),
		Actions:        len(plan.Actions()),
		Pending:        res.Pending,
		IdempotencyKey: key,
		Elapsed:        x.now().Sub(start),
		At:             x.now().UTC(),
	})
}
