// Package lifecycle runs the time-driven transitions of customer products:
// expiring canceled products, converting ended trials, activating scheduled
// products, resetting entitlement cycles and retrying reconciliation markers.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/billing"
	"github.com/xraph/entitle/cache"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/executor"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/product"
	"github.com/xraph/entitle/reconcile"
)

// Store is the persistence the jobs read.
type Store interface {
	customer.Store
	product.Store
}

// Executor runs the plans the jobs compute.
type Executor interface {
	Execute(ctx context.Context, sc entitle.Scope, plan *billing.Plan, idempotencyKey string) (*executor.Result, error)
}

// Retrier drains reconciliation markers.
type Retrier interface {
	RetryPending(ctx context.Context) (reconcile.Report, error)
}

// Summary counts what one job run did.
type Summary struct {
	Expired   int `json:"expired"`
	Activated int `json:"activated"`
	Converted int `json:"converted"`
	Defaulted int `json:"defaulted"`
	Reset     int `json:"reset"`
	Failed    int `json:"failed"`
}

// Jobs holds the lifecycle work. Each method processes one batch.
type Jobs struct {
	store       Store
	exec        Executor
	retrier     Retrier
	cache       cache.Cache
	flusher     reconcile.Flusher
	logger      *slog.Logger
	now         func() time.Time
	batchSize   int
	concurrency int
}

// JobsOption configures Jobs.
type JobsOption func(*Jobs)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) JobsOption {
	return func(j *Jobs) { j.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) JobsOption {
	return func(j *Jobs) { j.now = now }
}

// WithBatch sets how many records one run loads and how many run at once.
func WithBatch(batchSize, concurrency int) JobsOption {
	return func(j *Jobs) {
		j.batchSize = batchSize
		j.concurrency = concurrency
	}
}

// WithCache invalidates customers whose entitlements were reset.
func WithCache(c cache.Cache) JobsOption {
	return func(j *Jobs) { j.cache = c }
}

// WithFlusher writes queued deductions before a reset.
func WithFlusher(f reconcile.Flusher) JobsOption {
	return func(j *Jobs) { j.flusher = f }
}

// WithRetrier sets the reconciliation retrier run by RetryMarkers.
func WithRetrier(r Retrier) JobsOption {
	return func(j *Jobs) { j.retrier = r }
}

// NewJobs creates Jobs.
func NewJobs(s Store, exec Executor, opts ...JobsOption) *Jobs {
	j := &Jobs{
		store:       s,
		exec:        exec,
		logger:      slog.Default(),
		now:         time.Now,
		batchSize:   100,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// ──────────────────────────────────────────────────
// Product transitions
// ──────────────────────────────────────────────────

// RunTransitions expires due cancellations, converts ended trials and then
// activates due scheduled products, so a replacement never meets the product
// it replaces.
func (j *Jobs) RunTransitions(ctx context.Context) (Summary, error) {
	expired, err := j.ExpireDue(ctx)
	if err != nil {
		return expired, err
	}
	converted, err := j.ConvertTrialsDue(ctx)
	if err != nil {
		converted.Expired = expired.Expired
		converted.Defaulted = expired.Defaulted
		converted.Failed += expired.Failed
		return converted, err
	}
	activated, err := j.ActivateDue(ctx)
	activated.Expired = expired.Expired
	activated.Defaulted = expired.Defaulted
	activated.Converted = converted.Converted
	activated.Failed += expired.Failed + converted.Failed
	return activated, err
}

// ExpireDue ends canceled products whose cancellation took effect. A main
// product with no scheduled replacement falls back to the group's default
// product.
func (j *Jobs) ExpireDue(ctx context.Context) (Summary, error) {
	now := j.now()
	due, err := j.store.ListDueCancellations(ctx, now, j.batchSize)
	if err != nil {
		return Summary{}, fmt.Errorf("lifecycle: list due cancellations: %w", err)
	}

	var expired, defaulted, failed atomic.Int64
	j.each(ctx, len(due), func(ctx context.Context, i int) {
		cp := due[i]
		sc, view, err := j.load(ctx, cp.CustomerInternalID)
		if err != nil {
			j.fail(&failed, "expire", cp.ID, err)
			return
		}
		plan, err := billing.ExpirePlan(billing.State{Scope: sc, View: view}, cp.ID, now)
		if err != nil {
			j.fail(&failed, "expire", cp.ID, err)
			return
		}
		if _, err := j.exec.Execute(ctx, sc, plan, "expire:"+cp.ID.String()); err != nil {
			j.fail(&failed, "expire", cp.ID, err)
			return
		}
		expired.Add(1)

		ok, err := j.attachDefault(ctx, sc, view.Customer.ID, cp, now)
		if err != nil {
			j.fail(&failed, "default product", cp.ID, err)
			return
		}
		if ok {
			defaulted.Add(1)
		}
	})

	s := Summary{Expired: int(expired.Load()), Defaulted: int(defaulted.Load()), Failed: int(failed.Load())}
	if s.Expired > 0 || s.Failed > 0 {
		j.logger.Info("expired canceled products", "expired", s.Expired, "defaulted", s.Defaulted, "failed", s.Failed)
	}
	return s, nil
}

// attachDefault attaches the default product of cp's group when nothing else
// occupies the slot after cp expired.
func (j *Jobs) attachDefault(ctx context.Context, sc entitle.Scope, customerID string, cp *customer.Product, now time.Time) (bool, error) {
	if cp.IsAddOn {
		return false, nil
	}
	view, err := j.store.LoadView(ctx, sc, customerID)
	if err != nil {
		return false, err
	}
	if view.MainProduct(cp.Group, cp.EntityID) != nil || view.ScheduledProduct(cp.Group, cp.EntityID) != nil {
		return false, nil
	}

	def, err := j.store.GetDefaultProduct(ctx, sc, cp.Group)
	if errors.Is(err, entitle.ErrProductNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	plan, err := billing.Compute(billing.State{Scope: sc, View: view}, billing.Request{
		Product:  def,
		EntityID: cp.EntityID,
		Now:      now,
	})
	if err != nil {
		return false, err
	}
	if _, err := j.exec.Execute(ctx, sc, plan, "default:"+cp.ID.String()); err != nil {
		return false, err
	}
	return true, nil
}

// ConvertTrialsDue ends free trials whose end has passed and starts the first
// paid period.
func (j *Jobs) ConvertTrialsDue(ctx context.Context) (Summary, error) {
	now := j.now()
	due, err := j.store.ListDueTrials(ctx, now, j.batchSize)
	if err != nil {
		return Summary{}, fmt.Errorf("lifecycle: list due trials: %w", err)
	}

	var converted, failed atomic.Int64
	j.each(ctx, len(due), func(ctx context.Context, i int) {
		cp := due[i]
		sc, view, err := j.load(ctx, cp.CustomerInternalID)
		if err != nil {
			j.fail(&failed, "convert trial", cp.ID, err)
			return
		}
		plan, err := billing.ConvertTrialPlan(billing.State{Scope: sc, View: view}, cp.ID, now)
		if err != nil {
			j.fail(&failed, "convert trial", cp.ID, err)
			return
		}
		if _, err := j.exec.Execute(ctx, sc, plan, "trial:"+cp.ID.String()); err != nil {
			j.fail(&failed, "convert trial", cp.ID, err)
			return
		}
		converted.Add(1)
	})

	s := Summary{Converted: int(converted.Load()), Failed: int(failed.Load())}
	if s.Converted > 0 || s.Failed > 0 {
		j.logger.Info("converted ended trials", "converted", s.Converted, "failed", s.Failed)
	}
	return s, nil
}

// ActivateDue starts scheduled products whose start time has passed.
func (j *Jobs) ActivateDue(ctx context.Context) (Summary, error) {
	now := j.now()
	due, err := j.store.ListDueActivations(ctx, now, j.batchSize)
	if err != nil {
		return Summary{}, fmt.Errorf("lifecycle: list due activations: %w", err)
	}

	var activated, failed atomic.Int64
	j.each(ctx, len(due), func(ctx context.Context, i int) {
		cp := due[i]
		sc, view, err := j.load(ctx, cp.CustomerInternalID)
		if err != nil {
			j.fail(&failed, "activate", cp.ID, err)
			return
		}
		plan, err := billing.ActivatePlan(billing.State{Scope: sc, View: view}, cp.ID, now)
		if err != nil {
			j.fail(&failed, "activate", cp.ID, err)
			return
		}
		if _, err := j.exec.Execute(ctx, sc, plan, "activate:"+cp.ID.String()); err != nil {
			j.fail(&failed, "activate", cp.ID, err)
			return
		}
		activated.Add(1)
	})

	s := Summary{Activated: int(activated.Load()), Failed: int(failed.Load())}
	if s.Activated > 0 || s.Failed > 0 {
		j.logger.Info("activated scheduled products", "activated", s.Activated, "failed", s.Failed)
	}
	return s, nil
}

// ──────────────────────────────────────────────────
// Resets and retries
// ──────────────────────────────────────────────────

// ResetDue starts a new cycle for every entitlement whose reset time has
// passed. Queued deductions are flushed first so they land in the cycle they
// were made in.
func (j *Jobs) ResetDue(ctx context.Context) (Summary, error) {
	now := j.now()
	due, err := j.store.ListDueResets(ctx, now, j.batchSize)
	if err != nil {
		return Summary{}, fmt.Errorf("lifecycle: list due resets: %w", err)
	}

	var reset, failed atomic.Int64
	j.each(ctx, len(due), func(ctx context.Context, i int) {
		internalID := due[i]
		c, err := j.store.GetCustomerByInternalID(ctx, internalID)
		if err != nil {
			j.fail(&failed, "reset", internalID, err)
			return
		}
		sc := entitle.Scope{OrgID: c.OrgID, Env: c.Env}
		if j.flusher != nil {
			if err := j.flusher.FlushCustomer(ctx, sc, c.ID); err != nil {
				j.fail(&failed, "reset", internalID, err)
				return
			}
		}

		err = j.store.MutateEntitlements(ctx, internalID, func(ents []*customer.Entitlement) error {
			for _, e := range ents {
				if e.Reset(now) {
					reset.Add(1)
				}
			}
			return nil
		})
		if err != nil {
			j.fail(&failed, "reset", internalID, err)
			return
		}
		if j.cache != nil {
			_, _ = j.cache.Delete(ctx, cache.NewKey(sc, c.ID)) //nolint:errcheck // best-effort cache invalidation
		}
	})

	s := Summary{Reset: int(reset.Load()), Failed: int(failed.Load())}
	if s.Reset > 0 || s.Failed > 0 {
		j.logger.Info("reset entitlements", "reset", s.Reset, "failed", s.Failed)
	}
	return s, nil
}

// RetryMarkers runs one reconciliation pass.
func (j *Jobs) RetryMarkers(ctx context.Context) (reconcile.Report, error) {
	if j.retrier == nil {
		return reconcile.Report{}, nil
	}
	return j.retrier.RetryPending(ctx)
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func (j *Jobs) load(ctx context.Context, internalID id.ID) (entitle.Scope, *customer.View, error) {
	c, err := j.store.GetCustomerByInternalID(ctx, internalID)
	if err != nil {
		return entitle.Scope{}, nil, err
	}
	sc := entitle.Scope{OrgID: c.OrgID, Env: c.Env}
	view, err := j.store.LoadView(ctx, sc, c.ID)
	if err != nil {
		return entitle.Scope{}, nil, err
	}
	return sc, view, nil
}

// each runs fn for indexes [0, n) with bounded concurrency.
func (j *Jobs) each(ctx context.Context, n int, fn func(context.Context, int)) {
	var g errgroup.Group
	g.SetLimit(j.concurrency)
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // item errors are counted, never returned
}

func (j *Jobs) fail(counter *atomic.Int64, job string, subject id.ID, err error) {
	counter.Add(1)
	j.logger.Warn("lifecycle "+job+" failed", "id", subject.String(), "error", err)
}
