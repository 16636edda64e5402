// Package observability provides a metrics extension for entitle that records
// engine event counts through a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/plugin"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                        = (*MetricsExtension)(nil)
	_ plugin.OnInit                        = (*MetricsExtension)(nil)
	_ plugin.OnBalanceChanged              = (*MetricsExtension)(nil)
	_ plugin.OnCacheConsistencyCheckFailed = (*MetricsExtension)(nil)
	_ plugin.OnPlanExecuted                = (*MetricsExtension)(nil)
	_ plugin.OnReconciliationPending       = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records engine-wide metrics.
// Register it as an entitle plugin to track deductions and billing plans.
type MetricsExtension struct {
	factory MetricFactory

	// Deduction metrics
	DeductionsCache  Counter
	DeductionsLedger Counter
	BalanceChanges   Histogram
	DroppedUsage     Counter

	// Cache metrics
	CacheMismatches Counter

	// Billing plan metrics
	PlansExecuted  Counter
	PlansPending   Counter
	PlanLineItems  Histogram
	PlanLatency    Histogram
	Reconciliation Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		// Deduction metrics
		DeductionsCache:  factory.Counter("entitle.deductions.cache"),
		DeductionsLedger: factory.Counter("entitle.deductions.ledger"),
		BalanceChanges:   factory.Histogram("entitle.deductions.changes"),
		DroppedUsage:     factory.Counter("entitle.deductions.dropped"),

		// Cache metrics
		CacheMismatches: factory.Counter("entitle.cache.mismatches"),

		// Billing plan metrics
		PlansExecuted:  factory.Counter("entitle.plans.executed"),
		PlansPending:   factory.Counter("entitle.plans.pending"),
		PlanLineItems:  factory.Histogram("entitle.plans.line_items"),
		PlanLatency:    factory.Histogram("entitle.plans.latency_ms"),
		Reconciliation: factory.Counter("entitle.reconciliation.pending"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ interface{}) error {
	return nil
}

// ──────────────────────────────────────────────────
// Balance hooks
// ──────────────────────────────────────────────────

// OnBalanceChanged implements plugin.OnBalanceChanged.
func (m *MetricsExtension) OnBalanceChanged(_ context.Context, e *event.BalanceChanged) error {
	if e.Source == event.SourceLedger {
		m.DeductionsLedger.Inc()
	} else {
		m.DeductionsCache.Inc()
	}
	m.BalanceChanges.Observe(float64(len(e.Changes)))
	for _, amount := range e.Dropped {
		f, _ := amount.Float64()
		m.DroppedUsage.Add(f)
	}
	return nil
}

// OnCacheConsistencyCheckFailed implements plugin.OnCacheConsistencyCheckFailed.
func (m *MetricsExtension) OnCacheConsistencyCheckFailed(_ context.Context, _ *event.CacheConsistencyCheckFailed) error {
	m.CacheMismatches.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Billing plan hooks
// ──────────────────────────────────────────────────

// OnPlanExecuted implements plugin.OnPlanExecuted.
func (m *MetricsExtension) OnPlanExecuted(_ context.Context, e *event.PlanExecuted) error {
	m.PlansExecuted.Inc()
	if e.Pending {
		m.PlansPending.Inc()
	}
	m.PlanLineItems.Observe(float64(e.LineItems))
	m.PlanLatency.Observe(float64(e.Elapsed.Milliseconds()))
	return nil
}

// OnReconciliationPending implements plugin.OnReconciliationPending.
func (m *MetricsExtension) OnReconciliationPending(_ context.Context, _ *event.ReconciliationPending) error {
	m.Reconciliation.Inc()
	return nil
}
