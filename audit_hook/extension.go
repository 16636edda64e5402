// Package audithook bridges entitle engine events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not import an
// audit backend directly. Callers inject a RecorderFunc adapter at wiring
// time.
package audithook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                        = (*Extension)(nil)
	_ plugin.OnBalanceChanged              = (*Extension)(nil)
	_ plugin.OnCacheConsistencyCheckFailed = (*Extension)(nil)
	_ plugin.OnPlanExecuted                = (*Extension)(nil)
	_ plugin.OnReconciliationPending       = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges entitle engine events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Balance hooks
// ──────────────────────────────────────────────────

// OnBalanceChanged implements plugin.OnBalanceChanged. Usage dropped by the
// cap policy is recorded as a separate warning.
func (e *Extension) OnBalanceChanged(ctx context.Context, ev *event.BalanceChanged) error {
	_ = e.record(ctx, ActionBalanceDeducted, SeverityInfo, OutcomeSuccess,
		ResourceBalance, ev.CustomerID, CategoryUsage, nil,
		"org_id", ev.Scope.OrgID,
		"env", ev.Scope.Env,
		"entity_id", ev.EntityID,
		"source", string(ev.Source),
		"changes", len(ev.Changes),
	)
	if len(ev.Dropped) == 0 {
		return nil
	}
	dropped := make(map[string]string, len(ev.Dropped))
	for feature, amount := range ev.Dropped {
		dropped[feature] = amount.String()
	}
	return e.record(ctx, ActionUsageDropped, SeverityWarning, OutcomePartial,
		ResourceBalance, ev.CustomerID, CategoryUsage, nil,
		"org_id", ev.Scope.OrgID,
		"env", ev.Scope.Env,
		"dropped", dropped,
	)
}

// OnCacheConsistencyCheckFailed implements plugin.OnCacheConsistencyCheckFailed.
func (e *Extension) OnCacheConsistencyCheckFailed(ctx context.Context, ev *event.CacheConsistencyCheckFailed) error {
	features := make([]string, 0, len(ev.Mismatches))
	for _, m := range ev.Mismatches {
		features = append(features, m.FeatureID)
	}
	return e.record(ctx, ActionCacheMismatch, SeverityError, OutcomeFailure,
		ResourceCustomer, ev.CustomerID, CategoryConsistency, nil,
		"org_id", ev.Scope.OrgID,
		"env", ev.Scope.Env,
		"features", features,
	)
}

// ──────────────────────────────────────────────────
// Billing plan hooks
// ──────────────────────────────────────────────────

// OnPlanExecuted implements plugin.OnPlanExecuted.
func (e *Extension) OnPlanExecuted(ctx context.Context, ev *event.PlanExecuted) error {
	action, outcome := ActionPlanExecuted, OutcomeSuccess
	if ev.Pending {
		action, outcome = ActionPlanPending, OutcomePartial
	}
	return e.record(ctx, action, SeverityInfo, outcome,
		ResourceBillingPlan, ev.PlanID, CategoryBilling, nil,
		"org_id", ev.Scope.OrgID,
		"env", ev.Scope.Env,
		"customer_id", ev.CustomerID,
		"scenario", ev.Scenario,
		"line_items", ev.LineItems,
		"idempotency_key", ev.IdempotencyKey,
	)
}

// OnReconciliationPending implements plugin.OnReconciliationPending.
func (e *Extension) OnReconciliationPending(ctx context.Context, ev *event.ReconciliationPending) error {
	return e.record(ctx, ActionReconciliationPending, SeverityCritical, OutcomeFailure,
		ResourceMarker, ev.MarkerID, CategoryBilling, errors.New(ev.Error),
		"org_id", ev.Scope.OrgID,
		"env", ev.Scope.Env,
		"customer_id", ev.CustomerID,
		"kind", ev.Kind,
		"plan_id", ev.PlanID,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil && err.Error() != "" {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
