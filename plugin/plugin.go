// Package plugin provides an extensible plugin system for the entitle engine.
// Plugins can hook into various lifecycle events to extend functionality.
package plugin

import (
	"context"

	"github.com/xraph/entitle/event"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the plugin is initialized.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine interface{}) error
}

// OnShutdown is called when the plugin is shutting down.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Balance hooks
// ──────────────────────────────────────────────────

// OnBalanceChanged is called after a deduction is applied.
type OnBalanceChanged interface {
	Plugin
	OnBalanceChanged(ctx context.Context, e *event.BalanceChanged) error
}

// OnCacheConsistencyCheckFailed is called when the cache and ledger disagree.
type OnCacheConsistencyCheckFailed interface {
	Plugin
	OnCacheConsistencyCheckFailed(ctx context.Context, e *event.CacheConsistencyCheckFailed) error
}

// ──────────────────────────────────────────────────
// Billing plan hooks
// ──────────────────────────────────────────────────

// OnPlanExecuted is called after a billing plan is executed.
type OnPlanExecuted interface {
	Plugin
	OnPlanExecuted(ctx context.Context, e *event.PlanExecuted) error
}

// OnReconciliationPending is called when a plan needs reconciliation.
type OnReconciliationPending interface {
	Plugin
	OnReconciliationPending(ctx context.Context, e *event.ReconciliationPending) error
}
