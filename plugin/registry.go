package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/entitle/event"
)

const defaultHookTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// Hook implementations are discovered once at registration.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit                        []OnInit
	onShutdown                    []OnShutdown
	onBalanceChanged              []OnBalanceChanged
	onCacheConsistencyCheckFailed []OnCacheConsistencyCheckFailed
	onPlanExecuted                []OnPlanExecuted
	onReconciliationPending       []OnReconciliationPending
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: defaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout bounds each hook call.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnBalanceChanged); ok {
		r.onBalanceChanged = append(r.onBalanceChanged, v)
	}
	if v, ok := p.(OnCacheConsistencyCheckFailed); ok {
		r.onCacheConsistencyCheckFailed = append(r.onCacheConsistencyCheckFailed, v)
	}
	if v, ok := p.(OnPlanExecuted); ok {
		r.onPlanExecuted = append(r.onPlanExecuted, v)
	}
	if v, ok := p.(OnReconciliationPending); ok {
		r.onReconciliationPending = append(r.onReconciliationPending, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeOf((*OnInit)(nil)).Elem()},
	{"OnShutdown", reflect.TypeOf((*OnShutdown)(nil)).Elem()},
	{"OnBalanceChanged", reflect.TypeOf((*OnBalanceChanged)(nil)).Elem()},
	{"OnCacheConsistencyCheckFailed", reflect.TypeOf((*OnCacheConsistencyCheckFailed)(nil)).Elem()},
	{"OnPlanExecuted", reflect.TypeOf((*OnPlanExecuted)(nil)).Elem()},
	{"OnReconciliationPending", reflect.TypeOf((*OnReconciliationPending)(nil)).Elem()},
}

func implementedInterfaces(p Plugin) []string {
	var out []string
	v := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if v.Implements(h.typ) {
			out = append(out, h.name)
		}
	}
	return out
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine interface{}) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnInit", p, func() error { return p.OnInit(ctx, engine) })
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnShutdown", p, func() error { return p.OnShutdown(ctx) })
	}
}

// EmitBalanceChanged notifies plugins of an applied deduction.
func (r *Registry) EmitBalanceChanged(ctx context.Context, e *event.BalanceChanged) {
	r.mu.RLock()
	plugins := r.onBalanceChanged
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnBalanceChanged", p, func() error { return p.OnBalanceChanged(ctx, e) })
	}
}

// EmitCacheConsistencyCheckFailed notifies plugins of a cache mismatch.
func (r *Registry) EmitCacheConsistencyCheckFailed(ctx context.Context, e *event.CacheConsistencyCheckFailed) {
	r.mu.RLock()
	plugins := r.onCacheConsistencyCheckFailed
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnCacheConsistencyCheckFailed", p, func() error { return p.OnCacheConsistencyCheckFailed(ctx, e) })
	}
}

// EmitPlanExecuted notifies plugins of an executed billing plan.
func (r *Registry) EmitPlanExecuted(ctx context.Context, e *event.PlanExecuted) {
	r.mu.RLock()
	plugins := r.onPlanExecuted
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnPlanExecuted", p, func() error { return p.OnPlanExecuted(ctx, e) })
	}
}

// EmitReconciliationPending notifies plugins of a new reconciliation marker.
func (r *Registry) EmitReconciliationPending(ctx context.Context, e *event.ReconciliationPending) {
	r.mu.RLock()
	plugins := r.onReconciliationPending
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnReconciliationPending", p, func() error { return p.OnReconciliationPending(ctx, e) })
	}
}

func (r *Registry) dispatch(ctx context.Context, hook string, p Plugin, fn func() error) {
	if err := r.callWithTimeout(ctx, p.Name(), fn); err != nil {
		r.logger.Warn("plugin "+hook+" failed",
			"plugin", p.Name(),
			"error", err,
		)
	}
}

// callWithTimeout executes a function with a timeout.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
