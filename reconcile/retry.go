package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handler finishes the work a marker describes. It must be safe to call
// again for the same marker.
type Handler func(ctx context.Context, m *Marker) error

// Report summarizes one retry pass.
type Report struct {
	Resolved int `json:"resolved"`
	Failed   int `json:"failed"`
}

// Retrier drains pending markers.
type Retrier struct {
	store       Store
	handle      Handler
	logger      *slog.Logger
	now         func() time.Time
	batchSize   int
	concurrency int
}

// RetrierOption configures a Retrier.
type RetrierOption func(*Retrier)

// WithRetrierLogger sets the logger.
func WithRetrierLogger(l *slog.Logger) RetrierOption {
	return func(r *Retrier) { r.logger = l }
}

// WithBatch sets how many markers one pass loads and how many run at once.
func WithBatch(batchSize, concurrency int) RetrierOption {
	return func(r *Retrier) {
		r.batchSize = batchSize
		r.concurrency = concurrency
	}
}

// WithRetrierClock overrides the time source.
func WithRetrierClock(now func() time.Time) RetrierOption {
	return func(r *Retrier) { r.now = now }
}

// NewRetrier creates a Retrier that resolves markers with handle.
func NewRetrier(s Store, handle Handler, opts ...RetrierOption) *Retrier {
	r := &Retrier{
		store:       s,
		handle:      handle,
		logger:      slog.Default(),
		now:         time.Now,
		batchSize:   100,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RetryPending runs the handler for up to one batch of markers. Resolved
// markers are deleted; failed ones are saved with the error and an
// incremented attempt count. Handler failures are reported in the Report,
// not as an error.
func (r *Retrier) RetryPending(ctx context.Context) (Report, error) {
	markers, err := r.store.ListMarkers(ctx, r.batchSize)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile: list markers: %w", err)
	}
	if len(markers) == 0 {
		return Report{}, nil
	}

	var (
		mu     sync.Mutex
		report Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, m := range markers {
		g.Go(func() error {
			herr := r.handle(gctx, m)
			if herr == nil {
				if err := r.store.DeleteMarker(gctx, m.ID); err != nil {
					return fmt.Errorf("reconcile: delete marker %s: %w", m.ID, err)
				}
				mu.Lock()
				report.Resolved++
				mu.Unlock()
				return nil
			}

			m.Attempts++
			m.Error = herr.Error()
			m.Touch(r.now())
			r.logger.Warn("reconciliation retry failed",
				"marker_id", m.ID.String(),
				"kind", string(m.Kind),
				"customer_id", m.CustomerID,
				"attempts", m.Attempts,
				"error", herr,
			)
			mu.Lock()
			report.Failed++
			mu.Unlock()
			if err := r.store.SaveMarker(gctx, m); err != nil {
				return fmt.Errorf("reconcile: save marker %s: %w", m.ID, err)
			}
			return nil
		})
	}

	err = g.Wait()
	r.logger.Info("reconciliation pass finished",
		"resolved", report.Resolved,
		"failed", report.Failed,
	)
	return report, err
}
