package deduct

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/balance"
	"github.com/xraph/entitle/customer"
)

// ──────────────────────────────────────────────────
// Ledger sync
// ──────────────────────────────────────────────────

// Pending returns the number of queued changes not yet written to the ledger.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queued
}

// Flush writes every queued change to the ledger. Changes that fail to
// write stay queued.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	refs := make([]customerRef, 0, len(e.queue))
	for ref := range e.queue {
		refs = append(refs, ref)
	}
	e.mu.Unlock()

	var errs entitle.MultiError
	for _, ref := range refs {
		errs.Add(e.flushCustomer(ctx, ref))
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// FlushCustomer writes the customer's queued changes to the ledger. It
// waits for a write already in flight for the same customer.
func (e *Engine) FlushCustomer(ctx context.Context, sc entitle.Scope, customerID string) error {
	return e.flushCustomer(ctx, customerRef{scope: sc, customerID: customerID})
}

func (e *Engine) flushCustomer(ctx context.Context, ref customerRef) error {
	mu := e.stripe(ref)
	mu.Lock()
	defer mu.Unlock()

	changes := e.take(ref)
	if len(changes) == 0 {
		return nil
	}

	start := time.Now()
	if err := e.write(ctx, ref, changes); err != nil {
		if entitle.IsNotFound(err) {
			e.logger.Error("deduct sync dropped changes for unknown customer",
				"customer_id", ref.customerID,
				"changes", len(changes),
				"error", err,
			)
			return nil
		}
		e.requeue(ref, changes)
		e.logger.Error("failed to flush deduct changes",
			"customer_id", ref.customerID,
			"changes", len(changes),
			"error", err,
		)
		return err
	}

	e.logger.Debug("deduct sync flushed",
		"customer_id", ref.customerID,
		"changes", len(changes),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (e *Engine) write(ctx context.Context, ref customerRef, changes []balance.Change) error {
	op := func() (struct{}, error) {
		internalID, err := e.resolve(ctx, ref)
		if err != nil {
			if entitle.IsNotFound(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		now := e.now()
		err = e.store.MutateEntitlements(ctx, internalID, func(ents []*customer.Entitlement) error {
			if skipped := customer.ApplyChanges(ents, changes, now); len(skipped) > 0 {
				e.logger.Warn("deduct sync skipped changes for removed entitlements",
					"customer_id", ref.customerID,
					"skipped", len(skipped),
				)
			}
			return nil
		})
		if entitle.IsNotFound(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(e.maxRetries),
	)
	return err
}

func (e *Engine) enqueue(ref customerRef, changes []balance.Change) {
	if len(changes) == 0 {
		return
	}
	e.mu.Lock()
	e.queue[ref] = append(e.queue[ref], changes...)
	e.queued += len(changes)
	full := e.queued >= e.batchSize
	e.mu.Unlock()

	if full {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) take(ref customerRef) []balance.Change {
	e.mu.Lock()
	defer e.mu.Unlock()
	changes := e.queue[ref]
	delete(e.queue, ref)
	e.queued -= len(changes)
	return changes
}

func (e *Engine) requeue(ref customerRef, changes []balance.Change) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue[ref] = append(changes, e.queue[ref]...)
	e.queued += len(changes)
}

func (e *Engine) stripe(ref customerRef) *sync.Mutex {
	return &e.stripes[slot(ref, len(e.stripes))]
}

func (e *Engine) gate(ref customerRef) *sync.RWMutex {
	return &e.gates[slot(ref, len(e.gates))]
}

func slot(ref customerRef, n int) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ref.String())) //nolint:errcheck // hash writes never fail
	return h.Sum32() % uint32(n)
}

// syncWorker writes queued changes to the ledger.
func (e *Engine) syncWorker() {
	defer e.wg.Done()

	ctx := context.Background()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			// Final flush
			_ = e.Flush(ctx) //nolint:errcheck // failures are logged per customer
			return

		case <-e.kick:
			_ = e.Flush(ctx) //nolint:errcheck // failed changes stay queued

		case <-ticker.C:
			if e.Pending() > 0 {
				_ = e.Flush(ctx) //nolint:errcheck // failed changes stay queued
			}
		}
	}
}
