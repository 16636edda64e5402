// Package cache defines the fast balance cache: one JSON snapshot per
// customer, mutated atomically per key, guarded against stale writes by a
// marker written on every invalidation.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/balance"
)

// SetResult reports what Set did.
type SetResult string

const (
	SetOK          SetResult = "OK"
	SetStaleWrite  SetResult = "STALE_WRITE"
	SetCacheExists SetResult = "CACHE_EXISTS"
)

// DeleteResult reports what Delete did.
type DeleteResult string

const (
	Deleted DeleteResult = "DELETED"
	Skipped DeleteResult = "SKIPPED"
)

// Cache holds customer snapshots.
//
// Every mutator runs atomically against one customer key and drops the
// key's expand variants. Deduct, the increments and Get return
// entitle.ErrCacheMiss when no entry exists and entitle.ErrCacheCorrupt when
// the stored entry cannot be decoded.
type Cache interface {
	Get(ctx context.Context, key Key) (*Snapshot, error)
	// Set stores snap unless a guard marker at or after fetchedAt exists, an
	// existing entry was fetched later, or an entry exists and overwrite is
	// false.
	Set(ctx context.Context, key Key, snap *Snapshot, fetchedAt time.Time, overwrite bool) (SetResult, error)
	// Delete writes the guard marker and removes the entry with its variants.
	Delete(ctx context.Context, key Key) (DeleteResult, error)
	Deduct(ctx context.Context, key Key, req balance.Request, now time.Time) (*balance.Outcome, error)
	IncrementEntitlementBalance(ctx context.Context, key Key, entitlementID, entityID string, delta decimal.Decimal) error
	IncrementProductOptionQuantity(ctx context.Context, key Key, customerProductID, featureID string, delta int64) error
	Ping(ctx context.Context) error
}

// State is the lifecycle of an idempotency record.
type State string

const (
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StatePending    State = "pending"
)

// Record is a stored idempotency entry.
type Record struct {
	State  State           `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Idempotency is an atomic check-and-set keyed store. Finished records live
// for a fixed TTL and in-progress claims for a shorter lease.
type Idempotency interface {
	// Acquire claims key. When the key is already held it returns the
	// existing record and false.
	Acquire(ctx context.Context, key string) (*Record, bool, error)
	Complete(ctx context.Context, key string, state State, result []byte) error
	Release(ctx context.Context, key string) error
}

// Settings shared by cache implementations.
type Settings struct {
	TTL            time.Duration
	GuardTTL       time.Duration
	IdempotencyTTL time.Duration
	// IdempotencyLease is how long an in-progress claim holds its key. It
	// must outlast one plan execution.
	IdempotencyLease time.Duration
}

// DefaultSettings returns the default cache tunables.
func DefaultSettings() Settings {
	return Settings{
		TTL:              time.Hour,
		GuardTTL:         5 * time.Second,
		IdempotencyTTL:   24 * time.Hour,
		IdempotencyLease: 2 * time.Minute,
	}
}

// Unavailable wraps a backend failure as entitle.ErrCacheUnavailable.
func Unavailable(op string, err error) error {
	return &unavailableError{op: op, err: err}
}

type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string { return "cache: " + e.op + ": " + e.err.Error() }

func (e *unavailableError) Unwrap() []error { return []error{entitle.ErrCacheUnavailable, e.err} }
