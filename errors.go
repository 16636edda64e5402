package entitle

import (
	"errors"
	"fmt"
)

// Category sentinels. Every specific error below unwraps to exactly one of
// these so callers can branch on the class of failure with errors.Is.
var (
	ErrNotFound            = errors.New("entitle: not found")
	ErrConflict            = errors.New("entitle: conflict")
	ErrInvalidRequest      = errors.New("entitle: invalid request")
	ErrUpstreamUnavailable = errors.New("entitle: upstream unavailable")
	ErrInvariantViolation  = errors.New("entitle: invariant violation")
)

// Sentinel errors for common failure scenarios.
var (
	// Lookup errors
	ErrCustomerNotFound        = classify(ErrNotFound, "customer not found")
	ErrEntitlementNotFound     = classify(ErrNotFound, "no entitlement for feature")
	ErrProductNotFound         = classify(ErrNotFound, "product not found")
	ErrCustomerProductNotFound = classify(ErrNotFound, "customer product not found")
	ErrDeferredPlanNotFound    = classify(ErrNotFound, "deferred plan not found")
	ErrMarkerNotFound          = classify(ErrNotFound, "reconciliation marker not found")

	// Conflict errors
	ErrIdempotencyConflict = classify(ErrConflict, "idempotency key in use")
	ErrAlreadyAttached     = classify(ErrConflict, "product already attached")
	ErrAlreadyScheduled    = classify(ErrConflict, "product already scheduled")
	ErrPlanAlreadyApplied  = classify(ErrConflict, "billing plan already applied")
	ErrDuplicateCustomer   = classify(ErrConflict, "customer already exists")
	ErrDuplicateProduct    = classify(ErrConflict, "product version already exists")
	ErrPlanConflict        = classify(ErrConflict, "billing plans cannot be merged")

	// Request errors
	ErrMixedIntervals    = classify(ErrInvalidRequest, "multiple recurring intervals in one product")
	ErrInvalidAmount     = classify(ErrInvalidRequest, "invalid usage amount")
	ErrPaymentDeclined   = classify(ErrInvalidRequest, "payment declined")
	ErrInvalidTransition = classify(ErrInvalidRequest, "invalid plan transition")
	ErrEmptyPlan         = classify(ErrInvalidRequest, "billing plan has nothing to apply")
	ErrCurrencyMismatch  = classify(ErrInvalidRequest, "currency mismatch")

	// Upstream errors
	ErrCacheUnavailable    = classify(ErrUpstreamUnavailable, "cache unavailable")
	ErrProviderUnavailable = classify(ErrUpstreamUnavailable, "payment provider unavailable")
	ErrLedgerPending       = classify(ErrUpstreamUnavailable, "ledger write pending reconciliation")
	ErrPartialExecution    = classify(ErrUpstreamUnavailable, "processor actions partially applied")
	ErrStoreUnavailable    = classify(ErrUpstreamUnavailable, "store unavailable")

	// Invariant errors
	ErrZeroLengthPeriod    = classify(ErrInvariantViolation, "zero-length billing period")
	ErrCacheCorrupt        = classify(ErrInvariantViolation, "malformed cache entry")
	ErrUniquenessViolation = classify(ErrInvariantViolation, "more than one main product active in group")
	ErrNegativeBalance     = classify(ErrInvariantViolation, "balance would go negative")

	// Cache miss is normal operation, not a failure category.
	ErrCacheMiss = errors.New("entitle: cache miss")
)

// classifiedError is a specific error that belongs to a category sentinel.
type classifiedError struct {
	category error
	msg      string
}

func classify(category error, msg string) error {
	return &classifiedError{category: category, msg: msg}
}

func (e *classifiedError) Error() string { return "entitle: " + e.msg }

// Unwrap returns the category sentinel.
func (e *classifiedError) Unwrap() error { return e.category }

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("entitle: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap classifies validation failures as invalid requests.
func (e ValidationError) Unwrap() error { return ErrInvalidRequest }

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "entitle: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("entitle: %d errors occurred", len(e.Errors))
}

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// First returns the first error or nil.
func (e MultiError) First() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict returns true if the caller must re-fetch state before retrying.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsInvalidRequest returns true if the request was rejected before any side effect.
func IsInvalidRequest(err error) bool { return errors.Is(err, ErrInvalidRequest) }

// IsInvariantViolation returns true if the error reports a broken invariant.
func IsInvariantViolation(err error) bool { return errors.Is(err, ErrInvariantViolation) }

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool { return errors.Is(err, ErrUpstreamUnavailable) }
