package entitle_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/xraph/entitle"
)

func TestErrorCategories(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"customer not found", entitle.ErrCustomerNotFound, entitle.IsNotFound},
		{"entitlement not found", entitle.ErrEntitlementNotFound, entitle.IsNotFound},
		{"idempotency conflict", entitle.ErrIdempotencyConflict, entitle.IsConflict},
		{"already applied", entitle.ErrPlanAlreadyApplied, entitle.IsConflict},
		{"mixed intervals", entitle.ErrMixedIntervals, entitle.IsInvalidRequest},
		{"validation", entitle.ValidationError{Field: "amount", Message: "negative"}, entitle.IsInvalidRequest},
		{"cache unavailable", entitle.ErrCacheUnavailable, entitle.IsRetryable},
		{"ledger pending", entitle.ErrLedgerPending, entitle.IsRetryable},
		{"zero period", entitle.ErrZeroLengthPeriod, entitle.IsInvariantViolation},
		{"wrapped", fmt.Errorf("load: %w", entitle.ErrProductNotFound), entitle.IsNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Errorf("%v: category check failed", tt.err)
			}
		})
	}
}

func TestCategoriesAreDisjoint(t *testing.T) {
	err := entitle.ErrCacheUnavailable
	if entitle.IsNotFound(err) || entitle.IsConflict(err) || entitle.IsInvalidRequest(err) {
		t.Fatalf("cache unavailable must only be retryable")
	}
	if entitle.IsRetryable(entitle.ErrCacheMiss) {
		t.Fatalf("cache miss is not an upstream failure")
	}
}

func TestMultiError(t *testing.T) {
	var me entitle.MultiError
	if me.HasErrors() {
		t.Fatal("expected no errors")
	}
	me.Add(nil)
	me.Add(entitle.ErrCustomerNotFound)
	me.Add(entitle.ErrProviderUnavailable)

	if len(me.Errors) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(me.Errors))
	}
	if !errors.Is(me, entitle.ErrProviderUnavailable) {
		t.Error("expected multi error to match a contained error")
	}
	if me.First() != entitle.ErrCustomerNotFound {
		t.Errorf("unexpected first error: %v", me.First())
	}
	if me.Error() != "entitle: 2 errors occurred" {
		t.Errorf("unexpected message: %q", me.Error())
	}
}
