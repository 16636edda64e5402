// Package store defines the unified persistence interface for the ledger.
// Backends live in sub-packages: memory, postgres, sqlite and mongo.
package store

import (
	"context"

	"github.com/xraph/entitle/billing"
	"github.com/xraph/entitle/customer"
	"github.com/xraph/entitle/product"
	"github.com/xraph/entitle/reconcile"
)

// Store is the unified storage interface for all entitle entities.
type Store interface {
	customer.Store
	product.Store
	billing.Store
	reconcile.Store

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
