// Package entitle provides a metered-billing balance ledger and billing-plan
// engine for Go applications.
//
// Entitle is designed as a library, not a service. Import it directly into
// your Go application. It provides:
//
//   - Atomic multi-feature deductions against a fast balance cache
//   - A durable ledger of customer products and entitlements
//   - Pure billing plans that attach, upgrade, downgrade and cancel products
//   - Idempotent plan execution against a subscription processor (Stripe built-in)
//   - Background cache verification and reconciliation of partial failures
//   - Lifecycle jobs for expiry, activation and entitlement resets
//
// # Quick Start
//
// Create an engine from a store, a cache and a provider:
//
//	import (
//	    "github.com/xraph/entitle/engine"
//	    cachemem "github.com/xraph/entitle/cache/memory"
//	    provmem "github.com/xraph/entitle/provider/memory"
//	    "github.com/xraph/entitle/store/memory"
//	)
//
//	e := engine.New(memory.New(), cachemem.New(), cachemem.NewIdempotency(24*time.Hour), provmem.New())
//	if err := e.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer e.Stop(ctx)
//
// # Core Concepts
//
// Products are versioned catalog entries with prices and entitlements.
// Attaching one to a customer computes a billing plan and executes it:
//
//	res, err := e.Attach(ctx, scope, "acme", engine.AttachParams{ProductID: "pro"})
//
// Deductions consume balances atomically across features:
//
//	out, err := e.Deduct(ctx, scope, "acme", balance.Request{
//	    Policy: balance.PolicyReject,
//	    Items:  []balance.Item{{FeatureID: "messages", Amount: decimal.NewFromInt(1)}},
//	})
//	if out.Success {
//	    // Serve the request
//	}
//
// Every record belongs to a Scope, an organization and an environment.
// Reads and writes never cross scopes.
//
// # Consistency
//
// Deductions are applied to the cache first and written to the ledger in
// batches. Billing plans write the ledger first and then invalidate the
// cache behind a guard marker, so a reader holding an older snapshot cannot
// repopulate stale balances. A verifier later compares the cache with the
// ledger and drops any entry that drifted.
//
// All monetary and balance arithmetic uses decimals.
//
// # TypeID
//
// All records use TypeID for globally unique, type-safe identifiers:
//
//	cus_01h2xcejqtf2nbrexx3vqjhp41      // Customer
//	cusprod_01h2xcejqtf2nbrexx3vqjhp41  // Customer product
//	bplan_01h455vb4pex5vsknk084sn02q    // Billing plan
package entitle
