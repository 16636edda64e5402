package audithook

// Action constants for audit events.
const (
	// Balance actions
	ActionBalanceDeducted = "balance.deducted"
	ActionUsageDropped    = "usage.dropped"

	// Cache actions
	ActionCacheMismatch = "cache.mismatch"

	// Billing plan actions
	ActionPlanExecuted          = "billing_plan.executed"
	ActionPlanPending           = "billing_plan.pending"
	ActionReconciliationPending = "reconciliation.pending"
)

// Resource constants for audit events.
const (
	ResourceCustomer    = "customer"
	ResourceBalance     = "balance"
	ResourceBillingPlan = "billing_plan"
	ResourceMarker      = "reconciliation_marker"
)

// Category constants for audit events.
const (
	CategoryUsage       = "usage"
	CategoryBilling     = "billing"
	CategoryConsistency = "consistency"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
