package billing

import (
	"sort"
	"time"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
)

// ActionKind is a processor request type.
type ActionKind string

const (
	ActionCreateInvoice      ActionKind = "create_invoice"
	ActionCreateSubscription ActionKind = "create_subscription"
	ActionUpdateSubscription ActionKind = "update_subscription"
	ActionCancelSubscription ActionKind = "cancel_subscription"
	ActionApplyDiscount      ActionKind = "apply_discount"
	ActionRefund             ActionKind = "refund"
)

// SubscriptionItem is one price on a processor subscription.
type SubscriptionItem struct {
	PriceID          string `json:"price_id"`
	ProcessorPriceID string `json:"processor_price_id,omitempty"`
	Quantity         int64  `json:"quantity"`
}

// Action is a processor request a plan needs. CustomerProductID names the
// customer product the action realizes.
type Action struct {
	Kind              ActionKind         `json:"kind"`
	CustomerProductID id.ID              `json:"customer_product_id,omitempty"`
	SubscriptionID    string             `json:"subscription_id,omitempty"`
	Items             []SubscriptionItem `json:"items,omitempty"`
	LineItemIDs       []id.ID            `json:"line_item_ids,omitempty"`
	Amount            types.Money        `json:"amount"`
	BillingAnchor     time.Time          `json:"billing_anchor,omitempty"`
	TrialEnd          time.Time          `json:"trial_end,omitempty"`
	AtPeriodEnd       bool               `json:"at_period_end,omitempty"`
	Resume            bool               `json:"resume,omitempty"`
	CouponID          string             `json:"coupon_id,omitempty"`
	PaymentRef        string             `json:"payment_ref,omitempty"`
	Description       string             `json:"description,omitempty"`
}

// IsSubscription reports whether the action operates on a subscription.
func (a Action) IsSubscription() bool {
	switch a.Kind {
	case ActionCreateSubscription, ActionUpdateSubscription, ActionCancelSubscription:
		return true
	}
	return false
}

func actionRank(k ActionKind) int {
	switch k {
	case ActionCreateInvoice:
		return 0
	case ActionCreateSubscription, ActionUpdateSubscription, ActionCancelSubscription:
		return 1
	case ActionApplyDiscount:
		return 2
	default:
		return 3
	}
}

// sortActions orders payment collection first, then subscription changes,
// discounts and refunds.
func sortActions(actions []Action) {
	sort.SliceStable(actions, func(i, j int) bool {
		return actionRank(actions[i].Kind) < actionRank(actions[j].Kind)
	})
}
