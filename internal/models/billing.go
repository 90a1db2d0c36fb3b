package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BillingType identifies how seat changes are billed for a subscription.
type BillingType string

const (
	// BillingTypeUsageBased records seat counts as usage and invoices at period end.
	BillingTypeUsageBased BillingType = "usage_based"
	// BillingTypeQuantityBased changes the line-item quantity and invoices immediately.
	BillingTypeQuantityBased BillingType = "quantity_based"
)

// Known reports whether b is one of the billing modes the seat manager understands.
func (b BillingType) Known() bool {
	return b == BillingTypeUsageBased || b == BillingTypeQuantityBased
}

// ChargeTiming describes when a seat change is invoiced.
type ChargeTiming string

const (
	ChargedAtEndOfPeriod ChargeTiming = "end_of_period"
	ChargedImmediately   ChargeTiming = "immediately"
)

// Subscription is an organization's seat subscription as stored locally.
type Subscription struct {
	ID                             string      `json:"id"`
	OrganizationID                 string      `json:"organization_id"`
	BillingType                    BillingType `json:"billing_type"`
	CurrentSeats                   int         `json:"current_seats"`
	LemonSqueezySubscriptionID     *string     `json:"lemonsqueezy_subscription_id,omitempty"`
	LemonSqueezySubscriptionItemID *string     `json:"lemonsqueezy_subscription_item_id,omitempty"`
	Status                         string      `json:"status"`
	RenewsAt                       *time.Time  `json:"renews_at,omitempty"`
	CreatedAt                      time.Time   `json:"created_at"`
	UpdatedAt                      time.Time   `json:"updated_at"`
}

// SubscriptionItemID returns the external line-item id, or "" when unset.
func (s *Subscription) SubscriptionItemID() string {
	if s.LemonSqueezySubscriptionItemID == nil {
		return ""
	}
	return *s.LemonSqueezySubscriptionItemID
}

// ExternalSubscriptionID returns the external subscription id, or "" when unset.
func (s *Subscription) ExternalSubscriptionID() string {
	if s.LemonSqueezySubscriptionID == nil {
		return ""
	}
	return *s.LemonSqueezySubscriptionID
}

// SeatChange is an audit entry written after a confirmed seat change.
type SeatChange struct {
	ID              string              `json:"id"`
	SubscriptionID  string              `json:"subscription_id"`
	OrganizationID  string              `json:"organization_id"`
	BillingType     BillingType         `json:"billing_type"`
	PreviousSeats   int                 `json:"previous_seats"`
	NewSeats        int                 `json:"new_seats"`
	ChargedAt       ChargeTiming        `json:"charged_at"`
	ProrationAmount decimal.NullDecimal `json:"proration_amount"`
	CreatedAt       time.Time           `json:"created_at"`
}
