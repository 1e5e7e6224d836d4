package models

import (
	"encoding/json"
	"time"
)

const (
	BillingStatusActive   = "active"
	BillingStatusTrialing = "trialing"
	BillingStatusPastDue  = "past_due"
	BillingStatusCanceled = "canceled"
	BillingStatusUnpaid   = "unpaid"
)

// BillingSubscription mirrors a Stripe subscription. The row is keyed by the
// Stripe subscription id and is only ever written through the synchronizer's
// upsert; cancellation is a status transition, never a delete.
type BillingSubscription struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	UserID               uint       `gorm:"not null;index" json:"user_id"`
	StripeCustomerID     string     `gorm:"type:varchar(191);not null;index" json:"stripe_customer_id"`
	StripeSubscriptionID string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_billing_subscriptions_sub_id" json:"stripe_subscription_id"`
	StripePriceID        string     `gorm:"type:varchar(191);not null;index" json:"stripe_price_id"`
	Status               string     `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	CurrentPeriodStart   *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool       `gorm:"default:false" json:"cancel_at_period_end"`
	FeaturesJSON         string     `gorm:"type:text;not null;default:''" json:"-"`
	RawPayloadJSON       string     `gorm:"type:longtext" json:"raw_payload_json"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsEntitling reports whether the subscription status can grant paid access.
func (s *BillingSubscription) IsEntitling() bool {
	switch s.Status {
	case BillingStatusActive, BillingStatusTrialing, BillingStatusPastDue:
		return true
	default:
		return false
	}
}

// PeriodElapsed reports whether the current billing period has ended.
// A subscription without a period end is treated as elapsed.
func (s *BillingSubscription) PeriodElapsed(now time.Time) bool {
	if s.CurrentPeriodEnd == nil {
		return true
	}
	return now.After(*s.CurrentPeriodEnd)
}

// Features decodes the granted feature flags.
func (s *BillingSubscription) Features() []string {
	if s.FeaturesJSON == "" {
		return nil
	}
	var features []string
	if err := json.Unmarshal([]byte(s.FeaturesJSON), &features); err != nil {
		return nil
	}
	return features
}

// SetFeatures encodes the granted feature flags for storage.
func (s *BillingSubscription) SetFeatures(features []string) error {
	raw, err := json.Marshal(features)
	if err != nil {
		return err
	}
	s.FeaturesJSON = string(raw)
	return nil
}
