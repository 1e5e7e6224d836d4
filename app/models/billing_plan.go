package models

import (
	"encoding/json"
	"time"
)

const (
	BillingIntervalMonth   = "month"
	BillingIntervalYear    = "year"
	BillingIntervalUnknown = "unknown"
)

// BillingPlan maps a Stripe price to a local plan with its feature flags.
// The catalog is maintained out of band (admin/configuration); the billing
// subsystem only reads it.
type BillingPlan struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	PlanKey         string    `gorm:"type:varchar(50);not null;uniqueIndex" json:"plan_key"`
	Name            string    `gorm:"type:varchar(150);not null" json:"name"`
	Description     string    `gorm:"type:text" json:"description"`
	StripePriceID   string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"stripe_price_id"`
	StripeProductID string    `gorm:"type:varchar(191);not null;default:''" json:"stripe_product_id"`
	PriceCents      int64     `gorm:"not null;default:0" json:"price_cents"`
	Currency        string    `gorm:"type:varchar(3);not null;default:'EUR'" json:"currency"`
	BillingInterval string    `gorm:"type:varchar(16);not null;default:'month'" json:"billing_interval"`
	FeaturesJSON    string    `gorm:"type:text;not null;default:''" json:"-"`
	IsActive        bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Features decodes the stored feature flags. A broken or empty column yields
// an empty set, never an error.
func (p *BillingPlan) Features() []string {
	if p.FeaturesJSON == "" {
		return nil
	}
	var features []string
	if err := json.Unmarshal([]byte(p.FeaturesJSON), &features); err != nil {
		return nil
	}
	return features
}

// SetFeatures encodes the feature flags for storage.
func (p *BillingPlan) SetFeatures(features []string) error {
	raw, err := json.Marshal(features)
	if err != nil {
		return err
	}
	p.FeaturesJSON = string(raw)
	return nil
}
