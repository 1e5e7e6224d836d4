package entitlements

import (
	"testing"
	"time"

	"github.com/cursolab/CursoLab/app/models"
)

func ts(t time.Time) *time.Time { return &t }

func TestDerive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := ts(now.Add(14 * 24 * time.Hour))
	past := ts(now.Add(-24 * time.Hour))

	tests := []struct {
		name   string
		sub    *models.BillingSubscription
		grace  bool
		want   AccessLevel
		atRisk bool
	}{
		{name: "nil subscription", sub: nil, grace: true, want: AccessFree},
		{name: "active", sub: &models.BillingSubscription{Status: models.BillingStatusActive}, grace: true, want: AccessPremium},
		{name: "trialing", sub: &models.BillingSubscription{Status: models.BillingStatusTrialing}, grace: true, want: AccessPremium},
		{name: "past_due with grace", sub: &models.BillingSubscription{Status: models.BillingStatusPastDue}, grace: true, want: AccessPremium, atRisk: true},
		{name: "past_due without grace", sub: &models.BillingSubscription{Status: models.BillingStatusPastDue}, grace: false, want: AccessFree, atRisk: true},
		{name: "canceled before period end", sub: &models.BillingSubscription{Status: models.BillingStatusCanceled, CurrentPeriodEnd: future}, grace: true, want: AccessPremium},
		{name: "canceled after period end", sub: &models.BillingSubscription{Status: models.BillingStatusCanceled, CurrentPeriodEnd: past}, grace: true, want: AccessFree},
		{name: "unpaid without period end", sub: &models.BillingSubscription{Status: models.BillingStatusUnpaid}, grace: true, want: AccessFree},
	}

	for _, tt := range tests {
		got := Derive(tt.sub, tt.grace, now)
		if got.Level != tt.want {
			t.Fatalf("%s: Derive() level = %q, want %q", tt.name, got.Level, tt.want)
		}
		if got.AtRisk != tt.atRisk {
			t.Fatalf("%s: Derive() atRisk = %v, want %v", tt.name, got.AtRisk, tt.atRisk)
		}
	}
}

func TestFeaturesFor(t *testing.T) {
	sub := &models.BillingSubscription{Status: models.BillingStatusActive}
	if err := sub.SetFeatures([]string{FeatureOpen, FeatureFree, FeaturePremium}); err != nil {
		t.Fatalf("SetFeatures: %v", err)
	}

	got := FeaturesFor(sub, Derivation{Level: AccessPremium})
	if len(got) != 3 {
		t.Fatalf("expected stored features, got %v", got)
	}

	// Premium without stored features falls back to the premium flag.
	empty := &models.BillingSubscription{Status: models.BillingStatusActive}
	got = FeaturesFor(empty, Derivation{Level: AccessPremium})
	if len(got) != 1 || got[0] != FeaturePremium {
		t.Fatalf("expected fallback premium features, got %v", got)
	}

	// Free derivation ignores stored features.
	got = FeaturesFor(sub, Derivation{Level: AccessFree})
	if len(got) != 2 || got[0] != FeatureOpen || got[1] != FeatureFree {
		t.Fatalf("expected free features, got %v", got)
	}
}
