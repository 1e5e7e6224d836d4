package entitlements

import (
	"time"

	"github.com/cursolab/CursoLab/app/models"
)

// Feature flags granted by billing plans. OPEN content is visible to
// everyone, FREE requires an account, PREMIUM requires a paying
// subscription.
const (
	FeatureOpen    = "OPEN"
	FeatureFree    = "FREE"
	FeaturePremium = "PREMIUM"
)

// AccessLevel is the user-facing access tier derived from subscription state.
type AccessLevel string

const (
	AccessFree    AccessLevel = "FREE"
	AccessPremium AccessLevel = "PREMIUM"
)

// FreeFeatures is the feature set of users without an entitling subscription.
func FreeFeatures() []string {
	return []string{FeatureOpen, FeatureFree}
}

// DefaultFallbackFeatures is granted when a synced price id has no catalog
// entry yet. Policy decision: grant premium rather than lock a paying user
// out while the catalog catches up.
func DefaultFallbackFeatures() []string {
	return []string{FeaturePremium}
}

// Derivation captures how a subscription maps to an access level.
type Derivation struct {
	Level  AccessLevel
	AtRisk bool // past_due: premium retained under the grace policy but flagged
}

// Derive computes the access level for a subscription at a point in time.
//
// active/trialing grant premium. past_due keeps premium only while the
// grace-period policy is on, and is always flagged at risk. canceled/unpaid
// keep premium until the already-paid period actually elapses, then revert
// to free.
func Derive(sub *models.BillingSubscription, graceOnPastDue bool, now time.Time) Derivation {
	if sub == nil {
		return Derivation{Level: AccessFree}
	}

	switch sub.Status {
	case models.BillingStatusActive, models.BillingStatusTrialing:
		return Derivation{Level: AccessPremium}
	case models.BillingStatusPastDue:
		if graceOnPastDue {
			return Derivation{Level: AccessPremium, AtRisk: true}
		}
		return Derivation{Level: AccessFree, AtRisk: true}
	case models.BillingStatusCanceled, models.BillingStatusUnpaid:
		if !sub.PeriodElapsed(now) {
			return Derivation{Level: AccessPremium}
		}
		return Derivation{Level: AccessFree}
	default:
		return Derivation{Level: AccessFree}
	}
}

// FeaturesFor returns the effective feature set for a derivation: the
// subscription's granted features while premium, the free tier otherwise.
func FeaturesFor(sub *models.BillingSubscription, d Derivation) []string {
	if d.Level != AccessPremium {
		return FreeFeatures()
	}
	if features := sub.Features(); len(features) > 0 {
		return features
	}
	return DefaultFallbackFeatures()
}
