package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/cursolab/CursoLab/app/models"
	"github.com/cursolab/CursoLab/internal/pkg/cache"
	"github.com/cursolab/CursoLab/internal/pkg/entitlements"
)

// statusCacheKey is the read-model cache entry invalidated on every sync.
func statusCacheKey(userID uint) string {
	return fmt.Sprintf("billing:status:%d", userID)
}

// Synchronizer folds processor subscription snapshots into the local
// database. Every write path converges here: webhooks, checkout
// completion, audits and manual repairs all call Sync with the same
// semantics.
type Synchronizer struct {
	repo       Repository
	identity   *IdentityMapper
	activity   *ActivityLogger
	invalidate func(userID uint) error
}

func NewSynchronizer(repo Repository, identity *IdentityMapper, activity *ActivityLogger) *Synchronizer {
	return &Synchronizer{
		repo:     repo,
		identity: identity,
		activity: activity,
		invalidate: func(userID uint) error {
			return cache.Delete(statusCacheKey(userID))
		},
	}
}

// Sync upserts the subscription row for a snapshot. eventID is the webhook
// event that carried the snapshot, empty for API-sourced syncs.
//
// The stored period end is monotonic: a snapshot whose period end is older
// than the stored one keeps the stored value, except when the snapshot is a
// terminal cancellation, which is allowed to shorten the period. Replays and
// out-of-order deliveries therefore cannot roll entitlement windows back.
func (s *Synchronizer) Sync(ctx context.Context, snap *SubscriptionSnapshot, eventID string) (*SyncResult, error) {
	if snap == nil {
		return nil, ErrMalformedSnapshot
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}

	userID, err := s.identity.ResolveUserViaAPI(ctx, snap.CustomerID, nil)
	if err != nil {
		return nil, fmt.Errorf("sync of %s: %w", snap.SubscriptionID, err)
	}

	existing, err := s.repo.GetSubscriptionByExternalID(ctx, snap.SubscriptionID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("failed to load subscription %s: %w", snap.SubscriptionID, err)
	}
	created := existing == nil

	result := &SyncResult{
		UserID:         userID,
		SubscriptionID: snap.SubscriptionID,
		Status:         snap.Status,
		Created:        created,
	}

	row := &models.BillingSubscription{
		UserID:               userID,
		StripeCustomerID:     snap.CustomerID,
		StripeSubscriptionID: snap.SubscriptionID,
		StripePriceID:        snap.PriceID,
		Status:               snap.Status,
		CurrentPeriodStart:   snap.CurrentPeriodStart,
		CurrentPeriodEnd:     snap.CurrentPeriodEnd,
		CancelAtPeriodEnd:    snap.CancelAtPeriodEnd,
		RawPayloadJSON:       string(snap.Raw),
	}

	if !created {
		row.ID = existing.ID
		if s.periodRegressed(existing, snap) {
			row.CurrentPeriodStart = existing.CurrentPeriodStart
			row.CurrentPeriodEnd = existing.CurrentPeriodEnd
			result.PeriodRegression = true
			log.Warnf("ignoring stale period end for subscription %s (stored %v, snapshot %v)",
				snap.SubscriptionID, existing.CurrentPeriodEnd, snap.CurrentPeriodEnd)
		}
	}

	features, fallback, err := s.featuresForPrice(ctx, row.StripePriceID)
	if err != nil {
		return nil, err
	}
	result.FallbackFeatures = fallback
	if err := row.SetFeatures(features); err != nil {
		return nil, fmt.Errorf("failed to encode features: %w", err)
	}

	if err := s.repo.UpsertSubscription(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to upsert subscription %s: %w", snap.SubscriptionID, err)
	}

	if err := s.invalidate(userID); err != nil {
		log.Warnf("failed to invalidate status cache for user %d: %v", userID, err)
	}

	result.Changed = created || s.diff(existing, row) != ""
	s.logDelta(ctx, existing, row, result, eventID)
	return result, nil
}

// periodRegressed reports whether the snapshot would move the stored period
// end backwards. Terminal cancellations legitimately shorten the period and
// are exempt.
func (s *Synchronizer) periodRegressed(existing *models.BillingSubscription, snap *SubscriptionSnapshot) bool {
	if existing.CurrentPeriodEnd == nil {
		return false
	}
	if snap.Status == models.BillingStatusCanceled || snap.Status == models.BillingStatusUnpaid {
		return false
	}
	if snap.CurrentPeriodEnd == nil {
		return true
	}
	return snap.CurrentPeriodEnd.Before(*existing.CurrentPeriodEnd)
}

// featuresForPrice maps a price id to the plan's feature grant. A price
// with no catalog row degrades to the premium fallback so a paying user is
// never locked out by a stale catalog; the gap is logged for the operators.
func (s *Synchronizer) featuresForPrice(ctx context.Context, priceID string) ([]string, bool, error) {
	plan, err := s.repo.GetPlanByPriceID(ctx, priceID)
	if errors.Is(err, ErrPlanNotFound) {
		log.Warnf("no billing plan for price %s, applying fallback features", priceID)
		return entitlements.DefaultFallbackFeatures(), true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve plan for price %s: %w", priceID, err)
	}
	features := plan.Features()
	if len(features) == 0 {
		features = entitlements.DefaultFallbackFeatures()
	}
	return features, false, nil
}

// diff names the fields that changed, for the ledger entry.
func (s *Synchronizer) diff(before, after *models.BillingSubscription) string {
	if before == nil {
		return "created"
	}
	changed := ""
	add := func(name string) {
		if changed != "" {
			changed += ","
		}
		changed += name
	}
	if before.Status != after.Status {
		add("status")
	}
	if before.StripePriceID != after.StripePriceID {
		add("price")
	}
	if !timePtrEqual(before.CurrentPeriodEnd, after.CurrentPeriodEnd) {
		add("period_end")
	}
	if before.CancelAtPeriodEnd != after.CancelAtPeriodEnd {
		add("cancel_at_period_end")
	}
	if before.FeaturesJSON != after.FeaturesJSON {
		add("features")
	}
	return changed
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (s *Synchronizer) logDelta(ctx context.Context, before, after *models.BillingSubscription, result *SyncResult, eventID string) {
	if !result.Changed {
		return
	}

	action := ActionSubscriptionUpdated
	description := "subscription updated"
	switch {
	case result.Created:
		action = ActionSubscriptionCreated
		description = "subscription created"
	case after.Status == models.BillingStatusCanceled && (before == nil || before.Status != models.BillingStatusCanceled):
		action = ActionSubscriptionCanceled
		description = "subscription canceled"
	}

	metadata := map[string]any{
		"subscription_id": after.StripeSubscriptionID,
		"status":          after.Status,
		"price_id":        after.StripePriceID,
	}
	if before != nil {
		metadata["previous_status"] = before.Status
		metadata["changed_fields"] = s.diff(before, after)
	}
	if result.FallbackFeatures {
		metadata["fallback_features"] = true
	}
	if result.PeriodRegression {
		metadata["stale_period_ignored"] = true
	}

	s.activity.RecordResource(ctx, result.UserID, action, description, eventID,
		resourceTypeCustomer, after.StripeCustomerID, metadata)
}
