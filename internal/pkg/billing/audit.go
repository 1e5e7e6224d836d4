package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"

	"github.com/cursolab/CursoLab/app/models"
)

// periodTolerance absorbs clock skew and rounding between the processor's
// timestamps and ours. Divergence inside the window is not an
// inconsistency.
const periodTolerance = 60 * time.Second

// Auditor compares stored subscription rows against the processor's live
// state and repairs divergence. The processor is the source of truth:
// repair always writes its state over ours, through the same Sync path the
// webhooks use.
type Auditor struct {
	repo     Repository
	client   ProcessorClient
	sync     *Synchronizer
	activity *ActivityLogger
	retry    RetryConfig
}

func NewAuditor(repo Repository, client ProcessorClient, sync *Synchronizer, activity *ActivityLogger, retry RetryConfig) *Auditor {
	return &Auditor{repo: repo, client: client, sync: sync, activity: activity, retry: retry}
}

// Audit checks one subscription and repairs it when inconsistent.
func (a *Auditor) Audit(ctx context.Context, subscriptionID string) (*AuditReport, error) {
	report := &AuditReport{
		RunID:          uuid.New().String(),
		SubscriptionID: subscriptionID,
		CheckedAt:      time.Now().UTC(),
	}

	stored, err := a.repo.GetSubscriptionByExternalID(ctx, subscriptionID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("failed to load stored subscription %s: %w", subscriptionID, err)
	}

	remote, err := WithRetry(ctx, a.retry, "audit subscription fetch", func(ctx context.Context) (*stripe.Subscription, error) {
		return a.client.GetSubscription(ctx, subscriptionID)
	})
	if err != nil {
		return nil, err
	}
	snap := SnapshotFromAPI(remote)
	if snap == nil {
		return nil, fmt.Errorf("processor returned no subscription for %s", subscriptionID)
	}

	if stored == nil {
		report.Findings = append(report.Findings, AuditFinding{
			Field:     "existence",
			Stored:    "missing",
			Processor: snap.Status,
		})
	} else {
		report.Findings = a.compare(stored, snap)
	}
	report.Consistent = len(report.Findings) == 0

	if report.Consistent {
		log.Infof("audit %s: subscription %s consistent", report.RunID, subscriptionID)
		return report, nil
	}

	log.Warnf("audit %s: subscription %s diverged in %d field(s), repairing", report.RunID, subscriptionID, len(report.Findings))

	result, err := a.sync.Sync(ctx, snap, "")
	if err != nil {
		return report, fmt.Errorf("audit %s: repair of %s failed: %w", report.RunID, subscriptionID, err)
	}
	report.Repaired = true

	findings := make([]map[string]any, 0, len(report.Findings))
	for _, f := range report.Findings {
		findings = append(findings, map[string]any{
			"field": f.Field, "stored": f.Stored, "processor": f.Processor,
		})
	}
	a.activity.RecordResource(ctx, result.UserID, ActionConsistencyRepaired,
		"subscription state repaired from processor", "", resourceTypeCustomer, snap.CustomerID,
		map[string]any{
			"run_id":          report.RunID,
			"subscription_id": subscriptionID,
			"findings":        findings,
		})
	return report, nil
}

func (a *Auditor) compare(stored *models.BillingSubscription, snap *SubscriptionSnapshot) []AuditFinding {
	var findings []AuditFinding

	if stored.Status != snap.Status {
		findings = append(findings, AuditFinding{Field: "status", Stored: stored.Status, Processor: snap.Status})
	}
	if snap.PriceID != "" && stored.StripePriceID != snap.PriceID {
		findings = append(findings, AuditFinding{Field: "price_id", Stored: stored.StripePriceID, Processor: snap.PriceID})
	}
	if stored.CancelAtPeriodEnd != snap.CancelAtPeriodEnd {
		findings = append(findings, AuditFinding{
			Field:     "cancel_at_period_end",
			Stored:    fmt.Sprintf("%t", stored.CancelAtPeriodEnd),
			Processor: fmt.Sprintf("%t", snap.CancelAtPeriodEnd),
		})
	}
	if diverged(stored.CurrentPeriodEnd, snap.CurrentPeriodEnd) {
		findings = append(findings, AuditFinding{
			Field:     "current_period_end",
			Stored:    formatTime(stored.CurrentPeriodEnd),
			Processor: formatTime(snap.CurrentPeriodEnd),
		})
	}
	return findings
}

// diverged reports whether two period timestamps differ by more than the
// tolerance window.
func diverged(a, b *time.Time) bool {
	if a == nil && b == nil {
		return false
	}
	if a == nil || b == nil {
		return true
	}
	delta := a.Sub(*b)
	if delta < 0 {
		delta = -delta
	}
	return delta > periodTolerance
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "none"
	}
	return t.UTC().Format(time.RFC3339)
}
