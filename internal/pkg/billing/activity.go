package billing

import (
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v2/log"

	"github.com/cursolab/CursoLab/app/models"
)

// Activity actions recorded in the billing ledger.
const (
	ActionSubscriptionCreated  = "billing.subscription_created"
	ActionSubscriptionUpdated  = "billing.subscription_updated"
	ActionSubscriptionCanceled = "billing.subscription_canceled"
	ActionPaymentSucceeded     = "billing.payment_succeeded"
	ActionPaymentFailed        = "billing.payment_failed"
	ActionCustomerLinked       = "billing.customer_linked"
	ActionCheckoutCompleted    = "billing.checkout_completed"
	ActionConsistencyRepaired  = "billing.consistency_repaired"
)

// ActivityLogger appends billing events to the append-only ledger. Ledger
// writes are best effort: a failed append is logged and swallowed so the
// billing operation that triggered it still completes.
type ActivityLogger struct {
	repo Repository
}

func NewActivityLogger(repo Repository) *ActivityLogger {
	return &ActivityLogger{repo: repo}
}

// Record appends one ledger entry. eventID carries the originating webhook
// event id when there is one and doubles as a secondary idempotency index.
func (a *ActivityLogger) Record(ctx context.Context, userID uint, action, description, eventID string, metadata map[string]any) {
	entry := &models.ActivityLogEntry{
		UserID:      userID,
		Action:      action,
		Description: description,
		EventID:     eventID,
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			log.Warnf("failed to marshal activity metadata for %s: %v", action, err)
		} else {
			entry.MetadataJSON = string(raw)
		}
	}
	if err := a.repo.AppendActivity(ctx, entry); err != nil {
		log.Errorf("failed to append activity %s for user %d: %v", action, userID, err)
	}
}

// RecordResource is Record with a resource reference attached, used to keep
// the customer id resolvable for the identity fallback path.
func (a *ActivityLogger) RecordResource(ctx context.Context, userID uint, action, description, eventID, resourceType, resourceID string, metadata map[string]any) {
	entry := &models.ActivityLogEntry{
		UserID:       userID,
		Action:       action,
		Description:  description,
		EventID:      eventID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			log.Warnf("failed to marshal activity metadata for %s: %v", action, err)
		} else {
			entry.MetadataJSON = string(raw)
		}
	}
	if err := a.repo.AppendActivity(ctx, entry); err != nil {
		log.Errorf("failed to append activity %s for user %d: %v", action, userID, err)
	}
}
