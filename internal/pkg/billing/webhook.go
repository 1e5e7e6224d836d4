package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v82"

	"github.com/cursolab/CursoLab/app/models"
)

// Webhook event types the pipeline acts on. Everything else is
// acknowledged and skipped so the processor does not keep redelivering
// events we never handle.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventPaymentSucceeded    = "invoice.payment_succeeded"
	EventPaymentFailed       = "invoice.payment_failed"
	EventCustomerCreated     = "customer.created"
	EventCustomerUpdated     = "customer.updated"
	EventCustomerDeleted     = "customer.deleted"
)

var criticalEvents = map[string]bool{
	EventCheckoutCompleted:   true,
	EventSubscriptionCreated: true,
	EventSubscriptionUpdated: true,
	EventSubscriptionDeleted: true,
	EventPaymentSucceeded:    true,
	EventPaymentFailed:       true,
	EventCustomerCreated:     true,
	EventCustomerUpdated:     true,
	EventCustomerDeleted:     true,
}

// PaymentNotifier delivers dunning notices for failed payments. nil
// disables notifications.
type PaymentNotifier interface {
	SendPaymentFailedNotice(ctx context.Context, email string, attemptCount int64, amountDue int64, currency string) error
}

// PipelineMetrics counts webhook outcomes. nil disables counting.
type PipelineMetrics interface {
	CountWebhook(eventType, outcome string)
}

// Pipeline drives one webhook delivery from raw bytes to a terminal
// outcome: verify, record for dedup, classify, dispatch, mark processed.
type Pipeline struct {
	repo     Repository
	client   ProcessorClient
	identity *IdentityMapper
	sync     *Synchronizer
	activity *ActivityLogger
	notifier PaymentNotifier
	metrics  PipelineMetrics
}

func NewPipeline(repo Repository, client ProcessorClient, identity *IdentityMapper, sync *Synchronizer, activity *ActivityLogger, notifier PaymentNotifier, metrics PipelineMetrics) *Pipeline {
	return &Pipeline{
		repo:     repo,
		client:   client,
		identity: identity,
		sync:     sync,
		activity: activity,
		notifier: notifier,
		metrics:  metrics,
	}
}

// Handle processes one delivery. The returned outcome is safe to mirror
// into the HTTP response; err is non-nil only for verification failures
// and retryable processing errors, so the controller can map them to 401
// and 5xx.
func (p *Pipeline) Handle(ctx context.Context, payload []byte, signatureHeader string) (*WebhookOutcome, error) {
	event, err := p.client.VerifyWebhook(payload, signatureHeader)
	if err != nil {
		p.count("unknown", "signature_invalid")
		return &WebhookOutcome{Received: false, Message: "signature verification failed"}, err
	}

	eventType := string(event.Type)
	outcome := &WebhookOutcome{
		Received:  true,
		EventType: eventType,
		EventID:   event.ID,
	}

	inserted, err := p.repo.CreateWebhookEventIfNotExists(ctx, &models.BillingWebhookEvent{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: event.ID,
		EventType:       eventType,
		PayloadJSON:     string(payload),
		SignatureValid:  true,
	})
	if err != nil {
		p.count(eventType, "record_failed")
		return outcome, fmt.Errorf("failed to record webhook event %s: %w", event.ID, err)
	}
	if !inserted {
		log.Infof("webhook event %s (%s) already recorded, skipping", event.ID, eventType)
		outcome.Success = true
		outcome.Duplicate = true
		outcome.Message = "event already processed"
		p.count(eventType, "duplicate")
		return outcome, nil
	}

	// Secondary idempotency guard: the activity ledger outlives webhook
	// event rows, so a delivery whose effects are already in the ledger is
	// a duplicate even if its event row was purged.
	if seen, lerr := p.repo.HasActivityForEvent(ctx, event.ID); lerr != nil {
		log.Warnf("ledger idempotency check failed for %s: %v", event.ID, lerr)
	} else if seen {
		outcome.Success = true
		outcome.Duplicate = true
		outcome.Message = "event already applied"
		p.count(eventType, "duplicate")
		if err := p.repo.MarkWebhookProcessed(ctx, models.BillingProviderStripe, event.ID, nil); err != nil {
			log.Warnf("failed to mark duplicate event %s: %v", event.ID, err)
		}
		return outcome, nil
	}

	if !criticalEvents[eventType] {
		outcome.Success = true
		outcome.Skipped = true
		outcome.Message = "event type not handled"
		p.count(eventType, "skipped")
		if err := p.repo.MarkWebhookProcessed(ctx, models.BillingProviderStripe, event.ID, nil); err != nil {
			log.Warnf("failed to mark skipped event %s: %v", event.ID, err)
		}
		return outcome, nil
	}

	// A panicking handler must not take the ingestion endpoint down;
	// redelivery gets another attempt at a clean state.
	handlerErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic for %s: %v", eventType, r)
			}
		}()
		return p.dispatch(ctx, eventType, event)
	}()

	if markErr := p.repo.MarkWebhookProcessed(ctx, models.BillingProviderStripe, event.ID, handlerErr); markErr != nil {
		log.Errorf("failed to mark event %s processed: %v", event.ID, markErr)
	}

	if handlerErr != nil {
		outcome.Message = handlerErr.Error()
		p.count(eventType, "failed")
		if IsRetryable(handlerErr) {
			return outcome, handlerErr
		}
		// Permanent failures are acknowledged; redelivery cannot fix
		// them and would just bounce forever.
		log.Errorf("permanent failure handling %s (%s): %v", eventType, event.ID, handlerErr)
		return outcome, nil
	}

	outcome.Success = true
	outcome.Message = "processed"
	p.count(eventType, "processed")
	return outcome, nil
}

func (p *Pipeline) dispatch(ctx context.Context, eventType string, event stripe.Event) error {
	switch eventType {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		return p.handleSubscriptionEvent(ctx, eventType, event)
	case EventCheckoutCompleted:
		return p.handleCheckoutCompleted(ctx, event)
	case EventPaymentSucceeded, EventPaymentFailed:
		return p.handleInvoiceEvent(ctx, eventType, event)
	case EventCustomerCreated, EventCustomerUpdated, EventCustomerDeleted:
		return p.handleCustomerEvent(ctx, eventType, event)
	default:
		return nil
	}
}

func (p *Pipeline) handleSubscriptionEvent(ctx context.Context, eventType string, event stripe.Event) error {
	snap, err := ParseSubscriptionSnapshot(event.Data.Raw)
	if err != nil {
		return err
	}
	// Deletion events may still carry the pre-deletion status.
	if eventType == EventSubscriptionDeleted {
		snap.Status = models.BillingStatusCanceled
	}
	_, err = p.sync.Sync(ctx, snap, event.ID)
	return err
}

// handleCheckoutCompleted syncs the freshly created subscription without
// waiting for the subscription.created event, which may arrive later or
// out of order.
func (p *Pipeline) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	info, err := ParseCheckoutInfo(event.Data.Raw)
	if err != nil {
		return err
	}
	if info.Mode != "" && info.Mode != "subscription" {
		log.Infof("checkout session %s is not a subscription checkout, ignoring", info.SessionID)
		return nil
	}
	if info.SubscriptionID == "" {
		log.Warnf("checkout session %s completed without a subscription reference", info.SessionID)
		return nil
	}

	sub, err := WithRetry(ctx, DefaultRetryConfig(), "subscription fetch", func(ctx context.Context) (*stripe.Subscription, error) {
		return p.client.GetSubscription(ctx, info.SubscriptionID)
	})
	if err != nil {
		return err
	}

	snap := SnapshotFromAPI(sub)
	if snap != nil && snap.CustomerID == "" {
		snap.CustomerID = info.CustomerID
	}
	result, err := p.sync.Sync(ctx, snap, event.ID)
	if err != nil {
		return err
	}

	p.activity.RecordResource(ctx, result.UserID, ActionCheckoutCompleted,
		"checkout completed", event.ID, resourceTypeCustomer, info.CustomerID,
		map[string]any{"session_id": info.SessionID, "subscription_id": info.SubscriptionID})
	return nil
}

// handleInvoiceEvent records the payment in the ledger. Subscription state
// transitions arrive through subscription.updated events; the invoice
// handler only documents money movement and triggers dunning.
func (p *Pipeline) handleInvoiceEvent(ctx context.Context, eventType string, event stripe.Event) error {
	info, err := ParseInvoiceInfo(event.Data.Raw)
	if err != nil {
		return err
	}

	userID, err := p.identity.ResolveUserViaAPI(ctx, info.CustomerID, nil)
	if errors.Is(err, ErrUserNotResolved) {
		// Invoices for customers we never tracked (deleted users, other
		// products on the same account) are not an error.
		log.Warnf("invoice %s for unknown customer %s, recording without user", info.InvoiceID, info.CustomerID)
		userID = 0
	} else if err != nil {
		return err
	}

	action := ActionPaymentSucceeded
	description := "payment succeeded"
	if eventType == EventPaymentFailed {
		action = ActionPaymentFailed
		description = "payment failed"
	}

	p.activity.RecordResource(ctx, userID, action, description, event.ID,
		resourceTypeCustomer, info.CustomerID, map[string]any{
			"invoice_id":      info.InvoiceID,
			"subscription_id": info.SubscriptionID,
			"amount_due":      info.AmountDue,
			"amount_paid":     info.AmountPaid,
			"currency":        info.Currency,
			"attempt_count":   info.AttemptCount,
		})

	if eventType == EventPaymentFailed && p.notifier != nil && userID > 0 {
		user, uerr := p.repo.GetUserByID(ctx, userID)
		if uerr != nil {
			log.Warnf("failed to load user %d for dunning notice: %v", userID, uerr)
			return nil
		}
		if nerr := p.notifier.SendPaymentFailedNotice(ctx, user.Email, info.AttemptCount, info.AmountDue, info.Currency); nerr != nil {
			// Notification failures never fail the webhook.
			log.Errorf("failed to send dunning notice to user %d: %v", userID, nerr)
		}
	}
	return nil
}

// handleCustomerEvent refreshes the identity link when customer metadata
// or email changes at the processor.
func (p *Pipeline) handleCustomerEvent(ctx context.Context, eventType string, event stripe.Event) error {
	info, err := ParseCustomerInfo(event.Data.Raw)
	if err != nil {
		return err
	}

	if eventType == EventCustomerDeleted {
		userID, rerr := p.identity.ResolveUser(ctx, info.CustomerID, info.Metadata)
		if rerr == nil {
			p.activity.RecordResource(ctx, userID, ActionCustomerLinked,
				"payment customer deleted at processor", event.ID,
				resourceTypeCustomer, info.CustomerID, nil)
		}
		return nil
	}

	userID, err := p.identity.ResolveUser(ctx, info.CustomerID, info.Metadata)
	if errors.Is(err, ErrUserNotResolved) {
		// Customers created outside our flows get linked when their
		// first subscription event arrives.
		return nil
	}
	if err != nil {
		return err
	}

	p.activity.RecordResource(ctx, userID, ActionCustomerLinked,
		"payment customer updated", event.ID, resourceTypeCustomer, info.CustomerID,
		map[string]any{"email": info.Email})
	return nil
}

func (p *Pipeline) count(eventType, outcome string) {
	if p.metrics != nil {
		p.metrics.CountWebhook(eventType, outcome)
	}
}
