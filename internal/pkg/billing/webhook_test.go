package billing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82"
)

func (k *testKit) deliver(t *testing.T, eventID, eventType string, payload []byte) (*WebhookOutcome, error) {
	t.Helper()
	k.client.verifyEvent = stripe.Event{ID: eventID, Type: stripe.EventType(eventType)}
	return k.pipeline.Handle(context.Background(), payload, "valid")
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	kit := newTestKit()

	outcome, err := kit.pipeline.Handle(context.Background(), []byte(`{}`), "garbage")
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("err = %v, want ErrSignatureInvalid", err)
	}
	if outcome.Received {
		t.Fatalf("unverified delivery must not count as received")
	}
	if len(kit.repo.events) != 0 {
		t.Fatalf("unverified delivery must not be recorded")
	}
}

func TestWebhookSubscriptionCreated(t *testing.T) {
	kit := newTestKit()
	kit.repo.addUser(7, "ana@example.com")
	kit.repo.addPlan("premium_monthly", "price_month", []string{"PREMIUM"})
	kit.client.addCustomer("cus_1", "ana@example.com", map[string]string{MetadataUserIDKey: "7"})

	payload := subscriptionPayload("sub_1", "cus_1", "price_month", "active", time.Now().Add(30*24*time.Hour))
	outcome, err := kit.deliver(t, "evt_1", EventSubscriptionCreated, payload)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !outcome.Received || !outcome.Success {
		t.Fatalf("outcome = %+v", outcome)
	}
	if outcome.EventType != EventSubscriptionCreated || outcome.EventID != "evt_1" {
		t.Fatalf("outcome identity wrong: %+v", outcome)
	}

	if _, err := kit.repo.GetSubscriptionByExternalID(context.Background(), "sub_1"); err != nil {
		t.Fatalf("subscription not synced: %v", err)
	}
}

func TestWebhookDuplicateDeliveryIsNoOp(t *testing.T) {
	kit := newTestKit()
	kit.repo.addUser(7, "ana@example.com")
	kit.repo.addPlan("premium_monthly", "price_month", []string{"PREMIUM"})
	kit.client.addCustomer("cus_1", "ana@example.com", map[string]string{MetadataUserIDKey: "7"})

	payload := subscriptionPayload("sub_1", "cus_1", "price_month", "active", time.Now().Add(30*24*time.Hour))
	if _, err := kit.deliver(t, "evt_1", EventSubscriptionCreated, payload); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	activityBefore := len(kit.repo.activities)

	outcome, err := kit.deliver(t, "evt_1", EventSubscriptionCreated, payload)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if !outcome.Duplicate || !outcome.Success {
		t.Fatalf("outcome = %+v, want duplicate success", outcome)
	}
	if len(kit.repo.activities) != activityBefore {
		t.Fatalf("duplicate delivery appended to the ledger")
	}
}

func TestWebhookUnknownEventIsSkipped(t *testing.T) {
	kit := newTestKit()

	outcome, err := kit.deliver(t, "evt_1", "price.created", []byte(`{"id":"price_x"}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !outcome.Skipped || !outcome.Success {
		t.Fatalf("outcome = %+v, want skipped success", outcome)
	}

	ev := kit.repo.events["stripe:evt_1"]
	if ev == nil || ev.ProcessedAt == nil {
		t.Fatalf("skipped event must still be recorded and marked")
	}
}

func TestWebhookSubscriptionDeletedForcesCanceled(t *testing.T) {
	kit := newTestKit()
	kit.repo.addUser(7, "ana@example.com")
	kit.repo.addPlan("premium_monthly", "price_month", []string{"PREMIUM"})
	kit.client.addCustomer("cus_1", "ana@example.com", map[string]string{MetadataUserIDKey: "7"})

	payload := subscriptionPayload("sub_1", "cus_1", "price_month", "active", time.Now().Add(30*24*time.Hour))
	if _, err := kit.deliver(t, "evt_1", EventSubscriptionCreated, payload); err != nil {
		t.Fatalf("create delivery: %v", err)
	}

	// Deletion payloads may still carry the last active status.
	if _, err := kit.deliver(t, "evt_2", EventSubscriptionDeleted, payload); err != nil {
		t.Fatalf("delete delivery: %v", err)
	}

	stored, _ := kit.repo.GetSubscriptionByExternalID(context.Background(), "sub_1")
	if stored.Status != "canceled" {
		t.Fatalf("status = %q, want canceled", stored.Status)
	}
}

func TestWebhookCheckoutCompletedSyncsFromAPI(t *testing.T) {
	kit := newTestKit()
	kit.repo.addUser(7, "ana@example.com")
	kit.repo.addPlan("premium_monthly", "price_month", []string{"PREMIUM"})
	kit.client.addCustomer("cus_1", "ana@example.com", map[string]string{MetadataUserIDKey: "7"})
	kit.client.addSubscription("sub_1", "cus_1", "price_month", "active", time.Now().Add(30*24*time.Hour))

	payload, _ := json.Marshal(map[string]any{
		"id":           "cs_1",
		"customer":     "cus_1",
		"subscription": "sub_1",
		"mode":         "subscription",
	})
	outcome, err := kit.deliver(t, "evt_1", EventCheckoutCompleted, payload)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("outcome = %+v", outcome)
	}

	stored, err := kit.repo.GetSubscriptionByExternalID(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("subscription not synced from API: %v", err)
	}
	if stored.UserID != 7 {
		t.Fatalf("user = %d, want 7", stored.UserID)
	}

	actions := kit.repo.actionsFor(7)
	found := false
	for _, a := range actions {
		if a == ActionCheckoutCompleted {
			found = true
		}
	}
	if !found {
		t.Fatalf("checkout completion not in ledger: %v", actions)
	}
}

type captureNotifier struct {
	emails []string
}

func (n *captureNotifier) SendPaymentFailedNotice(_ context.Context, email string, _ int64, _ int64, _ string) error {
	n.emails = append(n.emails, email)
	return nil
}

func TestWebhookPaymentFailedNotifiesAndLogs(t *testing.T) {
	kit := newTestKit()
	kit.repo.addUser(7, "ana@example.com")
	kit.repo.addPlan("premium_monthly", "price_month", []string{"PREMIUM"})
	kit.client.addCustomer("cus_1", "ana@example.com", map[string]string{MetadataUserIDKey: "7"})

	notifier := &captureNotifier{}
	kit.pipeline.notifier = notifier

	payload, _ := json.Marshal(map[string]any{
		"id":            "in_1",
		"customer":      "cus_1",
		"status":        "open",
		"amount_due":    999,
		"currency":      "eur",
		"attempt_count": 2,
	})
	outcome, err := kit.deliver(t, "evt_1", EventPaymentFailed, payload)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("outcome = %+v", outcome)
	}
	if len(notifier.emails) != 1 || notifier.emails[0] != "ana@example.com" {
		t.Fatalf("dunning notice not sent: %v", notifier.emails)
	}

	actions := kit.repo.actionsFor(7)
	if len(actions) != 1 || actions[0] != ActionPaymentFailed {
		t.Fatalf("actions = %v, want payment failed", actions)
	}
}

func TestWebhookUnresolvableCustomerIsPermanentFailureForSync(t *testing.T) {
	kit := newTestKit()
	// No user, no customer metadata: the subscription cannot be tied to
	// anyone.
	kit.client.addCustomer("cus_ghost", "ghost@example.com", nil)

	payload := subscriptionPayload("sub_x", "cus_ghost", "price_month", "active", time.Now().Add(24*time.Hour))
	outcome, err := kit.deliver(t, "evt_1", EventSubscriptionCreated, payload)
	if err != nil {
		t.Fatalf("permanent failures must be acknowledged, got err %v", err)
	}
	if outcome.Success {
		t.Fatalf("outcome = %+v, want failure", outcome)
	}

	ev := kit.repo.events["stripe:evt_1"]
	if ev == nil || ev.ProcessedAt == nil || ev.ProcessingError == "" {
		t.Fatalf("failed event must be marked with its error")
	}
}
