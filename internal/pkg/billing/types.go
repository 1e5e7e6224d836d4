package billing

import (
	"time"
)

// SubscriptionSnapshot is the provider-neutral view of one subscription as
// reported by the payment processor, either inside a webhook payload or
// fetched live from the API. It is the only shape the synchronizer accepts.
type SubscriptionSnapshot struct {
	SubscriptionID     string
	CustomerID         string
	PriceID            string
	Status             string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	Raw                []byte
}

// Validate reports whether the snapshot carries what a sync needs. A
// snapshot without any billing period is not synchronizable and must not
// overwrite good local state.
func (s *SubscriptionSnapshot) Validate() error {
	if s.SubscriptionID == "" || s.CustomerID == "" || s.PriceID == "" || s.Status == "" {
		return ErrMalformedSnapshot
	}
	if s.CurrentPeriodStart == nil && s.CurrentPeriodEnd == nil {
		return ErrMalformedSnapshot
	}
	return nil
}

// SyncResult describes what one synchronization pass did.
type SyncResult struct {
	UserID           uint
	SubscriptionID   string
	Status           string
	Created          bool
	Changed          bool
	PeriodRegression bool // stale period end ignored to keep the stored one monotonic
	FallbackFeatures bool // price id missing from the catalog, degraded grant applied
}

// WebhookOutcome is the terminal state of one webhook delivery, mirrored
// into the HTTP response body.
type WebhookOutcome struct {
	Received  bool   `json:"received"`
	Success   bool   `json:"success"`
	Skipped   bool   `json:"skipped,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	EventType string `json:"eventType,omitempty"`
	EventID   string `json:"eventId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// AuditFinding is one field-level divergence between the processor's view
// of a subscription and the stored row.
type AuditFinding struct {
	Field     string `json:"field"`
	Stored    string `json:"stored"`
	Processor string `json:"processor"`
}

// AuditReport is the result of one consistency audit run over a single
// subscription.
type AuditReport struct {
	RunID          string         `json:"run_id"`
	SubscriptionID string         `json:"subscription_id"`
	Consistent     bool           `json:"consistent"`
	Findings       []AuditFinding `json:"findings,omitempty"`
	Repaired       bool           `json:"repaired"`
	CheckedAt      time.Time      `json:"checked_at"`
}
