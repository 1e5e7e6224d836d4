package billing

import (
	"encoding/json"
	"fmt"
	"time"
)

// Webhook payloads are decoded with local structs instead of the SDK's
// event-object types. The API moved the billing period from the
// subscription to its items across versions; accounts pinned to either
// shape deliver valid events, so both are read and the top-level fields
// win when present.

type rawSubscriptionEvent struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type rawInvoiceEvent struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	// The subscription reference moved under parent.subscription_details
	// in newer API versions.
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	AmountDue          int64  `json:"amount_due"`
	AmountPaid         int64  `json:"amount_paid"`
	Currency           string `json:"currency"`
	AttemptCount       int64  `json:"attempt_count"`
	NextPaymentAttempt int64  `json:"next_payment_attempt"`
}

type rawCustomerEvent struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

type rawCheckoutSessionEvent struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Mode         string `json:"mode"`
	Status       string `json:"status"`
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// ParseSubscriptionSnapshot builds a snapshot from a
// customer.subscription.* event payload.
func ParseSubscriptionSnapshot(payload []byte) (*SubscriptionSnapshot, error) {
	var raw rawSubscriptionEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse subscription payload: %w", err)
	}

	snap := &SubscriptionSnapshot{
		SubscriptionID:     raw.ID,
		CustomerID:         raw.Customer,
		Status:             raw.Status,
		CancelAtPeriodEnd:  raw.CancelAtPeriodEnd,
		CurrentPeriodStart: unixPtr(raw.CurrentPeriodStart),
		CurrentPeriodEnd:   unixPtr(raw.CurrentPeriodEnd),
		Raw:                payload,
	}

	if len(raw.Items.Data) > 0 {
		item := raw.Items.Data[0]
		snap.PriceID = item.Price.ID
		if snap.CurrentPeriodStart == nil {
			snap.CurrentPeriodStart = unixPtr(item.CurrentPeriodStart)
		}
		if snap.CurrentPeriodEnd == nil {
			snap.CurrentPeriodEnd = unixPtr(item.CurrentPeriodEnd)
		}
	}

	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// InvoiceInfo is the subset of an invoice.* payload the pipeline acts on.
type InvoiceInfo struct {
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
	Status         string
	AmountDue      int64
	AmountPaid     int64
	Currency       string
	AttemptCount   int64
	NextAttemptAt  *time.Time
}

// ParseInvoiceInfo extracts identity and amounts from an invoice event.
func ParseInvoiceInfo(payload []byte) (*InvoiceInfo, error) {
	var raw rawInvoiceEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse invoice payload: %w", err)
	}
	if raw.Customer == "" {
		return nil, ErrMalformedSnapshot
	}

	subID := raw.Subscription
	if subID == "" {
		subID = raw.Parent.SubscriptionDetails.Subscription
	}

	return &InvoiceInfo{
		InvoiceID:      raw.ID,
		CustomerID:     raw.Customer,
		SubscriptionID: subID,
		Status:         raw.Status,
		AmountDue:      raw.AmountDue,
		AmountPaid:     raw.AmountPaid,
		Currency:       raw.Currency,
		AttemptCount:   raw.AttemptCount,
		NextAttemptAt:  unixPtr(raw.NextPaymentAttempt),
	}, nil
}

// CustomerInfo is the subset of a customer.* payload the pipeline acts on.
type CustomerInfo struct {
	CustomerID string
	Email      string
	Metadata   map[string]string
}

// ParseCustomerInfo extracts identity fields from a customer event.
func ParseCustomerInfo(payload []byte) (*CustomerInfo, error) {
	var raw rawCustomerEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse customer payload: %w", err)
	}
	if raw.ID == "" {
		return nil, ErrMalformedSnapshot
	}
	return &CustomerInfo{CustomerID: raw.ID, Email: raw.Email, Metadata: raw.Metadata}, nil
}

// CheckoutInfo is the subset of a checkout.session.completed payload the
// pipeline acts on.
type CheckoutInfo struct {
	SessionID      string
	CustomerID     string
	SubscriptionID string
	Mode           string
	Status         string
}

// ParseCheckoutInfo extracts identity fields from a checkout session event.
func ParseCheckoutInfo(payload []byte) (*CheckoutInfo, error) {
	var raw rawCheckoutSessionEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse checkout session payload: %w", err)
	}
	if raw.ID == "" {
		return nil, ErrMalformedSnapshot
	}
	return &CheckoutInfo{
		SessionID:      raw.ID,
		CustomerID:     raw.Customer,
		SubscriptionID: raw.Subscription,
		Mode:           raw.Mode,
		Status:         raw.Status,
	}, nil
}
