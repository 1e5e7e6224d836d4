package billing

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// MetadataUserIDKey ties a processor customer back to the application user
// that owns it. Set on customer creation, patched onto pre-existing
// customers found by email.
const MetadataUserIDKey = "app_user_id"

// ProcessorClient is the slice of the payment processor API the billing
// packages use. Tests substitute a fake; production wires the official SDK
// through StripeClient.
type ProcessorClient interface {
	FindCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error)
	CreateCustomer(ctx context.Context, email string, userID uint) (*stripe.Customer, error)
	SetCustomerUserID(ctx context.Context, customerID string, userID uint) error
	GetCustomer(ctx context.Context, customerID string) (*stripe.Customer, error)

	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
	CreateSubscription(ctx context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	CancelSubscriptionAtPeriodEnd(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)

	ListTaxRates(ctx context.Context, activeOnly bool) ([]*stripe.TaxRate, error)
	CreateTaxRate(ctx context.Context, params *stripe.TaxRateParams) (*stripe.TaxRate, error)

	VerifyWebhook(payload []byte, signatureHeader string) (stripe.Event, error)
}

// StripeClient implements ProcessorClient against the Stripe API.
type StripeClient struct {
	api           *client.API
	webhookSecret string
}

func NewStripeClient(secretKey, webhookSecret string) *StripeClient {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeClient{api: api, webhookSecret: webhookSecret}
}

func (s *StripeClient) FindCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error) {
	params := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Query:   fmt.Sprintf("email:%q", email),
			Context: ctx,
		},
	}
	iter := s.api.Customers.Search(params)
	for iter.Next() {
		return iter.Customer(), nil
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to search customers: %w", err)
	}
	return nil, nil
}

func (s *StripeClient) CreateCustomer(ctx context.Context, email string, userID uint) (*stripe.Customer, error) {
	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		Email:  stripe.String(email),
		Metadata: map[string]string{
			MetadataUserIDKey: fmt.Sprintf("%d", userID),
		},
	}
	cust, err := s.api.Customers.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}
	return cust, nil
}

func (s *StripeClient) SetCustomerUserID(ctx context.Context, customerID string, userID uint) error {
	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		Metadata: map[string]string{
			MetadataUserIDKey: fmt.Sprintf("%d", userID),
		},
	}
	if _, err := s.api.Customers.Update(customerID, params); err != nil {
		return fmt.Errorf("failed to update customer metadata: %w", err)
	}
	return nil
}

func (s *StripeClient) GetCustomer(ctx context.Context, customerID string) (*stripe.Customer, error) {
	cust, err := s.api.Customers.Get(customerID, &stripe.CustomerParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch customer %s: %w", customerID, err)
	}
	return cust, nil
}

func (s *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	sub, err := s.api.Subscriptions.Get(subscriptionID, &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscription %s: %w", subscriptionID, err)
	}
	return sub, nil
}

func (s *StripeClient) CreateSubscription(ctx context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	params.Context = ctx
	sub, err := s.api.Subscriptions.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, nil
}

func (s *StripeClient) CancelSubscriptionAtPeriodEnd(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params:            stripe.Params{Context: ctx},
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	sub, err := s.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel subscription %s: %w", subscriptionID, err)
	}
	return sub, nil
}

func (s *StripeClient) ListTaxRates(ctx context.Context, activeOnly bool) ([]*stripe.TaxRate, error) {
	params := &stripe.TaxRateListParams{
		ListParams: stripe.ListParams{Context: ctx},
	}
	if activeOnly {
		params.Active = stripe.Bool(true)
	}
	var rates []*stripe.TaxRate
	iter := s.api.TaxRates.List(params)
	for iter.Next() {
		rates = append(rates, iter.TaxRate())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tax rates: %w", err)
	}
	return rates, nil
}

func (s *StripeClient) CreateTaxRate(ctx context.Context, params *stripe.TaxRateParams) (*stripe.TaxRate, error) {
	params.Context = ctx
	rate, err := s.api.TaxRates.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create tax rate: %w", err)
	}
	return rate, nil
}

func (s *StripeClient) VerifyWebhook(payload []byte, signatureHeader string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return event, nil
}

// SnapshotFromAPI converts an SDK subscription object into the neutral
// snapshot shape. The period lives on the first item in current API
// versions.
func SnapshotFromAPI(sub *stripe.Subscription) *SubscriptionSnapshot {
	if sub == nil {
		return nil
	}
	snap := &SubscriptionSnapshot{
		SubscriptionID:    sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		snap.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			snap.PriceID = item.Price.ID
		}
		snap.CurrentPeriodStart = unixPtr(item.CurrentPeriodStart)
		snap.CurrentPeriodEnd = unixPtr(item.CurrentPeriodEnd)
	}
	return snap
}
