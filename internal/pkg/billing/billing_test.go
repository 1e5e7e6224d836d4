package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/cursolab/CursoLab/app/models"
)

// fakeRepo is the in-memory Repository used across the package tests.
type fakeRepo struct {
	mu sync.Mutex

	users      map[uint]*models.User
	plans      []*models.BillingPlan
	subs       map[string]*models.BillingSubscription
	events     map[string]*models.BillingWebhookEvent
	activities []models.ActivityLogEntry

	nextSubID uint
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:  make(map[uint]*models.User),
		subs:   make(map[string]*models.BillingSubscription),
		events: make(map[string]*models.BillingWebhookEvent),
	}
}

func (r *fakeRepo) addUser(id uint, email string) {
	r.users[id] = &models.User{ID: id, Email: email, Status: models.STATUS_ACTIVE}
}

func (r *fakeRepo) addPlan(planKey, priceID string, features []string) {
	plan := &models.BillingPlan{PlanKey: planKey, StripePriceID: priceID, IsActive: true}
	_ = plan.SetFeatures(features)
	r.plans = append(r.plans, plan)
}

func (r *fakeRepo) GetUserByID(_ context.Context, userID uint) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user %d not found", userID)
}

func (r *fakeRepo) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, fmt.Errorf("user %s not found", email)
}

func (r *fakeRepo) GetPlanByPriceID(_ context.Context, priceID string) (*models.BillingPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.plans {
		if p.StripePriceID == priceID {
			return p, nil
		}
	}
	return nil, ErrPlanNotFound
}

func (r *fakeRepo) GetPlanByKey(_ context.Context, planKey string) (*models.BillingPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.plans {
		if p.PlanKey == planKey {
			return p, nil
		}
	}
	return nil, ErrPlanNotFound
}

func (r *fakeRepo) ListActivePlans(_ context.Context) ([]models.BillingPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.BillingPlan
	for _, p := range r.plans {
		if p.IsActive {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *fakeRepo) GetSubscriptionByExternalID(_ context.Context, subscriptionID string) (*models.BillingSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[subscriptionID]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, ErrSubscriptionNotFound
}

func (r *fakeRepo) GetSubscriptionForUser(_ context.Context, userID uint) (*models.BillingSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.BillingSubscription
	for _, s := range r.subs {
		if s.UserID != userID {
			continue
		}
		if latest == nil || s.UpdatedAt.After(latest.UpdatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrSubscriptionNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *fakeRepo) FindUserIDByCustomerID(_ context.Context, customerID string) (uint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.StripeCustomerID == customerID {
			return s.UserID, nil
		}
	}
	return 0, ErrUserNotResolved
}

func (r *fakeRepo) UpsertSubscription(_ context.Context, sub *models.BillingSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.subs[sub.StripeSubscriptionID]; ok {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	} else {
		r.nextSubID++
		sub.ID = r.nextSubID
		sub.CreatedAt = time.Now()
	}
	sub.UpdatedAt = time.Now()
	cp := *sub
	r.subs[sub.StripeSubscriptionID] = &cp
	return nil
}

func (r *fakeRepo) CreateWebhookEventIfNotExists(_ context.Context, event *models.BillingWebhookEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := event.Provider + ":" + event.ProviderEventID
	if _, ok := r.events[key]; ok {
		return false, nil
	}
	cp := *event
	r.events[key] = &cp
	return true, nil
}

func (r *fakeRepo) MarkWebhookProcessed(_ context.Context, provider, eventID string, processingErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := provider + ":" + eventID
	ev, ok := r.events[key]
	if !ok {
		return fmt.Errorf("event %s not recorded", eventID)
	}
	now := time.Now()
	ev.ProcessedAt = &now
	if processingErr != nil {
		ev.ProcessingError = processingErr.Error()
	} else {
		ev.ProcessingError = ""
	}
	return nil
}

func (r *fakeRepo) WebhookStats(_ context.Context, since time.Time) (*WebhookStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &WebhookStats{ByEventType: make(map[string]int64)}
	for _, ev := range r.events {
		if ev.CreatedAt.Before(since) && !ev.CreatedAt.IsZero() {
			continue
		}
		stats.Total++
		stats.ByEventType[ev.EventType]++
		switch {
		case ev.ProcessedAt != nil && ev.ProcessingError == "":
			stats.Processed++
		case ev.ProcessedAt != nil:
			stats.Failed++
		default:
			stats.Pending++
		}
	}
	return stats, nil
}

func (r *fakeRepo) AppendActivity(_ context.Context, entry *models.ActivityLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.CreatedAt = time.Now()
	r.activities = append(r.activities, *entry)
	return nil
}

func (r *fakeRepo) HasActivityForEvent(_ context.Context, eventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.activities {
		if a.EventID == eventID {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRepo) FindUserIDByCustomerActivity(_ context.Context, customerID string) (uint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.activities) - 1; i >= 0; i-- {
		a := r.activities[i]
		if a.ResourceType == resourceTypeCustomer && a.ResourceID == customerID && a.UserID > 0 {
			return a.UserID, nil
		}
	}
	return 0, ErrUserNotResolved
}

func (r *fakeRepo) RecentActivity(_ context.Context, userID uint, limit int) ([]models.ActivityLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ActivityLogEntry
	for i := len(r.activities) - 1; i >= 0 && len(out) < limit; i-- {
		if r.activities[i].UserID == userID {
			out = append(out, r.activities[i])
		}
	}
	return out, nil
}

func (r *fakeRepo) actionsFor(userID uint) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var actions []string
	for _, a := range r.activities {
		if a.UserID == userID {
			actions = append(actions, a.Action)
		}
	}
	return actions
}

// fakeProcessor is the in-memory ProcessorClient.
type fakeProcessor struct {
	mu sync.Mutex

	customers     map[string]*stripe.Customer
	subscriptions map[string]*stripe.Subscription

	verifyEvent stripe.Event
	verifyErr   error

	createSubErr  error
	getSubErr     error
	createdSubs   int
	canceledSubs  []string
	patchedUsers  map[string]uint
	nextCustomerN int
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		customers:     make(map[string]*stripe.Customer),
		subscriptions: make(map[string]*stripe.Subscription),
		patchedUsers:  make(map[string]uint),
	}
}

func (f *fakeProcessor) addCustomer(id, email string, metadata map[string]string) {
	f.customers[id] = &stripe.Customer{ID: id, Email: email, Metadata: metadata}
}

func (f *fakeProcessor) addSubscription(id, customerID, priceID, status string, periodEnd time.Time) {
	f.subscriptions[id] = &stripe.Subscription{
		ID:       id,
		Status:   stripe.SubscriptionStatus(status),
		Customer: &stripe.Customer{ID: customerID},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					Price:            &stripe.Price{ID: priceID},
					CurrentPeriodEnd: periodEnd.Unix(),
				},
			},
		},
	}
}

func (f *fakeProcessor) FindCustomerByEmail(_ context.Context, email string) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.customers {
		if c.Email == email {
			return c, nil
		}
	}
	return nil, nil
}

func (f *fakeProcessor) CreateCustomer(_ context.Context, email string, userID uint) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextCustomerN++
	cust := &stripe.Customer{
		ID:    fmt.Sprintf("cus_fake_%d", f.nextCustomerN),
		Email: email,
		Metadata: map[string]string{
			MetadataUserIDKey: fmt.Sprintf("%d", userID),
		},
	}
	f.customers[cust.ID] = cust
	return cust, nil
}

func (f *fakeProcessor) SetCustomerUserID(_ context.Context, customerID string, userID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patchedUsers[customerID] = userID
	if c, ok := f.customers[customerID]; ok {
		if c.Metadata == nil {
			c.Metadata = map[string]string{}
		}
		c.Metadata[MetadataUserIDKey] = fmt.Sprintf("%d", userID)
	}
	return nil
}

func (f *fakeProcessor) GetCustomer(_ context.Context, customerID string) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.customers[customerID]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("customer %s not found", customerID)
}

func (f *fakeProcessor) GetSubscription(_ context.Context, subscriptionID string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getSubErr != nil {
		return nil, f.getSubErr
	}
	if s, ok := f.subscriptions[subscriptionID]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("subscription %s not found", subscriptionID)
}

func (f *fakeProcessor) CreateSubscription(_ context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createSubErr != nil {
		return nil, f.createSubErr
	}
	f.createdSubs++
	priceID := ""
	if len(params.Items) > 0 && params.Items[0].Price != nil {
		priceID = *params.Items[0].Price
	}
	sub := &stripe.Subscription{
		ID:       fmt.Sprintf("sub_fake_%d", f.createdSubs),
		Status:   stripe.SubscriptionStatusActive,
		Customer: &stripe.Customer{ID: *params.Customer},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					Price:            &stripe.Price{ID: priceID},
					CurrentPeriodEnd: time.Now().Add(30 * 24 * time.Hour).Unix(),
				},
			},
		},
	}
	f.subscriptions[sub.ID] = sub
	return sub, nil
}

func (f *fakeProcessor) CancelSubscriptionAtPeriodEnd(_ context.Context, subscriptionID string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subscriptions[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("subscription %s not found", subscriptionID)
	}
	f.canceledSubs = append(f.canceledSubs, subscriptionID)
	sub.CancelAtPeriodEnd = true
	return sub, nil
}

func (f *fakeProcessor) ListTaxRates(_ context.Context, _ bool) ([]*stripe.TaxRate, error) {
	return nil, nil
}

func (f *fakeProcessor) CreateTaxRate(_ context.Context, params *stripe.TaxRateParams) (*stripe.TaxRate, error) {
	return &stripe.TaxRate{ID: "txr_fake", Active: true, Metadata: params.Metadata}, nil
}

func (f *fakeProcessor) VerifyWebhook(payload []byte, signatureHeader string) (stripe.Event, error) {
	if f.verifyErr != nil {
		return stripe.Event{}, f.verifyErr
	}
	if strings.HasPrefix(signatureHeader, "valid") {
		event := f.verifyEvent
		event.Data = &stripe.EventData{Raw: json.RawMessage(payload)}
		return event, nil
	}
	return stripe.Event{}, ErrSignatureInvalid
}

// testKit wires the billing services over the fakes with caching stubbed
// out.
type testKit struct {
	repo     *fakeRepo
	client   *fakeProcessor
	identity *IdentityMapper
	sync     *Synchronizer
	activity *ActivityLogger
	pipeline *Pipeline
}

func newTestKit() *testKit {
	repo := newFakeRepo()
	client := newFakeProcessor()
	activity := NewActivityLogger(repo)

	retry := RetryConfig{MaxAttempts: 1}
	identity := NewIdentityMapper(repo, client, activity, retry)

	syncer := NewSynchronizer(repo, identity, activity)
	syncer.invalidate = func(uint) error { return nil }

	pipeline := NewPipeline(repo, client, identity, syncer, activity, nil, nil)

	return &testKit{
		repo:     repo,
		client:   client,
		identity: identity,
		sync:     syncer,
		activity: activity,
		pipeline: pipeline,
	}
}

func subscriptionPayload(subID, custID, priceID, status string, periodEnd time.Time) []byte {
	payload := map[string]any{
		"id":                   subID,
		"customer":             custID,
		"status":               status,
		"cancel_at_period_end": false,
		"items": map[string]any{
			"data": []map[string]any{
				{
					"current_period_end": periodEnd.Unix(),
					"price":              map[string]any{"id": priceID},
				},
			},
		},
	}
	raw, _ := json.Marshal(payload)
	return raw
}
