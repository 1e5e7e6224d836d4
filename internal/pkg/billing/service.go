package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v82"

	"github.com/cursolab/CursoLab/app/models"
	"github.com/cursolab/CursoLab/internal/pkg/cache"
	"github.com/cursolab/CursoLab/internal/pkg/entitlements"
	"github.com/cursolab/CursoLab/internal/pkg/env"
	"github.com/cursolab/CursoLab/internal/pkg/tax"
)

const statusCacheTTL = 5 * time.Minute

// Service is the application-facing billing API: starting and canceling
// subscriptions, reading entitlement status and the plan catalog.
type Service struct {
	repo       Repository
	client     ProcessorClient
	identity   *IdentityMapper
	sync       *Synchronizer
	activity   *ActivityLogger
	rates      *tax.RateEnsurer
	retry      RetryConfig
	graceOnDue bool

	cacheGet func(key string) (string, error)
	cacheSet func(key string, value interface{}, ttl time.Duration) error
}

func NewService(repo Repository, client ProcessorClient, identity *IdentityMapper, sync *Synchronizer, activity *ActivityLogger, rates *tax.RateEnsurer) *Service {
	return &Service{
		repo:       repo,
		client:     client,
		identity:   identity,
		sync:       sync,
		activity:   activity,
		rates:      rates,
		retry:      DefaultRetryConfig(),
		graceOnDue: env.GetBool("BILLING_PAST_DUE_GRACE", true),
		cacheGet:   cache.Get,
		cacheSet:   cache.Set,
	}
}

// StartSubscriptionInput carries what a new subscription needs: the plan
// and the billing address the tax regime is derived from.
type StartSubscriptionInput struct {
	UserID     uint
	PlanKey    string `validate:"required"`
	Country    string `validate:"required,len=2"`
	PostalCode string
}

// StartSubscriptionResult reports the created subscription and the tax
// regime that was applied to it.
type StartSubscriptionResult struct {
	SubscriptionID string       `json:"subscription_id"`
	Status         string       `json:"status"`
	Tax            tax.Decision `json:"tax"`
}

// StartSubscription creates a processor subscription for the user on the
// given plan and syncs the result locally without waiting for the webhook.
//
// The tax regime follows the billing address: Canary Islands addresses get
// the manual IGIC rate attached, everything else runs through automatic
// tax calculation.
func (s *Service) StartSubscription(ctx context.Context, input StartSubscriptionInput) (*StartSubscriptionResult, error) {
	plan, err := s.repo.GetPlanByKey(ctx, input.PlanKey)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, ErrPlanNotFound
	}

	customerID, err := s.identity.ResolveOrCreateCustomer(ctx, input.UserID)
	if err != nil {
		return nil, err
	}

	decision := tax.Resolve(input.Country, input.PostalCode)

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(plan.StripePriceID)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
	}
	switch decision.Mode {
	case tax.ModeManual:
		rateID, rerr := s.rates.EnsureIGICRate(ctx)
		if rerr != nil {
			return nil, rerr
		}
		params.DefaultTaxRates = stripe.StringSlice([]string{rateID})
	default:
		params.AutomaticTax = &stripe.SubscriptionAutomaticTaxParams{
			Enabled: stripe.Bool(true),
		}
	}

	sub, err := WithRetry(ctx, s.retry, "subscription create", func(ctx context.Context) (*stripe.Subscription, error) {
		return s.client.CreateSubscription(ctx, params)
	})
	if err != nil {
		return nil, err
	}

	snap := SnapshotFromAPI(sub)
	if snap != nil && snap.CustomerID == "" {
		snap.CustomerID = customerID
	}
	if _, err := s.sync.Sync(ctx, snap, ""); err != nil {
		// The webhook will converge the row; the subscription itself
		// exists either way.
		log.Errorf("immediate sync of new subscription %s failed: %v", sub.ID, err)
	}

	log.Infof("started subscription %s for user %d on plan %s (%s tax)", sub.ID, input.UserID, plan.PlanKey, decision.Mode)
	return &StartSubscriptionResult{
		SubscriptionID: sub.ID,
		Status:         string(sub.Status),
		Tax:            decision,
	}, nil
}

// CancelSubscription schedules the user's subscription to end at the
// period close. Access continues until the already-paid period elapses.
func (s *Service) CancelSubscription(ctx context.Context, userID uint) (*models.BillingSubscription, error) {
	stored, err := s.repo.GetSubscriptionForUser(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, ErrNoActiveSubscription
	}
	if err != nil {
		return nil, err
	}
	if !stored.IsEntitling() {
		return nil, ErrNoActiveSubscription
	}

	sub, err := WithRetry(ctx, s.retry, "subscription cancel", func(ctx context.Context) (*stripe.Subscription, error) {
		return s.client.CancelSubscriptionAtPeriodEnd(ctx, stored.StripeSubscriptionID)
	})
	if err != nil {
		return nil, err
	}

	snap := SnapshotFromAPI(sub)
	if snap != nil && snap.CustomerID == "" {
		snap.CustomerID = stored.StripeCustomerID
	}
	if _, err := s.sync.Sync(ctx, snap, ""); err != nil {
		return nil, err
	}
	return s.repo.GetSubscriptionByExternalID(ctx, stored.StripeSubscriptionID)
}

// SubscriptionStatus is the cached read model served to the frontend.
type SubscriptionStatus struct {
	AccessLevel       entitlements.AccessLevel `json:"access_level"`
	Features          []string                 `json:"features"`
	AtRisk            bool                     `json:"at_risk"`
	Status            string                   `json:"status,omitempty"`
	CancelAtPeriodEnd bool                     `json:"cancel_at_period_end,omitempty"`
	CurrentPeriodEnd  *time.Time               `json:"current_period_end,omitempty"`
}

// Status derives the user's current access level. Responses are cached in
// Redis; every sync invalidates the user's entry, so the cache can only
// serve state at most one sync behind.
func (s *Service) Status(ctx context.Context, userID uint) (*SubscriptionStatus, error) {
	key := statusCacheKey(userID)
	if raw, err := s.cacheGet(key); err == nil && raw != "" {
		var status SubscriptionStatus
		if jerr := json.Unmarshal([]byte(raw), &status); jerr == nil {
			return &status, nil
		}
	} else if err != nil && !cache.IsNotFound(err) {
		log.Warnf("status cache read failed for user %d: %v", userID, err)
	}

	sub, err := s.repo.GetSubscriptionForUser(ctx, userID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	derivation := entitlements.Derive(sub, s.graceOnDue, time.Now())
	status := &SubscriptionStatus{
		AccessLevel: derivation.Level,
		Features:    entitlements.FeaturesFor(sub, derivation),
		AtRisk:      derivation.AtRisk,
	}
	if sub != nil {
		status.Status = sub.Status
		status.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		status.CurrentPeriodEnd = sub.CurrentPeriodEnd
	}

	if raw, jerr := json.Marshal(status); jerr == nil {
		if cerr := s.cacheSet(key, string(raw), statusCacheTTL); cerr != nil {
			log.Warnf("status cache write failed for user %d: %v", userID, cerr)
		}
	}
	return status, nil
}

// PlanView is the catalog entry shape served to the frontend.
type PlanView struct {
	PlanKey         string   `json:"plan_key"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	PriceCents      int64    `json:"price_cents"`
	Currency        string   `json:"currency"`
	BillingInterval string   `json:"billing_interval"`
	Features        []string `json:"features"`
}

// AvailablePlans lists the active catalog.
func (s *Service) AvailablePlans(ctx context.Context) ([]PlanView, error) {
	plans, err := s.repo.ListActivePlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	views := make([]PlanView, 0, len(plans))
	for i := range plans {
		p := &plans[i]
		views = append(views, PlanView{
			PlanKey:         p.PlanKey,
			Name:            p.Name,
			Description:     p.Description,
			PriceCents:      p.PriceCents,
			Currency:        p.Currency,
			BillingInterval: p.BillingInterval,
			Features:        p.Features(),
		})
	}
	return views, nil
}

// WebhookStats surfaces delivery health for the admin dashboard.
func (s *Service) WebhookStats(ctx context.Context, window time.Duration) (*WebhookStats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return s.repo.WebhookStats(ctx, time.Now().Add(-window))
}
