package billing

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cursolab/CursoLab/app/models"
)

// Repository is the persistence surface the billing services depend on.
// The GORM implementation backs production; tests use an in-memory fake.
type Repository interface {
	GetUserByID(ctx context.Context, userID uint) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	GetPlanByPriceID(ctx context.Context, priceID string) (*models.BillingPlan, error)
	GetPlanByKey(ctx context.Context, planKey string) (*models.BillingPlan, error)
	ListActivePlans(ctx context.Context) ([]models.BillingPlan, error)

	GetSubscriptionByExternalID(ctx context.Context, subscriptionID string) (*models.BillingSubscription, error)
	GetSubscriptionForUser(ctx context.Context, userID uint) (*models.BillingSubscription, error)
	FindUserIDByCustomerID(ctx context.Context, customerID string) (uint, error)
	UpsertSubscription(ctx context.Context, sub *models.BillingSubscription) error

	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, error)
	MarkWebhookProcessed(ctx context.Context, provider, eventID string, processingErr error) error
	WebhookStats(ctx context.Context, since time.Time) (*WebhookStats, error)

	AppendActivity(ctx context.Context, entry *models.ActivityLogEntry) error
	HasActivityForEvent(ctx context.Context, eventID string) (bool, error)
	FindUserIDByCustomerActivity(ctx context.Context, customerID string) (uint, error)
	RecentActivity(ctx context.Context, userID uint, limit int) ([]models.ActivityLogEntry, error)
}

// WebhookStats aggregates delivery outcomes for the admin surface.
type WebhookStats struct {
	Total       int64            `json:"total"`
	Processed   int64            `json:"processed"`
	Failed      int64            `json:"failed"`
	Pending     int64            `json:"pending"`
	ByEventType map[string]int64 `json:"by_event_type"`
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository builds the production repository on a GORM handle.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetUserByID(ctx context.Context, userID uint) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) GetPlanByPriceID(ctx context.Context, priceID string) (*models.BillingPlan, error) {
	var plan models.BillingPlan
	err := r.db.WithContext(ctx).Where("stripe_price_id = ?", priceID).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *gormRepository) GetPlanByKey(ctx context.Context, planKey string) (*models.BillingPlan, error) {
	var plan models.BillingPlan
	err := r.db.WithContext(ctx).Where("plan_key = ?", planKey).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *gormRepository) ListActivePlans(ctx context.Context) ([]models.BillingPlan, error) {
	var plans []models.BillingPlan
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("price_cents ASC").Find(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *gormRepository) GetSubscriptionByExternalID(ctx context.Context, subscriptionID string) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	err := r.db.WithContext(ctx).Where("stripe_subscription_id = ?", subscriptionID).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetSubscriptionForUser(ctx context.Context, userID uint) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) FindUserIDByCustomerID(ctx context.Context, customerID string) (uint, error) {
	var sub models.BillingSubscription
	err := r.db.WithContext(ctx).
		Select("user_id").
		Where("stripe_customer_id = ?", customerID).
		Order("updated_at DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrUserNotResolved
	}
	if err != nil {
		return 0, err
	}
	return sub.UserID, nil
}

// UpsertSubscription inserts or updates keyed on the external subscription
// id, so replayed webhooks converge on one row.
func (r *gormRepository) UpsertSubscription(ctx context.Context, sub *models.BillingSubscription) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "stripe_subscription_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id", "stripe_customer_id", "stripe_price_id", "status",
			"current_period_start", "current_period_end", "cancel_at_period_end",
			"features_json", "raw_payload_json", "updated_at",
		}),
	}).Create(sub).Error
}

// CreateWebhookEventIfNotExists records the delivery and reports whether
// this call inserted the row. A false return means the event id was seen
// before and the delivery is a duplicate. DO NOTHING plus the RowsAffected
// check keeps the dedup race-free across concurrent deliveries.
func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
		DoNothing: true,
	}).Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, provider, eventID string, processingErr error) error {
	updates := map[string]any{
		"processed_at": time.Now(),
	}
	if processingErr != nil {
		updates["processing_error"] = processingErr.Error()
	} else {
		updates["processing_error"] = ""
	}
	return r.db.WithContext(ctx).
		Model(&models.BillingWebhookEvent{}).
		Where("provider = ? AND provider_event_id = ?", provider, eventID).
		Updates(updates).Error
}

func (r *gormRepository) WebhookStats(ctx context.Context, since time.Time) (*WebhookStats, error) {
	stats := &WebhookStats{ByEventType: make(map[string]int64)}
	base := r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("created_at >= ?", since)

	if err := base.Session(&gorm.Session{}).Count(&stats.Total).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).Where("processed_at IS NOT NULL AND processing_error = ''").Count(&stats.Processed).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).Where("processed_at IS NOT NULL AND processing_error <> ''").Count(&stats.Failed).Error; err != nil {
		return nil, err
	}
	stats.Pending = stats.Total - stats.Processed - stats.Failed

	type typeCount struct {
		EventType string
		N         int64
	}
	var counts []typeCount
	if err := base.Session(&gorm.Session{}).
		Select("event_type, COUNT(*) AS n").
		Group("event_type").
		Scan(&counts).Error; err != nil {
		return nil, err
	}
	for _, c := range counts {
		stats.ByEventType[c.EventType] = c.N
	}
	return stats, nil
}

func (r *gormRepository) AppendActivity(ctx context.Context, entry *models.ActivityLogEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *gormRepository) HasActivityForEvent(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ActivityLogEntry{}).
		Where("event_id = ?", eventID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// FindUserIDByCustomerActivity is the fallback identity path: the most
// recent activity entry that referenced the customer id as its resource.
func (r *gormRepository) FindUserIDByCustomerActivity(ctx context.Context, customerID string) (uint, error) {
	var entry models.ActivityLogEntry
	err := r.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ? AND user_id > 0", "stripe_customer", customerID).
		Order("created_at DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrUserNotResolved
	}
	if err != nil {
		return 0, err
	}
	return entry.UserID, nil
}

func (r *gormRepository) RecentActivity(ctx context.Context, userID uint, limit int) ([]models.ActivityLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []models.ActivityLogEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
