package controllers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/cursolab/CursoLab/internal/pkg/billing"
	"github.com/cursolab/CursoLab/internal/pkg/database"
	"github.com/cursolab/CursoLab/internal/pkg/mail"
	"github.com/cursolab/CursoLab/internal/pkg/metrics/counter"
	"github.com/cursolab/CursoLab/internal/pkg/usercontext"
)

var (
	billingStackOnce sync.Once
	billingStack     *billing.Stack
	billingValidate  = validator.New()
)

func getBillingStack() *billing.Stack {
	billingStackOnce.Do(func() {
		billingStack = billing.NewStackFromDB(
			database.GetDB(),
			mail.NewBillingNotifier(),
			counter.NewWebhookCounter(),
		)
	})
	return billingStack
}

// HandleStripeWebhook is the unauthenticated ingestion endpoint. The raw
// body must reach signature verification unmodified.
func HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get("Stripe-Signature")

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()

	outcome, err := getBillingStack().Pipeline.Handle(ctx, rawBody, signature)
	if err != nil {
		if errors.Is(err, billing.ErrSignatureInvalid) {
			return c.Status(fiber.StatusUnauthorized).JSON(outcome)
		}
		// Retryable failure: a non-2xx answer makes the processor
		// redeliver.
		log.Errorf("webhook processing failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(outcome)
	}
	return c.Status(fiber.StatusOK).JSON(outcome)
}

type subscribeRequest struct {
	PlanKey    string `json:"plan_key" validate:"required"`
	Country    string `json:"country" validate:"required,len=2"`
	PostalCode string `json:"postal_code"`
}

// HandleBillingSubscribe starts a subscription for the logged-in user.
func HandleBillingSubscribe(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	var req subscribeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request_body"})
	}
	if err := billingValidate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := getBillingStack().Service.StartSubscription(ctx, billing.StartSubscriptionInput{
		UserID:     userCtx.UserID,
		PlanKey:    req.PlanKey,
		Country:    req.Country,
		PostalCode: req.PostalCode,
	})
	if err != nil {
		if errors.Is(err, billing.ErrPlanNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "plan_not_found"})
		}
		if errors.Is(err, billing.ErrCustomerUserMismatch) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "customer_user_mismatch"})
		}
		log.Errorf("subscription start failed for user %d: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "subscription_start_failed"})
	}
	return c.Status(fiber.StatusCreated).JSON(result)
}

// HandleBillingCancel schedules the user's subscription to end at the
// period close.
func HandleBillingCancel(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sub, err := getBillingStack().Service.CancelSubscription(ctx, userCtx.UserID)
	if err != nil {
		if errors.Is(err, billing.ErrNoActiveSubscription) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_active_subscription"})
		}
		log.Errorf("subscription cancel failed for user %d: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "subscription_cancel_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status":               sub.Status,
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
		"current_period_end":   sub.CurrentPeriodEnd,
	})
}

// HandleBillingStatus serves the cached entitlement read model.
func HandleBillingStatus(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := getBillingStack().Service.Status(ctx, userCtx.UserID)
	if err != nil {
		log.Errorf("status read failed for user %d: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_unavailable"})
	}
	return c.Status(fiber.StatusOK).JSON(status)
}

// HandleBillingPlans lists the active plan catalog. Public.
func HandleBillingPlans(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	plans, err := getBillingStack().Service.AvailablePlans(ctx)
	if err != nil {
		log.Errorf("plan catalog read failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "plans_unavailable"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"plans": plans})
}
