package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/cursolab/CursoLab/internal/pkg/metrics/counter"
)

// HandleAdminBillingAudit runs a consistency audit over one subscription
// and repairs divergence from the processor's state.
func HandleAdminBillingAudit(c *fiber.Ctx) error {
	subscriptionID := c.Params("subscription_id")
	if subscriptionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "subscription_id_required"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := getBillingStack().Auditor.Audit(ctx, subscriptionID)
	if err != nil {
		log.Errorf("audit of %s failed: %v", subscriptionID, err)
		status := fiber.StatusInternalServerError
		body := fiber.Map{"error": "audit_failed"}
		if report != nil {
			body["report"] = report
		}
		return c.Status(status).JSON(body)
	}
	return c.Status(fiber.StatusOK).JSON(report)
}

// HandleAdminWebhookStats reports webhook delivery health over the last
// 24 hours (override with ?hours=N).
func HandleAdminWebhookStats(c *fiber.Ctx) error {
	hours := c.QueryInt("hours", 24)
	if hours < 1 || hours > 24*30 {
		hours = 24
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := getBillingStack().Service.WebhookStats(ctx, time.Duration(hours)*time.Hour)
	if err != nil {
		log.Errorf("webhook stats read failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats_unavailable"})
	}

	// Lifetime per-outcome counters, best effort.
	counters, err := counter.NewWebhookCounter().Snapshot()
	if err != nil {
		log.Warnf("webhook counter snapshot failed: %v", err)
		counters = nil
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"window_hours": hours,
		"stats":        stats,
		"counters":     counters,
	})
}
