package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/cursolab/CursoLab/app/controllers"
	"github.com/cursolab/CursoLab/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	// The webhook endpoint stays outside the limiter group: the processor
	// retries aggressively after incidents and must never be throttled
	// into redelivery loops.
	webhooks := app.Group("/api/webhooks")
	webhooks.Post("/stripe", controllers.HandleStripeWebhook)

	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")
	billingGroup := v1.Group("/billing")
	billingGroup.Get("/plans", controllers.HandleBillingPlans)
	billingGroup.Get("/status", middleware.RequireAPISessionAuth, controllers.HandleBillingStatus)
	billingGroup.Post("/subscribe", middleware.RequireAPISessionAuth, controllers.HandleBillingSubscribe)
	billingGroup.Post("/cancel", middleware.RequireAPISessionAuth, controllers.HandleBillingCancel)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
