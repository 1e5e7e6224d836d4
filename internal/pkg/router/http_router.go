package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/cursolab/CursoLab/app/controllers"
	"github.com/cursolab/CursoLab/internal/pkg/constants"
	"github.com/cursolab/CursoLab/internal/pkg/middleware"
	"github.com/cursolab/CursoLab/internal/pkg/session"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// init session
	session.NewSessionStore()

	// Apply UserContext middleware globally as first middleware
	app.Use(middleware.UserContextMiddleware)

	h.registerAdminRoutes(app)
}

func (h HttpRouter) registerAdminRoutes(app *fiber.App) {
	admin := app.Group("/admin", middleware.RequireAdmin)
	admin.Post(trimAdminPrefix(constants.AdminBillingAuditRoute), controllers.HandleAdminBillingAudit)
	admin.Get(trimAdminPrefix(constants.AdminWebhookStatsRoute), controllers.HandleAdminWebhookStats)
}

// Route constants carry the full path; group registration needs it
// relative to /admin.
func trimAdminPrefix(route string) string {
	return route[len("/admin"):]
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
