package constants

// Route constants shared between the router and controllers
const (
	StripeWebhookRoute     = "/api/webhooks/stripe"
	BillingStatusRoute     = "/api/v1/billing/status"
	BillingPlansRoute      = "/api/v1/billing/plans"
	BillingSubscribeRoute  = "/api/v1/billing/subscribe"
	BillingCancelRoute     = "/api/v1/billing/cancel"
	AdminBillingAuditRoute = "/admin/billing/audit/:subscription_id"
	AdminWebhookStatsRoute = "/admin/billing/webhooks/stats"
)
