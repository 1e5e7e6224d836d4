// Package counter keeps lightweight operational counters in Redis. The
// counters are advisory: increments are fire-and-forget and a dead cache
// never fails the calling request.
package counter

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/cursolab/CursoLab/internal/pkg/cache"
)

const webhookHashKey = "metrics:webhooks"

// WebhookCounter counts webhook deliveries per event type and outcome.
type WebhookCounter struct{}

func NewWebhookCounter() *WebhookCounter {
	return &WebhookCounter{}
}

// CountWebhook increments the counter for one delivery outcome.
func (c *WebhookCounter) CountWebhook(eventType, outcome string) {
	field := fmt.Sprintf("%s:%s", eventType, outcome)
	if err := cache.GetClient().HIncrBy(context.Background(), webhookHashKey, field, 1).Err(); err != nil {
		log.Debugf("webhook counter increment failed for %s: %v", field, err)
	}
}

// Snapshot returns all webhook counters.
func (c *WebhookCounter) Snapshot() (map[string]string, error) {
	return cache.GetClient().HGetAll(context.Background(), webhookHashKey).Result()
}
