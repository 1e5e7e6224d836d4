package tax

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v82"
)

// RateClient is the slice of the payment processor API the ensurer needs.
// The billing package's processor client satisfies it.
type RateClient interface {
	ListTaxRates(ctx context.Context, activeOnly bool) ([]*stripe.TaxRate, error)
	CreateTaxRate(ctx context.Context, params *stripe.TaxRateParams) (*stripe.TaxRate, error)
}

const igicMetadataType = "igic"

// RateEnsurer lazily creates the manual IGIC Tax Rate object at the
// processor and caches its id. Creation is serialized so concurrent
// checkouts cannot race two duplicate rates into existence; if another
// instance of the service created one between our list and create, the
// re-list after creation still converges on a single rate per process.
type RateEnsurer struct {
	client RateClient

	mu       sync.Mutex
	cachedID string
}

func NewRateEnsurer(client RateClient) *RateEnsurer {
	return &RateEnsurer{client: client}
}

// EnsureIGICRate returns the id of the active 7% IGIC tax rate, creating it
// at the processor if none exists yet.
func (e *RateEnsurer) EnsureIGICRate(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cachedID != "" {
		return e.cachedID, nil
	}

	if id, err := e.findExisting(ctx); err != nil {
		return "", err
	} else if id != "" {
		e.cachedID = id
		return id, nil
	}

	created, err := e.client.CreateTaxRate(ctx, &stripe.TaxRateParams{
		DisplayName: stripe.String("IGIC"),
		Description: stripe.String("Impuesto General Indirecto Canario"),
		Percentage:  stripe.Float64(RateIGIC * 100),
		Inclusive:   stripe.Bool(false),
		Country:     stripe.String(domesticCountry),
		Metadata: map[string]string{
			"type":   igicMetadataType,
			"region": RegionCanary,
		},
	})
	if err != nil {
		// Another process may have won the create. Fall back to a
		// fresh list before giving up.
		if id, lerr := e.findExisting(ctx); lerr == nil && id != "" {
			log.Infof("igic tax rate created concurrently elsewhere, reusing %s", id)
			e.cachedID = id
			return id, nil
		}
		return "", fmt.Errorf("failed to create igic tax rate: %w", err)
	}

	log.Infof("created igic tax rate %s (%.0f%%)", created.ID, created.Percentage)
	e.cachedID = created.ID
	return created.ID, nil
}

func (e *RateEnsurer) findExisting(ctx context.Context) (string, error) {
	rates, err := e.client.ListTaxRates(ctx, true)
	if err != nil {
		return "", fmt.Errorf("failed to list tax rates: %w", err)
	}
	for _, r := range rates {
		if r == nil || !r.Active {
			continue
		}
		if r.Metadata["type"] == igicMetadataType {
			return r.ID, nil
		}
	}
	return "", nil
}
