package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v82"
)

const resourceTypeCustomer = "stripe_customer"

// IdentityMapper keeps application users and processor customers tied
// together in both directions.
type IdentityMapper struct {
	repo     Repository
	client   ProcessorClient
	activity *ActivityLogger
	retry    RetryConfig
}

func NewIdentityMapper(repo Repository, client ProcessorClient, activity *ActivityLogger, retry RetryConfig) *IdentityMapper {
	return &IdentityMapper{repo: repo, client: client, activity: activity, retry: retry}
}

// ResolveOrCreateCustomer returns the processor customer id for a user.
// An existing customer with the user's email is adopted and patched with
// the user id metadata; otherwise a fresh customer is created. The email
// search prevents duplicate customers when a user signed up at the
// processor through an earlier flow.
func (m *IdentityMapper) ResolveOrCreateCustomer(ctx context.Context, userID uint) (string, error) {
	user, err := m.repo.GetUserByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load user %d: %w", userID, err)
	}

	existing, err := WithRetry(ctx, m.retry, "customer search", func(ctx context.Context) (*stripe.Customer, error) {
		return m.client.FindCustomerByEmail(ctx, user.Email)
	})
	if err != nil {
		return "", err
	}

	if existing != nil {
		if claimed, ok := existing.Metadata[MetadataUserIDKey]; ok && claimed != "" {
			if id, perr := strconv.ParseUint(claimed, 10, 32); perr == nil && uint(id) != userID {
				return "", fmt.Errorf("customer %s for %s: %w", existing.ID, user.Email, ErrCustomerUserMismatch)
			}
		}
		if err := m.client.SetCustomerUserID(ctx, existing.ID, userID); err != nil {
			// Adoption still works without the patch; the subscription
			// table covers the reverse lookup.
			log.Warnf("failed to patch customer %s with user id %d: %v", existing.ID, userID, err)
		}
		m.activity.RecordResource(ctx, userID, ActionCustomerLinked,
			"linked existing payment customer", "", resourceTypeCustomer, existing.ID,
			map[string]any{"customer_id": existing.ID, "adopted": true})
		return existing.ID, nil
	}

	created, err := WithRetry(ctx, m.retry, "customer create", func(ctx context.Context) (string, error) {
		cust, err := m.client.CreateCustomer(ctx, user.Email, userID)
		if err != nil {
			return "", err
		}
		return cust.ID, nil
	})
	if err != nil {
		return "", err
	}

	m.activity.RecordResource(ctx, userID, ActionCustomerLinked,
		"created payment customer", "", resourceTypeCustomer, created,
		map[string]any{"customer_id": created, "adopted": false})
	return created, nil
}

// ResolveUser maps a processor customer id back to an application user id.
// Resolution order: customer metadata from the webhook payload, then the
// subscription table, then the activity ledger. The ledger survives
// subscription row rewrites, so it catches customers whose subscription
// row was lost or never written.
func (m *IdentityMapper) ResolveUser(ctx context.Context, customerID string, metadata map[string]string) (uint, error) {
	if customerID == "" {
		return 0, ErrUserNotResolved
	}

	if raw, ok := metadata[MetadataUserIDKey]; ok && raw != "" {
		if id, err := strconv.ParseUint(raw, 10, 32); err == nil && id > 0 {
			return uint(id), nil
		}
		log.Warnf("customer %s carries unparseable %s metadata %q", customerID, MetadataUserIDKey, raw)
	}

	if userID, err := m.repo.FindUserIDByCustomerID(ctx, customerID); err == nil {
		return userID, nil
	} else if !errors.Is(err, ErrUserNotResolved) {
		return 0, err
	}

	userID, err := m.repo.FindUserIDByCustomerActivity(ctx, customerID)
	if err != nil {
		return 0, err
	}
	log.Infof("resolved user %d for customer %s via activity ledger fallback", userID, customerID)
	return userID, nil
}

// ResolveUserViaAPI extends ResolveUser with a live customer fetch when
// the webhook payload carried no usable metadata.
func (m *IdentityMapper) ResolveUserViaAPI(ctx context.Context, customerID string, metadata map[string]string) (uint, error) {
	userID, err := m.ResolveUser(ctx, customerID, metadata)
	if err == nil {
		return userID, nil
	}
	if !errors.Is(err, ErrUserNotResolved) {
		return 0, err
	}

	cust, apiErr := m.client.GetCustomer(ctx, customerID)
	if apiErr != nil {
		log.Warnf("customer %s fetch failed during identity fallback: %v", customerID, apiErr)
		return 0, ErrUserNotResolved
	}
	if cust != nil {
		if raw, ok := cust.Metadata[MetadataUserIDKey]; ok && raw != "" {
			if id, perr := strconv.ParseUint(raw, 10, 32); perr == nil && id > 0 {
				return uint(id), nil
			}
		}
		if cust.Email != "" {
			if user, uerr := m.repo.GetUserByEmail(ctx, cust.Email); uerr == nil {
				log.Infof("resolved user %d for customer %s via email match", user.ID, customerID)
				return user.ID, nil
			}
		}
	}
	return 0, ErrUserNotResolved
}
