package billing

import "errors"

var (
	// ErrMalformedSnapshot marks a provider payload missing the fields a
	// sync cannot proceed without: subscription id, customer id, price id,
	// status, or at least one period timestamp.
	ErrMalformedSnapshot = errors.New("malformed subscription snapshot")

	// ErrSignatureInvalid marks a webhook whose signature did not verify.
	ErrSignatureInvalid = errors.New("webhook signature verification failed")

	// ErrUserNotResolved is returned when no application user can be tied
	// to a processor customer through any resolution path.
	ErrUserNotResolved = errors.New("no user resolved for customer")

	// ErrCustomerUserMismatch is returned when a processor customer is
	// already claimed by a different user. The link is never silently
	// reassigned.
	ErrCustomerUserMismatch = errors.New("customer already linked to another user")

	// ErrPlanNotFound marks a price id with no catalog entry.
	ErrPlanNotFound = errors.New("no billing plan for price id")

	// ErrSubscriptionNotFound is returned by lookups that found no row.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrNoActiveSubscription is returned when a cancellation targets a
	// user without an entitling subscription.
	ErrNoActiveSubscription = errors.New("no active subscription to cancel")
)
