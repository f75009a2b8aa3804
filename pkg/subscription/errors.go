package subscription

import "errors"

var (
	// ErrInvalidSignature is returned when a webhook fails authenticity or freshness checks
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedPayload is returned when a webhook body cannot be parsed
	ErrMalformedPayload = errors.New("malformed webhook payload")

	// ErrDuplicateEvent marks an event that was already processed.
	// It is a short-circuit, not a failure.
	ErrDuplicateEvent = errors.New("duplicate webhook event")

	// ErrUserNotFound is returned when the correlated user does not exist
	ErrUserNotFound = errors.New("user not found")

	// ErrPackageNotFound is returned when no package matches the event
	ErrPackageNotFound = errors.New("package not found")

	// ErrSubscriptionNotFound is returned when no subscription row matches the event
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrEventNotFound is returned when a stored webhook event does not exist
	ErrEventNotFound = errors.New("webhook event not found")

	// ErrNoProviderSubscription is returned when a paid event would grant a
	// package without a provider subscription behind it (a one-off purchase).
	ErrNoProviderSubscription = errors.New("event carries no provider subscription")

	// ErrAmbiguousMatch is returned when event identifiers point at different users
	ErrAmbiguousMatch = errors.New("event matches more than one user")

	// ErrUnmatchable is returned when an event carries no identifier that could match a user
	ErrUnmatchable = errors.New("event carries no correlation identifiers")

	// ErrProviderTransient is returned when a call back to the payment provider fails
	ErrProviderTransient = errors.New("payment provider temporarily unavailable")

	// ErrPersistence is returned when the storage layer fails
	ErrPersistence = errors.New("persistence failure")

	// ErrAlreadyBasic is returned when cancelling a subscription that is already on Basic
	ErrAlreadyBasic = errors.New("subscription is already on the basic package")

	// ErrLimitExceeded is returned when a package limit would be exceeded
	ErrLimitExceeded = errors.New("package limit exceeded")

	// ErrUnknownResource is returned for a resource without a package limit
	ErrUnknownResource = errors.New("unknown limited resource")
)

// IsPermanent reports whether err can never succeed on redelivery.
// Permanent failures are recorded and acknowledged instead of retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnmatchable) || errors.Is(err, ErrAmbiguousMatch) || errors.Is(err, ErrNoProviderSubscription)
}

// ErrorKind classifies err into a short label for metrics and logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrNoProviderSubscription):
		return "no_provider_subscription"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrPackageNotFound):
		return "package_not_found"
	case errors.Is(err, ErrSubscriptionNotFound):
		return "subscription_not_found"
	case errors.Is(err, ErrAmbiguousMatch):
		return "ambiguous_match"
	case errors.Is(err, ErrUnmatchable):
		return "unmatchable"
	case errors.Is(err, ErrProviderTransient):
		return "provider_transient"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	default:
		return "internal"
	}
}
