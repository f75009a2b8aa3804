package billing

import "time"

// TransitionEvent describes a committed subscription change caused by a
// webhook. It is passed to Config.OnTransition after the transaction commits,
// so listeners never observe changes that were rolled back.
type TransitionEvent struct {
	// UserID is the internal user identifier
	UserID string

	// SubscriptionID is the internal subscription row id
	SubscriptionID string

	// Provider is the billing provider name ("paddle", "stripe")
	Provider string

	// EventType is the provider-specific event type
	// Paddle: "subscription.created", "transaction.payment_failed", etc.
	// Stripe: "customer.subscription.deleted", "invoice.payment_failed", etc.
	EventType string

	// EventID is the provider event id
	EventID string

	// PreviousState and NewState are entitlement states ("active(basic)", "past_due", ...)
	PreviousState string
	NewState      string

	// PreviousPackageID is empty when the user had no row
	PreviousPackageID string
	NewPackageID      string

	// Reason is the reconciler reason ("subscription_cancelled", "payment_failed", ...)
	Reason string

	// OccurredAt is when the event occurred at the provider
	OccurredAt time.Time
}
