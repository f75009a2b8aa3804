package subscription

import (
	"context"
	"time"
)

// WebhookEvent is the durable record of one received provider event.
// The payload is written once; only the processing fields change afterwards.
type WebhookEvent struct {
	ID              string
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         []byte
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
	// RejectedAt is set when the event failed in a way no retry can fix.
	RejectedAt      *time.Time
	Attempts        int
	LastError       string
	SubscriptionID  string
}

// Processed reports whether the event reached a terminal processed state.
func (e *WebhookEvent) Processed() bool {
	return e != nil && e.ProcessedAt != nil
}

// Rejected reports whether the event was given up on as a permanent failure.
func (e *WebhookEvent) Rejected() bool {
	return e != nil && e.RejectedAt != nil
}

// PackageSource reads package definitions.
type PackageSource interface {
	// GetPackage returns ErrPackageNotFound when id is unknown.
	GetPackage(ctx context.Context, id string) (*Package, error)

	// GetPackageByProviderProductID returns ErrPackageNotFound when no package sells productID.
	GetPackageByProviderProductID(ctx context.Context, productID string) (*Package, error)

	// GetBasicPackage returns the single free, non-premium package.
	GetBasicPackage(ctx context.Context) (*Package, error)

	// ListPackages returns every package.
	ListPackages(ctx context.Context) ([]*Package, error)
}

// EventStore persists received webhook events.
type EventStore interface {
	// RecordEventIfNew inserts event unless a row with the same provider and
	// provider event id exists. The check and the insert are one atomic step.
	// It returns the stored row and whether it already existed.
	RecordEventIfNew(ctx context.Context, event *WebhookEvent) (*WebhookEvent, bool, error)

	// MarkEventFailed increments the attempt count and stores errMsg.
	MarkEventFailed(ctx context.Context, id string, errMsg string) error

	// MarkEventRejected records a permanent failure: like MarkEventFailed, and
	// the event is no longer offered for replay.
	MarkEventRejected(ctx context.Context, id string, errMsg string) error

	// GetEvent returns ErrEventNotFound when id is unknown.
	GetEvent(ctx context.Context, id string) (*WebhookEvent, error)

	// ListUnprocessedEvents returns events that are neither processed nor
	// rejected, were received before receivedBefore and have fewer than
	// maxAttempts attempts, oldest first.
	ListUnprocessedEvents(ctx context.Context, receivedBefore time.Time, maxAttempts, limit int) ([]*WebhookEvent, error)
}

// Storage is the persistence contract of the reconciliation pipeline.
type Storage interface {
	PackageSource
	EventStore

	// GetSubscriptionByUser returns ErrSubscriptionNotFound when the user has no row.
	GetSubscriptionByUser(ctx context.Context, userID string) (*UserSubscription, error)

	// RunInTx runs fn in one transaction. When fn returns an error nothing
	// fn wrote is kept.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the transactional view handed to reconciler handlers.
type Tx interface {
	// ClaimEvent locks the event row for the rest of the transaction and
	// returns its current state.
	ClaimEvent(ctx context.Context, id string) (*WebhookEvent, error)

	// MarkEventProcessed sets the processed timestamp, increments the attempt
	// count and links the subscription row (empty for none).
	MarkEventProcessed(ctx context.Context, id string, subscriptionID string) error

	// UserExists reports whether the user is known.
	UserExists(ctx context.Context, userID string) (bool, error)

	// FindSubscriptionByProviderID returns the row that carries the provider
	// subscription id or last cancelled it (MetaCancelledSubscriptionID),
	// preferring the carrier. ErrSubscriptionNotFound when neither exists.
	FindSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*UserSubscription, error)

	// FindSubscriptionByCustomerID returns ErrSubscriptionNotFound when no row carries the id.
	FindSubscriptionByCustomerID(ctx context.Context, customerID string) (*UserSubscription, error)

	// LockSubscription serializes writers for userID until the transaction ends
	// and returns the user's row, or ErrSubscriptionNotFound.
	LockSubscription(ctx context.Context, userID string) (*UserSubscription, error)

	// SaveSubscription inserts or updates the user's row.
	SaveSubscription(ctx context.Context, sub *UserSubscription) error
}
