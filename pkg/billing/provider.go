package billing

import (
	"net/http"

	"github.com/tickerpilot/subsync/pkg/subscription"
)

// Provider is the generic interface that any billing backend must implement.
// Each provider verifies its own signatures and adapts its payload shapes to
// subscription.Event; everything after that is shared through the Dispatcher.
type Provider interface {
	// Name returns the provider name (e.g., "paddle", "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that receives provider events.
	WebhookHandler() http.Handler

	// ParseEvent adapts an already verified payload into a normalized event.
	// It is also used to replay stored events.
	ParseEvent(payload []byte) (*subscription.Event, error)

	// Routes maps provider event types to reconciler handlers.
	Routes() Routes
}

// Routes is the finite routing table from a provider event type to a handler.
// Types missing from the table are acknowledged without changes.
type Routes map[string]subscription.Handler
