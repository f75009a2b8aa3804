package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/tickerpilot/subsync/pkg/subscription"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Dispatcher records and routes verified events. Required.
	Dispatcher *Dispatcher

	// WebhookSecret is the shared secret used to verify incoming webhook signatures.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider
	// (customer lookup, cancellation).
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// RateLimitRequests and RateLimitWindow bound webhook requests per client IP.
	// Zero values use the provider defaults.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is optional; nil disables logging.
	Logger subscription.Logger
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Storage holds events and subscription rows. Required.
	Storage subscription.Storage

	// OnTransition is called after a webhook changed a subscription and the
	// transaction committed. It runs on the request goroutine.
	OnTransition func(ctx context.Context, ev TransitionEvent)

	// MaxReplayAttempts stops replaying an event once it failed this many times (default: 10).
	MaxReplayAttempts int

	// ReplayGracePeriod keeps replay away from events that a live request may
	// still be processing (default: 1 minute).
	ReplayGracePeriod time.Duration

	Metrics Metrics
	Logger  subscription.Logger

	// Clock and NewID are test hooks.
	Clock func() time.Time
	NewID func() string
}

const (
	defaultMaxReplayAttempts = 10
	defaultReplayGracePeriod = time.Minute
)
