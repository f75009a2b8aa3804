// Package paddle receives Paddle webhooks (Billing API and Classic alerts),
// verifies their signatures and routes them to the subscription reconciler.
package paddle

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tickerpilot/subsync/pkg/billing"
	"github.com/tickerpilot/subsync/pkg/billing/internal"
	"github.com/tickerpilot/subsync/pkg/subscription"
)

// ProviderName is the provider value stored on events and subscription rows.
const ProviderName = "paddle"

const (
	defaultRateLimitRequests = 100
	defaultRateLimitWindow   = time.Minute
)

// Config extends billing.Config with Paddle-specific options
type Config struct {
	billing.Config

	// Reconciler handles the routed events. Required.
	Reconciler *subscription.Reconciler

	// Environment selects sandbox or production (default: sandbox).
	Environment Environment

	// SignatureTolerance bounds the signing timestamp skew (default: 5m).
	SignatureTolerance time.Duration

	// AllowStaleSignatures skips the timestamp check. Rejected in production.
	AllowStaleSignatures bool
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Dispatcher == nil {
		return fmt.Errorf("%w: dispatcher is required", billing.ErrProviderNotConfigured)
	}
	if c.Reconciler == nil {
		return fmt.Errorf("%w: reconciler is required", billing.ErrProviderNotConfigured)
	}
	if strings.TrimSpace(c.WebhookSecret) == "" {
		return fmt.Errorf("%w: paddle webhook secret is required", billing.ErrProviderNotConfigured)
	}
	switch c.Environment {
	case "", EnvironmentSandbox:
	case EnvironmentProduction:
		if c.AllowStaleSignatures {
			return fmt.Errorf("%w: stale signatures cannot be allowed in production", billing.ErrProviderNotConfigured)
		}
	default:
		return fmt.Errorf("%w: unknown paddle environment %q", billing.ErrProviderNotConfigured, c.Environment)
	}
	if c.SignatureTolerance < 0 {
		return fmt.Errorf("%w: signature tolerance must not be negative", billing.ErrProviderNotConfigured)
	}
	return nil
}

// Provider implements billing.Provider for Paddle.
type Provider struct {
	reconciler  *subscription.Reconciler
	verifier    *Verifier
	rateLimiter *internal.RateLimiter
	handler     http.Handler
	logger      subscription.Logger
}

// NewProvider creates the Paddle provider and registers it with the dispatcher.
func NewProvider(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &subscription.NoopLogger{}
	}
	if cfg.AllowStaleSignatures {
		logger.Warn("paddle signature timestamp check disabled",
			subscription.Field{Key: "environment", Value: string(cfg.Environment)})
	}

	requests, window := cfg.RateLimitRequests, cfg.RateLimitWindow
	if requests <= 0 {
		requests = defaultRateLimitRequests
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}

	p := &Provider{
		reconciler:  cfg.Reconciler,
		verifier:    NewVerifier(cfg.WebhookSecret, cfg.SignatureTolerance, cfg.AllowStaleSignatures),
		rateLimiter: internal.NewRateLimiter(requests, window),
		logger:      logger,
	}
	webhook := billing.NewWebhookHandler(ProviderName, cfg.Dispatcher, p.verifier.VerifyRequest, cfg.Metrics, logger)
	p.handler = p.rateLimiter.Middleware(webhook)

	cfg.Dispatcher.Register(p)
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return ProviderName
}

// WebhookHandler returns the rate limited webhook endpoint.
func (p *Provider) WebhookHandler() http.Handler {
	return p.handler
}

// ParseEvent implements billing.Provider.
func (p *Provider) ParseEvent(payload []byte) (*subscription.Event, error) {
	return ParseEvent(payload)
}

// Routes implements billing.Provider.
func (p *Provider) Routes() billing.Routes {
	r := p.reconciler
	return billing.Routes{
		EventTransactionCompleted:  r.Activate,
		EventSubscriptionCreated:   r.Activate,
		EventSubscriptionActivated: r.Activate,
		AlertSubscriptionCreated:   r.Activate,

		EventSubscriptionUpdated: r.Update,
		EventSubscriptionPastDue: r.Update,
		EventSubscriptionPaused:  r.Update,
		EventSubscriptionResumed: r.Update,
		AlertSubscriptionUpdated: r.Update,

		AlertSubscriptionPaymentSucceeded: r.Renew,

		EventSubscriptionCanceled:  r.Cancel,
		EventSubscriptionCancelled: r.Cancel,
		AlertSubscriptionCancelled: r.Cancel,

		EventTransactionPaymentFailed:  r.PaymentFailed,
		AlertSubscriptionPaymentFailed: r.PaymentFailed,
	}
}
