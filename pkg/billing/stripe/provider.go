// Package stripe receives Stripe subscription and invoice webhooks and routes
// them to the same subscription reconciler as the Paddle provider.
package stripe

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/tickerpilot/subsync/pkg/billing"
	"github.com/tickerpilot/subsync/pkg/billing/internal"
	"github.com/tickerpilot/subsync/pkg/subscription"
)

const (
	// ProviderName is the provider value stored on events and subscription rows.
	ProviderName = "stripe"

	// SignatureHeader is the header Stripe signs deliveries with.
	SignatureHeader = "Stripe-Signature"

	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// Reconciler handles the routed events. Required.
	Reconciler *subscription.Reconciler

	// SignatureTolerance defaults to webhook.DefaultTolerance.
	SignatureTolerance time.Duration
}

// Provider implements billing.Provider for Stripe
type Provider struct {
	reconciler    *subscription.Reconciler
	webhookSecret string
	tolerance     time.Duration
	rateLimiter   *internal.RateLimiter
	handler       http.Handler
}

// NewProvider creates the Stripe provider and registers it with the dispatcher.
func NewProvider(config Config) (*Provider, error) {
	if config.Dispatcher == nil || config.Reconciler == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	secret := strings.TrimSpace(config.WebhookSecret)
	if secret == "" {
		return nil, fmt.Errorf("%w: stripe webhook secret is required", billing.ErrProviderNotConfigured)
	}

	tolerance := config.SignatureTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	requests, window := config.RateLimitRequests, config.RateLimitWindow
	if requests <= 0 {
		requests = defaultRateLimitRequests
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}

	p := &Provider{
		reconciler:    config.Reconciler,
		webhookSecret: secret,
		tolerance:     tolerance,
		rateLimiter:   internal.NewRateLimiter(requests, window),
	}
	handler := billing.NewWebhookHandler(ProviderName, config.Dispatcher, p.verify, config.Metrics, config.Logger)
	p.handler = p.rateLimiter.Middleware(handler)

	config.Dispatcher.Register(p)
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return ProviderName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
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
		EventSubscriptionCreated: r.Activate,
		EventSubscriptionUpdated: r.Update,
		EventSubscriptionPaused:  r.Update,
		EventSubscriptionResumed: r.Update,
		EventSubscriptionDeleted: r.Cancel,
		EventInvoicePaid:         r.Renew,
		EventInvoicePaymentOK:    r.Renew,
		EventInvoicePaymentFail:  r.PaymentFailed,
	}
}

// verify checks the Stripe-Signature header. The API version of the event is
// not checked since only a few stable fields are read.
func (p *Provider) verify(r *http.Request, body []byte) error {
	header := r.Header.Get(SignatureHeader)
	_, err := webhook.ConstructEventWithOptions(body, header, p.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", subscription.ErrInvalidSignature, err)
	}
	return nil
}
