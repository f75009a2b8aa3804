package billing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tickerpilot/subsync/pkg/billing/internal"
	"github.com/tickerpilot/subsync/pkg/subscription"
)

const (
	// MaxWebhookBodyBytes bounds webhook payloads.
	MaxWebhookBodyBytes = 256 * 1024

	// DefaultProcessingTimeout keeps verify, record and dispatch below the
	// providers' own delivery timeout.
	DefaultProcessingTimeout = 25 * time.Second
)

// VerifyFunc authenticates a webhook request whose body has already been read.
// Errors should wrap subscription.ErrInvalidSignature.
type VerifyFunc func(r *http.Request, body []byte) error

// WebhookAck is the JSON acknowledgement body.
type WebhookAck struct {
	Status  string `json:"status"`
	Outcome string `json:"outcome,omitempty"`
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WebhookHandler is the shared HTTP front of every provider endpoint.
type WebhookHandler struct {
	provider   string
	dispatcher *Dispatcher
	verify     VerifyFunc
	metrics    Metrics
	logger     subscription.Logger
	timeout    time.Duration
}

// NewWebhookHandler creates the handler for one provider endpoint.
func NewWebhookHandler(
	provider string, dispatcher *Dispatcher, verify VerifyFunc, metrics Metrics, logger subscription.Logger,
) *WebhookHandler {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	if logger == nil {
		logger = &subscription.NoopLogger{}
	}
	return &WebhookHandler{
		provider:   provider,
		dispatcher: dispatcher,
		verify:     verify,
		metrics:    metrics,
		logger:     logger,
		timeout:    DefaultProcessingTimeout,
	}
}

// ServeHTTP implements http.Handler
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	body, err := internal.ReadBodyStrict(w, r, MaxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			h.metrics.RecordWebhookError(h.provider, "payload_too_large")
			h.respond(w, http.StatusRequestEntityTooLarge, WebhookAck{Status: "error", Error: "payload too large"})
		} else {
			h.metrics.RecordWebhookError(h.provider, "invalid_payload")
			h.respond(w, http.StatusBadRequest, WebhookAck{Status: "error", Error: "invalid payload"})
		}
		return
	}

	if err := h.verify(r, body); err != nil {
		h.logger.Warn("webhook signature rejected",
			subscription.Field{Key: "provider", Value: h.provider},
			subscription.Field{Key: "reason", Value: err.Error()},
			subscription.Field{Key: "remote_addr", Value: internal.GetClientIP(r)})
		h.metrics.RecordWebhookError(h.provider, "auth_failed")
		h.respond(w, http.StatusBadRequest, WebhookAck{Status: "error", Error: "invalid signature"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	outcome, err := h.dispatcher.Process(ctx, h.provider, body)
	code := StatusCode(err)
	switch {
	case err == nil:
		h.respond(w, code, WebhookAck{Status: "ok", Outcome: string(outcome.Status), EventID: outcome.ProviderEventID})
	case code == http.StatusBadRequest:
		h.logger.Warn("malformed webhook payload",
			subscription.Field{Key: "provider", Value: h.provider},
			subscription.Field{Key: "error", Value: err.Error()})
		h.metrics.RecordWebhookError(h.provider, "invalid_payload")
		h.respond(w, code, WebhookAck{Status: "error", Error: "malformed payload"})
	default:
		ack := WebhookAck{Status: "error", Error: "processing failed"}
		if outcome != nil {
			ack.Outcome = string(outcome.Status)
			ack.EventID = outcome.ProviderEventID
		}
		h.respond(w, code, ack)
	}
}

func (h *WebhookHandler) respond(w http.ResponseWriter, code int, ack WebhookAck) {
	if err := internal.WriteJSON(w, code, ack); err != nil {
		h.logger.Debug("failed to write webhook response",
			subscription.Field{Key: "provider", Value: h.provider},
			subscription.Field{Key: "error", Value: err.Error()})
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
