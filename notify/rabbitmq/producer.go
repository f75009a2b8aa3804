// Package rabbitmq publishes subscription transitions to a RabbitMQ topic exchange
// after the reconciling transaction has committed.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/tickerpilot/subsync/pkg/billing"
	"github.com/tickerpilot/subsync/pkg/subscription"
)

// DefaultExchange receives every transition event.
const DefaultExchange = "subscription_events"

// TransitionMessage is the message body published for a transition.
type TransitionMessage struct {
	ID             string             `json:"id"`
	UserID         string             `json:"user_id"`
	SubscriptionID string             `json:"subscription_id,omitempty"`
	From           subscription.State `json:"from"`
	To             subscription.State `json:"to"`
	FromPackageID  string             `json:"from_package_id,omitempty"`
	ToPackageID    string             `json:"to_package_id,omitempty"`
	Reason         string             `json:"reason"`
	// Provider, EventType and EventID are empty for transitions the
	// application started itself, such as a user cancelling.
	Provider   string    `json:"provider,omitempty"`
	EventType  string    `json:"event_type,omitempty"`
	EventID    string    `json:"event_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// FromTransition builds the message for a transition made by the subscription service.
func FromTransition(tr *subscription.Transition, now time.Time) TransitionMessage {
	return TransitionMessage{
		ID:             uuid.NewString(),
		UserID:         tr.UserID,
		SubscriptionID: tr.SubscriptionID,
		From:           tr.From,
		To:             tr.To,
		FromPackageID:  tr.FromPackageID,
		ToPackageID:    tr.ToPackageID,
		Reason:         tr.Reason,
		OccurredAt:     now.UTC(),
	}
}

// FromWebhook builds the message for a transition caused by a provider webhook.
func FromWebhook(ev billing.TransitionEvent) TransitionMessage {
	return TransitionMessage{
		ID:             uuid.NewString(),
		UserID:         ev.UserID,
		SubscriptionID: ev.SubscriptionID,
		From:           subscription.State(ev.PreviousState),
		To:             subscription.State(ev.NewState),
		FromPackageID:  ev.PreviousPackageID,
		ToPackageID:    ev.NewPackageID,
		Reason:         ev.Reason,
		Provider:       ev.Provider,
		EventType:      ev.EventType,
		EventID:        ev.EventID,
		OccurredAt:     ev.OccurredAt.UTC(),
	}
}

// RoutingKey classifies a transition for topic routing: subscription.upgraded,
// subscription.downgraded, subscription.past_due or subscription.updated.
func RoutingKey(from, to subscription.State) string {
	switch {
	case to == subscription.StatePremium && from != subscription.StatePremium:
		return "subscription.upgraded"
	case to == subscription.StateBasic && from != subscription.StateBasic:
		return "subscription.downgraded"
	case to == subscription.StatePastDue:
		return "subscription.past_due"
	default:
		return "subscription.updated"
	}
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
	logger  zerolog.Logger
}

// EventProducerFallback is a no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct {
	Logger zerolog.Logger
}

func (p *EventProducerFallback) Publish(_ context.Context, exchange, routingKey string, _ interface{}) error {
	p.Logger.Warn().Str("exchange", exchange).Str("routing_key", routingKey).Msg("publish skipped")
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// Drop stray characters before the scheme
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer dials amqpURL and opens a channel.
func NewEventProducer(amqpURL string, logger zerolog.Logger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Bounded dial timeout so startup does not hang
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch, logger: logger.With().Str("component", "rabbitmq_producer").Logger()}, nil
}

// Publish sends body as JSON to a durable topic exchange. A failed channel is
// reopened once before giving up.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", routingKey, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publish(ctx, exchange, routingKey, jsonBody)
	if err == nil {
		return nil
	}
	p.logger.Warn().Err(err).Str("exchange", exchange).Str("routing_key", routingKey).
		Msg("publish failed; reopening channel")

	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return fmt.Errorf("reopen channel: %w", chErr)
	}
	//nolint:errcheck // the old channel is already broken
	_ = p.channel.Close()
	p.channel = ch
	return p.publish(ctx, exchange, routingKey, jsonBody)
}

func (p *EventProducer) publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// Notifier adapts a Publisher to the transition callbacks of the billing
// dispatcher and the subscription service. Publish failures are logged; the
// reconciled state is already committed when the callbacks run.
type Notifier struct {
	Publisher Publisher
	Exchange  string
	Logger    zerolog.Logger
	Timeout   time.Duration
	Now       func() time.Time
}

// OnWebhookTransition is a billing.DispatcherConfig.OnTransition callback.
func (n *Notifier) OnWebhookTransition(ctx context.Context, ev billing.TransitionEvent) {
	n.publish(ctx, FromWebhook(ev))
}

// OnTransition is a subscription.ServiceConfig.OnTransition callback.
// Unchanged and stale transitions are skipped.
func (n *Notifier) OnTransition(ctx context.Context, tr *subscription.Transition) {
	if !tr.Changed() {
		return
	}
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	n.publish(ctx, FromTransition(tr, now()))
}

func (n *Notifier) publish(ctx context.Context, msg TransitionMessage) {
	exchange := n.Exchange
	if exchange == "" {
		exchange = DefaultExchange
	}
	if n.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.Timeout)
		defer cancel()
	}

	key := RoutingKey(msg.From, msg.To)
	if err := n.Publisher.Publish(ctx, exchange, key, msg); err != nil {
		n.Logger.Error().Err(err).Str("user_id", msg.UserID).Str("routing_key", key).
			Msg("failed to publish subscription transition")
	}
}
