package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tickerpilot/subsync/pkg/subscription"
)

// OutcomeStatus is the terminal result of handling one delivery.
type OutcomeStatus string

const (
	OutcomeProcessed OutcomeStatus = "processed"
	OutcomeDuplicate OutcomeStatus = "duplicate"
	OutcomeIgnored   OutcomeStatus = "ignored"
	OutcomeStale     OutcomeStatus = "stale"
	// OutcomeRejected is a permanent failure: recorded as failed, acknowledged.
	OutcomeRejected OutcomeStatus = "rejected"
	// OutcomeFailed is a retriable failure: recorded as failed, not acknowledged.
	OutcomeFailed OutcomeStatus = "failed"
)

// Outcome reports what the Dispatcher did with one delivery.
type Outcome struct {
	Status          OutcomeStatus
	Provider        string
	EventID         string // internal record id
	ProviderEventID string
	EventType       string
	Transition      *subscription.Transition
	Err             error
}

type registration struct {
	parse  func([]byte) (*subscription.Event, error)
	routes Routes
}

// Dispatcher records verified events, short-circuits duplicates and routes
// the rest to reconciler handlers inside one storage transaction.
type Dispatcher struct {
	storage      subscription.Storage
	onTransition func(ctx context.Context, ev TransitionEvent)
	maxAttempts  int
	grace        time.Duration
	metrics      Metrics
	logger       subscription.Logger
	now          func() time.Time
	newID        func() string

	mu        sync.RWMutex
	providers map[string]registration
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	d := &Dispatcher{
		storage:      cfg.Storage,
		onTransition: cfg.OnTransition,
		maxAttempts:  cfg.MaxReplayAttempts,
		grace:        cfg.ReplayGracePeriod,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		now:          cfg.Clock,
		newID:        cfg.NewID,
		providers:    make(map[string]registration),
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = defaultMaxReplayAttempts
	}
	if d.grace <= 0 {
		d.grace = defaultReplayGracePeriod
	}
	if d.metrics == nil {
		d.metrics = &NoopMetrics{}
	}
	if d.logger == nil {
		d.logger = &subscription.NoopLogger{}
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.newID == nil {
		d.newID = uuid.NewString
	}
	return d, nil
}

// Register makes a provider's parser and routes available for processing and replay.
func (d *Dispatcher) Register(p Provider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.providers[p.Name()] = registration{parse: p.ParseEvent, routes: p.Routes()}
}

func (d *Dispatcher) lookup(provider string) (registration, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reg, ok := d.providers[provider]
	return reg, ok
}

// Process handles one verified payload: parse, record if new, dispatch.
// A nil error means the delivery can be acknowledged.
func (d *Dispatcher) Process(ctx context.Context, provider string, payload []byte) (*Outcome, error) {
	reg, ok := d.lookup(provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	ev, err := reg.parse(payload)
	if err != nil {
		if !errors.Is(err, subscription.ErrMalformedPayload) {
			err = fmt.Errorf("%w: %v", subscription.ErrMalformedPayload, err)
		}
		return nil, err
	}
	ev.Provider = provider
	if ev.ID == "" {
		// Without a provider id the payload itself identifies the delivery.
		sum := sha256.Sum256(payload)
		ev.ID = "hash:" + hex.EncodeToString(sum[:])
	}

	rec := &subscription.WebhookEvent{
		ID:              d.newID(),
		Provider:        provider,
		ProviderEventID: ev.ID,
		EventType:       ev.Type,
		Payload:         payload,
		ReceivedAt:      d.now(),
	}
	stored, duplicate, err := d.storage.RecordEventIfNew(ctx, rec)
	if err != nil {
		err = fmt.Errorf("%w: record event %s: %v", subscription.ErrPersistence, ev.ID, err)
		d.metrics.RecordWebhookError(provider, "persistence")
		return &Outcome{Status: OutcomeFailed, Provider: provider, ProviderEventID: ev.ID, EventType: ev.Type, Err: err}, err
	}

	if duplicate && stored.Processed() {
		d.logger.Info("duplicate webhook event, already processed",
			subscription.Field{Key: "provider", Value: provider},
			subscription.Field{Key: "event_id", Value: ev.ID},
			subscription.Field{Key: "event_type", Value: ev.Type})
		d.metrics.RecordWebhookEvent(provider, ev.Type, string(OutcomeDuplicate))
		return &Outcome{
			Status:          OutcomeDuplicate,
			Provider:        provider,
			EventID:         stored.ID,
			ProviderEventID: ev.ID,
			EventType:       ev.Type,
		}, nil
	}
	if duplicate {
		d.logger.Info("redelivery of unprocessed webhook event, processing again",
			subscription.Field{Key: "provider", Value: provider},
			subscription.Field{Key: "event_id", Value: ev.ID},
			subscription.Field{Key: "attempts", Value: stored.Attempts})
	}

	return d.dispatch(ctx, reg, stored, ev)
}

// Dispatch routes an already recorded event to its handler.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *subscription.WebhookEvent, ev *subscription.Event) (*Outcome, error) {
	reg, ok := d.lookup(rec.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, rec.Provider)
	}
	return d.dispatch(ctx, reg, rec, ev)
}

func (d *Dispatcher) dispatch(
	ctx context.Context, reg registration, rec *subscription.WebhookEvent, ev *subscription.Event,
) (*Outcome, error) {
	start := d.now()
	outcome := &Outcome{
		Provider:        rec.Provider,
		EventID:         rec.ID,
		ProviderEventID: rec.ProviderEventID,
		EventType:       ev.Type,
	}
	handler, routed := reg.routes[ev.Type]

	err := d.storage.RunInTx(ctx, func(ctx context.Context, tx subscription.Tx) error {
		claimed, err := tx.ClaimEvent(ctx, rec.ID)
		if err != nil {
			return err
		}
		if claimed.Processed() {
			outcome.Status = OutcomeDuplicate
			return nil
		}
		if !routed {
			outcome.Status = OutcomeIgnored
			return tx.MarkEventProcessed(ctx, rec.ID, "")
		}

		tr, err := callHandler(ctx, handler, tx, ev)
		if err != nil {
			return err
		}
		outcome.Transition = tr
		outcome.Status = OutcomeProcessed
		subscriptionID := ""
		if tr != nil {
			subscriptionID = tr.SubscriptionID
			if tr.Stale {
				outcome.Status = OutcomeStale
			}
		}
		return tx.MarkEventProcessed(ctx, rec.ID, subscriptionID)
	})
	d.metrics.RecordWebhookProcessingDuration(rec.Provider, ev.Type, d.now().Sub(start))

	if err != nil {
		return d.fail(ctx, outcome, err)
	}

	fields := []subscription.Field{
		{Key: "provider", Value: rec.Provider},
		{Key: "event_id", Value: rec.ProviderEventID},
		{Key: "event_type", Value: ev.Type},
		{Key: "outcome", Value: string(outcome.Status)},
	}
	if outcome.Status == OutcomeIgnored {
		d.logger.Info("unhandled webhook event type, acknowledged", fields...)
	} else {
		d.logger.Debug("webhook event dispatched", fields...)
	}
	d.metrics.RecordWebhookEvent(rec.Provider, ev.Type, string(outcome.Status))

	if outcome.Transition.Changed() && d.onTransition != nil {
		d.onTransition(ctx, transitionEvent(rec, ev, outcome.Transition))
	}
	return outcome, nil
}

// fail records err on the event outside the rolled back transaction.
// Permanent failures are recorded as rejected so replay leaves them alone.
func (d *Dispatcher) fail(ctx context.Context, outcome *Outcome, err error) (*Outcome, error) {
	outcome.Transition = nil
	outcome.Err = err

	permanent := subscription.IsPermanent(err)
	d.markFailed(context.WithoutCancel(ctx), outcome.EventID, outcome.ProviderEventID, err.Error(), permanent)

	kind := subscription.ErrorKind(err)
	fields := []subscription.Field{
		{Key: "provider", Value: outcome.Provider},
		{Key: "event_id", Value: outcome.ProviderEventID},
		{Key: "event_type", Value: outcome.EventType},
		{Key: "kind", Value: kind},
		{Key: "error", Value: err.Error()},
	}
	d.metrics.RecordWebhookError(outcome.Provider, kind)

	if permanent {
		outcome.Status = OutcomeRejected
		d.logger.Warn("webhook event can never be applied, acknowledging", fields...)
		d.metrics.RecordWebhookEvent(outcome.Provider, outcome.EventType, string(OutcomeRejected))
		return outcome, nil
	}

	outcome.Status = OutcomeFailed
	d.logger.Error("webhook event processing failed, provider will retry", fields...)
	d.metrics.RecordWebhookEvent(outcome.Provider, outcome.EventType, "error")
	return outcome, err
}

func (d *Dispatcher) markFailed(ctx context.Context, id, providerEventID, msg string, permanent bool) {
	mark := d.storage.MarkEventFailed
	if permanent {
		mark = d.storage.MarkEventRejected
	}
	if err := mark(ctx, id, msg); err != nil {
		d.logger.Error("failed to record webhook failure",
			subscription.Field{Key: "event_id", Value: providerEventID},
			subscription.Field{Key: "error", Value: err.Error()})
	}
}

// ReplayFailed re-dispatches stored events that were never processed and not
// rejected, oldest first. It returns how many were applied; events rejected
// during the run are not counted.
func (d *Dispatcher) ReplayFailed(ctx context.Context, limit int) (int, error) {
	events, err := d.storage.ListUnprocessedEvents(ctx, d.now().Add(-d.grace), d.maxAttempts, limit)
	if err != nil {
		return 0, fmt.Errorf("%w: list unprocessed events: %v", subscription.ErrPersistence, err)
	}

	var errs []error
	replayed := 0
	for _, rec := range events {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		reg, ok := d.lookup(rec.Provider)
		if !ok {
			d.markFailed(ctx, rec.ID, rec.ProviderEventID, ErrUnknownProvider.Error(), false)
			d.metrics.RecordReplay(rec.Provider, "error")
			continue
		}
		ev, err := reg.parse(rec.Payload)
		if err != nil {
			d.markFailed(ctx, rec.ID, rec.ProviderEventID, err.Error(), false)
			d.metrics.RecordReplay(rec.Provider, "error")
			continue
		}
		ev.Provider = rec.Provider
		ev.ID = rec.ProviderEventID

		outcome, err := d.dispatch(ctx, reg, rec, ev)
		if err != nil {
			errs = append(errs, fmt.Errorf("replay %s: %w", rec.ProviderEventID, err))
			d.metrics.RecordReplay(rec.Provider, "error")
			continue
		}
		if outcome.Status == OutcomeRejected {
			d.metrics.RecordReplay(rec.Provider, string(OutcomeRejected))
			continue
		}
		replayed++
		d.metrics.RecordReplay(rec.Provider, "processed")
	}

	if len(events) > 0 {
		d.logger.Info("replayed unprocessed webhook events",
			subscription.Field{Key: "candidates", Value: len(events)},
			subscription.Field{Key: "replayed", Value: replayed})
	}
	return replayed, errors.Join(errs...)
}

// callHandler turns a handler panic into an error so one bad event cannot
// take the request down.
func callHandler(
	ctx context.Context, h subscription.Handler, tx subscription.Tx, ev *subscription.Event,
) (tr *subscription.Transition, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic for %s: %v", ev.Type, r)
		}
	}()
	return h(ctx, tx, ev)
}

func transitionEvent(rec *subscription.WebhookEvent, ev *subscription.Event, tr *subscription.Transition) TransitionEvent {
	return TransitionEvent{
		UserID:            tr.UserID,
		SubscriptionID:    tr.SubscriptionID,
		Provider:          rec.Provider,
		EventType:         ev.Type,
		EventID:           rec.ProviderEventID,
		PreviousState:     string(tr.From),
		NewState:          string(tr.To),
		PreviousPackageID: tr.FromPackageID,
		NewPackageID:      tr.ToPackageID,
		Reason:            tr.Reason,
		OccurredAt:        ev.OccurredAt,
	}
}

// StatusCode maps a Process error to the HTTP status returned to the provider.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, subscription.ErrMalformedPayload), errors.Is(err, subscription.ErrInvalidSignature):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
