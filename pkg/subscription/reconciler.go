package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxPaymentAttempts is the dunning attempt at which a failed payment revokes premium.
const DefaultMaxPaymentAttempts = 3

// Handler applies one normalized event inside a storage transaction.
type Handler func(ctx context.Context, tx Tx, ev *Event) (*Transition, error)

// CustomerLookup asks a provider which of our users owns a customer.
// It returns ErrUserNotFound when the customer carries no user correlation.
type CustomerLookup interface {
	LookupUserByCustomer(ctx context.Context, customerID string) (string, error)
}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	// Resolver is required.
	Resolver *Resolver

	// CustomerLookups are keyed by provider name. A provider without one
	// skips the remote customer step when matching.
	CustomerLookups map[string]CustomerLookup

	// MaxPaymentAttempts defaults to DefaultMaxPaymentAttempts.
	MaxPaymentAttempts int

	Logger  Logger
	Metrics Metrics

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Reconciler is the subscription state machine. Each handler receives the
// transaction the event store uses to mark the event, so a failing handler
// leaves neither the row nor the event marker changed.
type Reconciler struct {
	resolver           *Resolver
	customers          map[string]CustomerLookup
	maxPaymentAttempts int
	logger             Logger
	metrics            Metrics
	now                func() time.Time
}

// NewReconciler creates a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	r := &Reconciler{
		resolver:           cfg.Resolver,
		customers:          cfg.CustomerLookups,
		maxPaymentAttempts: cfg.MaxPaymentAttempts,
		logger:             cfg.Logger,
		metrics:            cfg.Metrics,
		now:                cfg.Clock,
	}
	if r.customers == nil {
		r.customers = make(map[string]CustomerLookup)
	}
	if r.maxPaymentAttempts <= 0 {
		r.maxPaymentAttempts = DefaultMaxPaymentAttempts
	}
	if r.logger == nil {
		r.logger = &NoopLogger{}
	}
	if r.metrics == nil {
		r.metrics = &NoopMetrics{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Resolver returns the package resolver the reconciler uses.
func (r *Reconciler) Resolver() *Resolver {
	return r.resolver
}

// relation describes how an event's provider subscription relates to the row.
type relation int

const (
	relCurrent    relation = iota // the attached subscription, or no id on the event
	relCancelled                  // the subscription last cancelled on this row
	relSuperseded                 // an older subscription the row has moved past
	relUnattached                 // a subscription the row has not seen yet
)

func (r *Reconciler) relate(sub *UserSubscription, ev *Event) relation {
	switch {
	case ev.SubscriptionID == "" || sub.ProviderSubscriptionID == ev.SubscriptionID:
		return relCurrent
	case sub.CancelledSubscriptionID() == ev.SubscriptionID:
		return relCancelled
	case olderThanRow(sub, ev):
		return relSuperseded
	default:
		return relUnattached
	}
}

func olderThanRow(sub *UserSubscription, ev *Event) bool {
	return sub.LastEventAt != nil && !ev.OccurredAt.IsZero() && ev.OccurredAt.Before(*sub.LastEventAt)
}

type matchResult struct {
	userID string
	via    string
	sub    *UserSubscription // locked; nil when the user has no row yet
}

// match finds the user an event belongs to and locks their row. Priority:
// provider subscription id, provider customer id (stored rows, then the
// provider's customer record), explicit user id in custom data.
func (r *Reconciler) match(ctx context.Context, tx Tx, ev *Event) (*matchResult, error) {
	if !ev.HasCorrelation() {
		return nil, ErrUnmatchable
	}

	userID, via, err := r.matchUser(ctx, tx, ev)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: subscription_id=%q customer_id=%q",
			ErrSubscriptionNotFound, ev.SubscriptionID, ev.CustomerID)
	}
	if ev.CustomData.UserID != "" && ev.CustomData.UserID != userID {
		return nil, fmt.Errorf("%w: matched user %s by %s but custom data names %s",
			ErrAmbiguousMatch, userID, via, ev.CustomData.UserID)
	}

	sub, err := tx.LockSubscription(ctx, userID)
	switch {
	case err == nil:
	case errors.Is(err, ErrSubscriptionNotFound):
		sub = nil
		exists, err := tx.UserExists(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
	default:
		return nil, err
	}
	return &matchResult{userID: userID, via: via, sub: sub}, nil
}

func (r *Reconciler) matchUser(ctx context.Context, tx Tx, ev *Event) (string, string, error) {
	if ev.SubscriptionID != "" {
		sub, err := tx.FindSubscriptionByProviderID(ctx, ev.SubscriptionID)
		if err == nil {
			return sub.UserID, "subscription_id", nil
		}
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return "", "", err
		}
	}

	if ev.CustomerID != "" {
		sub, err := tx.FindSubscriptionByCustomerID(ctx, ev.CustomerID)
		if err == nil {
			return sub.UserID, "customer_id", nil
		}
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return "", "", err
		}
		if lookup, ok := r.customers[ev.Provider]; ok && lookup != nil {
			userID, err := lookup.LookupUserByCustomer(ctx, ev.CustomerID)
			switch {
			case err == nil && userID != "":
				return userID, "customer_lookup", nil
			case err != nil && !errors.Is(err, ErrUserNotFound):
				if errors.Is(err, ErrProviderTransient) {
					return "", "", err
				}
				return "", "", fmt.Errorf("%w: customer lookup: %v", ErrProviderTransient, err)
			}
		}
	}

	if ev.CustomData.UserID != "" {
		return ev.CustomData.UserID, "custom_data", nil
	}
	return "", "", nil
}

// Activate handles a completed checkout or a created subscription. It attaches
// the provider identifiers and period bounds and moves the row to the paid package.
func (r *Reconciler) Activate(ctx context.Context, tx Tx, ev *Event) (*Transition, error) {
	m, err := r.match(ctx, tx, ev)
	if err != nil {
		return nil, err
	}
	sub := m.sub

	rel := relUnattached
	if sub != nil {
		rel = r.relate(sub, ev)
		if rel == relCancelled || rel == relSuperseded || (rel == relCurrent && olderThanRow(sub, ev)) {
			return r.stale(ctx, sub, ev), nil
		}
	}

	pkg, err := r.resolver.Resolve(ctx, ev.CustomData, ev.ProductIDs...)
	if err != nil && errors.Is(err, ErrPackageNotFound) && sub != nil && rel == relCurrent && ev.SubscriptionID != "" {
		// Renewal transactions may omit the checkout correlation.
		pkg, err = r.resolver.Package(ctx, sub.PackageID)
	}
	if err != nil {
		return nil, err
	}
	// Premium is only granted with a recurring subscription behind it.
	if ev.SubscriptionID == "" && !pkg.IsFree() && (sub == nil || sub.ProviderSubscriptionID == "") {
		return nil, fmt.Errorf("%w: %w: %s %s for user %s", ErrNoProviderSubscription, ErrSubscriptionNotFound,
			ev.Type, ev.TransactionID, m.userID)
	}

	before, beforePkg := r.snapshot(ctx, sub)
	now := r.now()
	if sub == nil {
		sub = r.newRow(m.userID, now)
	}

	start, end := r.period(ev, pkg, now)
	if sub.PackageID != pkg.ID || sub.ProviderSubscriptionID != ev.SubscriptionID {
		sub.StartsAt = start
	}
	sub.PackageID = pkg.ID
	sub.Status = StatusActive
	sub.Provider = ev.Provider
	if ev.SubscriptionID != "" {
		sub.ProviderSubscriptionID = ev.SubscriptionID
	}
	if ev.CustomerID != "" {
		sub.ProviderCustomerID = ev.CustomerID
	}
	sub.CurrentPeriodStart = &start
	sub.CurrentPeriodEnd = &end
	sub.ExpiresAt = &end
	sub.CancelledAt = nil
	if sub.Metadata != nil {
		delete(sub.Metadata, MetaDowngradeReason)
	}

	return r.save(ctx, tx, before, beforePkg, sub, pkg, ev, ReasonSubscriptionActivated)
}

// Update refreshes status, period bounds and plan from a subscription update.
func (r *Reconciler) Update(ctx context.Context, tx Tx, ev *Event) (*Transition, error) {
	sub, stale, err := r.attached(ctx, tx, ev)
	if err != nil || stale != nil {
		return stale, err
	}
	if ev.Status == StatusCancelled {
		return r.downgrade(ctx, tx, sub, sub.UserID, ev, ReasonSubscriptionCancelled)
	}

	before, beforePkg := r.snapshot(ctx, sub)
	pkg := beforePkg
	if len(ev.ProductIDs) > 0 {
		switched, err := r.resolver.Resolve(ctx, CustomData{}, ev.ProductIDs...)
		switch {
		case err == nil:
			pkg = switched
			sub.PackageID = switched.ID
		case errors.Is(err, ErrPackageNotFound):
			r.logger.Warn("updated subscription references an unknown product, keeping package",
				Field{Key: "user_id", Value: sub.UserID},
				Field{Key: "product_ids", Value: ev.ProductIDs})
		default:
			return nil, err
		}
	}
	if pkg == nil {
		return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, sub.PackageID)
	}

	if ev.Status == StatusActive || ev.Status == StatusPastDue {
		sub.Status = ev.Status
	}
	if ev.PeriodStart != nil {
		sub.CurrentPeriodStart = cloneTime(ev.PeriodStart)
	}
	if ev.PeriodEnd != nil {
		sub.CurrentPeriodEnd = cloneTime(ev.PeriodEnd)
		sub.ExpiresAt = cloneTime(ev.PeriodEnd)
	}
	if ev.CustomerID != "" {
		sub.ProviderCustomerID = ev.CustomerID
	}

	return r.save(ctx, tx, before, beforePkg, sub, pkg, ev, ReasonSubscriptionUpdated)
}

// Renew records a successful recurring payment and advances the period.
func (r *Reconciler) Renew(ctx context.Context, tx Tx, ev *Event) (*Transition, error) {
	sub, stale, err := r.attached(ctx, tx, ev)
	if err != nil || stale != nil {
		return stale, err
	}

	before, pkg := r.snapshot(ctx, sub)
	if pkg == nil {
		return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, sub.PackageID)
	}

	start, end := r.period(ev, pkg, r.now())
	sub.Status = StatusActive
	sub.CurrentPeriodStart = &start
	sub.CurrentPeriodEnd = &end
	sub.ExpiresAt = &end

	return r.save(ctx, tx, before, pkg, sub, pkg, ev, ReasonSubscriptionRenewed)
}

// Cancel downgrades the user to Basic. Cancelling a subscription that is no
// longer attached leaves the current one alone.
func (r *Reconciler) Cancel(ctx context.Context, tx Tx, ev *Event) (*Transition, error) {
	m, err := r.match(ctx, tx, ev)
	if err != nil {
		return nil, err
	}
	sub := m.sub
	if sub != nil && ev.SubscriptionID != "" && sub.ProviderSubscriptionID != "" &&
		sub.ProviderSubscriptionID != ev.SubscriptionID {
		return r.stale(ctx, sub, ev), nil
	}
	return r.downgrade(ctx, tx, sub, m.userID, ev, ReasonSubscriptionCancelled)
}

// PaymentFailed marks the row past due while the provider keeps retrying and
// downgrades once the attempts are exhausted or the failure is final.
func (r *Reconciler) PaymentFailed(ctx context.Context, tx Tx, ev *Event) (*Transition, error) {
	sub, stale, err := r.attached(ctx, tx, ev)
	if err != nil || stale != nil {
		return stale, err
	}

	attempt := ev.AttemptNumber
	if attempt <= 0 {
		attempt = 1
	}
	if attempt >= r.maxPaymentAttempts || ev.HardFailure {
		r.logger.Warn("payment failed, downgrading to basic",
			Field{Key: "user_id", Value: sub.UserID},
			Field{Key: "attempt_number", Value: attempt},
			Field{Key: "hard_failure", Value: ev.HardFailure})
		return r.downgrade(ctx, tx, sub, sub.UserID, ev, ReasonPaymentFailed)
	}

	before, pkg := r.snapshot(ctx, sub)
	sub.Status = StatusPastDue
	r.logger.Info("payment failed, provider will retry",
		Field{Key: "user_id", Value: sub.UserID},
		Field{Key: "attempt_number", Value: attempt},
		Field{Key: "max_attempts", Value: r.maxPaymentAttempts})

	return r.save(ctx, tx, before, pkg, sub, pkg, ev, ReasonPaymentRetryScheduled)
}

// Downgrade moves userID to Basic outside of any provider event, for example
// after the user cancels from our side. Calling it on a Basic row only
// refreshes cancelled_at.
func (r *Reconciler) Downgrade(ctx context.Context, tx Tx, userID, reason string) (*Transition, error) {
	sub, err := tx.LockSubscription(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return nil, err
		}
		exists, err := tx.UserExists(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		sub = nil
	}
	return r.downgrade(ctx, tx, sub, userID, nil, reason)
}

// EnsureBasic creates the Basic row for a user who has none and returns the
// user's row either way.
func (r *Reconciler) EnsureBasic(ctx context.Context, tx Tx, userID string) (*UserSubscription, bool, error) {
	sub, err := tx.LockSubscription(ctx, userID)
	if err == nil {
		return sub, false, nil
	}
	if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, false, err
	}
	exists, err := tx.UserExists(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}

	basic, err := r.resolver.Basic(ctx)
	if err != nil {
		return nil, false, err
	}
	now := r.now()
	sub = r.newRow(userID, now)
	sub.PackageID = basic.ID
	sub.Status = StatusActive
	sub.Metadata = map[string]interface{}{"created_reason": ReasonSubscriptionRegistered}
	if err := tx.SaveSubscription(ctx, sub); err != nil {
		return nil, false, err
	}
	r.metrics.RecordTransition(StateNone, StateBasic, ReasonSubscriptionRegistered)
	return sub, true, nil
}

// attached matches ev to a row that carries the event's provider subscription.
// A non-nil Transition means the event is stale.
func (r *Reconciler) attached(ctx context.Context, tx Tx, ev *Event) (*UserSubscription, *Transition, error) {
	m, err := r.match(ctx, tx, ev)
	if err != nil {
		return nil, nil, err
	}
	sub := m.sub
	if sub == nil {
		return nil, nil, fmt.Errorf("%w: user %s has no subscription row", ErrSubscriptionNotFound, m.userID)
	}

	switch r.relate(sub, ev) {
	case relCancelled, relSuperseded:
		return nil, r.stale(ctx, sub, ev), nil
	case relUnattached:
		return nil, nil, fmt.Errorf("%w: provider subscription %s is not attached to user %s",
			ErrSubscriptionNotFound, ev.SubscriptionID, sub.UserID)
	}
	if sub.ProviderSubscriptionID == "" {
		return nil, nil, fmt.Errorf("%w: user %s has no provider subscription", ErrSubscriptionNotFound, sub.UserID)
	}
	if olderThanRow(sub, ev) {
		return nil, r.stale(ctx, sub, ev), nil
	}
	return sub, nil, nil
}

func (r *Reconciler) downgrade(
	ctx context.Context, tx Tx, sub *UserSubscription, userID string, ev *Event, reason string,
) (*Transition, error) {
	basic, err := r.resolver.Basic(ctx)
	if err != nil {
		return nil, err
	}

	before, beforePkg := r.snapshot(ctx, sub)
	now := r.now()
	if sub == nil {
		sub = r.newRow(userID, now)
	}

	cancelledID := sub.ProviderSubscriptionID
	cancelledProvider := sub.Provider
	if cancelledID == "" && ev != nil {
		cancelledID = ev.SubscriptionID
		cancelledProvider = ev.Provider
	}

	if sub.PackageID != basic.ID {
		sub.StartsAt = now
	}
	sub.PackageID = basic.ID
	sub.Status = StatusActive
	sub.Provider = ""
	sub.ProviderSubscriptionID = ""
	sub.ProviderCustomerID = ""
	sub.CurrentPeriodStart = nil
	sub.CurrentPeriodEnd = nil
	sub.ExpiresAt = nil
	sub.CancelledAt = &now
	if sub.Metadata == nil {
		sub.Metadata = make(map[string]interface{})
	}
	sub.Metadata[MetaDowngradeReason] = reason
	if cancelledID != "" {
		sub.Metadata[MetaCancelledSubscriptionID] = cancelledID
		sub.Metadata[MetaCancelledProvider] = cancelledProvider
	}

	return r.save(ctx, tx, before, beforePkg, sub, basic, ev, reason)
}

func (r *Reconciler) save(
	ctx context.Context, tx Tx,
	before *UserSubscription, beforePkg *Package,
	sub *UserSubscription, pkg *Package,
	ev *Event, reason string,
) (*Transition, error) {
	now := r.now()
	if ev != nil {
		sub.ProviderData = mergeMap(sub.ProviderData, ev.Data)
		if !ev.OccurredAt.IsZero() && (sub.LastEventAt == nil || ev.OccurredAt.After(*sub.LastEventAt)) {
			t := ev.OccurredAt
			sub.LastEventAt = &t
		}
	}
	sub.UpdatedAt = now

	if err := tx.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}

	tr := &Transition{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		From:           StateOf(before, beforePkg),
		To:             StateOf(sub, pkg),
		Reason:         reason,
		ToPackageID:    sub.PackageID,
	}
	if before != nil {
		tr.FromPackageID = before.PackageID
	}
	if tr.Changed() {
		r.metrics.RecordTransition(tr.From, tr.To, reason)
	}

	fields := []Field{
		{Key: "user_id", Value: tr.UserID},
		{Key: "subscription_id", Value: tr.SubscriptionID},
		{Key: "from", Value: string(tr.From)},
		{Key: "to", Value: string(tr.To)},
		{Key: "package_id", Value: tr.ToPackageID},
		{Key: "reason", Value: reason},
	}
	if ev != nil {
		fields = append(fields,
			Field{Key: "provider", Value: ev.Provider},
			Field{Key: "event_type", Value: ev.Type},
			Field{Key: "provider_subscription_id", Value: ev.SubscriptionID})
	}
	r.logger.Info("subscription reconciled", fields...)
	return tr, nil
}

func (r *Reconciler) stale(ctx context.Context, sub *UserSubscription, ev *Event) *Transition {
	_, pkg := r.snapshot(ctx, sub)
	state := StateOf(sub, pkg)
	r.metrics.RecordStaleEvent(ev.Provider, ev.Type)
	r.logger.Info("skipping stale event",
		Field{Key: "user_id", Value: sub.UserID},
		Field{Key: "provider", Value: ev.Provider},
		Field{Key: "event_type", Value: ev.Type},
		Field{Key: "event_id", Value: ev.ID},
		Field{Key: "provider_subscription_id", Value: ev.SubscriptionID},
		Field{Key: "attached_subscription_id", Value: sub.ProviderSubscriptionID})
	return &Transition{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		From:           state,
		To:             state,
		FromPackageID:  sub.PackageID,
		ToPackageID:    sub.PackageID,
		Reason:         "stale_event",
		Stale:          true,
	}
}

// snapshot copies sub and loads its package for the transition report.
func (r *Reconciler) snapshot(ctx context.Context, sub *UserSubscription) (*UserSubscription, *Package) {
	if sub == nil {
		return nil, nil
	}
	pkg, err := r.resolver.Package(ctx, sub.PackageID)
	if err != nil {
		r.logger.Warn("package of existing subscription not found",
			Field{Key: "user_id", Value: sub.UserID},
			Field{Key: "package_id", Value: sub.PackageID},
			Field{Key: "error", Value: err.Error()})
		pkg = nil
	}
	return sub.Clone(), pkg
}

// period returns the billing period of ev, falling back to one package cycle from now.
func (r *Reconciler) period(ev *Event, pkg *Package, now time.Time) (time.Time, time.Time) {
	start := now
	if ev.PeriodStart != nil {
		start = *ev.PeriodStart
	}
	end := pkg.BillingCycle.AddPeriod(start)
	if ev.PeriodEnd != nil {
		end = *ev.PeriodEnd
	}
	return start, end
}

func (r *Reconciler) newRow(userID string, now time.Time) *UserSubscription {
	return &UserSubscription{
		ID:        uuid.NewString(),
		UserID:    userID,
		StartsAt:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
