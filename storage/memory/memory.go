// Package memory provides an in-memory implementation of the subscription.Storage interface.
// This implementation is primarily intended for testing and development.
// Transactions hold the storage lock for their whole duration and restore a
// snapshot when they fail.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tickerpilot/subsync/pkg/subscription"
)

// Storage implements subscription.Storage using in-memory maps
type Storage struct {
	mu        sync.Mutex
	users     map[string]struct{}
	subs      map[string]*subscription.UserSubscription // by user id
	events    map[string]*subscription.WebhookEvent     // by internal id
	eventKeys map[string]string                         // provider/provider event id -> internal id

	// Packages are read-only reference data with their own lock so that
	// resolvers can read them while a transaction holds mu.
	pkgMu    sync.RWMutex
	packages map[string]*subscription.Package

	now func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:     make(map[string]struct{}),
		subs:      make(map[string]*subscription.UserSubscription),
		events:    make(map[string]*subscription.WebhookEvent),
		eventKeys: make(map[string]string),
		packages:  make(map[string]*subscription.Package),
		now:       time.Now,
	}
}

// SetClock replaces the time source used for event timestamps.
func (s *Storage) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// AddUser registers a user id.
func (s *Storage) AddUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = struct{}{}
}

// DeleteUser removes a user and their subscription row.
func (s *Storage) DeleteUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
	delete(s.subs, userID)
}

// PutPackage stores a copy of pkg.
func (s *Storage) PutPackage(pkg *subscription.Package) {
	s.pkgMu.Lock()
	defer s.pkgMu.Unlock()
	cp := *pkg
	s.packages[pkg.ID] = &cp
}

// GetPackage implements subscription.PackageSource
func (s *Storage) GetPackage(_ context.Context, id string) (*subscription.Package, error) {
	s.pkgMu.RLock()
	defer s.pkgMu.RUnlock()
	pkg, ok := s.packages[id]
	if !ok {
		return nil, subscription.ErrPackageNotFound
	}
	cp := *pkg
	return &cp, nil
}

// GetPackageByProviderProductID implements subscription.PackageSource
func (s *Storage) GetPackageByProviderProductID(_ context.Context, productID string) (*subscription.Package, error) {
	s.pkgMu.RLock()
	defer s.pkgMu.RUnlock()
	for _, pkg := range s.packages {
		if pkg.ProviderProductID != "" && pkg.ProviderProductID == productID {
			cp := *pkg
			return &cp, nil
		}
	}
	return nil, subscription.ErrPackageNotFound
}

// GetBasicPackage implements subscription.PackageSource
func (s *Storage) GetBasicPackage(_ context.Context) (*subscription.Package, error) {
	s.pkgMu.RLock()
	defer s.pkgMu.RUnlock()
	var basic *subscription.Package
	for _, pkg := range s.packages {
		if !pkg.IsBasic() {
			continue
		}
		if basic != nil {
			return nil, fmt.Errorf("more than one basic package: %s, %s", basic.ID, pkg.ID)
		}
		basic = pkg
	}
	if basic == nil {
		return nil, fmt.Errorf("%w: no basic package", subscription.ErrPackageNotFound)
	}
	cp := *basic
	return &cp, nil
}

// ListPackages implements subscription.PackageSource
func (s *Storage) ListPackages(_ context.Context) ([]*subscription.Package, error) {
	s.pkgMu.RLock()
	defer s.pkgMu.RUnlock()
	out := make([]*subscription.Package, 0, len(s.packages))
	for _, pkg := range s.packages {
		cp := *pkg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RecordEventIfNew implements subscription.EventStore
func (s *Storage) RecordEventIfNew(
	_ context.Context, event *subscription.WebhookEvent,
) (*subscription.WebhookEvent, bool, error) {
	if event == nil || event.ID == "" || event.ProviderEventID == "" {
		return nil, false, fmt.Errorf("invalid webhook event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey(event.Provider, event.ProviderEventID)
	if id, ok := s.eventKeys[key]; ok {
		return cloneEvent(s.events[id]), true, nil
	}

	stored := cloneEvent(event)
	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = s.now()
	}
	s.events[stored.ID] = stored
	s.eventKeys[key] = stored.ID
	return cloneEvent(stored), false, nil
}

// MarkEventFailed implements subscription.EventStore
func (s *Storage) MarkEventFailed(_ context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return subscription.ErrEventNotFound
	}
	ev.Attempts++
	ev.LastError = errMsg
	return nil
}

// MarkEventRejected implements subscription.EventStore
func (s *Storage) MarkEventRejected(_ context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return subscription.ErrEventNotFound
	}
	now := s.now()
	ev.Attempts++
	ev.LastError = errMsg
	ev.RejectedAt = &now
	return nil
}

// GetEvent implements subscription.EventStore
func (s *Storage) GetEvent(_ context.Context, id string) (*subscription.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, subscription.ErrEventNotFound
	}
	return cloneEvent(ev), nil
}

// ListUnprocessedEvents implements subscription.EventStore
func (s *Storage) ListUnprocessedEvents(
	_ context.Context, receivedBefore time.Time, maxAttempts, limit int,
) ([]*subscription.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*subscription.WebhookEvent
	for _, ev := range s.events {
		if ev.Processed() || ev.Rejected() || ev.Attempts >= maxAttempts || !ev.ReceivedAt.Before(receivedBefore) {
			continue
		}
		out = append(out, cloneEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Events returns every stored event, oldest first.
func (s *Storage) Events() []*subscription.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*subscription.WebhookEvent, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, cloneEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

// GetSubscriptionByUser implements subscription.Storage
func (s *Storage) GetSubscriptionByUser(_ context.Context, userID string) (*subscription.UserSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[userID]
	if !ok {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// PutSubscription stores a copy of sub, replacing the user's row.
func (s *Storage) PutSubscription(sub *subscription.UserSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.UserID] = sub.Clone()
}

// RunInTx implements subscription.Storage
func (s *Storage) RunInTx(ctx context.Context, fn func(ctx context.Context, tx subscription.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	subsSnapshot := make(map[string]*subscription.UserSubscription, len(s.subs))
	for k, v := range s.subs {
		subsSnapshot[k] = v.Clone()
	}
	eventsSnapshot := make(map[string]*subscription.WebhookEvent, len(s.events))
	for k, v := range s.events {
		eventsSnapshot[k] = cloneEvent(v)
	}

	committed := false
	defer func() {
		if !committed {
			s.subs = subsSnapshot
			s.events = eventsSnapshot
		}
	}()

	if err := fn(ctx, &memTx{s: s}); err != nil {
		return err
	}
	committed = true
	return nil
}

// memTx runs with s.mu held by RunInTx.
type memTx struct {
	s *Storage
}

func (t *memTx) ClaimEvent(_ context.Context, id string) (*subscription.WebhookEvent, error) {
	ev, ok := t.s.events[id]
	if !ok {
		return nil, subscription.ErrEventNotFound
	}
	return cloneEvent(ev), nil
}

func (t *memTx) MarkEventProcessed(_ context.Context, id string, subscriptionID string) error {
	ev, ok := t.s.events[id]
	if !ok {
		return subscription.ErrEventNotFound
	}
	now := t.s.now()
	ev.ProcessedAt = &now
	ev.Attempts++
	ev.LastError = ""
	if subscriptionID != "" {
		ev.SubscriptionID = subscriptionID
	}
	return nil
}

func (t *memTx) UserExists(_ context.Context, userID string) (bool, error) {
	_, ok := t.s.users[userID]
	return ok, nil
}

func (t *memTx) FindSubscriptionByProviderID(_ context.Context, id string) (*subscription.UserSubscription, error) {
	if id == "" {
		return nil, subscription.ErrSubscriptionNotFound
	}
	var tombstoned *subscription.UserSubscription
	for _, sub := range t.s.subs {
		if sub.ProviderSubscriptionID == id {
			return sub.Clone(), nil
		}
		if tombstoned == nil && sub.CancelledSubscriptionID() == id {
			tombstoned = sub
		}
	}
	if tombstoned != nil {
		return tombstoned.Clone(), nil
	}
	return nil, subscription.ErrSubscriptionNotFound
}

func (t *memTx) FindSubscriptionByCustomerID(_ context.Context, id string) (*subscription.UserSubscription, error) {
	if id == "" {
		return nil, subscription.ErrSubscriptionNotFound
	}
	for _, sub := range t.s.subs {
		if sub.ProviderCustomerID == id {
			return sub.Clone(), nil
		}
	}
	return nil, subscription.ErrSubscriptionNotFound
}

func (t *memTx) LockSubscription(_ context.Context, userID string) (*subscription.UserSubscription, error) {
	sub, ok := t.s.subs[userID]
	if !ok {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

func (t *memTx) SaveSubscription(_ context.Context, sub *subscription.UserSubscription) error {
	if sub == nil || sub.UserID == "" || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}
	if existing, ok := t.s.subs[sub.UserID]; ok && existing.ID != sub.ID {
		return fmt.Errorf("%w: user %s already owns subscription %s",
			subscription.ErrPersistence, sub.UserID, existing.ID)
	}
	t.s.subs[sub.UserID] = sub.Clone()
	return nil
}

func eventKey(provider, providerEventID string) string {
	return provider + "/" + providerEventID
}

func cloneEvent(ev *subscription.WebhookEvent) *subscription.WebhookEvent {
	if ev == nil {
		return nil
	}
	cp := *ev
	if ev.ProcessedAt != nil {
		t := *ev.ProcessedAt
		cp.ProcessedAt = &t
	}
	if ev.RejectedAt != nil {
		t := *ev.RejectedAt
		cp.RejectedAt = &t
	}
	return &cp
}
