package subscription_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tickerpilot/subsync/pkg/subscription"
	"github.com/tickerpilot/subsync/storage/memory"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

var premiumLimits = subscription.Limits{MaxWatchlists: 10, MaxStocksPerWatchlist: 100, MaxChartLayouts: 50}

type fakeLookup struct {
	users map[string]string
	err   error
	calls int
}

func (l *fakeLookup) LookupUserByCustomer(_ context.Context, customerID string) (string, error) {
	l.calls++
	if l.err != nil {
		return "", l.err
	}
	userID, ok := l.users[customerID]
	if !ok {
		return "", subscription.ErrUserNotFound
	}
	return userID, nil
}

type fixture struct {
	store      *memory.Storage
	resolver   *subscription.Resolver
	reconciler *subscription.Reconciler
	lookup     *fakeLookup

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), now: t0, lookup: &fakeLookup{users: map[string]string{}}}
	f.store.SetClock(f.clock)

	f.store.PutPackage(&subscription.Package{
		ID: "basic", Name: "Basic", BillingCycle: subscription.BillingMonthly, Active: true,
		Limits: subscription.DefaultLimits(),
	})
	f.store.PutPackage(&subscription.Package{
		ID: "premium-monthly", Name: "Premium", Premium: true, Price: 999, Currency: "USD",
		BillingCycle: subscription.BillingMonthly, ProviderProductID: "pri_monthly", Active: true,
		Limits: premiumLimits,
	})
	f.store.PutPackage(&subscription.Package{
		ID: "premium-yearly", Name: "Premium Yearly", Premium: true, Price: 9990, Currency: "USD",
		BillingCycle: subscription.BillingYearly, ProviderProductID: "pri_yearly", Active: true,
		Limits: premiumLimits,
	})
	f.store.AddUser("user-1")
	f.store.AddUser("user-2")

	var err error
	f.resolver, err = subscription.NewResolver(subscription.ResolverConfig{Source: f.store})
	require.NoError(t, err)
	f.reconciler, err = subscription.NewReconciler(subscription.ReconcilerConfig{
		Resolver:        f.resolver,
		CustomerLookups: map[string]subscription.CustomerLookup{"paddle": f.lookup},
		Clock:           f.clock,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// apply runs handler in its own transaction.
func (f *fixture) apply(handler subscription.Handler, ev *subscription.Event) (*subscription.Transition, error) {
	var tr *subscription.Transition
	err := f.store.RunInTx(context.Background(), func(ctx context.Context, tx subscription.Tx) error {
		var err error
		tr, err = handler(ctx, tx, ev)
		return err
	})
	return tr, err
}

func (f *fixture) row(t *testing.T, userID string) *subscription.UserSubscription {
	t.Helper()
	sub, err := f.store.GetSubscriptionByUser(context.Background(), userID)
	require.NoError(t, err)
	return sub
}

// premiumRow stores an active premium-monthly row attached to subID.
func (f *fixture) premiumRow(userID, subID, customerID string) *subscription.UserSubscription {
	start := t0.Add(-24 * time.Hour)
	end := start.AddDate(0, 1, 0)
	last := start
	sub := &subscription.UserSubscription{
		ID: "row-" + userID, UserID: userID, PackageID: "premium-monthly", Status: subscription.StatusActive,
		StartsAt: start, CurrentPeriodStart: &start, CurrentPeriodEnd: &end, ExpiresAt: &end,
		Provider: "paddle", ProviderSubscriptionID: subID, ProviderCustomerID: customerID,
		LastEventAt: &last, CreatedAt: start, UpdatedAt: start,
	}
	f.store.PutSubscription(sub)
	return sub
}

func timePtr(t time.Time) *time.Time {
	return &t
}
