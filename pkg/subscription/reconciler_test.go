package subscription_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickerpilot/subsync/pkg/subscription"
)

func TestNewReconciler_RequiresResolver(t *testing.T) {
	_, err := subscription.NewReconciler(subscription.ReconcilerConfig{})
	assert.Error(t, err)
}

func TestActivate_NewUserFromCustomData(t *testing.T) {
	f := newFixture(t)
	end := t0.AddDate(0, 1, 0)

	tr, err := f.apply(f.reconciler.Activate, &subscription.Event{
		Provider: "paddle", ID: "evt_1", Type: "transaction.completed", OccurredAt: t0,
		SubscriptionID: "sub_1", CustomerID: "ctm_1",
		CustomData:  subscription.CustomData{UserID: "user-1"},
		ProductIDs:  []string{"pri_monthly"},
		PeriodStart: timePtr(t0), PeriodEnd: &end,
		Data: map[string]interface{}{"id": "txn_1"},
	})
	require.NoError(t, err)

	assert.Equal(t, subscription.StateNone, tr.From)
	assert.Equal(t, subscription.StatePremium, tr.To)
	assert.Equal(t, "premium-monthly", tr.ToPackageID)
	assert.True(t, tr.Changed())
	assert.Equal(t, 1, f.lookup.calls, "customer lookup is tried before custom data")

	sub := f.row(t, "user-1")
	assert.Equal(t, tr.SubscriptionID, sub.ID)
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.Equal(t, "paddle", sub.Provider)
	assert.Equal(t, "sub_1", sub.ProviderSubscriptionID)
	assert.Equal(t, "ctm_1", sub.ProviderCustomerID)
	assert.Equal(t, t0, sub.StartsAt)
	assert.Equal(t, end, *sub.CurrentPeriodEnd)
	assert.Equal(t, end, *sub.ExpiresAt)
	assert.Equal(t, t0, *sub.LastEventAt)
	assert.Equal(t, "txn_1", sub.ProviderData["id"])
}

func TestActivate_DefaultsPeriodToPackageCycle(t *testing.T) {
	f := newFixture(t)
	f.lookup.users["ctm_9"] = "user-2"

	tr, err := f.apply(f.reconciler.Activate, &subscription.Event{
		Provider: "paddle", ID: "evt_1", Type: "transaction.completed", OccurredAt: t0,
		SubscriptionID: "sub_9", CustomerID: "ctm_9", ProductIDs: []string{"pri_yearly"},
	})
	require.NoError(t, err)
	assert.Equal(t, "user-2", tr.UserID)

	sub := f.row(t, "user-2")
	assert.Equal(t, "premium-yearly", sub.PackageID)
	assert.Equal(t, t0, *sub.CurrentPeriodStart)
	assert.Equal(t, t0.AddDate(1, 0, 0), *sub.CurrentPeriodEnd)
}

func TestActivate_MatchFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *fixture)
		event   subscription.Event
		wantErr error
	}{
		{
			name:    "no identifiers",
			event:   subscription.Event{Provider: "paddle", ID: "evt_1"},
			wantErr: subscription.ErrUnmatchable,
		},
		{
			name:    "unknown user",
			event:   subscription.Event{Provider: "paddle", ID: "evt_1", CustomData: subscription.CustomData{UserID: "ghost"}, ProductIDs: []string{"pri_monthly"}},
			wantErr: subscription.ErrUserNotFound,
		},
		{
			name:    "unknown product",
			event:   subscription.Event{Provider: "paddle", ID: "evt_1", CustomData: subscription.CustomData{UserID: "user-1"}, ProductIDs: []string{"pri_other"}},
			wantErr: subscription.ErrPackageNotFound,
		},
		{
			name:    "subscription id nobody carries",
			event:   subscription.Event{Provider: "paddle", ID: "evt_1", SubscriptionID: "sub_x"},
			wantErr: subscription.ErrSubscriptionNotFound,
		},
		{
			name:  "custom data disagrees with subscription owner",
			setup: func(f *fixture) { f.premiumRow("user-1", "sub_1", "ctm_1") },
			event: subscription.Event{
				Provider: "paddle", ID: "evt_1", SubscriptionID: "sub_1", OccurredAt: t0,
				CustomData: subscription.CustomData{UserID: "user-2"}, ProductIDs: []string{"pri_monthly"},
			},
			wantErr: subscription.ErrAmbiguousMatch,
		},
		{
			name:  "customer lookup unavailable",
			setup: func(f *fixture) { f.lookup.err = errors.New("connection reset") },
			event: subscription.Event{
				Provider: "paddle", ID: "evt_1", CustomerID: "ctm_5",
				CustomData: subscription.CustomData{UserID: "user-1"}, ProductIDs: []string{"pri_monthly"},
			},
			wantErr: subscription.ErrProviderTransient,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			ev := tt.event
			_, err := f.apply(f.reconciler.Activate, &ev)
			assert.ErrorIs(t, err, tt.wantErr)

			_, err = f.store.GetSubscriptionByUser(context.Background(), "user-2")
			assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
		})
	}
}

func TestActivate_OneOffPurchaseIsRejected(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.RunInTx(context.Background(), func(ctx context.Context, tx subscription.Tx) error {
		_, _, err := f.reconciler.EnsureBasic(ctx, tx, "user-1")
		return err
	}))

	_, err := f.apply(f.reconciler.Activate, &subscription.Event{
		Provider: "paddle", ID: "evt_1", Type: "transaction.completed", OccurredAt: t0,
		TransactionID: "txn_1", CustomerID: "ctm_1",
		CustomData: subscription.CustomData{UserID: "user-1"}, ProductIDs: []string{"pri_monthly"},
	})
	assert.ErrorIs(t, err, subscription.ErrNoProviderSubscription)
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
	assert.True(t, subscription.IsPermanent(err))

	sub := f.row(t, "user-1")
	assert.Equal(t, "basic", sub.PackageID)
	assert.Empty(t, sub.ProviderSubscriptionID)
}

func TestActivate_TransactionWithoutSubscriptionRenewsAttachedRow(t *testing.T) {
	f := newFixture(t)
	f.premiumRow("user-1", "sub_1", "ctm_1")

	_, err := f.apply(f.reconciler.Activate, &subscription.Event{
		Provider: "paddle", ID: "evt_1", Type: "transaction.completed", OccurredAt: t0,
		CustomerID: "ctm_1", ProductIDs: []string{"pri_monthly"},
	})
	require.NoError(t, err)

	sub := f.row(t, "user-1")
	assert.Equal(t, "premium-monthly", sub.PackageID)
	assert.Equal(t, "sub_1", sub.ProviderSubscriptionID)
}

func TestActivate_CustomDataPackageWins(t *testing.T) {
	f := newFixture(t)

	_, err := f.apply(f.reconciler.Activate, &subscription.Event{
		Provider: "paddle", ID: "evt_1", OccurredAt: t0, SubscriptionID: "sub_1",
		CustomData: subscription.CustomData{UserID: "user-1", PackageID: "premium-yearly"},
		ProductIDs: []string{"pri_monthly"},
	})
	require.NoError(t, err)
	assert.Equal(t, "premium-yearly", f.row(t, "user-1").PackageID)
}

func TestUpdate(t *testing.T) {
	t.Run("status and plan change", func(t *testing.T) {
		f := newFixture(t)
		f.premiumRow("user-1", "sub_1", "ctm_1")
		end := t0.AddDate(1, 0, 0)

		tr, err := f.apply(f.reconciler.Update, &subscription.Event{
			Provider: "paddle", ID: "evt_2", Type: "subscription.updated", OccurredAt: t0,
			SubscriptionID: "sub_1", Status: subscription.StatusPastDue,
			ProductIDs: []string{"pri_yearly"}, PeriodEnd: &end,
		})
		require.NoError(t, err)
		assert.Equal(t, subscription.StatePremium, tr.From)
		assert.Equal(t, subscription.StatePastDue, tr.To)
		assert.Equal(t, "premium-monthly", tr.FromPackageID)
		assert.Equal(t, "premium-yearly", tr.ToPackageID)

		sub := f.row(t, "user-1")
		assert.Equal(t, subscription.StatusPastDue, sub.Status)
		assert.Equal(t, end, *sub.CurrentPeriodEnd)
	})

	t.Run("unknown product keeps package", func(t *testing.T) {
		f := newFixture(t)
		f.premiumRow("user-1", "sub_1", "ctm_1")

		_, err := f.apply(f.reconciler.Update, &subscription.Event{
			Provider: "paddle", ID: "evt_2", OccurredAt: t0, SubscriptionID: "sub_1",
			Status: subscription.StatusActive, ProductIDs: []string{"pri_discontinued"},
		})
		require.NoError(t, err)
		assert.Equal(t, "premium-monthly", f.row(t, "user-1").PackageID)
	})

	t.Run("cancelled status downgrades", func(t *testing.T) {
		f := newFixture(t)
		f.premiumRow("user-1", "sub_1", "ctm_1")

		tr, err := f.apply(f.reconciler.Update, &subscription.Event{
			Provider: "paddle", ID: "evt_2", OccurredAt: t0, SubscriptionID: "sub_1",
			Status: subscription.StatusCancelled,
		})
		require.NoError(t, err)
		assert.Equal(t, subscription.StateBasic, tr.To)
		assert.Equal(t, "sub_1", f.row(t, "user-1").CancelledSubscriptionID())
	})

	t.Run("older event is stale", func(t *testing.T) {
		f := newFixture(t)
		f.premiumRow("user-1", "sub_1", "ctm_1")

		tr, err := f.apply(f.reconciler.Update, &subscription.Event{
			Provider: "paddle", ID: "evt_2", OccurredAt: t0.Add(-48 * time.Hour),
			SubscriptionID: "sub_1", Status: subscription.StatusPastDue,
		})
		require.NoError(t, err)
		assert.True(t, tr.Stale)
		assert.False(t, tr.Changed())
		assert.Equal(t, subscription.StatusActive, f.row(t, "user-1").Status)
	})

	t.Run("unattached subscription is not found", func(t *testing.T) {
		f := newFixture(t)
		f.premiumRow("user-1", "sub_1", "ctm_1")

		_, err := f.apply(f.reconciler.Update, &subscription.Event{
			Provider: "paddle", ID: "evt_2", OccurredAt: t0,
			SubscriptionID: "sub_2", CustomerID: "ctm_1", Status: subscription.StatusActive,
		})
		assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
	})
}

func TestRenew_AdvancesPeriodAndRecoversPastDue(t *testing.T) {
	f := newFixture(t)
	sub := f.premiumRow("user-1", "sub_1", "ctm_1")
	sub.Status = subscription.StatusPastDue
	f.store.PutSubscription(sub)

	start := *sub.CurrentPeriodEnd
	end := start.AddDate(0, 1, 0)
	tr, err := f.apply(f.reconciler.Renew, &subscription.Event{
		Provider: "paddle", ID: "evt_3", OccurredAt: t0, SubscriptionID: "sub_1",
		PeriodStart: &start, PeriodEnd: &end,
	})
	require.NoError(t, err)
	assert.Equal(t, subscription.StatePastDue, tr.From)
	assert.Equal(t, subscription.StatePremium, tr.To)

	got := f.row(t, "user-1")
	assert.Equal(t, start, *got.CurrentPeriodStart)
	assert.Equal(t, end, *got.CurrentPeriodEnd)
}

func TestPaymentFailed(t *testing.T) {
	tests := []struct {
		name       string
		attempt    int
		hard       bool
		wantState  subscription.State
		wantReason string
	}{
		{name: "first attempt", attempt: 1, wantState: subscription.StatePastDue, wantReason: subscription.ReasonPaymentRetryScheduled},
		{name: "attempt number missing", attempt: 0, wantState: subscription.StatePastDue, wantReason: subscription.ReasonPaymentRetryScheduled},
		{name: "attempts exhausted", attempt: 3, wantState: subscription.StateBasic, wantReason: subscription.ReasonPaymentFailed},
		{name: "hard failure", attempt: 1, hard: true, wantState: subscription.StateBasic, wantReason: subscription.ReasonPaymentFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.premiumRow("user-1", "sub_1", "ctm_1")

			tr, err := f.apply(f.reconciler.PaymentFailed, &subscription.Event{
				Provider: "paddle", ID: "evt_4", OccurredAt: t0, SubscriptionID: "sub_1",
				AttemptNumber: tt.attempt, HardFailure: tt.hard,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, tr.To)
			assert.Equal(t, tt.wantReason, tr.Reason)

			sub := f.row(t, "user-1")
			if tt.wantState == subscription.StateBasic {
				assert.Equal(t, "basic", sub.PackageID)
				assert.Empty(t, sub.ProviderSubscriptionID)
				assert.Equal(t, subscription.ReasonPaymentFailed, sub.Metadata[subscription.MetaDowngradeReason])
				assert.Equal(t, "sub_1", sub.CancelledSubscriptionID())
			} else {
				assert.Equal(t, "premium-monthly", sub.PackageID)
			}
		})
	}
}

func TestPaymentFailed_ConfiguredMaxAttempts(t *testing.T) {
	f := newFixture(t)
	r, err := subscription.NewReconciler(subscription.ReconcilerConfig{Resolver: f.resolver, MaxPaymentAttempts: 5, Clock: f.clock})
	require.NoError(t, err)
	f.premiumRow("user-1", "sub_1", "ctm_1")

	tr, err := f.apply(r.PaymentFailed, &subscription.Event{
		Provider: "paddle", ID: "evt_4", OccurredAt: t0, SubscriptionID: "sub_1", AttemptNumber: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, subscription.StatePastDue, tr.To)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	f.premiumRow("user-1", "sub_1", "ctm_1")

	tr, err := f.apply(f.reconciler.Cancel, &subscription.Event{
		Provider: "paddle", ID: "evt_5", OccurredAt: t0, SubscriptionID: "sub_1",
	})
	require.NoError(t, err)
	assert.Equal(t, subscription.StatePremium, tr.From)
	assert.Equal(t, subscription.StateBasic, tr.To)

	sub := f.row(t, "user-1")
	assert.Equal(t, "basic", sub.PackageID)
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.Nil(t, sub.CurrentPeriodEnd)
	assert.Nil(t, sub.ExpiresAt)
	require.NotNil(t, sub.CancelledAt)
	assert.Equal(t, t0, *sub.CancelledAt)
	assert.Equal(t, "sub_1", sub.CancelledSubscriptionID())
	assert.Equal(t, "paddle", sub.Metadata[subscription.MetaCancelledProvider])

	// The tombstone still routes the subscription id to this row.
	f.advance(time.Hour)
	tr, err = f.apply(f.reconciler.Cancel, &subscription.Event{
		Provider: "paddle", ID: "evt_6", OccurredAt: t0.Add(time.Hour), SubscriptionID: "sub_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "user-1", tr.UserID)
	assert.False(t, tr.Changed())
	assert.Equal(t, "basic", f.row(t, "user-1").PackageID)

	// A late activation for the cancelled subscription does not resurrect it.
	tr, err = f.apply(f.reconciler.Activate, &subscription.Event{
		Provider: "paddle", ID: "evt_7", OccurredAt: t0.Add(-time.Hour), SubscriptionID: "sub_1",
		CustomData: subscription.CustomData{UserID: "user-1"}, ProductIDs: []string{"pri_monthly"},
	})
	require.NoError(t, err)
	assert.True(t, tr.Stale)
	assert.Equal(t, "basic", f.row(t, "user-1").PackageID)
}

func TestCancel_OtherSubscriptionIsStale(t *testing.T) {
	f := newFixture(t)
	f.premiumRow("user-1", "sub_new", "ctm_1")

	tr, err := f.apply(f.reconciler.Cancel, &subscription.Event{
		Provider: "paddle", ID: "evt_5", OccurredAt: t0, SubscriptionID: "sub_old", CustomerID: "ctm_1",
	})
	require.NoError(t, err)
	assert.True(t, tr.Stale)

	sub := f.row(t, "user-1")
	assert.Equal(t, "premium-monthly", sub.PackageID)
	assert.Equal(t, "sub_new", sub.ProviderSubscriptionID)
}

func TestDowngrade(t *testing.T) {
	f := newFixture(t)
	f.premiumRow("user-1", "sub_1", "ctm_1")

	tr, err := f.apply(func(ctx context.Context, tx subscription.Tx, _ *subscription.Event) (*subscription.Transition, error) {
		return f.reconciler.Downgrade(ctx, tx, "user-1", subscription.ReasonUserCancelled)
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, subscription.StateBasic, tr.To)
	assert.Equal(t, subscription.ReasonUserCancelled, f.row(t, "user-1").Metadata[subscription.MetaDowngradeReason])

	_, err = f.apply(func(ctx context.Context, tx subscription.Tx, _ *subscription.Event) (*subscription.Transition, error) {
		return f.reconciler.Downgrade(ctx, tx, "ghost", subscription.ReasonUserCancelled)
	}, nil)
	assert.ErrorIs(t, err, subscription.ErrUserNotFound)
}

func TestEnsureBasic(t *testing.T) {
	f := newFixture(t)
	ensure := func(userID string) (*subscription.UserSubscription, bool, error) {
		var sub *subscription.UserSubscription
		var created bool
		err := f.store.RunInTx(context.Background(), func(ctx context.Context, tx subscription.Tx) error {
			var err error
			sub, created, err = f.reconciler.EnsureBasic(ctx, tx, userID)
			return err
		})
		return sub, created, err
	}

	sub, created, err := ensure("user-2")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "basic", sub.PackageID)
	assert.Equal(t, subscription.StatusActive, sub.Status)

	again, created, err := ensure("user-2")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, sub.ID, again.ID)

	_, _, err = ensure("ghost")
	assert.ErrorIs(t, err, subscription.ErrUserNotFound)
}

func TestHandlerFailureRollsBackRow(t *testing.T) {
	f := newFixture(t)
	f.premiumRow("user-1", "sub_1", "ctm_1")
	boom := errors.New("event marker write failed")

	_, err := f.apply(func(ctx context.Context, tx subscription.Tx, ev *subscription.Event) (*subscription.Transition, error) {
		if _, err := f.reconciler.Cancel(ctx, tx, ev); err != nil {
			return nil, err
		}
		return nil, boom
	}, &subscription.Event{Provider: "paddle", ID: "evt_8", OccurredAt: t0, SubscriptionID: "sub_1"})
	assert.ErrorIs(t, err, boom)

	sub := f.row(t, "user-1")
	assert.Equal(t, "premium-monthly", sub.PackageID)
	assert.Equal(t, "sub_1", sub.ProviderSubscriptionID)
}
