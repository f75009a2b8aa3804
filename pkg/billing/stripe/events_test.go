package stripe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickerpilot/subsync/pkg/subscription"
)

func TestParseEvent_SubscriptionCreated(t *testing.T) {
	payload := []byte(`{
		"id": "evt_1PqX",
		"object": "event",
		"type": "customer.subscription.created",
		"created": 1717243200,
		"data": {"object": {
			"id": "sub_1PqX",
			"object": "subscription",
			"customer": "cus_Q1",
			"status": "active",
			"metadata": {"user_id": "user-1", "package_id": "premium-monthly"},
			"items": {"object": "list", "data": [{
				"id": "si_1",
				"price": {"id": "price_monthly", "product": "prod_premium"},
				"current_period_start": 1717243200,
				"current_period_end": 1719835200
			}]}
		}}
	}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)

	assert.Equal(t, ProviderName, ev.Provider)
	assert.Equal(t, "evt_1PqX", ev.ID)
	assert.Equal(t, EventSubscriptionCreated, ev.Type)
	assert.Equal(t, time.Unix(1717243200, 0).UTC(), ev.OccurredAt)
	assert.Equal(t, "sub_1PqX", ev.SubscriptionID)
	assert.Equal(t, "cus_Q1", ev.CustomerID)
	assert.Equal(t, subscription.StatusActive, ev.Status)
	assert.Equal(t, subscription.CustomData{UserID: "user-1", PackageID: "premium-monthly"}, ev.CustomData)
	assert.Equal(t, []string{"price_monthly", "prod_premium"}, ev.ProductIDs)
	require.NotNil(t, ev.PeriodStart)
	require.NotNil(t, ev.PeriodEnd)
	assert.Equal(t, time.Unix(1719835200, 0).UTC(), *ev.PeriodEnd)
	assert.Equal(t, "sub_1PqX", ev.Data["id"])
}

func TestParseEvent_InvoicePaymentFailed(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		wantSubID   string
		wantAttempt int
		wantHard    bool
	}{
		{
			name: "retry scheduled, legacy subscription field",
			payload: `{"id": "evt_2", "type": "invoice.payment_failed", "created": 1717300000, "data": {"object": {
				"id": "in_1", "object": "invoice", "customer": "cus_Q1", "subscription": "sub_1PqX",
				"attempt_count": 1, "next_payment_attempt": 1717500000,
				"lines": {"data": [{"period": {"start": 1717243200, "end": 1719835200}, "price": {"id": "price_monthly"}}]}
			}}}`,
			wantSubID:   "sub_1PqX",
			wantAttempt: 1,
		},
		{
			name: "retries exhausted, parent subscription details",
			payload: `{"id": "evt_3", "type": "invoice.payment_failed", "created": 1717900000, "data": {"object": {
				"id": "in_1", "object": "invoice", "customer": "cus_Q1",
				"parent": {"type": "subscription_details", "subscription_details": {
					"subscription": "sub_1PqX", "metadata": {"user_id": "user-1"}}},
				"attempt_count": 4, "next_payment_attempt": null
			}}}`,
			wantSubID:   "sub_1PqX",
			wantAttempt: 4,
			wantHard:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.wantSubID, ev.SubscriptionID)
			assert.Equal(t, "in_1", ev.TransactionID)
			assert.Equal(t, "cus_Q1", ev.CustomerID)
			assert.Equal(t, tt.wantAttempt, ev.AttemptNumber)
			assert.Equal(t, tt.wantHard, ev.HardFailure)
		})
	}
}

func TestParseEvent_InvoicePaidIsNeverHardFailure(t *testing.T) {
	payload := `{"id": "evt_4", "type": "invoice.paid", "created": 1719835300, "data": {"object": {
		"id": "in_2", "object": "invoice", "customer": "cus_Q1", "subscription": {"id": "sub_1PqX"},
		"attempt_count": 1, "next_payment_attempt": null,
		"lines": {"data": [{"period": {"start": 1719835200, "end": 1722513600},
			"pricing": {"price_details": {"price": "price_monthly"}}}]}
	}}}`

	ev, err := ParseEvent([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "sub_1PqX", ev.SubscriptionID, "expanded subscription object")
	assert.False(t, ev.HardFailure)
	assert.Equal(t, []string{"price_monthly"}, ev.ProductIDs)
	require.NotNil(t, ev.PeriodEnd)
	assert.Equal(t, time.Unix(1722513600, 0).UTC(), *ev.PeriodEnd)
}

func TestParseEvent_Malformed(t *testing.T) {
	for name, payload := range map[string]string{
		"not json": `{"id": "evt_1", `,
		"no type":  `{"id": "evt_1", "data": {"object": {}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEvent([]byte(payload))
			assert.ErrorIs(t, err, subscription.ErrMalformedPayload)
		})
	}
}
