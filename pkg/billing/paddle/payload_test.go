package paddle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickerpilot/subsync/pkg/subscription"
)

func TestParseEvent_TransactionCompleted(t *testing.T) {
	payload := []byte(`{
		"event_id": "evt_01hv8x4",
		"event_type": "transaction.completed",
		"occurred_at": "2024-06-10T08:15:30.123456Z",
		"notification_id": "ntf_01",
		"data": {
			"id": "txn_01",
			"status": "completed",
			"customer_id": "ctm_01",
			"subscription_id": "sub_01",
			"custom_data": {"user_id": 42, "package_id": "premium-monthly"},
			"items": [{"price": {"id": "pri_monthly", "product_id": "pro_premium"}, "quantity": 1}],
			"billing_period": {"starts_at": "2024-06-10T08:15:00Z", "ends_at": "2024-07-10T08:15:00Z"}
		}
	}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)

	assert.Equal(t, ProviderName, ev.Provider)
	assert.Equal(t, "evt_01hv8x4", ev.ID)
	assert.Equal(t, EventTransactionCompleted, ev.Type)
	assert.Equal(t, time.Date(2024, 6, 10, 8, 15, 30, 123456000, time.UTC), ev.OccurredAt)
	assert.Equal(t, "sub_01", ev.SubscriptionID)
	assert.Equal(t, "txn_01", ev.TransactionID)
	assert.Equal(t, "ctm_01", ev.CustomerID)
	assert.Equal(t, subscription.CustomData{UserID: "42", PackageID: "premium-monthly"}, ev.CustomData)
	assert.Equal(t, []string{"pri_monthly", "pro_premium"}, ev.ProductIDs)
	assert.Empty(t, ev.Status, "transaction status is not a subscription status")
	require.NotNil(t, ev.PeriodStart)
	require.NotNil(t, ev.PeriodEnd)
	assert.Equal(t, time.Date(2024, 7, 10, 8, 15, 0, 0, time.UTC), *ev.PeriodEnd)
	assert.Equal(t, "txn_01", ev.Data["id"])
}

func TestParseEvent_SubscriptionEventUsesEntityID(t *testing.T) {
	payload := []byte(`{
		"event_id": "evt_02",
		"event_type": "subscription.updated",
		"occurred_at": "2024-06-11T00:00:00Z",
		"data": {
			"id": "sub_01",
			"status": "past_due",
			"customer_id": "ctm_01",
			"items": [{"price": {"id": "pri_yearly", "product_id": "pro_premium"}}],
			"current_billing_period": {"starts_at": "2024-06-11T00:00:00Z", "ends_at": "2025-06-11T00:00:00Z"}
		}
	}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)

	assert.Equal(t, "sub_01", ev.SubscriptionID)
	assert.Empty(t, ev.TransactionID)
	assert.Equal(t, subscription.StatusPastDue, ev.Status)
	assert.Equal(t, []string{"pri_yearly", "pro_premium"}, ev.ProductIDs)
	assert.True(t, ev.CustomData.IsZero())
	require.NotNil(t, ev.PeriodEnd)
	assert.Equal(t, 2025, ev.PeriodEnd.Year())
}

func TestParseEvent_PaymentFailedAttempts(t *testing.T) {
	payload := []byte(`{
		"event_id": "evt_03",
		"event_type": "transaction.payment_failed",
		"occurred_at": "2024-06-12T00:00:00Z",
		"data": {"id": "txn_02", "subscription_id": "sub_01", "attempt_number": 2, "hard_failure": true}
	}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, 2, ev.AttemptNumber)
	assert.True(t, ev.HardFailure)
	assert.Nil(t, ev.PeriodStart)
}

func TestParseEvent_ClassicAlert(t *testing.T) {
	payload := []byte(`{
		"alert_id": "1977425370",
		"alert_name": "subscription_payment_failed",
		"subscription_id": "8123451",
		"user_id": "991234",
		"status": "past_due",
		"subscription_plan_id": "77812",
		"passthrough": "{\"user_id\":\"user-1\",\"package_id\":\"premium-monthly\"}",
		"next_bill_date": "2024-07-01",
		"event_time": "2024-06-24 10:11:12",
		"attempt_number": "2",
		"hard_failure": "false"
	}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)

	assert.Equal(t, "1977425370", ev.ID)
	assert.Equal(t, AlertSubscriptionPaymentFailed, ev.Type)
	assert.Equal(t, "8123451", ev.SubscriptionID)
	assert.Equal(t, "991234", ev.CustomerID)
	assert.Equal(t, subscription.StatusPastDue, ev.Status)
	assert.Equal(t, []string{"77812"}, ev.ProductIDs)
	assert.Equal(t, subscription.CustomData{UserID: "user-1", PackageID: "premium-monthly"}, ev.CustomData)
	assert.Equal(t, time.Date(2024, 6, 24, 10, 11, 12, 0, time.UTC), ev.OccurredAt)
	require.NotNil(t, ev.PeriodEnd)
	assert.Equal(t, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), *ev.PeriodEnd)
	assert.Equal(t, 2, ev.AttemptNumber)
	assert.False(t, ev.HardFailure)
}

func TestParseEvent_ClassicAlertWithBadPassthrough(t *testing.T) {
	payload := []byte(`{"alert_id": "1", "alert_name": "subscription_cancelled", "subscription_id": "81", "passthrough": "not json"}`)

	ev, err := ParseEvent(payload)
	require.NoError(t, err)
	assert.True(t, ev.CustomData.IsZero())
	assert.Equal(t, "81", ev.SubscriptionID)
}

func TestParseEvent_Malformed(t *testing.T) {
	tests := map[string]string{
		"not json":             `{"event_id":`,
		"no type":              `{"event_id":"evt_1","data":{}}`,
		"no data":              `{"event_id":"evt_1","event_type":"subscription.updated"}`,
		"null data":            `{"event_id":"evt_1","event_type":"subscription.updated","data":null}`,
		"bad occurred_at":      `{"event_id":"evt_1","event_type":"subscription.updated","occurred_at":"yesterday","data":{"id":"sub_1"}}`,
		"bad period":           `{"event_id":"evt_1","event_type":"subscription.updated","data":{"id":"sub_1","current_billing_period":{"starts_at":"soon"}}}`,
		"bad classic date":     `{"alert_id":"1","alert_name":"subscription_updated","next_bill_date":"07/01/2024"}`,
		"bad classic attempts": `{"alert_id":"1","alert_name":"subscription_payment_failed","attempt_number":"two"}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEvent([]byte(payload))
			assert.ErrorIs(t, err, subscription.ErrMalformedPayload)
		})
	}
}
