package paddle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickerpilot/subsync/pkg/billing"
	"github.com/tickerpilot/subsync/pkg/subscription"
)

type recordingMetrics struct {
	billing.NoopMetrics
	calls []string
}

func (m *recordingMetrics) RecordAPICall(_, endpoint, status string) {
	m.calls = append(m.calls, endpoint+" "+status)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *recordingMetrics) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	metrics := &recordingMetrics{}
	client, err := NewClient(ClientConfig{
		APIKey:  "pdl_sdbx_apikey_test",
		BaseURL: server.URL,
		Metrics: metrics,
	})
	require.NoError(t, err)
	return client, metrics
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	c, err := NewClient(ClientConfig{APIKey: "Bearer key", Environment: EnvironmentProduction})
	require.NoError(t, err)
	assert.Equal(t, "https://api.paddle.com", c.baseURL)
	assert.Equal(t, "key", c.apiKey)

	c, err = NewClient(ClientConfig{APIKey: "key"})
	require.NoError(t, err)
	assert.Equal(t, "https://sandbox-api.paddle.com", c.baseURL)
}

func TestClient_LookupUserByCustomer(t *testing.T) {
	client, metrics := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer pdl_sdbx_apikey_test", r.Header.Get("Authorization"))

		switch r.URL.Path {
		case "/customers/ctm_01":
			_, _ = w.Write([]byte(`{"data":{"id":"ctm_01","email":"jo@example.com","custom_data":{"user_id":"user-1"}}}`))
		case "/customers/ctm_anon":
			_, _ = w.Write([]byte(`{"data":{"id":"ctm_anon","custom_data":null}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"entity_not_found","detail":"customer not found"}}`))
		}
	})
	ctx := context.Background()

	userID, err := client.LookupUserByCustomer(ctx, "ctm_01")
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)

	_, err = client.LookupUserByCustomer(ctx, "ctm_anon")
	assert.ErrorIs(t, err, subscription.ErrUserNotFound)

	_, err = client.LookupUserByCustomer(ctx, "ctm_missing")
	assert.ErrorIs(t, err, subscription.ErrUserNotFound)

	assert.Equal(t, []string{"/customers/{id} 200", "/customers/{id} 200", "/customers/{id} 404"}, metrics.calls)
}

func TestClient_CancelSubscription(t *testing.T) {
	var body map[string]string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/subscriptions/sub_01/cancel", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"data":{"id":"sub_01","status":"active","scheduled_change":{"action":"cancel"}}}`))
	})

	require.NoError(t, client.CancelSubscription(context.Background(), "sub_01"))
	assert.Equal(t, "next_billing_period", body["effective_from"])
}

func TestClient_ErrorClassification(t *testing.T) {
	status := http.StatusInternalServerError
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"code":"bad_request","detail":"subscription is already canceled"}}`))
	})
	ctx := context.Background()

	err := client.CancelSubscription(ctx, "sub_01")
	assert.ErrorIs(t, err, subscription.ErrProviderTransient)

	status = http.StatusTooManyRequests
	err = client.CancelSubscription(ctx, "sub_01")
	assert.ErrorIs(t, err, subscription.ErrProviderTransient)

	status = http.StatusBadRequest
	err = client.CancelSubscription(ctx, "sub_01")
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)
	assert.Contains(t, err.Error(), "already canceled")

	status = http.StatusNotFound
	err = client.CancelSubscription(ctx, "sub_01")
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)
}

func TestClient_NetworkFailureIsTransient(t *testing.T) {
	client, err := NewClient(ClientConfig{
		APIKey:     "key",
		BaseURL:    "http://127.0.0.1:1",
		HTTPClient: &http.Client{Timeout: time.Second},
	})
	require.NoError(t, err)

	_, err = client.GetCustomer(context.Background(), "ctm_01")
	assert.ErrorIs(t, err, subscription.ErrProviderTransient)
}
