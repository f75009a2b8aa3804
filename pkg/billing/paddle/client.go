package paddle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tickerpilot/subsync/pkg/billing"
	"github.com/tickerpilot/subsync/pkg/subscription"
)

// Environment selects the Paddle API host.
type Environment string

const (
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

const (
	sandboxBaseURL     = "https://sandbox-api.paddle.com"
	productionBaseURL  = "https://api.paddle.com"
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 1 << 20
)

// BaseURL returns the API host of e. Anything but production is sandbox.
func (e Environment) BaseURL() string {
	if e == EnvironmentProduction {
		return productionBaseURL
	}
	return sandboxBaseURL
}

// ClientConfig configures a Client.
type ClientConfig struct {
	APIKey      string
	Environment Environment

	// BaseURL overrides the environment host.
	BaseURL string

	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client

	Metrics billing.Metrics
}

// Client calls the Paddle Billing API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	metrics    billing.Metrics
}

// Customer is the part of a Paddle customer we read.
type Customer struct {
	ID         string                 `json:"id"`
	Email      string                 `json:"email"`
	Name       string                 `json:"name"`
	Status     string                 `json:"status"`
	CustomData map[string]interface{} `json:"custom_data"`
}

type apiEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Detail  string `json:"detail"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	apiKey := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(cfg.APIKey), "Bearer "))
	if apiKey == "" {
		return nil, fmt.Errorf("%w: paddle API key is required", billing.ErrProviderNotConfigured)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = cfg.Environment.BaseURL()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	return &Client{apiKey: apiKey, baseURL: baseURL, httpClient: httpClient, metrics: metrics}, nil
}

// GetCustomer returns billing.ErrCustomerNotFound for unknown ids.
func (c *Client) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	var customer Customer
	path := "/customers/" + url.PathEscape(customerID)
	if err := c.do(ctx, http.MethodGet, path, "/customers/{id}", nil, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

// LookupUserByCustomer implements subscription.CustomerLookup using the
// user_id our checkout stores in the customer's custom data.
func (c *Client) LookupUserByCustomer(ctx context.Context, customerID string) (string, error) {
	customer, err := c.GetCustomer(ctx, customerID)
	if errors.Is(err, billing.ErrCustomerNotFound) {
		return "", fmt.Errorf("%w: paddle customer %s", subscription.ErrUserNotFound, customerID)
	}
	if err != nil {
		return "", err
	}
	userID := str(customer.CustomData["user_id"])
	if userID == "" {
		return "", fmt.Errorf("%w: paddle customer %s has no user_id", subscription.ErrUserNotFound, customerID)
	}
	return userID, nil
}

// CancelSubscription implements subscription.Canceller. The subscription
// stays active until the end of the paid period.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) error {
	path := "/subscriptions/" + url.PathEscape(subscriptionID) + "/cancel"
	body := map[string]string{"effective_from": "next_billing_period"}
	return c.do(ctx, http.MethodPost, path, "/subscriptions/{id}/cancel", body, nil)
}

// do performs one API call. Network failures and 5xx/429 responses wrap
// subscription.ErrProviderTransient; other non-2xx responses wrap
// billing.ErrProviderAPIError.
func (c *Client) do(ctx context.Context, method, path, endpoint string, payload, out interface{}) error {
	var body io.Reader = http.NoBody
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode paddle request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	res, err := c.httpClient.Do(req)
	c.metrics.RecordAPICallDuration(ProviderName, endpoint, time.Since(start))
	if err != nil {
		c.metrics.RecordAPICall(ProviderName, endpoint, "error")
		return fmt.Errorf("%w: %s %s: %v", subscription.ErrProviderTransient, method, endpoint, err)
	}
	defer res.Body.Close()
	c.metrics.RecordAPICall(ProviderName, endpoint, strconv.Itoa(res.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", subscription.ErrProviderTransient, err)
	}

	var envelope apiEnvelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &envelope); err != nil && res.StatusCode < 300 {
			return fmt.Errorf("%w: decode response: %v", billing.ErrProviderAPIError, err)
		}
	}

	switch {
	case res.StatusCode == http.StatusNotFound && strings.HasPrefix(endpoint, "/customers/"):
		return fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, path)
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s: status %d", subscription.ErrProviderTransient, method, endpoint, res.StatusCode)
	case res.StatusCode >= 300:
		msg := envelope.Error.Detail
		if msg == "" {
			msg = envelope.Error.Message
		}
		if msg == "" {
			msg = res.Status
		}
		return fmt.Errorf("%w: %s %s: status %d: %s", billing.ErrProviderAPIError, method, endpoint, res.StatusCode, msg)
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := decode(envelope.Data, out); err != nil {
			return fmt.Errorf("%w: decode data: %v", billing.ErrProviderAPIError, err)
		}
	}
	return nil
}
