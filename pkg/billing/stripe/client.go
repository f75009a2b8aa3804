package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/tickerpilot/subsync/pkg/billing"
	"github.com/tickerpilot/subsync/pkg/subscription"
)

// Client wraps the Stripe API calls the service makes.
type Client struct {
	sc      *stripe.Client
	metrics billing.Metrics
}

// NewClient creates a Client for apiKey.
func NewClient(apiKey string, metrics billing.Metrics) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: stripe API key is required", billing.ErrProviderNotConfigured)
	}
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	return &Client{sc: stripe.NewClient(apiKey), metrics: metrics}, nil
}

// LookupUserByCustomer implements subscription.CustomerLookup using the
// user_id metadata our checkout sets on the customer.
func (c *Client) LookupUserByCustomer(ctx context.Context, customerID string) (string, error) {
	start := time.Now()
	cust, err := c.sc.V1Customers.Retrieve(ctx, customerID, nil)
	c.record("/v1/customers/{id}", start, err)
	if err != nil {
		return "", classify(err)
	}
	return userFromCustomer(cust)
}

// CancelSubscription implements subscription.Canceller. The subscription
// stays active until the end of the paid period.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) error {
	start := time.Now()
	_, err := c.sc.V1Subscriptions.Update(ctx, subscriptionID, &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	})
	c.record("/v1/subscriptions/{id}", start, err)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (c *Client) record(endpoint string, start time.Time, err error) {
	c.metrics.RecordAPICallDuration(ProviderName, endpoint, time.Since(start))
	status := strconv.Itoa(http.StatusOK)
	var stripeErr *stripe.Error
	switch {
	case errors.As(err, &stripeErr):
		status = strconv.Itoa(stripeErr.HTTPStatusCode)
	case err != nil:
		status = "error"
	}
	c.metrics.RecordAPICall(ProviderName, endpoint, status)
}

func userFromCustomer(cust *stripe.Customer) (string, error) {
	if cust == nil || cust.Deleted {
		return "", subscription.ErrUserNotFound
	}
	userID := strings.TrimSpace(cust.Metadata["user_id"])
	if userID == "" {
		return "", fmt.Errorf("%w: stripe customer %s has no user_id", subscription.ErrUserNotFound, cust.ID)
	}
	return userID, nil
}

// classify maps Stripe API errors onto the reconciler's error taxonomy.
func classify(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: %v", subscription.ErrProviderTransient, err)
	}
	switch {
	case stripeErr.HTTPStatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %v", subscription.ErrUserNotFound, err)
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.HTTPStatusCode >= 500:
		return fmt.Errorf("%w: %v", subscription.ErrProviderTransient, err)
	default:
		return fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
}
