package paddle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tickerpilot/subsync/pkg/subscription"
)

// Billing API event types.
const (
	EventTransactionCompleted     = "transaction.completed"
	EventTransactionPaymentFailed = "transaction.payment_failed"
	EventSubscriptionCreated      = "subscription.created"
	EventSubscriptionActivated    = "subscription.activated"
	EventSubscriptionUpdated      = "subscription.updated"
	EventSubscriptionPastDue      = "subscription.past_due"
	EventSubscriptionPaused       = "subscription.paused"
	EventSubscriptionResumed      = "subscription.resumed"
	EventSubscriptionCanceled     = "subscription.canceled"
	EventSubscriptionCancelled    = "subscription.cancelled"
)

// Classic API alert names.
const (
	AlertSubscriptionCreated          = "subscription_created"
	AlertSubscriptionUpdated          = "subscription_updated"
	AlertSubscriptionCancelled        = "subscription_cancelled"
	AlertSubscriptionPaymentSucceeded = "subscription_payment_succeeded"
	AlertSubscriptionPaymentFailed    = "subscription_payment_failed"
)

const (
	classicDateLayout     = "2006-01-02"
	classicDateTimeLayout = "2006-01-02 15:04:05"
)

type notification struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt string          `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`

	AlertName string `json:"alert_name"`
}

type billingPeriod struct {
	StartsAt string `json:"starts_at"`
	EndsAt   string `json:"ends_at"`
}

type billingItem struct {
	PriceID string `json:"price_id"`
	Price   struct {
		ID        string `json:"id"`
		ProductID string `json:"product_id"`
	} `json:"price"`
	Product struct {
		ID string `json:"id"`
	} `json:"product"`
}

// billingEntity covers the subscription and transaction fields we read.
type billingEntity struct {
	ID                   string                 `json:"id"`
	Status               string                 `json:"status"`
	CustomerID           string                 `json:"customer_id"`
	SubscriptionID       string                 `json:"subscription_id"`
	CustomData           map[string]interface{} `json:"custom_data"`
	Items                []billingItem          `json:"items"`
	CurrentBillingPeriod *billingPeriod         `json:"current_billing_period"`
	BillingPeriod        *billingPeriod         `json:"billing_period"`
	AttemptNumber        json.Number            `json:"attempt_number"`
	HardFailure          bool                   `json:"hard_failure"`
}

// ParseEvent adapts a Billing API or Classic API notification into a
// subscription.Event. Errors wrap subscription.ErrMalformedPayload.
func ParseEvent(payload []byte) (*subscription.Event, error) {
	var n notification
	if err := decode(payload, &n); err != nil {
		return nil, malformed("invalid JSON: %v", err)
	}
	switch {
	case n.EventType != "":
		return parseBilling(&n)
	case n.AlertName != "":
		return parseClassic(payload)
	default:
		return nil, malformed("neither event_type nor alert_name present")
	}
}

func parseBilling(n *notification) (*subscription.Event, error) {
	if len(n.Data) == 0 || bytes.Equal(n.Data, []byte("null")) {
		return nil, malformed("event %s has no data", n.EventID)
	}
	var entity billingEntity
	if err := decode(n.Data, &entity); err != nil {
		return nil, malformed("event %s data: %v", n.EventID, err)
	}
	var raw map[string]interface{}
	if err := decode(n.Data, &raw); err != nil {
		return nil, malformed("event %s data: %v", n.EventID, err)
	}

	ev := &subscription.Event{
		Provider:   ProviderName,
		ID:         n.EventID,
		Type:       n.EventType,
		CustomerID: entity.CustomerID,
		CustomData: customData(entity.CustomData),
		Data:       raw,
	}
	if n.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339Nano, n.OccurredAt)
		if err != nil {
			return nil, malformed("event %s occurred_at: %v", n.EventID, err)
		}
		ev.OccurredAt = t.UTC()
	}

	if strings.HasPrefix(n.EventType, "subscription.") {
		ev.SubscriptionID = entity.ID
		ev.Status = subscription.NormalizeStatus(entity.Status)
	} else {
		ev.SubscriptionID = entity.SubscriptionID
		ev.TransactionID = entity.ID
	}

	for _, item := range entity.Items {
		ev.ProductIDs = appendUnique(ev.ProductIDs, item.Price.ID, item.PriceID)
	}
	for _, item := range entity.Items {
		ev.ProductIDs = appendUnique(ev.ProductIDs, item.Price.ProductID, item.Product.ID)
	}

	period := entity.CurrentBillingPeriod
	if period == nil {
		period = entity.BillingPeriod
	}
	if period != nil {
		var err error
		if ev.PeriodStart, err = parseTime(time.RFC3339Nano, period.StartsAt); err != nil {
			return nil, malformed("event %s period start: %v", n.EventID, err)
		}
		if ev.PeriodEnd, err = parseTime(time.RFC3339Nano, period.EndsAt); err != nil {
			return nil, malformed("event %s period end: %v", n.EventID, err)
		}
	}

	if entity.AttemptNumber != "" {
		attempt, err := entity.AttemptNumber.Int64()
		if err != nil {
			return nil, malformed("event %s attempt_number: %v", n.EventID, err)
		}
		ev.AttemptNumber = int(attempt)
	}
	ev.HardFailure = entity.HardFailure
	return ev, nil
}

// parseClassic reads the flat alert shape. Classic alerts send every value
// as a string, so fields are read loosely.
func parseClassic(payload []byte) (*subscription.Event, error) {
	var raw map[string]interface{}
	if err := decode(payload, &raw); err != nil {
		return nil, malformed("invalid JSON: %v", err)
	}
	alertID := str(raw["alert_id"])

	ev := &subscription.Event{
		Provider:       ProviderName,
		ID:             alertID,
		Type:           str(raw["alert_name"]),
		SubscriptionID: str(raw["subscription_id"]),
		CustomerID:     str(raw["user_id"]),
		TransactionID:  str(raw["order_id"]),
		Status:         subscription.NormalizeStatus(str(raw["status"])),
		Data:           raw,
	}
	ev.ProductIDs = appendUnique(nil, str(raw["subscription_plan_id"]))

	if passthrough := str(raw["passthrough"]); passthrough != "" {
		var custom map[string]interface{}
		if err := decode([]byte(passthrough), &custom); err == nil {
			ev.CustomData = customData(custom)
		}
	}

	occurred, err := parseTime(classicDateTimeLayout, str(raw["event_time"]))
	if err != nil {
		return nil, malformed("alert %s event_time: %v", alertID, err)
	}
	if occurred != nil {
		ev.OccurredAt = *occurred
	}
	if ev.PeriodEnd, err = parseTime(classicDateLayout, str(raw["next_bill_date"])); err != nil {
		return nil, malformed("alert %s next_bill_date: %v", alertID, err)
	}

	if attempt := str(raw["attempt_number"]); attempt != "" {
		n, err := strconv.Atoi(attempt)
		if err != nil {
			return nil, malformed("alert %s attempt_number: %v", alertID, err)
		}
		ev.AttemptNumber = n
	}
	ev.HardFailure, _ = strconv.ParseBool(str(raw["hard_failure"]))
	return ev, nil
}

func decode(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func customData(m map[string]interface{}) subscription.CustomData {
	return subscription.CustomData{
		UserID:    str(m["user_id"]),
		PackageID: str(m["package_id"]),
	}
}

// str renders scalar JSON values as strings. Checkout may send ids as numbers.
func str(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func parseTime(layout, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(layout, value)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if v == "" {
			continue
		}
		seen := false
		for _, existing := range dst {
			if existing == v {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, v)
		}
	}
	return dst
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", subscription.ErrMalformedPayload, fmt.Sprintf(format, args...))
}
