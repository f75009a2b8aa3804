package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/tickerpilot/subsync/pkg/subscription"
)

// Routed Stripe event types.
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionPaused  = "customer.subscription.paused"
	EventSubscriptionResumed = "customer.subscription.resumed"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventInvoicePaid         = "invoice.paid"
	EventInvoicePaymentOK    = "invoice.payment_succeeded"
	EventInvoicePaymentFail  = "invoice.payment_failed"
)

// invoiceLinks holds the invoice fields whose location moved between API
// versions: the subscription id and its metadata.
type invoiceLinks struct {
	Subscription json.RawMessage `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription json.RawMessage  `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
			Price *struct {
				ID string `json:"id"`
			} `json:"price"`
			Pricing struct {
				PriceDetails struct {
					Price string `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
		} `json:"data"`
	} `json:"lines"`
	NextPaymentAttempt *int64 `json:"next_payment_attempt"`
}

// subscriptionPeriods reads the period bounds that newer API versions only
// carry on subscription items.
type subscriptionPeriods struct {
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// ParseEvent adapts a Stripe event into a subscription.Event. Errors wrap
// subscription.ErrMalformedPayload.
func ParseEvent(payload []byte) (*subscription.Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, malformed("invalid JSON: %v", err)
	}
	if event.Type == "" {
		return nil, malformed("event %s has no type", event.ID)
	}

	ev := &subscription.Event{
		Provider: ProviderName,
		ID:       event.ID,
		Type:     string(event.Type),
	}
	if event.Created > 0 {
		ev.OccurredAt = time.Unix(event.Created, 0).UTC()
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return ev, nil
	}
	raw := event.Data.Raw

	var data map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return nil, malformed("event %s object: %v", event.ID, err)
	}
	ev.Data = data

	switch {
	case strings.HasPrefix(ev.Type, "customer.subscription."):
		return ev, fillFromSubscription(ev, raw)
	case strings.HasPrefix(ev.Type, "invoice."):
		return ev, fillFromInvoice(ev, raw)
	default:
		return ev, nil
	}
}

func fillFromSubscription(ev *subscription.Event, raw json.RawMessage) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return malformed("event %s subscription: %v", ev.ID, err)
	}
	var periods subscriptionPeriods
	if err := json.Unmarshal(raw, &periods); err != nil {
		return malformed("event %s subscription periods: %v", ev.ID, err)
	}

	ev.SubscriptionID = sub.ID
	if sub.Customer != nil {
		ev.CustomerID = sub.Customer.ID
	}
	ev.Status = subscription.NormalizeStatus(string(sub.Status))
	ev.CustomData = subscription.CustomData{
		UserID:    sub.Metadata["user_id"],
		PackageID: sub.Metadata["package_id"],
	}

	if sub.Items != nil {
		// Prices first, then products.
		var products []string
		for _, item := range sub.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			ev.ProductIDs = appendUnique(ev.ProductIDs, item.Price.ID)
			if item.Price.Product != nil {
				products = append(products, item.Price.Product.ID)
			}
		}
		ev.ProductIDs = appendUnique(ev.ProductIDs, products...)
	}

	start, end := periods.CurrentPeriodStart, periods.CurrentPeriodEnd
	if len(periods.Items.Data) > 0 {
		if start == 0 {
			start = periods.Items.Data[0].CurrentPeriodStart
		}
		if end == 0 {
			end = periods.Items.Data[0].CurrentPeriodEnd
		}
	}
	ev.PeriodStart = unixTime(start)
	ev.PeriodEnd = unixTime(end)
	return nil
}

func fillFromInvoice(ev *subscription.Event, raw json.RawMessage) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return malformed("event %s invoice: %v", ev.ID, err)
	}
	var links invoiceLinks
	if err := json.Unmarshal(raw, &links); err != nil {
		return malformed("event %s invoice links: %v", ev.ID, err)
	}

	ev.TransactionID = inv.ID
	if inv.Customer != nil {
		ev.CustomerID = inv.Customer.ID
	}
	ev.SubscriptionID = expandableID(links.Subscription)
	if ev.SubscriptionID == "" {
		ev.SubscriptionID = expandableID(links.Parent.SubscriptionDetails.Subscription)
	}
	if md := links.Parent.SubscriptionDetails.Metadata; md != nil {
		ev.CustomData = subscription.CustomData{UserID: md["user_id"], PackageID: md["package_id"]}
	}

	for _, line := range links.Lines.Data {
		if line.Price != nil {
			ev.ProductIDs = appendUnique(ev.ProductIDs, line.Price.ID)
		}
		ev.ProductIDs = appendUnique(ev.ProductIDs, line.Pricing.PriceDetails.Price)
	}
	if len(links.Lines.Data) > 0 {
		ev.PeriodStart = unixTime(links.Lines.Data[0].Period.Start)
		ev.PeriodEnd = unixTime(links.Lines.Data[0].Period.End)
	}

	ev.AttemptNumber = int(inv.AttemptCount)
	// Stripe clears next_payment_attempt once it stops retrying.
	ev.HardFailure = ev.Type == EventInvoicePaymentFail &&
		(links.NextPaymentAttempt == nil || *links.NextPaymentAttempt == 0)
	return nil
}

// expandableID reads a field that is either an id string or an expanded object.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if v == "" {
			continue
		}
		dup := false
		for _, existing := range dst {
			if existing == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", subscription.ErrMalformedPayload, fmt.Sprintf(format, args...))
}
