// Package subscription keeps one subscription row per user consistent with the
// events a payment provider sends about it.
//
// The package owns the entitlement model (Package, UserSubscription), the
// normalized provider Event, the Resolver that maps provider products onto
// packages and the Reconciler state machine that applies events to the row.
package subscription

import (
	"strings"
	"time"
)

// Status is the persisted status of a subscription row.
type Status string

const (
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
	// StatusReplaced only appears on rows imported from legacy data. The
	// reconciler mutates the single row in place and never writes it.
	StatusReplaced Status = "replaced"
)

// BillingCycle is the renewal interval of a package.
type BillingCycle string

const (
	BillingMonthly BillingCycle = "monthly"
	BillingYearly  BillingCycle = "yearly"
)

// AddPeriod advances t by one billing cycle. Unknown cycles are treated as monthly.
func (c BillingCycle) AddPeriod(t time.Time) time.Time {
	if c == BillingYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// State is the entitlement state derived from a subscription row and its package.
type State string

const (
	StateNone        State = "none"
	StateBasic       State = "active(basic)"
	StatePremium     State = "active(premium)"
	StatePastDue     State = "past_due"
	StateCancelled   State = "cancelled"
	StateUnsupported State = "unknown"
)

// Resource names a package limit.
type Resource string

const (
	ResourceWatchlists         Resource = "watchlists"
	ResourceStocksPerWatchlist Resource = "stocks_per_watchlist"
	ResourceChartLayouts       Resource = "chart_layouts"
)

const (
	defaultMaxWatchlists         = 1
	defaultMaxStocksPerWatchlist = 10
	defaultMaxChartLayouts       = 5
)

// Limits are the per-package quotas enforced by the application.
type Limits struct {
	MaxWatchlists         int `json:"max_watchlists"`
	MaxStocksPerWatchlist int `json:"max_stocks_per_watchlist"`
	MaxChartLayouts       int `json:"max_chart_layouts"`
}

// DefaultLimits are the Basic package limits used when a package leaves them unset.
func DefaultLimits() Limits {
	return Limits{
		MaxWatchlists:         defaultMaxWatchlists,
		MaxStocksPerWatchlist: defaultMaxStocksPerWatchlist,
		MaxChartLayouts:       defaultMaxChartLayouts,
	}
}

// For returns the limit for resource, or -1 when the resource is unknown.
func (l Limits) For(resource Resource) int {
	switch resource {
	case ResourceWatchlists:
		return l.MaxWatchlists
	case ResourceStocksPerWatchlist:
		return l.MaxStocksPerWatchlist
	case ResourceChartLayouts:
		return l.MaxChartLayouts
	default:
		return -1
	}
}

// Package is a plan definition. It is read-only from this package's point of view.
type Package struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Premium      bool         `json:"is_premium"`
	Price        int64        `json:"price"` // minor currency units
	Currency     string       `json:"currency"`
	BillingCycle BillingCycle `json:"billing_cycle"`
	// ProviderProductID is the provider price or product identifier sold at checkout.
	ProviderProductID string `json:"provider_product_id,omitempty"`
	Active            bool   `json:"is_active"`
	Limits            Limits `json:"limits"`
}

// IsBasic reports whether p is the free fallback package.
func (p *Package) IsBasic() bool {
	return p != nil && !p.Premium && p.Price == 0
}

// IsFree reports whether p costs nothing.
func (p *Package) IsFree() bool {
	return p != nil && p.Price == 0
}

// UserSubscription is the single subscription row a user owns.
// Empty provider identifiers mean NULL.
type UserSubscription struct {
	ID                     string
	UserID                 string
	PackageID              string
	Status                 Status
	StartsAt               time.Time
	ExpiresAt              *time.Time // nil never expires
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	Provider               string
	ProviderSubscriptionID string
	ProviderCustomerID     string
	CancelledAt            *time.Time
	Metadata               map[string]interface{}
	ProviderData           map[string]interface{}
	// LastEventAt is the occurrence time of the newest provider event applied to the row.
	LastEventAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Metadata keys written by the reconciler.
const (
	MetaDowngradeReason          = "downgrade_reason"
	MetaCancelledSubscriptionID  = "cancelled_provider_subscription_id"
	MetaCancelledProvider        = "cancelled_provider"
	ReasonSubscriptionCancelled  = "subscription_cancelled"
	ReasonPaymentFailed          = "payment_failed"
	ReasonUserCancelled          = "user_cancelled"
	ReasonSubscriptionActivated  = "subscription_activated"
	ReasonSubscriptionUpdated    = "subscription_updated"
	ReasonSubscriptionRenewed    = "subscription_renewed"
	ReasonPaymentRetryScheduled  = "payment_retry_scheduled"
	ReasonSubscriptionRegistered = "registered"
)

// Clone returns a deep copy of s.
func (s *UserSubscription) Clone() *UserSubscription {
	if s == nil {
		return nil
	}
	c := *s
	c.ExpiresAt = cloneTime(s.ExpiresAt)
	c.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	c.CancelledAt = cloneTime(s.CancelledAt)
	c.LastEventAt = cloneTime(s.LastEventAt)
	c.Metadata = cloneMap(s.Metadata)
	c.ProviderData = cloneMap(s.ProviderData)
	return &c
}

// CancelledSubscriptionID returns the provider subscription id that was last
// cancelled on this row, if any.
func (s *UserSubscription) CancelledSubscriptionID() string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	id, _ := s.Metadata[MetaCancelledSubscriptionID].(string)
	return id
}

// IsExpired reports whether the paid period of s has ended at now.
// Basic packages never expire.
func (s *UserSubscription) IsExpired(pkg *Package, now time.Time) bool {
	if pkg.IsBasic() {
		return false
	}
	if s.CurrentPeriodEnd != nil {
		return now.After(*s.CurrentPeriodEnd)
	}
	if s.ExpiresAt != nil {
		return now.After(*s.ExpiresAt)
	}
	return false
}

// IsActive reports whether s currently grants its package.
func (s *UserSubscription) IsActive(pkg *Package, now time.Time) bool {
	return s.Status == StatusActive && !s.IsExpired(pkg, now)
}

// IsPremium reports whether s currently grants a premium package.
func (s *UserSubscription) IsPremium(pkg *Package, now time.Time) bool {
	return pkg != nil && pkg.Premium && s.IsActive(pkg, now)
}

// StateOf derives the entitlement state of s given its package.
func StateOf(s *UserSubscription, pkg *Package) State {
	if s == nil {
		return StateNone
	}
	switch s.Status {
	case StatusActive:
		if pkg.IsBasic() {
			return StateBasic
		}
		return StatePremium
	case StatusPastDue:
		return StatePastDue
	case StatusCancelled, StatusReplaced:
		return StateCancelled
	default:
		return StateUnsupported
	}
}

// CustomData is the pass-through correlation our checkout attaches to a purchase.
type CustomData struct {
	UserID    string
	PackageID string
}

// IsZero reports whether no correlation was carried.
func (c CustomData) IsZero() bool {
	return c.UserID == "" && c.PackageID == ""
}

// Event is a provider webhook normalized into the fields the reconciler uses.
// Provider adapters fill it; the reconciler never sees provider field names.
type Event struct {
	Provider       string
	ID             string // provider event id
	Type           string // provider event type tag, used for routing
	OccurredAt     time.Time
	SubscriptionID string
	CustomerID     string
	TransactionID  string
	// Status is the provider subscription status mapped onto Status.
	// Empty when the payload carries none.
	Status Status
	// ProductIDs are candidate provider price/product ids, most specific first.
	ProductIDs    []string
	CustomData    CustomData
	PeriodStart   *time.Time
	PeriodEnd     *time.Time
	AttemptNumber int
	HardFailure   bool
	// Data is the provider entity payload, merged into the row's provider data.
	Data map[string]interface{}
}

// HasCorrelation reports whether e carries any identifier that can match a user.
func (e *Event) HasCorrelation() bool {
	return e.SubscriptionID != "" || e.CustomerID != "" || e.CustomData.UserID != ""
}

// Transition describes what a handler did to a subscription row.
type Transition struct {
	UserID         string
	SubscriptionID string
	From           State
	To             State
	FromPackageID  string
	ToPackageID    string
	Reason         string
	// Stale is set when the event was older than the row state and nothing changed.
	Stale bool
}

// Changed reports whether the entitlement state or package moved.
func (t *Transition) Changed() bool {
	return t != nil && !t.Stale && (t.From != t.To || t.FromPackageID != t.ToPackageID)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergeMap(dst, src map[string]interface{}) map[string]interface{} {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// NormalizeStatus maps a provider subscription status onto Status.
// Unknown values return an empty Status.
func NormalizeStatus(providerStatus string) Status {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "active", "trialing":
		return StatusActive
	case "past_due", "paused", "unpaid":
		return StatusPastDue
	case "canceled", "cancelled", "deleted", "incomplete_expired":
		return StatusCancelled
	default:
		return ""
	}
}
