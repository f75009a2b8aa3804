package api

import (
	"time"

	"github.com/tickerpilot/subsync/pkg/subscription"
)

// StatusResponse is the user's current subscription standing
type StatusResponse struct {
	UserID      string              `json:"user_id"`
	State       subscription.State  `json:"state"`
	Status      subscription.Status `json:"status"`
	IsPremium   bool                `json:"is_premium"`
	IsActive    bool                `json:"is_active"`
	Package     *PackageResponse    `json:"package,omitempty"`
	Limits      subscription.Limits `json:"limits"`
	StartsAt    *time.Time          `json:"starts_at,omitempty"`
	ExpiresAt   *time.Time          `json:"expires_at,omitempty"`
	PeriodEnd   *time.Time          `json:"current_period_end,omitempty"`
	CancelledAt *time.Time          `json:"cancelled_at,omitempty"`
}

// PackageResponse is the public view of a package
type PackageResponse struct {
	ID           string                    `json:"id"`
	Name         string                    `json:"name"`
	IsPremium    bool                      `json:"is_premium"`
	Price        int64                     `json:"price"` // minor currency units
	Currency     string                    `json:"currency"`
	BillingCycle subscription.BillingCycle `json:"billing_cycle"`
	PriceID      string                    `json:"price_id,omitempty"` // provider price sold at checkout
	Limits       subscription.Limits       `json:"limits"`
}

// PlansResponse lists purchasable packages
type PlansResponse struct {
	Plans []PackageResponse `json:"plans"`
}

// CancelResponse reports the result of a user-initiated cancellation
type CancelResponse struct {
	UserID  string             `json:"user_id"`
	From    subscription.State `json:"from"`
	To      subscription.State `json:"to"`
	Package string             `json:"package_id"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}

func newPackageResponse(p *subscription.Package) PackageResponse {
	return PackageResponse{
		ID:           p.ID,
		Name:         p.Name,
		IsPremium:    p.Premium,
		Price:        p.Price,
		Currency:     p.Currency,
		BillingCycle: p.BillingCycle,
		PriceID:      p.ProviderProductID,
		Limits:       p.Limits,
	}
}
