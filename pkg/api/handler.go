package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/tickerpilot/subsync/pkg/subscription"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints for a user's subscription
type Handler struct {
	config Config
}

// GetStatus returns the user's subscription state, package and limits.
// A user without a row is given the Basic package first.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	view, err := h.config.Service.Status(r.Context(), userID)
	if err != nil {
		h.serviceError(w, r, "status", userID, err)
		return
	}

	resp := StatusResponse{
		UserID:    view.UserID,
		State:     view.State,
		IsPremium: view.IsPremium,
		IsActive:  view.IsActive,
		Limits:    view.Limits,
	}
	if view.Package != nil {
		pkg := newPackageResponse(view.Package)
		resp.Package = &pkg
	}
	if sub := view.Subscription; sub != nil {
		resp.Status = sub.Status
		startsAt := sub.StartsAt
		resp.StartsAt = &startsAt
		resp.ExpiresAt = sub.ExpiresAt
		resp.PeriodEnd = sub.CurrentPeriodEnd
		resp.CancelledAt = sub.CancelledAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPlans lists the premium packages a user can buy
func (h *Handler) GetPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.config.Service.Plans(r.Context())
	if err != nil {
		h.serviceError(w, r, "plans", "", err)
		return
	}
	resp := PlansResponse{Plans: make([]PackageResponse, 0, len(plans))}
	for _, p := range plans {
		resp.Plans = append(resp.Plans, newPackageResponse(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Cancel cancels the user's premium subscription at the provider and moves
// them to the Basic package.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	tr, err := h.config.Service.Cancel(r.Context(), userID)
	if err != nil {
		h.serviceError(w, r, "cancel", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{
		UserID:  tr.UserID,
		From:    tr.From,
		To:      tr.To,
		Package: tr.ToPackageID,
	})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

// serviceError maps service errors onto status codes. Internal failures are
// logged and answered with a generic message.
func (h *Handler) serviceError(w http.ResponseWriter, r *http.Request, op, userID string, err error) {
	switch {
	case errors.Is(err, subscription.ErrUserNotFound):
		h.handleError(w, r, subscription.ErrUserNotFound, http.StatusNotFound)
	case errors.Is(err, subscription.ErrSubscriptionNotFound):
		h.handleError(w, r, subscription.ErrSubscriptionNotFound, http.StatusNotFound)
	case errors.Is(err, subscription.ErrAlreadyBasic):
		h.handleError(w, r, subscription.ErrAlreadyBasic, http.StatusConflict)
	case errors.Is(err, subscription.ErrProviderTransient):
		h.config.Logger.Warn("provider call failed",
			subscription.Field{Key: "op", Value: op},
			subscription.Field{Key: "user_id", Value: userID},
			subscription.Field{Key: "error", Value: err})
		h.handleError(w, r, subscription.ErrProviderTransient, http.StatusBadGateway)
	default:
		h.config.Logger.Error("subscription request failed",
			subscription.Field{Key: "op", Value: op},
			subscription.Field{Key: "user_id", Value: userID},
			subscription.Field{Key: "error", Value: err})
		h.handleError(w, r, errors.New("internal error"), http.StatusInternalServerError)
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, statusCode, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Log encoding error but response already sent
		_ = err
	}
}
