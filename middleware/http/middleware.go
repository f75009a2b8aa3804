// Package http provides net/http middleware that enforces package limits.
// It works with any router built on http.Handler, such as chi or gorilla/mux.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tickerpilot/subsync/pkg/subscription"
)

// LimitChecker evaluates a user's package limit. *subscription.Service implements it.
type LimitChecker interface {
	CheckLimit(ctx context.Context, userID string, resource subscription.Resource, current int) (int, error)
}

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// UsageCounter returns how many of the limited resource the user already owns,
// for example the number of stocks on the watchlist being added to.
type UsageCounter func(r *http.Request, userID string) (int, error)

// LimitExceeded describes a rejected request.
type LimitExceeded struct {
	Resource subscription.Resource `json:"resource"`
	Limit    int                   `json:"limit"`
	Current  int                   `json:"current"`
}

// Config holds middleware configuration
type Config struct {
	// Checker evaluates limits (required)
	Checker LimitChecker

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// Resource is the limited resource guarded by this middleware (required)
	Resource subscription.Resource

	// GetCurrent counts the user's existing resources (required)
	GetCurrent UsageCounter

	// OnLimitExceeded is called when the limit is reached
	// If nil, returns 403 Forbidden with a JSON body
	OnLimitExceeded func(w http.ResponseWriter, r *http.Request, info LimitExceeded)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that rejects requests which would
// exceed the user's package limit for cfg.Resource.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if cfg.Checker == nil {
		panic("subsync/http: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/http: Config.GetUserID is required")
	}
	if cfg.GetCurrent == nil {
		panic("subsync/http: Config.GetCurrent is required")
	}
	if cfg.Resource == "" {
		panic("subsync/http: Config.Resource is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := cfg.GetUserID(r)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					cfg.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				}
				return
			}

			current, err := cfg.GetCurrent(r, userID)
			if err != nil {
				handleError(cfg, w, r, err)
				return
			}

			limit, err := cfg.Checker.CheckLimit(r.Context(), userID, cfg.Resource, current)
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, subscription.ErrLimitExceeded):
				info := LimitExceeded{Resource: cfg.Resource, Limit: limit, Current: current}
				if cfg.OnLimitExceeded != nil {
					cfg.OnLimitExceeded(w, r, info)
				} else {
					writeJSON(w, http.StatusForbidden, limitBody(info))
				}
			default:
				handleError(cfg, w, r, err)
			}
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces limits (HandlerFunc version)
func HandlerFunc(cfg Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(cfg)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

func handleError(cfg Config, w http.ResponseWriter, r *http.Request, err error) {
	if cfg.OnError != nil {
		cfg.OnError(w, r, err)
		return
	}
	if errors.Is(err, subscription.ErrUserNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "User not found"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

func limitBody(info LimitExceeded) map[string]interface{} {
	return map[string]interface{}{
		"error":    "limit_exceeded",
		"message":  "Package limit reached. Upgrade to Premium to add more.",
		"resource": info.Resource,
		"limit":    info.Limit,
		"current":  info.Current,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // the status line is already written
	_ = json.NewEncoder(w).Encode(body)
}

// Common extractors for convenience

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "subsync:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FixedCount returns a UsageCounter that always reports n
func FixedCount(n int) UsageCounter {
	return func(*http.Request, string) (int, error) {
		return n, nil
	}
}
