// Package gin provides Gin middleware for package-limit enforcement
package gin

import (
	"context"
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/tickerpilot/subsync/pkg/subscription"
)

// LimitChecker evaluates a user's package limit. *subscription.Service implements it.
type LimitChecker interface {
	CheckLimit(ctx context.Context, userID string, resource subscription.Resource, current int) (int, error)
}

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// UsageCounter returns how many of the limited resource the user already owns
type UsageCounter func(c *gongin.Context, userID string) (int, error)

// Config holds middleware configuration
type Config struct {
	// Checker evaluates limits (required)
	Checker LimitChecker

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Resource is the limited resource guarded by this middleware (required)
	Resource subscription.Resource

	// GetCurrent counts the user's existing resources (required)
	GetCurrent UsageCounter

	// LimitExceededStatusCode is the HTTP status code to return when the limit is reached
	// Default: 403 (Forbidden)
	LimitExceededStatusCode int

	// OnLimitExceeded is called when the limit is reached
	// If nil, uses default response: LimitExceededStatusCode JSON with limit info
	OnLimitExceeded func(c *gongin.Context, limit, current int)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that enforces package limits
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Checker == nil {
		panic("subsync/gin: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/gin: Config.GetUserID is required")
	}
	if cfg.GetCurrent == nil {
		panic("subsync/gin: Config.GetCurrent is required")
	}
	if cfg.Resource == "" {
		panic("subsync/gin: Config.Resource is required")
	}

	if cfg.LimitExceededStatusCode == 0 {
		cfg.LimitExceededStatusCode = http.StatusForbidden
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		current, err := cfg.GetCurrent(c, userID)
		if err != nil {
			handleError(cfg, c, err)
			c.Abort()
			return
		}

		limit, err := cfg.Checker.CheckLimit(c.Request.Context(), userID, cfg.Resource, current)
		if err != nil {
			if errors.Is(err, subscription.ErrLimitExceeded) {
				if cfg.OnLimitExceeded != nil {
					cfg.OnLimitExceeded(c, limit, current)
				} else {
					defaultLimitExceeded(c, cfg, limit, current)
				}
			} else {
				handleError(cfg, c, err)
			}
			c.Abort()
			return
		}

		c.Next()
	}
}

func defaultLimitExceeded(c *gongin.Context, cfg Config, limit, current int) {
	c.JSON(cfg.LimitExceededStatusCode, gongin.H{
		"error":    "limit_exceeded",
		"message":  "Package limit reached. Upgrade to Premium to add more.",
		"resource": cfg.Resource,
		"limit":    limit,
		"current":  current,
	})
}

func handleError(cfg Config, c *gongin.Context, err error) {
	switch {
	case cfg.OnError != nil:
		cfg.OnError(c, err)
	case errors.Is(err, subscription.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gongin.H{"error": "User not found"})
	default:
		c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
	}
}

// Common extractors for convenience

// FromContext returns a UserIDExtractor that gets user ID from Gin context
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FixedCount returns a UsageCounter that always reports n
func FixedCount(n int) UsageCounter {
	return func(*gongin.Context, string) (int, error) {
		return n, nil
	}
}
