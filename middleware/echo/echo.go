// Package echo provides Echo middleware for package-limit enforcement
package echo

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tickerpilot/subsync/pkg/subscription"
)

// LimitChecker evaluates a user's package limit. *subscription.Service implements it.
type LimitChecker interface {
	CheckLimit(ctx context.Context, userID string, resource subscription.Resource, current int) (int, error)
}

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// UsageCounter returns how many of the limited resource the user already owns
type UsageCounter func(c echo.Context, userID string) (int, error)

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

	// OnLimitExceeded is called when the limit is reached
	// If nil, returns 403 Forbidden JSON with limit info
	OnLimitExceeded func(c echo.Context, limit, current int) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that enforces package limits
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Checker == nil {
		panic("subsync/echo: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/echo: Config.GetUserID is required")
	}
	if cfg.GetCurrent == nil {
		panic("subsync/echo: Config.GetCurrent is required")
	}
	if cfg.Resource == "" {
		panic("subsync/echo: Config.Resource is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			current, err := cfg.GetCurrent(c, userID)
			if err != nil {
				return handleError(cfg, c, err)
			}

			limit, err := cfg.Checker.CheckLimit(c.Request().Context(), userID, cfg.Resource, current)
			if err != nil {
				if !errors.Is(err, subscription.ErrLimitExceeded) {
					return handleError(cfg, c, err)
				}
				if cfg.OnLimitExceeded != nil {
					return cfg.OnLimitExceeded(c, limit, current)
				}
				return c.JSON(http.StatusForbidden, map[string]interface{}{
					"error":    "limit_exceeded",
					"message":  "Package limit reached. Upgrade to Premium to add more.",
					"resource": cfg.Resource,
					"limit":    limit,
					"current":  current,
				})
			}

			return next(c)
		}
	}
}

func handleError(cfg Config, c echo.Context, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	if errors.Is(err, subscription.ErrUserNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "User not found"})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Common extractors for convenience

// FromContext returns a UserIDExtractor that gets user ID from Echo context
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if userID, ok := c.Get(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a path parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FixedCount returns a UsageCounter that always reports n
func FixedCount(n int) UsageCounter {
	return func(echo.Context, string) (int, error) {
		return n, nil
	}
}
