// Package fiber provides Fiber middleware for package-limit enforcement
package fiber

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/tickerpilot/subsync/pkg/subscription"
)

// LimitChecker evaluates a user's package limit. *subscription.Service implements it.
type LimitChecker interface {
	CheckLimit(ctx context.Context, userID string, resource subscription.Resource, current int) (int, error)
}

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// UsageCounter returns how many of the limited resource the user already owns
type UsageCounter func(c *fiber.Ctx, userID string) (int, error)

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
	OnLimitExceeded func(c *fiber.Ctx, limit, current int) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that enforces package limits
func Middleware(cfg Config) fiber.Handler {
	if cfg.Checker == nil {
		panic("subsync/fiber: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/fiber: Config.GetUserID is required")
	}
	if cfg.GetCurrent == nil {
		panic("subsync/fiber: Config.GetCurrent is required")
	}
	if cfg.Resource == "" {
		panic("subsync/fiber: Config.Resource is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		current, err := cfg.GetCurrent(c, userID)
		if err != nil {
			return handleError(cfg, c, err)
		}

		limit, err := cfg.Checker.CheckLimit(c.UserContext(), userID, cfg.Resource, current)
		if err != nil {
			if !errors.Is(err, subscription.ErrLimitExceeded) {
				return handleError(cfg, c, err)
			}
			if cfg.OnLimitExceeded != nil {
				return cfg.OnLimitExceeded(c, limit, current)
			}
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":    "limit_exceeded",
				"message":  "Package limit reached. Upgrade to Premium to add more.",
				"resource": cfg.Resource,
				"limit":    limit,
				"current":  current,
			})
		}

		return c.Next()
	}
}

func handleError(cfg Config, c *fiber.Ctx, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	if errors.Is(err, subscription.ErrUserNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "User not found"})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Common extractors for convenience

// FromContext returns a UserIDExtractor that gets user ID from Fiber context values (Locals).
// An upstream authentication middleware is expected to set it:
//
//	c.Locals("UserID", userID)
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if userID, ok := val.(string); ok {
				return userID
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FixedCount returns a UsageCounter that always reports n
func FixedCount(n int) UsageCounter {
	return func(*fiber.Ctx, string) (int, error) {
		return n, nil
	}
}
