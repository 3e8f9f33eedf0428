// Package fiber provides Fiber middleware that charges points for each request
package fiber

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/mihaimyh/gopoints/pkg/points"
)

// UsageIDHeader carries the ID of the usage recorded for the request
const UsageIDHeader = "X-Points-Usage-Id"

// UsageKey is the Locals key holding the *points.Usage recorded for the request
const UsageKey = "points:usage"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// AmountExtractor calculates the number of points the request costs
type AmountExtractor func(c *fiber.Ctx) (int64, error)

// Config holds middleware configuration
type Config struct {
	// Manager is the ledger manager instance
	Manager *points.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetAmount calculates the points to debit (required)
	GetAmount AmountExtractor

	// OnInsufficient is called when the user cannot afford the request
	// If nil, returns 402 Payment Required with the requested and available amounts
	OnInsufficient func(c *fiber.Ctx, err *points.InsufficientBalanceError) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 503 for retryable storage errors and 500 otherwise
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that debits points before the handler runs
func Middleware(cfg Config) fiber.Handler {
	if cfg.Manager == nil {
		panic("gopoints/fiber: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("gopoints/fiber: Config.GetUserID is required")
	}
	if cfg.GetAmount == nil {
		panic("gopoints/fiber: Config.GetAmount is required")
	}

	return func(c *fiber.Ctx) error {
		// header and param values alias fasthttp buffers that are reused after the request
		userID := utils.CopyString(cfg.GetUserID(c))
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		amount, err := cfg.GetAmount(c)
		if err != nil || amount < 0 {
			if err == nil {
				err = fmt.Errorf("%w: negative request cost %d", points.ErrInvalidAmount, amount)
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
		}
		if amount == 0 {
			return c.Next()
		}

		// fasthttp requests carry no context.Context; UserContext is the request scope
		usage, err := cfg.Manager.Debit(c.UserContext(), userID, amount)
		if err != nil {
			var insufficient *points.InsufficientBalanceError
			switch {
			case errors.As(err, &insufficient):
				if cfg.OnInsufficient != nil {
					return cfg.OnInsufficient(c, insufficient)
				}
				return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
					"error":     "Insufficient points",
					"requested": insufficient.Requested,
					"available": insufficient.Available,
				})
			case cfg.OnError != nil:
				return cfg.OnError(c, err)
			case points.IsRetryable(err):
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Service Unavailable"})
			default:
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
			}
		}

		c.Set(UsageIDHeader, usage.ID)
		c.Locals(UsageKey, usage)
		return c.Next()
	}
}

// FromContext returns a UserIDExtractor that gets user ID from Fiber Locals,
// as set by auth middleware with c.Locals(key, userID)
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
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

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int64) AmountExtractor {
	return func(*fiber.Ctx) (int64, error) {
		return amount, nil
	}
}

// DynamicCost returns an AmountExtractor that calculates cost based on a function
func DynamicCost(costFunc func(*fiber.Ctx) int64) AmountExtractor {
	return func(c *fiber.Ctx) (int64, error) {
		return costFunc(c), nil
	}
}
