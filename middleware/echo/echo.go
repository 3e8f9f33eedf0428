// Package echo provides Echo middleware that charges points for each request
package echo

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gopoints/pkg/points"
)

// UsageIDHeader carries the ID of the usage recorded for the request
const UsageIDHeader = "X-Points-Usage-Id"

// UsageKey is the Echo context key holding the *points.Usage recorded for the request
const UsageKey = "points:usage"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// AmountExtractor calculates the number of points the request costs
type AmountExtractor func(c echo.Context) (int64, error)

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
	OnInsufficient func(c echo.Context, err *points.InsufficientBalanceError) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 503 for retryable storage errors and 500 otherwise
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that debits points before the handler runs
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Manager == nil {
		panic("gopoints/echo: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("gopoints/echo: Config.GetUserID is required")
	}
	if cfg.GetAmount == nil {
		panic("gopoints/echo: Config.GetAmount is required")
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

			amount, err := cfg.GetAmount(c)
			if err != nil || amount < 0 {
				if err == nil {
					err = fmt.Errorf("%w: negative request cost %d", points.ErrInvalidAmount, amount)
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
			}
			if amount == 0 {
				return next(c)
			}

			usage, err := cfg.Manager.Debit(c.Request().Context(), userID, amount)
			if err != nil {
				var insufficient *points.InsufficientBalanceError
				switch {
				case errors.As(err, &insufficient):
					if cfg.OnInsufficient != nil {
						return cfg.OnInsufficient(c, insufficient)
					}
					return c.JSON(http.StatusPaymentRequired, map[string]interface{}{
						"error":     "Insufficient points",
						"requested": insufficient.Requested,
						"available": insufficient.Available,
					})
				case cfg.OnError != nil:
					return cfg.OnError(c, err)
				case points.IsRetryable(err):
					return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Service Unavailable"})
				default:
					return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
				}
			}

			c.Response().Header().Set(UsageIDHeader, usage.ID)
			c.Set(UsageKey, usage)
			return next(c)
		}
	}
}

// FromContext returns a UserIDExtractor that gets user ID from Echo context values,
// as set by auth middleware with c.Set(key, userID)
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
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

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int64) AmountExtractor {
	return func(echo.Context) (int64, error) {
		return amount, nil
	}
}

// DynamicCost returns an AmountExtractor that calculates cost based on a function
func DynamicCost(costFunc func(echo.Context) int64) AmountExtractor {
	return func(c echo.Context) (int64, error) {
		return costFunc(c), nil
	}
}
