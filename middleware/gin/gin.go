// Package gin provides Gin middleware that charges points for each request
package gin

import (
	"errors"
	"fmt"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gopoints/pkg/points"
)

// UsageIDHeader carries the ID of the usage recorded for the request
const UsageIDHeader = "X-Points-Usage-Id"

// UsageKey is the Gin context key holding the *points.Usage recorded for the request
const UsageKey = "points:usage"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// AmountExtractor calculates the number of points the request costs
type AmountExtractor func(c *gongin.Context) (int64, error)

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
	OnInsufficient func(c *gongin.Context, err *points.InsufficientBalanceError)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 503 for retryable storage errors and 500 otherwise
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that debits points before the handler runs
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Manager == nil {
		panic("gopoints/gin: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("gopoints/gin: Config.GetUserID is required")
	}
	if cfg.GetAmount == nil {
		panic("gopoints/gin: Config.GetAmount is required")
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

		amount, err := cfg.GetAmount(c)
		if err != nil || amount < 0 {
			if err == nil {
				err = fmt.Errorf("%w: negative request cost %d", points.ErrInvalidAmount, amount)
			}
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
			}
			c.Abort()
			return
		}
		if amount == 0 {
			c.Next()
			return
		}

		usage, err := cfg.Manager.Debit(c.Request.Context(), userID, amount)
		if err != nil {
			var insufficient *points.InsufficientBalanceError
			switch {
			case errors.As(err, &insufficient):
				if cfg.OnInsufficient != nil {
					cfg.OnInsufficient(c, insufficient)
				} else {
					c.JSON(http.StatusPaymentRequired, gongin.H{
						"error":     "Insufficient points",
						"requested": insufficient.Requested,
						"available": insufficient.Available,
					})
				}
			case cfg.OnError != nil:
				cfg.OnError(c, err)
			case points.IsRetryable(err):
				c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "Service Unavailable"})
			default:
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		c.Header(UsageIDHeader, usage.ID)
		c.Set(UsageKey, usage)
		c.Next()
	}
}

// FromContext returns a UserIDExtractor that gets user ID from Gin context values,
// as set by auth middleware with c.Set(key, userID)
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int64) AmountExtractor {
	return func(*gongin.Context) (int64, error) {
		return amount, nil
	}
}

// DynamicCost returns an AmountExtractor that calculates cost based on a function
func DynamicCost(costFunc func(*gongin.Context) int64) AmountExtractor {
	return func(c *gongin.Context) (int64, error) {
		return costFunc(c), nil
	}
}
