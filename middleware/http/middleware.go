// Package http provides HTTP middleware that charges points for each request
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/mihaimyh/gopoints/pkg/points"
)

// UsageIDHeader carries the ID of the usage recorded for the request
const UsageIDHeader = "X-Points-Usage-Id"

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// AmountExtractor calculates the number of points the request costs
// For example: 1 per call, or one point per kilobyte of request body
type AmountExtractor func(r *http.Request) (int64, error)

// Config holds middleware configuration
type Config struct {
	// Manager is the ledger manager instance
	Manager *points.Manager

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetAmount calculates the points to debit (required)
	GetAmount AmountExtractor

	// OnInsufficient is called when the user cannot afford the request
	// If nil, returns 402 Payment Required
	OnInsufficient func(w http.ResponseWriter, r *http.Request, err *points.InsufficientBalanceError)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 503 for retryable storage errors and 500 otherwise
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that debits points before calling next.
// A request that costs zero points passes through without touching the ledger.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract user ID
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			amount, err := config.GetAmount(r)
			if err != nil || amount < 0 {
				if err == nil {
					err = fmt.Errorf("%w: negative request cost %d", points.ErrInvalidAmount, amount)
				}
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				}
				return
			}
			if amount == 0 {
				next.ServeHTTP(w, r)
				return
			}

			usage, err := config.Manager.Debit(r.Context(), userID, amount)
			if err != nil {
				var insufficient *points.InsufficientBalanceError
				switch {
				case errors.As(err, &insufficient):
					if config.OnInsufficient != nil {
						config.OnInsufficient(w, r, insufficient)
					} else {
						msg := fmt.Sprintf("Insufficient points: requested %d, available %d",
							insufficient.Requested, insufficient.Available)
						http.Error(w, msg, http.StatusPaymentRequired)
					}
				case config.OnError != nil:
					config.OnError(w, r, err)
				case points.IsRetryable(err):
					http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
				default:
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			// Points debited, proceed to handler
			w.Header().Set(UsageIDHeader, usage.ID)
			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware that debits points (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// Common extractors for convenience

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int64) AmountExtractor {
	return func(r *http.Request) (int64, error) {
		return amount, nil
	}
}

// BodyLength returns an AmountExtractor charging one point per unit bytes of body,
// rounded up. The body is restored for the next handler.
func BodyLength(unit int64) AmountExtractor {
	if unit <= 0 {
		unit = 1
	}
	return func(r *http.Request) (int64, error) {
		if r.Body == nil {
			return 0, nil
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			return 0, err
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		n := int64(len(body))
		return (n + unit - 1) / unit, nil
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "points:userID"
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

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
