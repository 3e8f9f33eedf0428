package points

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is the parent of every validation error
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidAmount is returned for zero or negative amounts
	ErrInvalidAmount = fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)

	// ErrInvalidExpiry is returned when a credit expires at or before the current time,
	// or beyond the configured horizon
	ErrInvalidExpiry = fmt.Errorf("%w: invalid expiry", ErrInvalidArgument)

	// ErrInvalidUserID is returned for an empty user ID
	ErrInvalidUserID = fmt.Errorf("%w: user ID is required", ErrInvalidArgument)

	// ErrUserNotFound is returned when the user collaborator does not know the user
	ErrUserNotFound = errors.New("user not found")

	// ErrInsufficientBalance is returned when a debit exceeds the live total
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvariantViolation is returned when a balance adjustment would go negative.
	// It indicates a bug or corrupted data and is never retried.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrStoreConflict is returned on transient concurrency contention (retryable)
	ErrStoreConflict = errors.New("store conflict")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrBlockNotFound is returned by storage when a block ID is unknown
	ErrBlockNotFound = errors.New("credit block not found")
)

// InsufficientBalanceError carries the diagnostics of a rejected debit.
// It matches ErrInsufficientBalance with errors.Is.
type InsufficientBalanceError struct {
	UserID    string
	Requested int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for user %s: requested %d, available %d",
		e.UserID, e.Requested, e.Available)
}

// Is reports whether target is ErrInsufficientBalance.
func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// IsRetryable reports whether err is transient and the caller may retry the operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreConflict) || errors.Is(err, ErrStorageUnavailable)
}

// isBusinessError reports errors that say nothing about storage health.
func isBusinessError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvariantViolation) ||
		errors.Is(err, ErrBlockNotFound) ||
		errors.Is(err, ErrStoreConflict)
}
