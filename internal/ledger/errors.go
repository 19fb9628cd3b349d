package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount indicates a zero or negative amount where a positive one is required.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrInsufficientCredits indicates the available balance cannot cover a debit.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	// ErrInvalidTransactionType indicates a type that the operation cannot record.
	ErrInvalidTransactionType = errors.New("ledger: transaction type not allowed")
	// ErrMissingUser indicates an empty user id.
	ErrMissingUser = errors.New("ledger: user id is required")
	// ErrConcurrentUpdate indicates the balance changed between read and write.
	ErrConcurrentUpdate = errors.New("ledger: concurrent balance update")
	// ErrFieldTooLong indicates a linkage id or idempotency key longer than its column.
	ErrFieldTooLong = errors.New("ledger: field too long")
	// ErrResetSkipped is returned by a reset hook to abandon the reset without writing anything.
	ErrResetSkipped = errors.New("ledger: reset skipped")
)

// InsufficientCreditsError carries the shortfall of a rejected debit.
type InsufficientCreditsError struct {
	UserID    string
	Available decimal.Decimal
	Required  decimal.Decimal
}

// Deficit returns how many credits are missing.
func (e *InsufficientCreditsError) Deficit() decimal.Decimal {
	return e.Required.Sub(e.Available)
}

// Error implements error.
func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("ledger: insufficient credits: available %s, required %s", e.Available.String(), e.Required.String())
}

// Is matches ErrInsufficientCredits.
func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// PostgreSQL SQLSTATE codes that warrant a retry or indicate a duplicate.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// isRetryable reports whether a failed mutation can be attempted again.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConcurrentUpdate) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected || pgErr.Code == pgUniqueViolation
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "unique constraint failed")
}
