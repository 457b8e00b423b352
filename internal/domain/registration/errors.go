package registration

import (
	"errors"

	"github.com/ALKYH/HospitalManage/internal/platform/db"
)

var (
	// ErrValidation is returned before any transaction starts when a request
	// is missing a requester, resource, date or slot.
	ErrValidation = errors.New("invalid registration request")
	// ErrOrderNotFound is returned when the target order does not exist.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidTransition is returned when an order in a terminal state other
	// than cancelled is asked to change.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrContention is returned when a row lock could not be acquired in time.
	// The transaction was rolled back and the call may be retried.
	ErrContention = db.ErrContention
	// ErrNotCommitted is returned when the caller's context ended before the
	// transaction reported an outcome.
	ErrNotCommitted = errors.New("transaction not committed")
)

// IsRetryable reports whether err is a lock contention failure the caller
// may retry with backoff.
func IsRetryable(err error) bool {
	return db.IsContention(err)
}
