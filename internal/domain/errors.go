package domain

import "errors"

// Domain errors
var (
	// Contention errors: retryable business failures. Lock-wait timeout and
	// seat-already-held are deliberately indistinguishable to the caller.
	ErrSeatUnavailable = errors.New("seat unavailable")
	ErrNoPermits       = errors.New("no admission permits available")

	// Duplicate-request errors
	ErrDuplicateRequest = errors.New("duplicate request in progress")

	// Validation errors
	ErrInvalidScheduleID     = errors.New("invalid schedule id")
	ErrInvalidSeatIDs        = errors.New("seat ids must be non-empty")
	ErrInvalidHolderID       = errors.New("invalid holder id")
	ErrInvalidUserID         = errors.New("invalid user id")
	ErrInvalidUserKey        = errors.New("malformed user key")
	ErrUserKeyMismatch       = errors.New("user key does not belong to this user")
	ErrInvalidIdempotencyKey = errors.New("invalid idempotency key")

	// Waiting room errors
	ErrNotWaiting           = errors.New("user is not in the waiting queue")
	ErrInvalidAdmittedToken = errors.New("invalid admitted token")

	// Infrastructure errors: store unreachable, operations fail closed
	ErrStoreUnavailable = errors.New("lease store unavailable")
)

// IsContentionError checks if the error is a retryable contention failure
func IsContentionError(err error) bool {
	return errors.Is(err, ErrSeatUnavailable) ||
		errors.Is(err, ErrNoPermits)
}

// IsValidationError checks if the error is a client-side validation failure
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidScheduleID) ||
		errors.Is(err, ErrInvalidSeatIDs) ||
		errors.Is(err, ErrInvalidHolderID) ||
		errors.Is(err, ErrInvalidUserID) ||
		errors.Is(err, ErrInvalidUserKey) ||
		errors.Is(err, ErrUserKeyMismatch) ||
		errors.Is(err, ErrInvalidIdempotencyKey)
}

// IsDuplicateError checks if the error is a duplicate-request failure
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicateRequest)
}

// IsInfrastructureError checks if the error is an infrastructure failure
func IsInfrastructureError(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
