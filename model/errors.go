package model

import "errors"

var (
	// ErrInsufficientCredits is returned when a reservation does not fit in the available balance.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrStaleTransition means the job was already moved by someone else.
	ErrStaleTransition = errors.New("stale job transition")

	// ErrInvariantViolation marks a condition that must never happen, such as
	// settling one reservation with two different outcomes.
	ErrInvariantViolation = errors.New("ledger invariant violation")

	ErrDuplicateIdempotencyKey = errors.New("an active job already exists for this idempotency key")
	ErrKindUnavailable         = errors.New("generation kind is unavailable")
	ErrRetryNotAllowed         = errors.New("job cannot be retried")
	ErrCancelNotAllowed        = errors.New("job can no longer be cancelled")
	ErrReservationNotFound     = errors.New("reservation not found")
)
