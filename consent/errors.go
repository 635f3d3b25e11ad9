package consent

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the consent does not exist.
	ErrNotFound = errors.New("consent: not found")

	// ErrAlreadyRejected is returned when a revoke targets a consent that
	// was already rejected by the transmitter.
	ErrAlreadyRejected = errors.New("consent: already rejected")

	// ErrAlreadyAuthorised is returned when an authorise repeats on an
	// authorised consent.
	ErrAlreadyAuthorised = errors.New("consent: already authorised")

	// ErrConcurrencyConflict is returned when an optimistic update lost the
	// race twice in a row.
	ErrConcurrencyConflict = errors.New("consent: concurrent modification")
)

// InvalidTransitionError reports a lifecycle transition outside the table.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("consent: invalid status transition %s -> %s", e.From, e.To)
}

// ValidationError reports a rejected field on consent creation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("consent: invalid %s: %s", e.Field, e.Reason)
}
