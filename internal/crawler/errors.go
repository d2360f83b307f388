package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks fetch failures worth retrying (timeouts, connection errors, 5xx).
	ErrTransient = errors.New("transient fetch failure")
	// ErrExtraction marks a page missing an element the router requires.
	ErrExtraction = errors.New("extraction failed")
	// ErrInvariant marks a broken queue invariant. Workers exit on it.
	ErrInvariant = errors.New("queue invariant violated")
	// ErrLeaseLost is returned when resolving a lease that another worker superseded.
	ErrLeaseLost = errors.New("lease no longer held")
	// ErrInvalidURL is returned for URLs that cannot produce an identity key.
	ErrInvalidURL = errors.New("invalid url")
)

// Transient wraps err so errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
