package client

import (
	"errors"
	"fmt"
)

// ErrMissingStatus is wrapped when a 2xx body lacks meta.status.
var ErrMissingStatus = errors.New("response has no meta.status")

// FetchError describes a failed fetch with additional context.
type FetchError struct {
	StatusCode int
	Kind       Kind
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("checko %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("checko %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Rotates reports whether the outcome kind calls for a different key.
func (k Kind) Rotates() bool {
	switch k {
	case KindQuotaExceeded, KindKeyInvalid:
		return true
	default:
		return false
	}
}

// Retryable reports whether the same key may be tried again for the same
// entity.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindMalformed:
		return true
	default:
		return false
	}
}
