// Package joberr defines the error taxonomy shared by the job lifecycle
// packages.
//
// Every failure is classified into one of five kinds so callers can decide
// how loudly to surface it: validation problems abort before any state
// exists, transport failures roll back or degrade to an indicator,
// cancellations are silent, lookups can miss, and payloads can be malformed.
package joberr

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for job operations.
var (
	// ErrValidation indicates an unsupported input rejected before any state was created.
	ErrValidation = errors.New("validation failed")

	// ErrTransport indicates a network failure or a non-success response.
	ErrTransport = errors.New("transport failure")

	// ErrCancelled indicates an explicit user abort.
	ErrCancelled = errors.New("cancelled")

	// ErrNotFound indicates the requested job or resource does not exist (yet).
	ErrNotFound = errors.New("not found")

	// ErrParse indicates a malformed payload or row.
	ErrParse = errors.New("malformed payload")
)

// Error wraps a classified failure with operation context.
type Error struct {
	// Op is the operation that failed (e.g., "CreateJob", "FetchResults").
	Op string

	// JobID is the job the operation targeted, if any.
	JobID string

	// Status is the HTTP status code, when the failure came from a response.
	Status int

	// Err is the underlying error. It wraps one of the sentinels above.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.JobID != "" && e.Status != 0:
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.JobID, e.Status, e.Err)
	case e.JobID != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.JobID, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err under kind. If err is already classified it is returned
// with the added context but keeps its original kind.
func Wrap(op, jobID string, kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		kind = ErrCancelled
	}
	if Kind(err) != nil {
		return &Error{Op: op, JobID: jobID, Err: err}
	}
	return &Error{Op: op, JobID: jobID, Err: fmt.Errorf("%w: %w", kind, err)}
}

// Validation returns a validation error with a human readable message.
func Validation(op, message string) error {
	return &Error{Op: op, Err: fmt.Errorf("%w: %s", ErrValidation, message)}
}

// Kind returns the sentinel err is classified under, or nil.
func Kind(err error) error {
	for _, k := range []error{ErrCancelled, ErrValidation, ErrNotFound, ErrParse, ErrTransport} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsValidation returns true if the error is a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsTransport returns true if the error is a transport failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// IsCancelled returns true if the error came from an explicit abort.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// IsNotFound returns true if the error indicates a lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsParse returns true if the error indicates a malformed payload.
func IsParse(err error) bool {
	return errors.Is(err, ErrParse)
}
