package resource

import (
	"errors"
	"fmt"

	"github.com/3leaps/studyflow/pkg/joberr"
)

// Sentinel errors for storage operations. Each wraps the joberr kind callers
// branch on.
var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = fmt.Errorf("object %w", joberr.ErrNotFound)

	// ErrBucketNotFound indicates the bucket does not exist.
	ErrBucketNotFound = fmt.Errorf("bucket %w", joberr.ErrNotFound)

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = fmt.Errorf("access denied: %w", joberr.ErrTransport)

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = fmt.Errorf("invalid credentials: %w", joberr.ErrTransport)

	// ErrUnavailable indicates the storage service is unavailable.
	ErrUnavailable = fmt.Errorf("storage unavailable: %w", joberr.ErrTransport)

	// ErrThrottled indicates the request was rate limited.
	ErrThrottled = fmt.Errorf("request throttled: %w", joberr.ErrTransport)

	// ErrTooLarge indicates an object exceeds the configured size limit.
	ErrTooLarge = fmt.Errorf("object too large: %w", joberr.ErrValidation)
)

// Error wraps storage errors with context.
type Error struct {
	// Op is the operation that failed (e.g., "GetObject", "List").
	Op string

	Kind   Kind
	Bucket string
	Key    string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Kind, e.Op, e.Bucket, e.Key, e.Err)
	}
	if e.Bucket != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Kind, e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsAccessDenied returns true if the error indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsThrottled returns true if the error indicates the request was rate limited.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}
