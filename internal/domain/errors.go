package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateJob    = errors.New("mailing with this filename already exists")
	ErrMailingNotFound = errors.New("mailing not found")

	// ErrLockNotAcquired is the zero-rows result of the ownership
	// compare-and-set: another worker holds the job, or it is terminal.
	// Not a failure; the caller acks and moves on.
	ErrLockNotAcquired = errors.New("mailing lock not acquired")

	ErrSchedulerClosed = errors.New("rate limiter is closed")
	ErrPrecondition    = errors.New("precondition failed")
	ErrShuttingDown    = errors.New("service is shutting down")
)

// ProviderError carries the HTTP outcome of an email-provider call.
// StatusCode 0 means the request never produced a response (network error,
// timeout, open breaker) and is classified retryable.
type ProviderError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("provider request failed: %v", e.Err)
	}
	return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Body)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// StorageError wraps a blob-store failure. Permanent means the object can
// never be read (missing, corrupt pointer) and the job must not be retried
// for it.
type StorageError struct {
	Op        string
	Permanent bool
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ValidationError rejects a recipient address with the reason recorded on
// the entry.
type ValidationError struct {
	Reason InvalidReason
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid email (%s): %s", e.Reason, e.Detail)
}
