package api

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConflict is returned by the event store when a concurrent
	// append raced past the expected next sequence number. The caller
	// must reread the history and retry its decision.
	ErrConflict = errors.New("event append conflict")

	// ErrInstanceNotFound is returned when a workflow instance does not
	// exist.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrActivityNotRegistered is returned when a step is scheduled but
	// no implementation was registered for it.
	ErrActivityNotRegistered = errors.New("activity not registered")
)

// RetryableError marks an explicit transient failure; the step is
// retried under its RetryPolicy.
type RetryableError struct {
	Reason string
}

func (e *RetryableError) Error() string { return e.Reason }

// Retryable wraps a reason as a RetryableError.
func Retryable(format string, args ...any) error {
	return &RetryableError{Reason: fmt.Sprintf(format, args...)}
}

// PermanentError marks a non-retryable failure; it routes directly to
// compensation.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string { return e.Reason }

// Permanent wraps a reason as a PermanentError.
func Permanent(format string, args ...any) error {
	return &PermanentError{Reason: fmt.Sprintf(format, args...)}
}

// TimeoutError is returned by the executor when a step does not return
// within its deadline. It is routed to the retry policy, not treated as
// a crash.
type TimeoutError struct {
	Step    Step
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %s", e.Step, e.Timeout)
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// IsTimeout reports whether err is a step deadline expiry.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}
