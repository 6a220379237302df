package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrUnknownTask       = errors.New("unknown task")
	ErrRateLimited       = errors.New("rate limited")
	ErrTimeout           = errors.New("timeout")
	ErrRevoked           = errors.New("task revoked")
	ErrExpired           = errors.New("message expired")
	ErrCircuitOpen       = errors.New("circuit open")
	ErrKillSwitchTripped = errors.New("kill switch tripped")
	ErrDeserialization   = errors.New("deserialization failed")
	ErrInternal          = errors.New("internal error")
)

// RetryRequestedError is returned (or wrapped) by a task handler to ask the
// executor to re-deliver the message after Delay. When DoNotIncrementRetries
// is set the attempt does not count against MaxRetries; rate-limit denials
// use this form so throttling can never exhaust a task.
type RetryRequestedError struct {
	Delay                 time.Duration
	DoNotIncrementRetries bool
	Cause                 error
}

func (e *RetryRequestedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("retry requested in %s: %v", e.Delay, e.Cause)
	}
	return fmt.Sprintf("retry requested in %s", e.Delay)
}

func (e *RetryRequestedError) Unwrap() error { return e.Cause }

// Retry builds a RetryRequestedError with the given delay.
func Retry(delay time.Duration) *RetryRequestedError {
	return &RetryRequestedError{Delay: delay}
}

// RejectedError is returned by a task handler to refuse a message
// permanently. The executor routes the message to the dead-letter store.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "task rejected: " + e.Reason }

// Reject builds a RejectedError with the given reason.
func Reject(reason string) *RejectedError { return &RejectedError{Reason: reason} }

// TimeLimitError reports that a task exceeded its configured time limit.
type TimeLimitError struct {
	Limit time.Duration
}

func (e *TimeLimitError) Error() string {
	return fmt.Sprintf("task time limit of %s exceeded", e.Limit)
}

// ExceptionInfo is the serializable form of a failure attached to a
// TaskResult or dead-letter row. Inner chains wrap causes.
type ExceptionInfo struct {
	Type       string         `json:"type"`
	Message    string         `json:"message"`
	StackTrace string         `json:"stackTrace,omitempty"`
	Inner      *ExceptionInfo `json:"innerException,omitempty"`
}

// ExceptionFromError flattens an error chain into ExceptionInfo. The
// outermost error becomes the top-level entry; wrapped causes nest.
func ExceptionFromError(err error) *ExceptionInfo {
	if err == nil {
		return nil
	}
	info := &ExceptionInfo{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
	if cause := errors.Unwrap(err); cause != nil {
		info.Inner = ExceptionFromError(cause)
	}
	return info
}
