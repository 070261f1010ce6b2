// Package executor runs evaluation work: column tasks item by item and
// row tasks column by column.
package executor

import (
	"errors"
	"fmt"
	"strings"
)

// RetryableError marks a failure worth retrying (transient provider or
// infrastructure trouble).
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// NonRetryableError marks a failure that retrying cannot fix (bad
// configuration, invalid input).
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return e.Err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as retryable.
func Retryable(err error) error {
	return &RetryableError{Err: err}
}

// Retryablef formats a retryable error.
func Retryablef(format string, args ...any) error {
	return &RetryableError{Err: fmt.Errorf(format, args...)}
}

// NonRetryable wraps err as non-retryable.
func NonRetryable(err error) error {
	return &NonRetryableError{Err: err}
}

// NonRetryablef formats a non-retryable error.
func NonRetryablef(format string, args ...any) error {
	return &NonRetryableError{Err: fmt.Errorf(format, args...)}
}

// IsRetryable classifies an execution error. Unclassified errors
// default to retryable, so unexpected failures get another chance.
func IsRetryable(err error) bool {
	var nr *NonRetryableError
	if errors.As(err, &nr) {
		return false
	}
	return true
}

// ClassifyProviderError wraps a provider call failure: messages that
// look like transient network trouble are retryable, the rest are not.
func ClassifyProviderError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "network") || strings.Contains(msg, "timeout") {
		return Retryable(err)
	}
	return NonRetryable(err)
}
