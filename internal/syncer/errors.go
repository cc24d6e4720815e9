package syncer

import (
	"errors"
	"fmt"
)

// ErrEngineClosed is returned by engine operations after its loop stopped.
var ErrEngineClosed = errors.New("sync engine closed")

var (
	errMissingData     = errors.New("response has no data")
	errMissingSyncedAt = errors.New("response has no syncedAt")
)

// InvalidChangeError rejects a malformed change before it is queued.
type InvalidChangeError struct {
	Field  string
	Reason string
}

func (e *InvalidChangeError) Error() string {
	return fmt.Sprintf("invalid change: %s %s", e.Field, e.Reason)
}

// TransientSyncError is a network failure or a retryable server error.
type TransientSyncError struct {
	StatusCode int
	Err        error
}

func (e *TransientSyncError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient sync error (http %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient sync error: %v", e.Err)
}

func (e *TransientSyncError) Unwrap() error { return e.Err }

// FatalSyncError means the server answered with something the client cannot
// interpret or that will never be accepted. It is not retried.
type FatalSyncError struct {
	Err error
}

func (e *FatalSyncError) Error() string {
	return fmt.Sprintf("fatal sync error: %v", e.Err)
}

func (e *FatalSyncError) Unwrap() error { return e.Err }

// RetryExhaustedError is recorded when a batch failed on every attempt.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("sync failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	var fatal *FatalSyncError
	return errors.As(err, &fatal)
}
