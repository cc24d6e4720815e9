package models

import "time"

// Default debounce intervals per change class.
const (
	DebounceText     = 1000 * time.Millisecond
	DebounceStatus   = 300 * time.Millisecond
	DebouncePriority = 500 * time.Millisecond
	DebounceDrag     = 800 * time.Millisecond
	DebounceDefault  = 1000 * time.Millisecond
)

// Default retry policy for sync batches.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 10 * time.Second
	DefaultJitter     = time.Second
)

const (
	// HeaderUserID identifies the user on the sync endpoints.
	HeaderUserID = "X-User-ID"
	// HeaderRequestID correlates a request with its response metadata.
	HeaderRequestID = "X-Request-ID"

	// DefaultUserID is assumed when a request carries no user header.
	DefaultUserID = "test-user"
)

// DefaultDebounceIntervals returns a fresh map of the default intervals.
func DefaultDebounceIntervals() map[ChangeClass]time.Duration {
	return map[ChangeClass]time.Duration{
		ClassText:     DebounceText,
		ClassStatus:   DebounceStatus,
		ClassPriority: DebouncePriority,
		ClassDrag:     DebounceDrag,
		ClassDefault:  DebounceDefault,
	}
}
