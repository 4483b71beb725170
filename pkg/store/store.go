package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when a shared backend cannot be reached.
// Callers decide the failure mode: session and nonce consumers fail over
// or fail closed, the rate limiter fails open.
var ErrUnavailable = errors.New("store unavailable")

// KV is a key-value store with native TTL semantics. Entries past their
// TTL must behave as absent even if the backend has not reclaimed them.
type KV interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value under key only if no live entry exists.
	// Returns true when the value was stored. An existing live entry is
	// never overwritten; an expired one is replaced.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key, reporting whether a live entry was removed.
	Delete(ctx context.Context, key string) (bool, error)

	// Keys returns all live keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// SlideResult is the outcome of one sliding-window operation.
type SlideResult struct {
	// Admitted reports whether the request was recorded into the window.
	Admitted bool

	// Count is the number of entries in the window after the operation,
	// including the new entry when admitted.
	Count int

	// Oldest is the oldest surviving entry, zero when the window is empty.
	Oldest time.Time
}

// WindowStore maintains sliding-window request logs for rate limiting.
type WindowStore interface {
	// Slide atomically drops entries older than now-window for key, counts
	// the survivors, and records now as a new entry if the count is below
	// limit. Rejected requests are not recorded.
	Slide(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (SlideResult, error)
}
