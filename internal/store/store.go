// Package store defines the narrow capability interfaces over the shared
// coordination store. Every process instance must observe the same backing
// store; correctness of idempotency locks and credit counters depends on the
// store's atomic primitives, never on in-process state.
package store

import (
	"context"
	"time"
)

// LockStore provides the atomic key/value primitives needed for distributed
// idempotency records: set-if-absent with TTL, read, and compare-guarded
// replace/delete so a stale holder can never clobber a re-acquired key.
type LockStore interface {
	// SetIfAbsent atomically stores value under key with the given TTL only
	// when the key does not exist. Returns true when the write happened.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Get returns the current value, or nil with no error when the key is
	// absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// CompareAndSwap atomically replaces the value under key with replace and
	// resets the TTL, only when the current value equals expect byte-for-byte.
	// Returns true when the swap happened.
	CompareAndSwap(ctx context.Context, key string, expect, replace []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete atomically removes key only when the current value
	// equals expect byte-for-byte. Returns true when the delete happened.
	CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error)
}

// CounterResult reports the state of a windowed counter after an operation.
type CounterResult struct {
	OK        bool      // whether a reserve succeeded (always true for refund/status)
	Remaining int64     // units left in the active window
	ResetAt   time.Time // instant the active window resets; zero when no window is active
}

// CounterStore provides an atomic capacity-bounded counter with a rolling
// window. Reserve and Refund must be atomic against concurrent callers for
// the same key: N concurrent requests never observe lost updates.
//
// The caller supplies the observation instant so window arithmetic stays
// under an injectable clock.
type CounterStore interface {
	// Reserve decrements the counter if it is positive in the active window.
	// An elapsed or missing window is first reset to capacity. Returns
	// OK=false with Remaining=0 when the counter is exhausted.
	Reserve(ctx context.Context, key string, capacity int64, window time.Duration, now time.Time) (CounterResult, error)

	// Refund increments the counter, clamped to capacity. A refund against an
	// elapsed window is a no-op: the reset already restored full capacity.
	Refund(ctx context.Context, key string, capacity int64, now time.Time) (CounterResult, error)

	// Status reads the counter without side effects. An elapsed or missing
	// window is reported as full capacity with a zero ResetAt, but nothing is
	// written.
	Status(ctx context.Context, key string, capacity int64, now time.Time) (CounterResult, error)
}
