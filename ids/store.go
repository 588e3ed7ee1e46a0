package ids

import (
	"context"
	"errors"
)

// Store is the shared backing store for identifier namespaces. Every method
// must be atomic end-to-end against the store: concurrent callers on any
// number of registry instances must never observe a partial allocate,
// release, or claim.
type Store interface {
	// Allocate pops the lowest number from the namespace's recycle pool, or
	// increments the counter (first issue is 1) when the pool is empty. A
	// limit > 0 bounds the counter: when the pool is empty and the next
	// sequential number would exceed limit, Allocate returns ErrExhausted
	// without mutating the namespace.
	Allocate(ctx context.Context, namespace string, limit int) (int, error)

	// Release inserts n into the namespace's recycle pool. Releasing a number
	// twice is harmless (the pool is a set).
	Release(ctx context.Context, namespace string, n int) error

	// Claim removes n from the recycle pool if present and reports whether it
	// was there. The counter is not consulted or advanced.
	Claim(ctx context.Context, namespace string, n int) (bool, error)

	// Clear resets the namespace entirely: counter and recycle pool.
	Clear(ctx context.Context, namespace string) error
}

var (
	// ErrExhausted is returned when a bounded namespace has no numbers left.
	ErrExhausted = errors.New("ids: namespace exhausted")

	// ErrNotAttached is returned when the allocator is used before a backing
	// store has been attached.
	ErrNotAttached = errors.New("ids: allocator has no backing store attached")
)
