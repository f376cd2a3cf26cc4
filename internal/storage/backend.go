package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key holds no value.
	ErrNotFound = errors.New("storage: key not found")

	// ErrQuotaExceeded is returned by Set when the backend rejected the write for lack of space.
	ErrQuotaExceeded = errors.New("storage: quota exceeded")

	// ErrUnavailable is returned when the backend is disabled, read-only or otherwise unusable.
	ErrUnavailable = errors.New("storage: backend unavailable")
)

// Backend is a string key/value store.
//
// Implementations must not touch any key other than the one named, and must not
// panic on reads: any failure is reported as an error and callers treat it as absence.
type Backend interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key. Capacity failures wrap ErrQuotaExceeded, disabled or
	// read-only backends wrap ErrUnavailable.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys lists every key currently stored.
	Keys(ctx context.Context) ([]string, error)
}

// Event describes a change made to a backend by some other view.
type Event struct {
	// Key is the changed key. Empty means the whole backend was cleared or replaced.
	Key string

	// Origin identifies the view that made the change, if known.
	Origin string
}

// Global reports whether the event covers every key.
func (e Event) Global() bool { return e.Key == "" }

// Notifier delivers change events made outside the subscribing view.
type Notifier interface {
	// Subscribe registers fn and returns a function that removes it again.
	Subscribe(fn func(Event)) (unsubscribe func())
}

// Closer is implemented by backends that hold resources (files, database handles).
type Closer interface {
	Close() error
}

// dataSize is the accounting unit used by capacity-limited backends.
func dataSize(key, value string) int {
	return len(key) + len(value)
}
