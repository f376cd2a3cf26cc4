package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Option configures capacity-limited backends.
type Option func(*options)

type options struct {
	capacity int
}

// WithCapacity limits the total size (bytes of keys plus values) the backend accepts.
// Zero or negative means unlimited.
func WithCapacity(bytes int) Option {
	return func(o *options) {
		o.capacity = bytes
	}
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Memory is an in-process backend. It is the default volatile store: its content
// lives exactly as long as the process.
type Memory struct {
	mu       sync.RWMutex
	data     map[string]string
	capacity int
}

// Compile-time check to ensure Memory implements Backend
var _ Backend = (*Memory)(nil)

// NewMemory creates an empty Memory backend.
func NewMemory(opts ...Option) *Memory {
	o := applyOptions(opts)
	return &Memory{
		data:     make(map[string]string),
		capacity: o.capacity,
	}
}

// Get returns the value for key.
func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Set stores value under key, enforcing the configured capacity.
func (m *Memory) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.capacity > 0 {
		used := 0
		for k, v := range m.data {
			if k != key {
				used += dataSize(k, v)
			}
		}
		if used+dataSize(key, value) > m.capacity {
			return fmt.Errorf("%w: %d of %d bytes in use", ErrQuotaExceeded, used, m.capacity)
		}
	}

	m.data[key] = value
	return nil
}

// Remove deletes key.
func (m *Memory) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Keys returns the stored keys in sorted order.
func (m *Memory) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	slices.Sort(keys)
	return keys, nil
}
