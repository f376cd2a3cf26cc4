package storage

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
)

// Env provides read-only access to values stored in environment variables.
// Key "token" with prefix "AUTHSYNC_STORE_" maps to AUTHSYNC_STORE_TOKEN.
// Suitable when the credential is injected by the deployment; every write
// fails with ErrUnavailable.
type Env struct {
	prefix string
}

// Compile-time check to ensure Env implements Backend
var _ Backend = (*Env)(nil)

// NewEnv creates an Env backend for the given variable prefix.
func NewEnv(prefix string) (*Env, error) {
	if prefix == "" {
		return nil, fmt.Errorf("environment prefix cannot be empty")
	}

	return &Env{
		prefix: prefix,
	}, nil
}

func (e *Env) variable(key string) string {
	return e.prefix + strings.ToUpper(key)
}

// Get returns the value from the environment variable for key.
func (e *Env) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	value, ok := os.LookupEnv(e.variable(key))
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Set is not supported for environment variables (they are read-only).
func (e *Env) Set(ctx context.Context, key, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return fmt.Errorf("%w: environment variable %s is read-only", ErrUnavailable, e.variable(key))
}

// Remove is not supported for environment variables (they are read-only).
func (e *Env) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return fmt.Errorf("%w: environment variable %s is read-only", ErrUnavailable, e.variable(key))
}

// Keys lists the lower-cased suffixes of every variable carrying the prefix.
func (e *Env) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if suffix, ok := strings.CutPrefix(name, e.prefix); ok && suffix != "" {
			keys = append(keys, strings.ToLower(suffix))
		}
	}
	slices.Sort(keys)
	return keys, nil
}
