package storage

import (
	"context"
	"fmt"
)

// Disabled is a backend that refuses every operation, like browser storage in a
// restricted embed or private window.
type Disabled struct {
	Reason string
}

// Compile-time check to ensure Disabled implements Backend
var _ Backend = Disabled{}

func (d Disabled) err() error {
	if d.Reason == "" {
		return ErrUnavailable
	}
	return fmt.Errorf("%w: %s", ErrUnavailable, d.Reason)
}

func (d Disabled) Get(context.Context, string) (string, error) { return "", d.err() }

func (d Disabled) Set(context.Context, string, string) error { return d.err() }

func (d Disabled) Remove(context.Context, string) error { return d.err() }

func (d Disabled) Keys(context.Context) ([]string, error) { return nil, d.err() }
