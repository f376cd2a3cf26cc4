package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/zalando/go-keyring"
)

// keyIndex is the keyring entry listing every key this backend has written.
// The OS keyring offers no enumeration, so the index is what Keys reports.
const keyIndex = ".keys"

// Keyring provides OS-native secure credential storage.
// Uses macOS Keychain, Windows Credential Manager, or Linux Secret Service.
// Each key becomes one keyring entry under the service, addressed as "<user>/<key>".
type Keyring struct {
	service string
	user    string

	// Serializes index updates within this process.
	mu sync.Mutex
}

// Compile-time check to ensure Keyring implements Backend
var _ Backend = (*Keyring)(nil)

// NewKeyring creates a Keyring backend for the OS-native credential storage
// using the given service and user identifiers.
func NewKeyring(service, user string) (*Keyring, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	return &Keyring{
		service: service,
		user:    user,
	}, nil
}

func (k *Keyring) entry(key string) string {
	return k.user + "/" + key
}

// Get returns the value from the system keyring.
func (k *Keyring) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	value, err := keyring.Get(k.service, k.entry(key))
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", classifyKeyringError(err)
	}
	return value, nil
}

// Set persists value to the system keyring, overwriting any existing value.
func (k *Keyring) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if err := keyring.Set(k.service, k.entry(key), value); err != nil {
		return classifyKeyringError(err)
	}

	keys, err := k.index()
	if err != nil {
		return err
	}
	if slices.Contains(keys, key) {
		return nil
	}
	return k.writeIndex(append(keys, key))
}

// Remove deletes key from the system keyring.
func (k *Keyring) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if err := keyring.Delete(k.service, k.entry(key)); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return classifyKeyringError(err)
	}

	keys, err := k.index()
	if err != nil {
		return err
	}
	i := slices.Index(keys, key)
	if i < 0 {
		return nil
	}
	return k.writeIndex(slices.Delete(keys, i, i+1))
}

// Keys returns the keys recorded in the index entry.
func (k *Keyring) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	keys, err := k.index()
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)
	return keys, nil
}

func (k *Keyring) index() ([]string, error) {
	raw, err := keyring.Get(k.service, k.entry(keyIndex))
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyKeyringError(err)
	}

	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("decoding keyring index: %w", err)
	}
	return keys, nil
}

func (k *Keyring) writeIndex(keys []string) error {
	if len(keys) == 0 {
		if err := keyring.Delete(k.service, k.entry(keyIndex)); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return classifyKeyringError(err)
		}
		return nil
	}

	raw, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encoding keyring index: %w", err)
	}
	if err := keyring.Set(k.service, k.entry(keyIndex), string(raw)); err != nil {
		return classifyKeyringError(err)
	}
	return nil
}

// classifyKeyringError maps keyring failures onto the storage error taxonomy.
// Oversized secrets are a capacity problem; everything else means the credential
// service could not be used.
func classifyKeyringError(err error) error {
	if errors.Is(err, keyring.ErrSetDataTooBig) {
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
