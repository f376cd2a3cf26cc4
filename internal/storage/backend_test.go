package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

// backendFactory creates a fresh backend, optionally capacity-limited.
type backendFactory func(t *testing.T, opts ...Option) Backend

func backendFactories() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T, opts ...Option) Backend {
			return NewMemory(opts...)
		},
		"file": func(t *testing.T, opts ...Option) Backend {
			t.Helper()
			f, err := NewFile(filepath.Join(t.TempDir(), "nested", "storage.json"), opts...)
			require.NoError(t, err)
			return f
		},
		"sqlite": func(t *testing.T, opts ...Option) Backend {
			t.Helper()
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "storage.db"), opts...)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestBackendContract(t *testing.T) {
	for name, factory := range backendFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("missing key", func(t *testing.T) {
				b := factory(t)
				_, err := b.Get(ctx, "token")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("set get overwrite", func(t *testing.T) {
				b := factory(t)
				require.NoError(t, b.Set(ctx, "token", "abc"))
				require.NoError(t, b.Set(ctx, "token", "def"))

				value, err := b.Get(ctx, "token")
				require.NoError(t, err)
				assert.Equal(t, "def", value)
			})

			t.Run("empty value is stored", func(t *testing.T) {
				b := factory(t)
				require.NoError(t, b.Set(ctx, "token", ""))

				value, err := b.Get(ctx, "token")
				require.NoError(t, err)
				assert.Equal(t, "", value)
			})

			t.Run("remove touches only named key", func(t *testing.T) {
				b := factory(t)
				require.NoError(t, b.Set(ctx, "token", "abc"))
				require.NoError(t, b.Set(ctx, "theme", "dark"))
				require.NoError(t, b.Remove(ctx, "token"))
				require.NoError(t, b.Remove(ctx, "token"), "removing a missing key is not an error")

				_, err := b.Get(ctx, "token")
				assert.ErrorIs(t, err, ErrNotFound)
				value, err := b.Get(ctx, "theme")
				require.NoError(t, err)
				assert.Equal(t, "dark", value)
			})

			t.Run("keys sorted", func(t *testing.T) {
				b := factory(t)
				for _, k := range []string{"token", "isAuthenticated", "cache"} {
					require.NoError(t, b.Set(ctx, k, "v"))
				}

				keys, err := b.Keys(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"cache", "isAuthenticated", "token"}, keys)
			})

			t.Run("capacity", func(t *testing.T) {
				b := factory(t, WithCapacity(20))
				require.NoError(t, b.Set(ctx, "cache", "0123456789")) // 15 bytes

				err := b.Set(ctx, "token", "abcdef") // 11 more bytes
				assert.ErrorIs(t, err, ErrQuotaExceeded)

				// Overwriting an existing key only counts the new size.
				require.NoError(t, b.Set(ctx, "cache", "012345678901234"))

				require.NoError(t, b.Remove(ctx, "cache"))
				require.NoError(t, b.Set(ctx, "token", "abcdef"))
			})

			t.Run("canceled context", func(t *testing.T) {
				b := factory(t)
				cctx, cancel := context.WithCancel(ctx)
				cancel()

				_, err := b.Get(cctx, "token")
				assert.ErrorIs(t, err, context.Canceled)
				assert.ErrorIs(t, b.Set(cctx, "token", "abc"), context.Canceled)
			})
		})
	}
}

func TestFilePermissions(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "storage.json")
	f, err := NewFile(path)
	require.NoError(t, err)

	require.NoError(t, f.Set(ctx, "token", "abc"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, os.Chmod(path, 0644))
	_, err = f.Get(ctx, "token")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFileSeesOtherWriters(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "storage.json")

	first, err := NewFile(path)
	require.NoError(t, err)
	second, err := NewFile(path)
	require.NoError(t, err)

	require.NoError(t, first.Set(ctx, "token", "abc"))
	value, err := second.Get(ctx, "token")
	require.NoError(t, err)
	assert.Equal(t, "abc", value)
}

func TestFileSubscribe(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "storage.json")

	watched, err := NewFile(path)
	require.NoError(t, err)
	writer, err := NewFile(path)
	require.NoError(t, err)

	events := make(chan Event, 16)
	unsubscribe := watched.Subscribe(func(e Event) {
		select {
		case events <- e:
		default:
		}
	})
	defer unsubscribe()

	require.NoError(t, writer.Set(ctx, "token", "abc"))

	select {
	case e := <-events:
		assert.True(t, e.Global())
	case <-time.After(5 * time.Second):
		t.Fatal("no change event received")
	}

	unsubscribe()
	unsubscribe() // idempotent
}

func TestEnv(t *testing.T) {
	ctx := context.Background()
	t.Setenv("AUTHSYNC_TEST_TOKEN", "abc")
	t.Setenv("AUTHSYNC_TEST_ISAUTHENTICATED", "true")

	e, err := NewEnv("AUTHSYNC_TEST_")
	require.NoError(t, err)

	value, err := e.Get(ctx, "token")
	require.NoError(t, err)
	assert.Equal(t, "abc", value)

	_, err = e.Get(ctx, "theme")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, e.Set(ctx, "token", "def"), ErrUnavailable)
	assert.ErrorIs(t, e.Remove(ctx, "token"), ErrUnavailable)

	keys, err := e.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"isauthenticated", "token"}, keys)

	_, err = NewEnv("")
	assert.Error(t, err)
}

func TestKeyring(t *testing.T) {
	ctx := context.Background()
	keyring.MockInit()

	k, err := NewKeyring("authsync-test", "alice")
	require.NoError(t, err)

	_, err = k.Get(ctx, "token")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, k.Set(ctx, "token", "abc"))
	require.NoError(t, k.Set(ctx, "isAuthenticated", "true"))
	require.NoError(t, k.Set(ctx, "token", "def"))

	value, err := k.Get(ctx, "token")
	require.NoError(t, err)
	assert.Equal(t, "def", value)

	keys, err := k.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"isAuthenticated", "token"}, keys)

	require.NoError(t, k.Remove(ctx, "token"))
	require.NoError(t, k.Remove(ctx, "token"))
	keys, err = k.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"isAuthenticated"}, keys)
}

func TestKeyringErrorClassification(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		mockErr  error
		expected error
	}{
		{name: "too big is quota", mockErr: keyring.ErrSetDataTooBig, expected: ErrQuotaExceeded},
		{name: "service failure is unavailable", mockErr: errors.New("dbus: no secret service"), expected: ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keyring.MockInitWithError(tt.mockErr)
			t.Cleanup(keyring.MockInit)

			k, err := NewKeyring("authsync-test", "alice")
			require.NoError(t, err)

			assert.ErrorIs(t, k.Set(ctx, "token", strings.Repeat("x", 16)), tt.expected)
		})
	}
}

func TestDisabled(t *testing.T) {
	ctx := context.Background()
	d := Disabled{Reason: "private mode"}

	_, err := d.Get(ctx, "token")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, d.Set(ctx, "token", "abc"), ErrUnavailable)
	assert.ErrorIs(t, d.Remove(ctx, "token"), ErrUnavailable)
	_, err = d.Keys(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
}
