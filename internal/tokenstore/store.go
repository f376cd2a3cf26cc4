package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/florianilch/authsync/internal/storage"
)

const instrumentationName = "github.com/florianilch/authsync/internal/tokenstore"

// ErrRefreshNotSupported is returned by Refresh: the remote service offers no
// refresh protocol, so a new token requires a new login.
var ErrRefreshNotSupported = errors.New("token refresh is not supported")

// Option configures a Store.
type Option func(*Store)

// WithKeys overrides the storage key names. Unset names keep their defaults.
func WithKeys(keys Keys) Option {
	return func(s *Store) {
		s.keys = keys.withDefaults()
	}
}

// WithMeter sets the meter used for quota recovery counters.
func WithMeter(meter metric.Meter) Option {
	return func(s *Store) {
		s.meter = meter
	}
}

// Store reads and writes the token across a persistent and a volatile backend.
// It is safe for concurrent use; every operation is a sequence of single-key
// backend calls and tolerates interleaving with other writers.
type Store struct {
	persistent storage.Backend
	volatile   storage.Backend
	keys       Keys

	meter      metric.Meter
	recoveries metric.Int64Counter
}

// New creates a Store over the given backends.
func New(persistent, volatile storage.Backend, opts ...Option) (*Store, error) {
	if persistent == nil {
		return nil, fmt.Errorf("missing persistent backend")
	}
	if volatile == nil {
		return nil, fmt.Errorf("missing volatile backend")
	}

	s := &Store{
		persistent: persistent,
		volatile:   volatile,
		keys:       DefaultKeys(),
		meter:      otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}

	recoveries, err := s.meter.Int64Counter("authsync.quota.recoveries",
		metric.WithDescription("Quota recoveries run after a persistent write was rejected for capacity"),
	)
	if err != nil {
		slog.Warn("quota recovery counter unavailable", "error", err)
		recoveries = noop.Int64Counter{}
	}
	s.recoveries = recoveries

	return s, nil
}

// Keys returns the storage key names in use.
func (s *Store) Keys() Keys { return s.keys }

// Save stores token without a username. See SaveSession.
func (s *Store) Save(ctx context.Context, token string) bool {
	return s.SaveSession(ctx, token, "")
}

// SaveSession writes the token and flag to persistent storage, then independently
// to volatile storage. A failure on one side never aborts the other. The username
// is written best-effort next to each complete record. SaveSession reports whether
// a complete record was retained in at least one backend.
//
// Tokens that are empty after trimming are refused. A successful save lifts the
// signed-out marker left by an earlier Clear.
func (s *Store) SaveSession(ctx context.Context, token, username string) bool {
	if !validToken(token) {
		slog.WarnContext(ctx, "refusing to save empty token")
		return false
	}

	// Both writes run to completion even if the caller gives up halfway.
	ctx = context.WithoutCancel(ctx)

	s.unmark(ctx, s.persistent, "persistent")
	s.unmark(ctx, s.volatile, "volatile")

	persisted := s.savePersistent(ctx, token)
	if persisted {
		s.saveUsername(ctx, s.persistent, "persistent", username)
	}
	kept := s.saveVolatile(ctx, token)
	if kept {
		s.saveUsername(ctx, s.volatile, "volatile", username)
	}

	if !persisted && !kept {
		slog.ErrorContext(ctx, "token not retained in any storage backend")
		return false
	}
	slog.DebugContext(ctx, "token saved", "persistent", persisted, "volatile", kept)
	return true
}

func (s *Store) savePersistent(ctx context.Context, token string) bool {
	if s.setPersistent(ctx, s.keys.Token, token) != writeStored {
		// Whatever the persistent side still holds is stale now.
		s.removeRecord(ctx, s.persistent, "persistent")
		return false
	}

	if s.setPersistent(ctx, s.keys.Flag, FlagValue, s.keys.Token) != writeStored {
		// Never leave a token without its flag behind.
		s.remove(ctx, s.persistent, "persistent", s.keys.Token)
		return false
	}
	return true
}

func (s *Store) saveVolatile(ctx context.Context, token string) bool {
	if err := s.volatile.Set(ctx, s.keys.Token, token); err != nil {
		slog.WarnContext(ctx, "volatile token write failed", "error", err)
		// The previous volatile token must not outlive a newer persistent one.
		s.removeRecord(ctx, s.volatile, "volatile")
		return false
	}

	if err := s.volatile.Set(ctx, s.keys.Flag, FlagValue); err != nil {
		slog.WarnContext(ctx, "volatile flag write failed", "error", err)
		s.removeRecord(ctx, s.volatile, "volatile")
		return false
	}
	return true
}

// saveUsername never runs quota recovery. A username that cannot be written is
// removed so it cannot be attributed to the new token.
func (s *Store) saveUsername(ctx context.Context, backend storage.Backend, name, username string) {
	if username == "" {
		s.remove(ctx, backend, name, s.keys.Username)
		return
	}
	if err := backend.Set(ctx, s.keys.Username, username); err != nil {
		slog.DebugContext(ctx, "username write failed", "backend", name, "error", err)
		s.remove(ctx, backend, name, s.keys.Username)
	}
}

// writeOutcome describes where a persistent write ended up.
type writeOutcome int

const (
	writeStored     writeOutcome = iota // persisted
	writeRedirected                     // quota recovery moved it to volatile storage
	writeFailed                         // not written anywhere
)

// setPersistent writes key to persistent storage, running quota recovery when the
// backend reports a capacity failure.
func (s *Store) setPersistent(ctx context.Context, key, value string, keep ...string) writeOutcome {
	err := s.persistent.Set(ctx, key, value)
	if err == nil {
		return writeStored
	}
	if !errors.Is(err, storage.ErrQuotaExceeded) {
		slog.WarnContext(ctx, "persistent write failed", "key", key, "error", err)
		return writeFailed
	}
	return s.recoverQuota(ctx, key, value, err, keep...)
}

// Clear removes the token, flag and username from both backends. Every removal
// is attempted even if earlier ones fail; the flag goes first so a partial clear
// can never leave the session authenticated.
//
// A backend that refuses to drop its token, such as the read-only environment,
// would otherwise re-authenticate the session on the next read. When a token
// survives, Clear writes the signed-out marker to every backend that accepts it.
func (s *Store) Clear(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	persistentClean := s.removeRecord(ctx, s.persistent, "persistent")
	volatileClean := s.removeRecord(ctx, s.volatile, "volatile")
	if persistentClean && volatileClean {
		slog.DebugContext(ctx, "token cleared")
		return
	}

	marked := false
	for _, b := range []struct {
		name    string
		backend storage.Backend
	}{{"persistent", s.persistent}, {"volatile", s.volatile}} {
		if err := b.backend.Set(ctx, s.keys.SignedOut, FlagValue); err != nil {
			slog.DebugContext(ctx, "signed-out marker write failed", "backend", b.name, "error", err)
			continue
		}
		marked = true
	}
	if !marked {
		slog.WarnContext(ctx, "token could not be cleared and no backend accepted the signed-out marker")
		return
	}
	slog.InfoContext(ctx, "stored token could not be removed, session marked as signed out")
}

// removeRecord reports whether the backend holds neither flag nor token afterwards.
func (s *Store) removeRecord(ctx context.Context, backend storage.Backend, name string) bool {
	flagGone := s.remove(ctx, backend, name, s.keys.Flag)
	tokenGone := s.remove(ctx, backend, name, s.keys.Token)
	s.remove(ctx, backend, name, s.keys.Username)
	return flagGone && tokenGone
}

// remove reports whether key is absent afterwards. A failed removal of a key that
// was never there is not worth a warning.
func (s *Store) remove(ctx context.Context, backend storage.Backend, name, key string) bool {
	err := backend.Remove(ctx, key)
	if err == nil {
		return true
	}
	if s.get(ctx, backend, name, key) == "" {
		slog.DebugContext(ctx, "storage remove failed on absent key", "backend", name, "key", key, "error", err)
		return true
	}
	slog.WarnContext(ctx, "storage remove failed", "backend", name, "key", key, "error", err)
	return false
}

// unmark lifts the signed-out marker. Backends that cannot remove it get the
// marker overwritten with a value that does not count.
func (s *Store) unmark(ctx context.Context, backend storage.Backend, name string) {
	if !s.signedOut(ctx, backend, name) {
		return
	}
	if backend.Remove(ctx, s.keys.SignedOut) == nil {
		return
	}
	if err := backend.Set(ctx, s.keys.SignedOut, ""); err != nil {
		slog.WarnContext(ctx, "signed-out marker could not be lifted", "backend", name, "error", err)
	}
}

func (s *Store) signedOut(ctx context.Context, backend storage.Backend, name string) bool {
	return s.get(ctx, backend, name, s.keys.SignedOut) == FlagValue
}

// Read returns the persistent token if non-empty, else the volatile token.
// Durability wins over recency. Nothing is returned while the session is marked
// as signed out.
func (s *Store) Read(ctx context.Context) (string, bool) {
	if s.signedOut(ctx, s.persistent, "persistent") || s.signedOut(ctx, s.volatile, "volatile") {
		return "", false
	}
	if token := s.get(ctx, s.persistent, "persistent", s.keys.Token); token != "" {
		return token, true
	}
	if token := s.get(ctx, s.volatile, "volatile", s.keys.Token); token != "" {
		return token, true
	}
	return "", false
}

// HasValidToken reports whether Read finds a token that is non-empty after trimming.
func (s *Store) HasValidToken(ctx context.Context) bool {
	token, ok := s.Read(ctx)
	return ok && validToken(token)
}

// IsAuthenticated reports whether a flag is set in either backend and a valid
// token is present.
func (s *Store) IsAuthenticated(ctx context.Context) bool {
	return s.Snapshot(ctx).Authenticated
}

// Snapshot reads both records and reconciles them.
func (s *Store) Snapshot(ctx context.Context) Snapshot {
	return Reconcile(
		s.record(ctx, s.persistent, "persistent"),
		s.record(ctx, s.volatile, "volatile"),
	)
}

// Refresh would exchange the current token for a new one. The remote service has
// no such endpoint, so it always fails with ErrRefreshNotSupported.
func (s *Store) Refresh(ctx context.Context) (string, error) {
	return "", ErrRefreshNotSupported
}

func (s *Store) record(ctx context.Context, backend storage.Backend, name string) Record {
	return Record{
		Token:     s.get(ctx, backend, name, s.keys.Token),
		Flag:      s.get(ctx, backend, name, s.keys.Flag) == FlagValue,
		Username:  s.get(ctx, backend, name, s.keys.Username),
		SignedOut: s.signedOut(ctx, backend, name),
	}
}

// get reads key, treating every failure as absence. Failures other than a
// missing key are logged at debug level since pollers read every second.
func (s *Store) get(ctx context.Context, backend storage.Backend, name, key string) string {
	value, err := backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			slog.DebugContext(ctx, "storage read failed", "backend", name, "key", key, "error", err)
		}
		return ""
	}
	return value
}
