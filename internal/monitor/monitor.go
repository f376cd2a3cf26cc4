// Package monitor observes the stored authentication state and notifies
// subscribers when it changes.
//
// A Monitor recomputes the state from the token store on a fixed interval and
// whenever a change notifier reports a relevant key. Both triggers share one
// recompute path; a publish happens only when the state actually changed.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/florianilch/authsync/internal/clock"
	"github.com/florianilch/authsync/internal/storage"
	"github.com/florianilch/authsync/internal/tokenstore"
)

const (
	instrumentationName = "github.com/florianilch/authsync/internal/monitor"

	// DefaultInterval is the poll interval used when none is configured.
	DefaultInterval = time.Second
)

var (
	// ErrStarted is returned when Start is called twice.
	ErrStarted = errors.New("monitor already started")
	// ErrClosed is returned when Start is called after Close.
	ErrClosed = errors.New("monitor closed")
)

// State is the published authentication state.
type State int

const (
	StateUnknown State = iota
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// Handler receives state changes.
type Handler func(State)

// Source is the part of the token store the monitor reads.
type Source interface {
	Snapshot(ctx context.Context) tokenstore.Snapshot
	Keys() tokenstore.Keys
}

// Compile-time check to ensure the token store can feed a Monitor
var _ Source = (*tokenstore.Store)(nil)

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the poll interval. Non-positive values keep the default.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithClock replaces the real clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		m.clock = c
	}
}

// WithNotifier adds a change source. Events for unrelated keys are ignored.
func WithNotifier(n storage.Notifier) Option {
	return func(m *Monitor) {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
}

// WithMeter sets the meter used for monitor counters.
func WithMeter(meter metric.Meter) Option {
	return func(m *Monitor) {
		m.meter = meter
	}
}

type subscriber struct {
	id string
	fn Handler
}

// Monitor publishes authentication state changes.
type Monitor struct {
	source    Source
	interval  time.Duration
	clock     clock.Clock
	notifiers []storage.Notifier
	meter     metric.Meter

	divergences metric.Int64Counter
	publishes   metric.Int64Counter

	state atomic.Int32

	// mu serializes recompute and publish.
	mu        sync.Mutex
	divergent bool

	subsMu sync.RWMutex
	subs   []subscriber

	lifecycleMu sync.Mutex
	started     bool
	closed      bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a Monitor reading from source. It does nothing until Start.
func New(source Source, opts ...Option) *Monitor {
	m := &Monitor{
		source:   source,
		interval: DefaultInterval,
		clock:    clock.Real(),
		meter:    otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.divergences = m.counter("authsync.monitor.divergence",
		"Transitions into a state where persistent and volatile tokens differ")
	m.publishes = m.counter("authsync.monitor.publishes",
		"Authentication state changes published to subscribers")

	return m
}

func (m *Monitor) counter(name, description string) metric.Int64Counter {
	c, err := m.meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		slog.Warn("monitor counter unavailable", "name", name, "error", err)
		return noop.Int64Counter{}
	}
	return c
}

// Start computes the initial state synchronously, subscribes to the configured
// notifiers and starts polling. Polling stops on Close or when ctx is canceled.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.started {
		return ErrStarted
	}

	m.Refresh(ctx)

	trigger := make(chan struct{}, 1)
	keys := m.source.Keys()
	unsubscribes := make([]func(), 0, len(m.notifiers))
	for _, n := range m.notifiers {
		unsubscribes = append(unsubscribes, n.Subscribe(func(e storage.Event) {
			if !keys.Watches(e.Key) {
				return
			}
			select {
			case trigger <- struct{}{}:
			default:
			}
		}))
	}

	ticker := m.clock.NewTicker(m.interval)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})
	m.started = true

	go func() {
		defer close(m.done)
		defer func() {
			ticker.Stop()
			for _, unsubscribe := range unsubscribes {
				unsubscribe()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.Refresh(loopCtx)
			case <-trigger:
				m.Refresh(loopCtx)
			}
		}
	}()

	slog.DebugContext(ctx, "auth monitor started", "interval", m.interval, "notifiers", len(m.notifiers))
	return nil
}

// Close stops polling and releases the ticker and notifier subscriptions.
// It is safe to call more than once.
func (m *Monitor) Close() error {
	m.lifecycleMu.Lock()
	if m.closed {
		m.lifecycleMu.Unlock()
		return nil
	}
	m.closed = true
	cancel, done := m.cancel, m.done
	m.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// Done is closed when the poll loop has exited. It is nil before Start.
func (m *Monitor) Done() <-chan struct{} {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.done
}

// State returns the last published state.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Refresh recomputes the state now and publishes it if it changed. Callers use it
// after acting in this view (login, logout) instead of waiting for the next tick.
func (m *Monitor) Refresh(ctx context.Context) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.source.Snapshot(ctx)

	if snap.Divergent && !m.divergent {
		slog.WarnContext(ctx, "persistent and volatile tokens differ, using persistent token")
		m.divergences.Add(ctx, 1)
	}
	m.divergent = snap.Divergent

	next := StateUnauthenticated
	if snap.Authenticated {
		next = StateAuthenticated
	}

	prev := State(m.state.Swap(int32(next)))
	if prev == next {
		return next
	}

	slog.InfoContext(ctx, "auth state changed", "from", prev, "to", next)
	m.publishes.Add(ctx, 1)

	m.subsMu.RLock()
	handlers := make([]Handler, len(m.subs))
	for i, sub := range m.subs {
		handlers[i] = sub.fn
	}
	m.subsMu.RUnlock()

	for _, fn := range handlers {
		fn(next)
	}
	return next
}

// Subscribe registers fn for future state changes. Handlers run in subscription
// order on the goroutine that detected the change and must not block.
func (m *Monitor) Subscribe(fn Handler) (unsubscribe func()) {
	id := uuid.NewString()

	m.subsMu.Lock()
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			for i, sub := range m.subs {
				if sub.id == id {
					m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
					return
				}
			}
		})
	}
}
