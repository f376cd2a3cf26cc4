// Package server exposes the local authentication state over HTTP.
//
// It serves a small JSON API for tools that run next to the CLI: the current
// state, a Server-Sent Events stream of state changes, and login, logout and
// profile actions backed by the session manager. Tokens are never returned.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/florianilch/authsync/internal/authapi"
	"github.com/florianilch/authsync/internal/monitor"
	"github.com/florianilch/authsync/internal/tokenstore"
)

// Session is the session manager as used by the HTTP handlers.
type Session interface {
	Status(ctx context.Context) tokenstore.Snapshot
	Login(ctx context.Context, username, password string) (*authapi.TokenResponse, error)
	Logout(ctx context.Context)
	Profile(ctx context.Context) (*authapi.User, error)
}

// StateSource publishes authentication state changes.
type StateSource interface {
	State() monitor.State
	Subscribe(fn monitor.Handler) (unsubscribe func())
}

// Compile-time check to ensure Monitor can feed the events stream
var _ StateSource = (*monitor.Monitor)(nil)

// Option configures a Server.
type Option func(*Server)

// WithHeartbeat sets the interval of keep-alive comments on event streams.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// Server is the local HTTP endpoint.
type Server struct {
	mux       *http.ServeMux
	server    *http.Server
	session   Session
	states    StateSource
	heartbeat time.Duration

	// closing ends open event streams on Shutdown.
	closing   chan struct{}
	closeOnce sync.Once
}

// Compile-time check that Server implements http.Handler
var _ http.Handler = (*Server)(nil)

// New creates a Server.
func New(session Session, states StateSource, opts ...Option) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		session:   session,
		states:    states,
		heartbeat: 15 * time.Second,
		closing:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	logger := slog.Default()
	handle := func(pattern string, h http.HandlerFunc) {
		s.mux.Handle(pattern, chain(h,
			Logging(logger),
			Recovery,
		))
	}

	handle("GET /v1/auth/status", s.handleStatus)
	handle("GET /v1/auth/events", s.handleEvents)
	handle("GET /v1/auth/me", s.handleMe)
	handle("POST /v1/auth/login", s.handleLogin)
	handle("POST /v1/auth/logout", s.handleLogout)

	return s
}

// ServeHTTP implements http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (s *Server) Start(ctx context.Context, address string) (<-chan error, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.server = &http.Server{
		Handler:     s,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: event streams stay open until the client leaves.
		IdleTimeout: 90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	slog.InfoContext(ctx, "http server listening", "address", listener.Addr().String())

	errCh := make(chan error, 1)

	go func() {
		err := s.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown ends open event streams and performs graceful shutdown of the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })

	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = s.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
