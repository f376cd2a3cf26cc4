// Package session ties the remote authentication service to local token storage.
//
// A Manager performs the user-facing actions (login, registration, logout,
// profile lookup) and keeps the token store and the auth monitor in step with
// their outcome.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/florianilch/authsync/internal/authapi"
	"github.com/florianilch/authsync/internal/monitor"
	"github.com/florianilch/authsync/internal/tokenstore"
)

var (
	// ErrNotAuthenticated is returned when an action needs a stored token and none exists.
	ErrNotAuthenticated = errors.New("not logged in")
	// ErrSessionInvalid is returned when the service rejected the stored token.
	// The local session has been cleared by the time it is returned.
	ErrSessionInvalid = errors.New("session is no longer valid, log in again")
	// ErrNotStored is returned when a token was issued but no storage backend kept it.
	ErrNotStored = errors.New("token could not be stored")
)

// API is the remote service as used by the Manager.
type API interface {
	Login(ctx context.Context, username, password string) (*authapi.TokenResponse, error)
	Register(ctx context.Context, req authapi.RegisterRequest) (*authapi.RegisterResponse, error)
	Me(ctx context.Context, token string) (*authapi.User, error)
	WeChatLogin(ctx context.Context, code string) (*authapi.TokenResponse, error)
}

// Compile-time check to ensure the HTTP client satisfies API
var _ API = (*authapi.Client)(nil)

// Refresher is told to recompute after an action changed the stored token.
type Refresher interface {
	Refresh(ctx context.Context) monitor.State
}

// Compile-time check to ensure Monitor implements Refresher
var _ Refresher = (*monitor.Monitor)(nil)

// Option configures a Manager.
type Option func(*Manager)

// WithMonitor attaches a monitor that is refreshed after every action.
func WithMonitor(r Refresher) Option {
	return func(m *Manager) {
		m.monitor = r
	}
}

// Manager runs authentication actions against the service and the store.
type Manager struct {
	api     API
	store   *tokenstore.Store
	monitor Refresher
}

// New creates a Manager.
func New(api API, store *tokenstore.Store, opts ...Option) *Manager {
	m := &Manager{api: api, store: store}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Login authenticates with username and password and stores the issued token.
func (m *Manager) Login(ctx context.Context, username, password string) (*authapi.TokenResponse, error) {
	resp, err := m.api.Login(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if err := m.save(ctx, resp.AccessToken, resp.Username); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "logged in", "username", resp.Username)
	return resp, nil
}

// Register creates an account and signs in with it. If the service answers the
// registration with a token, that token is stored; otherwise a regular login
// follows.
func (m *Manager) Register(ctx context.Context, req authapi.RegisterRequest) (*authapi.User, error) {
	resp, err := m.api.Register(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	slog.InfoContext(ctx, "account registered", "username", resp.Username)

	if resp.AccessToken != "" {
		if err := m.save(ctx, resp.AccessToken, resp.Username); err != nil {
			return nil, err
		}
		return &resp.User, nil
	}

	if _, err := m.Login(ctx, req.Username, req.Password); err != nil {
		return nil, fmt.Errorf("sign in after registration: %w", err)
	}
	return &resp.User, nil
}

// WeChatLogin exchanges a WeChat authorization code for a token and stores it.
func (m *Manager) WeChatLogin(ctx context.Context, code string) (*authapi.TokenResponse, error) {
	resp, err := m.api.WeChatLogin(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("wechat login: %w", err)
	}
	if err := m.save(ctx, resp.AccessToken, resp.Username); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "logged in with wechat", "username", resp.Username)
	return resp, nil
}

// Logout removes the stored token. It never fails.
func (m *Manager) Logout(ctx context.Context) {
	m.store.Clear(ctx)
	m.refresh(ctx)
	slog.InfoContext(ctx, "logged out")
}

// Profile resolves the stored token to its user. A token the service rejects is
// cleared and ErrSessionInvalid is returned.
func (m *Manager) Profile(ctx context.Context) (*authapi.User, error) {
	token, ok := m.store.Read(ctx)
	if !ok {
		return nil, ErrNotAuthenticated
	}

	user, err := m.api.Me(ctx, token)
	if errors.Is(err, authapi.ErrUnauthorized) {
		slog.WarnContext(ctx, "stored token rejected by auth service, clearing session")
		m.store.Clear(ctx)
		m.refresh(ctx)
		return nil, fmt.Errorf("%w: %w", ErrSessionInvalid, err)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	return user, nil
}

// Token returns the stored token.
func (m *Manager) Token(ctx context.Context) (string, bool) {
	return m.store.Read(ctx)
}

// Status returns the reconciled view of both storage backends.
func (m *Manager) Status(ctx context.Context) tokenstore.Snapshot {
	return m.store.Snapshot(ctx)
}

// RefreshToken asks for a new token. The service offers no refresh, so this
// always fails with tokenstore.ErrRefreshNotSupported; the stored token is kept.
func (m *Manager) RefreshToken(ctx context.Context) (string, error) {
	token, err := m.store.Refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	return token, nil
}

func (m *Manager) save(ctx context.Context, token, username string) error {
	if !m.store.SaveSession(ctx, token, username) {
		return ErrNotStored
	}
	m.refresh(ctx)
	return nil
}

func (m *Manager) refresh(ctx context.Context) {
	if m.monitor != nil {
		m.monitor.Refresh(ctx)
	}
}
