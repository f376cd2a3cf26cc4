package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/authsync/internal/authapi"
	"github.com/florianilch/authsync/internal/authapi/authapitest"
	"github.com/florianilch/authsync/internal/monitor"
	"github.com/florianilch/authsync/internal/session"
	"github.com/florianilch/authsync/internal/storage"
	"github.com/florianilch/authsync/internal/tokenstore"
)

type cliHarness struct {
	t       *testing.T
	baseURL string
	store   string
}

func newHarness(t *testing.T) (*cliHarness, *authapitest.Server) {
	t.Helper()
	srv := authapitest.NewServer(t)
	return &cliHarness{t: t, baseURL: srv.URL, store: filepath.Join(t.TempDir(), "storage.json")}, srv
}

// run executes one CLI invocation against a fresh process-like App sharing the
// persistent file. Volatile storage lives in memory and ends with the invocation.
func (h *cliHarness) run(stdin string, args ...string) (string, error) {
	h.t.Helper()
	root := newRootCommand()
	var out, errOut bytes.Buffer
	root.Reader = strings.NewReader(stdin)
	root.Writer = &out
	root.ErrWriter = &errOut

	argv := append([]string{
		"authsync",
		"--log-level", "error",
		"--api--base-url", h.baseURL,
		"--storage--persistent--path", h.store,
		"--storage--volatile--type", "memory",
	}, args...)
	err := root.Run(context.Background(), argv)
	return out.String(), err
}

func TestLoginTokenLogout(t *testing.T) {
	h, srv := newHarness(t)
	srv.AddUser("alice", "s3cret!", "alice@example.com")

	out, err := h.run("s3cret!\n", "login", "--username", "alice", "--password-stdin")
	require.NoError(t, err)
	assert.Equal(t, "logged in as alice\n", out)

	out, err = h.run("", "token")
	require.NoError(t, err)
	var claims jwt.RegisteredClaims
	_, _, err = jwt.NewParser().ParseUnverified(strings.TrimSpace(out), &claims)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)

	out, err = h.run("", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "user:       alice\n")

	out, err = h.run("", "me")
	require.NoError(t, err)
	assert.Contains(t, out, "username: alice")
	assert.Contains(t, out, "email:    alice@example.com")

	out, err = h.run("", "logout")
	require.NoError(t, err)
	assert.Equal(t, "logged out\n", out)

	_, err = h.run("", "token")
	assert.ErrorIs(t, err, session.ErrNotAuthenticated)
}

func TestLoginPromptsForUsername(t *testing.T) {
	h, srv := newHarness(t)
	srv.AddUser("alice", "s3cret!", "")

	out, err := h.run("alice\ns3cret!\n", "login", "--password-stdin")
	require.NoError(t, err)
	assert.Equal(t, "logged in as alice\n", out)
}

func TestLoginRequiresTerminalOrStdinPassword(t *testing.T) {
	h, _ := newHarness(t)

	_, err := h.run("", "login", "--username", "alice")
	assert.ErrorContains(t, err, "--password-stdin")
}

func TestLoginWrongPassword(t *testing.T) {
	h, srv := newHarness(t)
	srv.AddUser("alice", "s3cret!", "")

	_, err := h.run("nope\n", "login", "-u", "alice", "--password-stdin")
	assert.ErrorIs(t, err, authapi.ErrUnauthorized)

	out, err := h.run("", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "state:      unauthenticated")
}

func TestRegister(t *testing.T) {
	h, _ := newHarness(t)

	out, err := h.run("hunter22\n", "register", "-u", "bob", "--email", "bob@example.com", "--password-stdin")
	require.NoError(t, err)
	assert.Equal(t, "registered and logged in as bob\n", out)

	out, err = h.run("", "status", "--json")
	require.NoError(t, err)
	var status statusOutput
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.True(t, status.Authenticated)
	assert.Equal(t, "bob", status.Subject)
	assert.Equal(t, "bob", status.Username)
	require.NotNil(t, status.ExpiresAt)
	assert.True(t, status.ExpiresAt.After(time.Now()))
	assert.NotContains(t, out, "access_token")
}

func TestMeClearsRejectedToken(t *testing.T) {
	h, srv := newHarness(t)
	srv.AddUser("alice", "s3cret!", "")

	_, err := h.run("s3cret!\n", "login", "-u", "alice", "--password-stdin")
	require.NoError(t, err)

	srv.Rotate()
	_, err = h.run("", "me")
	assert.ErrorIs(t, err, session.ErrSessionInvalid)

	_, err = h.run("", "token")
	assert.ErrorIs(t, err, session.ErrNotAuthenticated)
}

func TestLogoutWithEnvironmentStorage(t *testing.T) {
	h, srv := newHarness(t)
	t.Setenv("AUTHSYNC_STORED_TOKEN", srv.Issue("alice"))
	t.Setenv("AUTHSYNC_STORED_ISAUTHENTICATED", "true")
	volatile := filepath.Join(t.TempDir(), "session.json")
	envArgs := []string{"--storage--persistent--type", "env", "--storage--volatile--type", "file", "--storage--volatile--path", volatile}

	out, err := h.run("", append(envArgs, "status")...)
	require.NoError(t, err)
	assert.Contains(t, out, "state:      authenticated")

	_, err = h.run("", append(envArgs, "logout")...)
	require.NoError(t, err)

	out, err = h.run("", append(envArgs, "status")...)
	require.NoError(t, err)
	assert.Contains(t, out, "state:      unauthenticated")
	assert.Contains(t, out, "signed out")

	_, err = h.run("", append(envArgs, "token")...)
	assert.ErrorIs(t, err, session.ErrNotAuthenticated)
}

func TestRefreshAndWeChatUnsupported(t *testing.T) {
	h, _ := newHarness(t)

	_, err := h.run("", "refresh")
	assert.ErrorIs(t, err, tokenstore.ErrRefreshNotSupported)

	_, err = h.run("", "wechat-login", "--code", "wx")
	assert.ErrorIs(t, err, authapi.ErrNotImplemented)
}

func TestTokenClaimsOpaqueToken(t *testing.T) {
	subject, exp := tokenClaims("opaque-token")
	assert.Empty(t, subject)
	assert.Nil(t, exp)
}

func TestPrintStatusDivergent(t *testing.T) {
	var s statusOutput
	s.State = "authenticated"
	s.Divergent = true
	s.Persistent.HasToken = true
	s.Volatile.HasToken = true

	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, s))
	assert.Contains(t, buf.String(), "persistent and volatile tokens differ")
	assert.Contains(t, buf.String(), "persistent: token=yes flag=no")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchPrintsStateChanges(t *testing.T) {
	store, err := tokenstore.New(storage.NewMemory(), storage.NewMemory())
	require.NoError(t, err)
	mon := monitor.New(store, monitor.WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- watch(ctx, &out, mon) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), " unauthenticated\n")
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, store.Save(context.Background(), "tok"))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), " authenticated\n")
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after cancellation")
	}
}
