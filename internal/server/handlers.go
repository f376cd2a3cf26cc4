package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/florianilch/authsync/internal/monitor"
	"github.com/florianilch/authsync/internal/tokenstore"
)

// RecordStatus describes one backend without revealing its token.
type RecordStatus struct {
	HasToken bool `json:"has_token"`
	Flag     bool `json:"flag"`
}

// StatusResponse is the body of GET /v1/auth/status.
type StatusResponse struct {
	State         string       `json:"state"`
	Authenticated bool         `json:"authenticated"`
	Username      string       `json:"username,omitempty"`
	Divergent     bool         `json:"divergent"`
	SignedOut     bool         `json:"signed_out,omitempty"`
	Persistent    RecordStatus `json:"persistent"`
	Volatile      RecordStatus `json:"volatile"`
}

// StateEvent is the payload of one event on GET /v1/auth/events.
type StateEvent struct {
	State string    `json:"state"`
	Time  time.Time `json:"time"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Username  string `json:"username,omitempty"`
	TokenType string `json:"token_type"`
}

// NewStatusResponse describes snap in state without revealing any token.
// The username is reported only for an authenticated session.
func NewStatusResponse(state monitor.State, snap tokenstore.Snapshot) StatusResponse {
	resp := StatusResponse{
		State:         state.String(),
		Authenticated: snap.Authenticated,
		Divergent:     snap.Divergent,
		SignedOut:     snap.SignedOut,
		Persistent:    RecordStatus{HasToken: snap.Persistent.HasToken(), Flag: snap.Persistent.Flag},
		Volatile:      RecordStatus{HasToken: snap.Volatile.HasToken(), Flag: snap.Volatile.Flag},
	}
	if snap.Authenticated {
		resp.Username = snap.Username
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(ctx, w, NewStatusResponse(s.states.State(), s.session.Status(ctx)), http.StatusOK)
}

// handleEvents streams every state change as an SSE "state" event. The current
// state is sent first. The subscription is opened before the current state is
// read, so a change published in between can be queued twice; consecutive
// duplicates are skipped.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	changes := make(chan monitor.State, 8)
	unsubscribe := s.states.Subscribe(func(state monitor.State) {
		select {
		case changes <- state:
		default:
			slog.WarnContext(ctx, "event stream consumer too slow, dropping state change", "state", state)
		}
	})
	defer unsubscribe()

	stream, err := openEventStream(w)
	if err != nil {
		slog.ErrorContext(ctx, "cannot stream state events", "error", err)
		return
	}
	last := s.states.State()
	if err := stream.event("state", StateEvent{State: last.String(), Time: time.Now().UTC()}); err != nil {
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			_ = stream.comment("server shutting down")
			return
		case <-heartbeat.C:
			if err := stream.comment("keep-alive"); err != nil {
				return
			}
		case state := <-changes:
			if state == last {
				continue
			}
			last = state
			if err := stream.event("state", StateEvent{State: state.String(), Time: time.Now().UTC()}); err != nil {
				slog.DebugContext(ctx, "event stream write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, err := s.session.Profile(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(ctx, w, user, http.StatusOK)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req loginRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSONError(ctx, w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	resp, err := s.session.Login(ctx, req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(ctx, w, loginResponse{Username: resp.Username, TokenType: resp.TokenType}, http.StatusOK)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.session.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}
