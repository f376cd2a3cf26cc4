// Package authapitest runs an in-memory authentication service for tests.
package authapitest

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenLifetime is the lifetime of minted tokens.
const TokenLifetime = 30 * time.Minute

type account struct {
	id        int64
	username  string
	email     string
	password  string
	createdAt time.Time
}

// Server is a fake authentication service backed by an httptest.Server.
//
// Tokens are HS256 JWTs carrying the username in "sub". Rotate invalidates every
// token issued so far.
type Server struct {
	*httptest.Server

	// RegisterReturnsToken switches /auth/register from answering with the user
	// record to answering with a token envelope.
	RegisterReturnsToken bool

	mu       sync.Mutex
	secret   []byte
	accounts map[string]*account
	nextID   int64

	logins atomic.Int64
	mes    atomic.Int64
}

// NewServer starts a Server. It is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		secret:   newSecret(),
		accounts: make(map[string]*account),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", s.handleToken)
	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("GET /auth/me", s.handleMe)
	mux.HandleFunc("POST /auth/wechat-login", s.handleWeChatLogin)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func newSecret() []byte {
	secret := make([]byte, 32)
	_, _ = rand.Read(secret)
	return secret
}

// AddUser creates an account directly.
func (s *Server) AddUser(username, password, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(username, password, email)
}

func (s *Server) addLocked(username, password, email string) *account {
	s.nextID++
	a := &account{
		id:        s.nextID,
		username:  username,
		email:     email,
		password:  password,
		createdAt: time.Now().UTC(),
	}
	s.accounts[username] = a
	return a
}

// Issue mints a valid token for username without a login round trip.
func (s *Server) Issue(username string) string {
	s.mu.Lock()
	secret := s.secret
	s.mu.Unlock()

	token, err := mint(secret, username)
	if err != nil {
		panic(fmt.Sprintf("authapitest: mint token: %v", err))
	}
	return token
}

// Rotate replaces the signing key. Tokens issued before are rejected afterwards.
func (s *Server) Rotate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secret = newSecret()
}

// Logins returns the number of successful password logins.
func (s *Server) Logins() int64 { return s.logins.Load() }

// MeCalls returns the number of /auth/me requests.
func (s *Server) MeCalls() int64 { return s.mes.Load() }

func mint(secret []byte, username string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": username,
		"iat": now.Unix(),
		"exp": now.Add(TokenLifetime).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid form data")
		return
	}
	if gt := r.PostFormValue("grant_type"); gt != "" && gt != "password" {
		writeDetail(w, http.StatusBadRequest, "unsupported grant type")
		return
	}

	username, password := r.PostFormValue("username"), r.PostFormValue("password")

	s.mu.Lock()
	a, ok := s.accounts[username]
	secret := s.secret
	s.mu.Unlock()

	if !ok || a.password != password {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeDetail(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}

	token, err := mint(secret, username)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logins.Add(1)
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
		"username":     username,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}

	s.mu.Lock()
	if _, exists := s.accounts[req.Username]; exists {
		s.mu.Unlock()
		writeDetail(w, http.StatusBadRequest, "Username already registered")
		return
	}
	if req.Email != "" {
		for _, a := range s.accounts {
			if a.email == req.Email {
				s.mu.Unlock()
				writeDetail(w, http.StatusBadRequest, "Email already registered")
				return
			}
		}
	}
	a := s.addLocked(req.Username, req.Password, req.Email)
	secret := s.secret
	s.mu.Unlock()

	if s.RegisterReturnsToken {
		token, err := mint(secret, a.username)
		if err != nil {
			writeDetail(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "bearer"})
		return
	}
	writeJSON(w, http.StatusOK, userJSON(a))
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.mes.Add(1)

	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		raw = r.URL.Query().Get("token")
	}

	s.mu.Lock()
	secret := s.secret
	s.mu.Unlock()

	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		writeDetail(w, http.StatusUnauthorized, "Invalid token")
		return
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	s.mu.Lock()
	a, ok := s.accounts[sub]
	s.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Invalid token")
		return
	}
	writeJSON(w, http.StatusOK, userJSON(a))
}

func (s *Server) handleWeChatLogin(w http.ResponseWriter, _ *http.Request) {
	writeDetail(w, http.StatusNotImplemented, "WeChat login not fully implemented")
}

func userJSON(a *account) map[string]any {
	return map[string]any{
		"id":         a.id,
		"username":   a.username,
		"email":      a.email,
		"created_at": a.createdAt.Format(time.RFC3339),
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
