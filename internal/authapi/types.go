package authapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrUnauthorized means the credentials or the token were rejected.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConflict means the username or email is already registered.
	ErrConflict = errors.New("already registered")
	// ErrNotImplemented means the service does not offer the operation.
	ErrNotImplemented = errors.New("not implemented by the service")
	// ErrInvalidRequest means the request failed validation before it was sent.
	ErrInvalidRequest = errors.New("invalid request")
)

// TokenResponse is the envelope returned by the token endpoints.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Username    string `json:"username,omitempty"`
}

// User is an account as reported by the service.
type User struct {
	ID        int64  `json:"id,omitempty"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// RegisterRequest is the body of a registration.
type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Password string `json:"password" validate:"required,min=6"`
	Email    string `json:"email,omitempty" validate:"omitempty,email"`
}

// RegisterResponse holds whatever the service returned for a registration. The
// token fields are empty when the service only returns the user record.
type RegisterResponse struct {
	User
	AccessToken string `json:"access_token,omitempty"`
	TokenType   string `json:"token_type,omitempty"`
}

type weChatLoginRequest struct {
	Code string `json:"code"`
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Detail     string
}

func newAPIError(status int, body []byte) *APIError {
	return &APIError{StatusCode: status, Detail: detailFromBody(body)}
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("auth service returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("auth service returned %d: %s", e.StatusCode, e.Detail)
}

// Unwrap maps the status code onto the package sentinels so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusBadRequest, http.StatusConflict:
		return ErrConflict
	case http.StatusNotImplemented:
		return ErrNotImplemented
	case http.StatusUnprocessableEntity:
		return ErrInvalidRequest
	default:
		return nil
	}
}

// detailFromBody extracts a human readable message from an error body. The
// service answers {"detail": "..."} for most errors and a list of field errors
// for validation failures.
func detailFromBody(body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return strings.TrimSpace(string(body))
	}

	if len(envelope.Detail) > 0 {
		var s string
		if err := json.Unmarshal(envelope.Detail, &s); err == nil {
			return s
		}

		var fields []struct {
			Loc []any  `json:"loc"`
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(envelope.Detail, &fields); err == nil && len(fields) > 0 {
			msgs := make([]string, 0, len(fields))
			for _, f := range fields {
				if len(f.Loc) > 0 {
					msgs = append(msgs, fmt.Sprintf("%v: %s", f.Loc[len(f.Loc)-1], f.Msg))
				} else {
					msgs = append(msgs, f.Msg)
				}
			}
			return strings.Join(msgs, "; ")
		}
		return string(envelope.Detail)
	}
	return envelope.Error
}
