// Package authapi is a client for the remote authentication service.
//
// The service issues opaque bearer tokens through an OAuth2 password grant on
// /auth/token, registers accounts on /auth/register and resolves a token to its
// user on /auth/me. Tokens are passed through unchanged; this package never
// inspects them.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/oauth2"
)

const (
	// DefaultTimeout bounds a single request when no HTTP client is supplied.
	DefaultTimeout = 30 * time.Second

	// maxResponseSize limits how much of a response body is read.
	maxResponseSize = 1 << 20
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for every request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithUserAgent overrides the User-Agent sent to the service.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// Client talks to the authentication service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
	oauth      *oauth2.Config
	validate   *validator.Validate
}

// New creates a Client for the service rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base url %q: missing host", baseURL)
	}

	c := &Client{
		baseURL:   u,
		timeout:   DefaultTimeout,
		userAgent: DefaultUserAgent,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	c.httpClient = withHeaders(c.httpClient, c.userAgent)

	c.oauth = &oauth2.Config{
		Endpoint: oauth2.Endpoint{
			TokenURL: c.endpoint("/auth/token"),
			// The service reads username and password from the form body only.
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	return c, nil
}

// BaseURL returns the service root.
func (c *Client) BaseURL() string { return c.baseURL.String() }

func (c *Client) endpoint(path string) string {
	return c.baseURL.JoinPath(path).String()
}

// Login exchanges username and password for a token.
func (c *Client) Login(ctx context.Context, username, password string) (*TokenResponse, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalidRequest)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.oauth.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			return nil, newAPIError(retrieveErr.Response.StatusCode, retrieveErr.Body)
		}
		return nil, fmt.Errorf("request token: %w", err)
	}

	resp := &TokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   tok.Type(),
		Username:    username,
	}
	if name, ok := tok.Extra("username").(string); ok && name != "" {
		resp.Username = name
	}
	slog.DebugContext(ctx, "login succeeded", "username", resp.Username)
	return resp, nil
}

// Register creates an account. Some deployments answer with the new user record,
// others with a token envelope; both shapes are decoded.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	var resp RegisterResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/register", req, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Username == "" {
		resp.Username = req.Username
	}
	return &resp, nil
}

// Me resolves token to the user it belongs to.
func (c *Client) Me(ctx context.Context, token string) (*User, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidRequest)
	}

	hc := &http.Client{
		Timeout: c.httpClient.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   c.httpClient.Transport,
		},
	}

	var user User
	if err := c.doJSON(ctx, http.MethodGet, "/auth/me", nil, hc, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// WeChatLogin exchanges a WeChat authorization code for a token.
func (c *Client) WeChatLogin(ctx context.Context, code string) (*TokenResponse, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}

	var resp TokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/wechat-login", weChatLoginRequest{Code: code}, nil, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("wechat login: response carried no access token")
	}
	return &resp, nil
}

// doJSON sends body as JSON and decodes a successful response into out.
// Non-2xx responses become *APIError.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, hc *http.Client, out any) error {
	if hc == nil {
		hc = c.httpClient
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
