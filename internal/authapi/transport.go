package authapi

import "net/http"

// DefaultUserAgent identifies the client to the service.
const DefaultUserAgent = "authsync"

// headerTransport is an http.RoundTripper that sets the client headers on every
// request to the service, including the token exchange run by oauth2.
type headerTransport struct {
	base      http.RoundTripper
	userAgent string
}

// Compile-time check that headerTransport implements http.RoundTripper.
var _ http.RoundTripper = (*headerTransport)(nil)

// RoundTrip clones the request, sets the client headers and forwards it.
func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}

	newReq := req.Clone(req.Context())
	newReq.Header.Set("User-Agent", t.userAgent)
	if newReq.Header.Get("Accept") == "" {
		newReq.Header.Set("Accept", "application/json")
	}

	return base.RoundTrip(newReq)
}

// withHeaders returns a copy of hc whose transport sets the client headers.
func withHeaders(hc *http.Client, userAgent string) *http.Client {
	wrapped := *hc
	wrapped.Transport = &headerTransport{base: hc.Transport, userAgent: userAgent}
	return &wrapped
}
