package portalsdk

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// TokenSource supplies the current access token. An empty token means none is
// stored and the request goes out without an Authorization header.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) AccessToken(ctx context.Context) (string, error) { return f(ctx) }

// Client is the single fetch wrapper used by every portal section to talk to
// the backend REST API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// Tokens supplies the bearer token attached to requests. Nil means requests
	// are never authenticated unless a token is passed explicitly.
	Tokens TokenSource

	// Limiter, when set, throttles outgoing requests client side. Waiting on it
	// honours the request context.
	Limiter *rate.Limiter
}

// NewClient creates a backend client with a 10 second request timeout.
func NewClient(baseURL string, tokens TokenSource) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		Tokens: tokens,
	}
}

// RequestOptions tunes a single Request call.
type RequestOptions struct {
	// Body is JSON-encoded when non-nil.
	Body any

	// Headers are set after the defaults, so they win.
	Headers map[string]string

	// Token overrides the TokenSource for this call.
	Token string

	// Anonymous suppresses the Authorization header entirely.
	Anonymous bool
}

// Request performs method on path and decodes a 2xx JSON body into out (when
// out is non-nil). Failures come back as *APIError or *NetworkError. Requests
// are never retried.
func (c *Client) Request(ctx context.Context, method, path string, opts RequestOptions, out any) error {
	resp, err := c.send(ctx, method, path, opts)
	if err != nil {
		return err
	}
	return decodeJSON(resp, out)
}
