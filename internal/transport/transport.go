// Package transport performs the HTTP round trips for the harvester. The
// live client owns connection handling, timeouts, TLS verification, and
// retries of transient failures; record/replay wrappers swap network I/O for
// an archive without the caller noticing.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultUserAgent = "stacktap/1.0"
	defaultTimeout   = 30 * time.Second
	maxRetries       = 3
)

// Getter issues one GET request and returns the raw response.
type Getter interface {
	Get(ctx context.Context, rawURL string, params url.Values) (*Response, error)
}

// Response is one raw API response, exposing both the textual body and a
// decoded-JSON view.
type Response struct {
	StatusCode int
	Body       []byte
}

// Text returns the raw body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// StatusError reports a non-success HTTP status.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.Code, e.URL)
}

// Client is the live HTTP transport.
type Client struct {
	httpClient *http.Client
	userAgent  string
	retries    int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithRetries sets the maximum number of attempts per request.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.retries = n
		}
	}
}

// WithInsecureTLS disables certificate verification.
func WithInsecureTLS() Option {
	return func(c *Client) {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
		c.httpClient.Transport = t
	}
}

// NewClient creates the live transport.
func NewClient(opts ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		userAgent:  defaultUserAgent,
		retries:    maxRetries,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// retrySleepFunc is the function used for retry backoff delays.
// It defaults to time.Sleep but can be overridden in tests.
var retrySleepFunc = time.Sleep

// Get fetches rawURL with the encoded params, retrying transient failures
// (network errors, HTTP 429 and 5xx) with 1s, 2s, 4s backoff.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	reqURL := rawURL
	if len(params) > 0 {
		reqURL = rawURL + "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second // 1s, 2s, 4s
			retrySleepFunc(backoff)
		}

		resp, err := c.send(req)
		if err == nil {
			return resp, nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) send(req *http.Request) (*Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &StatusError{Code: resp.StatusCode, URL: req.URL.String()}
	}

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= http.StatusInternalServerError
	}
	// Network-level failures are worth another attempt.
	return true
}
