package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"
)

// Options configures a Client.
type Options struct {
	// HTTPClient is copied and used for all requests. If nil, a client
	// with the default transport is used.
	HTTPClient *http.Client
	// Jar replaces the HTTP client's cookie jar when set.
	Jar http.CookieJar
	// UserAgent is sent on every request.
	UserAgent string
	// Timeout bounds each request. Zero disables it.
	Timeout time.Duration
	// RequestsPerSecond paces requests. Zero means unlimited.
	RequestsPerSecond float64
}

// Client performs form-encoded requests against the chat web application
// on behalf of one cookie identity.
type Client struct {
	httpClient *http.Client
	userAgent  string
	timeout    time.Duration
	limiter    *rate.Limiter
}

// NewClient creates a new client.
func NewClient(opts Options) *Client {
	hc := &http.Client{}
	if opts.HTTPClient != nil {
		copied := *opts.HTTPClient
		hc = &copied
	}
	if opts.Jar != nil {
		hc.Jar = opts.Jar
	}
	// Per-request deadlines come from the context so the same client can
	// also carry long-lived websocket handshakes.
	hc.Timeout = 0

	c := &Client{
		httpClient: hc,
		userAgent:  opts.UserAgent,
		timeout:    opts.Timeout,
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return c
}

// Fork returns a client sharing this client's cookies, transport and
// request pacing, with its own *http.Client value.
func (c *Client) Fork() *Client {
	copied := *c.httpClient
	return &Client{
		httpClient: &copied,
		userAgent:  c.userAgent,
		timeout:    c.timeout,
		limiter:    c.limiter,
	}
}

// HTTPClient returns the underlying HTTP client, for websocket dials.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// UserAgent returns the configured user agent.
func (c *Client) UserAgent() string { return c.userAgent }

// Cookies returns the cookies the jar would send to rawURL.
func (c *Client) Cookies(rawURL string) []*http.Cookie {
	if c.httpClient.Jar == nil {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	return c.httpClient.Jar.Cookies(u)
}

// CloseIdleConnections closes idle connections in the transport pool.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// RequestOption customizes a single request.
type RequestOption func(*requestConfig)

type requestConfig struct {
	header     http.Header
	noRedirect bool
}

// WithHeader sets a request header.
func WithHeader(key, value string) RequestOption {
	return func(rc *requestConfig) { rc.header.Set(key, value) }
}

// WithoutRedirects returns 3xx responses to the caller instead of
// following them.
func WithoutRedirects() RequestOption {
	return func(rc *requestConfig) { rc.noRedirect = true }
}

// Get fetches rawURL.
func (c *Client) Get(ctx context.Context, rawURL string, opts ...RequestOption) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.do(req, opts)
}

// GetHTML fetches rawURL and parses it as an HTML document. Non-2xx
// responses fail with *StatusError.
func (c *Client) GetHTML(ctx context.Context, rawURL string, opts ...RequestOption) (*html.Node, error) {
	resp, err := c.Get(ctx, rawURL, opts...)
	if err != nil {
		return nil, err
	}
	if err := resp.CheckStatus(); err != nil {
		return nil, err
	}
	return resp.HTML()
}

// PostForm submits form url-encoded to rawURL.
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values, opts ...RequestOption) (*Response, error) {
	var body io.Reader = http.NoBody
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, opts)
}

// Helper methods

func (c *Client) do(req *http.Request, opts []RequestOption) (*Response, error) {
	rc := requestConfig{header: make(http.Header)}
	for _, opt := range opts {
		opt(&rc)
	}
	for k, v := range rc.header {
		req.Header[k] = v
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	ctx := req.Context()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
		req = req.WithContext(ctx)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	hc := c.httpClient
	if rc.noRedirect {
		copied := *hc
		copied.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		hc = &copied
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{
		Method:     req.Method,
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// Response is a fully read HTTP response.
type Response struct {
	Method     string
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsRedirect reports a 3xx status.
func (r *Response) IsRedirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400
}

// CheckStatus returns a *StatusError for non-2xx responses.
func (r *Response) CheckStatus() error {
	if r.IsSuccess() {
		return nil
	}
	return &StatusError{
		Method:     r.Method,
		URL:        r.URL,
		StatusCode: r.StatusCode,
		Body:       string(r.Body),
	}
}

// Text returns the body with surrounding whitespace trimmed.
func (r *Response) Text() string {
	return string(bytes.TrimSpace(r.Body))
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// HTML parses the body as an HTML document.
func (r *Response) HTML() (*html.Node, error) {
	doc, err := html.Parse(bytes.NewReader(r.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// StatusError is returned for responses outside the 2xx range.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

// AsStatusError extracts a *StatusError from err's chain.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
