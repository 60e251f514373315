package internal

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// DialOptions configures Dial.
type DialOptions struct {
	HTTPClient   *http.Client
	Origin       string
	UserAgent    string
	MaxFrameSize int64
	ReadTimeout  time.Duration
}

// Conn wraps websocket.Conn with a read timeout. The feed is read-only, so
// there is no write side.
type Conn struct {
	ws          *websocket.Conn
	readTimeout time.Duration
}

// Dial opens a websocket to rawURL.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (*Conn, error) {
	header := make(http.Header)
	if opts.Origin != "" {
		header.Set("Origin", opts.Origin)
	}
	if opts.UserAgent != "" {
		header.Set("User-Agent", opts.UserAgent)
	}
	ws, resp, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{
		HTTPClient: opts.HTTPClient,
		HTTPHeader: header,
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if opts.MaxFrameSize > 0 {
		ws.SetReadLimit(opts.MaxFrameSize)
	}
	return &Conn{ws: ws, readTimeout: opts.ReadTimeout}, nil
}

// Read returns the payload of the next data frame.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if c.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.readTimeout)
		defer cancel()
	}
	_, data, err := c.ws.Read(ctx)
	return data, err
}

func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}

// IsExpectedDisconnect reports whether err is an ordinary end of the feed
// rather than a failure worth logging loudly.
func IsExpectedDisconnect(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx != nil && ctx.Err() != nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}
