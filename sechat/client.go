package sechat

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/vovakirdan/sechat-sdk/sechat-sdk-go/sechat/internal/scrape"
	"github.com/vovakirdan/sechat-sdk/sechat-sdk-go/sechat/rest"
)

const (
	accountCookie   = "acct"
	loginOK         = "Login-OK"
	humanCheckTitle = "Human verification"
)

// Client is one authenticated chat identity. It owns the cookie jar and
// every room joined through it.
type Client struct {
	cfg     Config
	logger  Logger
	chatURL string
	http    *rest.Client
	creds   credentials
	joins   singleflight.Group

	mu     sync.Mutex
	rooms  map[uint64]*Room
	closed bool
}

// NewClient constructs a client with provided config.
// Use DefaultConfig() as a starting point and modify as needed.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	jar := cfg.CookieJar
	if jar == nil {
		var err error
		jar, err = cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, WrapError(ErrorInvalidConfig, "create cookie jar", err)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		chatURL: cfg.chatURL(),
		http: rest.NewClient(rest.Options{
			HTTPClient:        cfg.HTTPClient,
			Jar:               jar,
			UserAgent:         cfg.UserAgent,
			Timeout:           cfg.RequestTimeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
		}),
		rooms: make(map[uint64]*Room),
	}, nil
}

// SetLogger overrides logger (optional).
func (c *Client) SetLogger(l Logger) {
	if l == nil {
		return
	}
	c.logger = l
}

// ChatURL returns the base URL of the chat server.
func (c *Client) ChatURL() string { return c.chatURL }

// CookieJar returns the jar holding the session cookies, so they can be
// persisted and passed back through Config.CookieJar later.
func (c *Client) CookieJar() http.CookieJar { return c.http.HTTPClient().Jar }

// User returns the logged-in user.
func (c *Client) User() (User, error) { return c.creds.User() }

// FKey returns the anti-forgery token of the session.
func (c *Client) FKey() (string, error) { return c.creds.FKey() }

// Login authenticates the client. When the cookie jar already holds an
// account cookie the password exchange is skipped and only the chat
// session token and identity are fetched.
func (c *Client) Login(ctx context.Context, email, password string) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.logger.Info("logging in", map[string]any{"email": email})

	if !c.hasAccountCookie() {
		c.logger.Info("no account cookie, logging in with password", nil)
		if err := c.passwordLogin(ctx, email, password); err != nil {
			return err
		}
	}

	c.logger.Debug("getting chat info", nil)
	fkey, user, err := c.chatIdentity(ctx)
	if err != nil {
		return err
	}
	c.creds.set(fkey, user)
	c.logger.Info("logged in", map[string]any{"user_id": user.ID, "user_name": user.Name})
	return nil
}

func (c *Client) hasAccountCookie() bool {
	for _, cookie := range c.http.Cookies(c.cfg.LoginURL) {
		if cookie.Name == accountCookie {
			return true
		}
	}
	return false
}

func (c *Client) loginURL(path string) string {
	return strings.TrimRight(c.cfg.LoginURL, "/") + path
}

func (c *Client) passwordLogin(ctx context.Context, email, password string) error {
	doc, err := c.http.GetHTML(ctx, c.loginURL("/users/login"))
	if err != nil {
		return WrapError(ErrorLoginFailed, "fetch login page", err)
	}
	fkey, ok := scrape.FKey(doc)
	if !ok {
		return NewError(ErrorLoginFailed, "failed to get fkey from login page")
	}

	c.logger.Debug("submitting credentials", nil)
	resp, err := c.http.PostForm(ctx, c.loginURL("/users/login-or-signup/validation/track"), url.Values{
		"email":        {email},
		"password":     {password},
		"fkey":         {fkey},
		"isSignup":     {"false"},
		"isLogin":      {"true"},
		"isPassword":   {"false"},
		"isAddLogin":   {"false"},
		"hasCaptcha":   {"false"},
		"ssrc":         {"head"},
		"submitButton": {"Log in"},
	})
	if err != nil {
		return WrapError(ErrorLoginFailed, "submit credentials", err)
	}
	if body := resp.Text(); body != loginOK {
		return &Error{Code: ErrorLoginFailed, Message: "failed to log in", StatusCode: resp.StatusCode, Body: body}
	}

	c.logger.Debug("loading profile", nil)
	resp, err = c.http.PostForm(ctx, c.loginURL("/users/login"), url.Values{
		"email":    {email},
		"password": {password},
		"fkey":     {fkey},
		"ssrc":     {"head"},
	}, rest.WithoutRedirects())
	if err != nil {
		return WrapError(ErrorLoginFailed, "load profile", err)
	}
	if resp.StatusCode == http.StatusFound {
		return nil
	}
	if page, err := resp.HTML(); err == nil && strings.Contains(scrape.Title(page), humanCheckTitle) {
		return NewError(ErrorCaptchaRequired, "captcha required, wait a few minutes and try again")
	}
	return &Error{Code: ErrorLoginFailed, Message: "failed to load profile", StatusCode: resp.StatusCode}
}

// chatIdentity reads the session token and the logged-in user from the
// chat landing page.
func (c *Client) chatIdentity(ctx context.Context) (string, User, error) {
	doc, err := c.http.GetHTML(ctx, c.chatURL+"/chats/join/favorite")
	if err != nil {
		return "", User{}, WrapError(ErrorLoginFailed, "fetch chat landing page", err)
	}
	href, name, found := scrape.ProfileLink(doc)
	if !found {
		return "", User{}, NewError(ErrorInvalidCredentials, "no profile link on chat page (bad cookies?)")
	}
	user, ok, err := userFromProfileLink(href, name)
	if err != nil {
		return "", User{}, WrapError(ErrorLoginFailed, "parse profile link", err)
	}
	if !ok {
		return "", User{}, NewError(ErrorInvalidCredentials, "invalid credentials")
	}
	fkey, ok := scrape.FKey(doc)
	if !ok {
		return "", User{}, NewError(ErrorLoginFailed, "failed to get fkey from chat page")
	}
	return fkey, user, nil
}

// JoinRoom joins a room and starts reading its feed. Joining an already
// joined room returns the existing *Room. Concurrent calls for the same id
// share a single join handshake. A caller whose ctx ends returns early
// with ctx's error; the shared handshake carries on for the others and
// registers the room if it succeeds.
func (c *Client) JoinRoom(ctx context.Context, id uint64) (*Room, error) {
	if room, ok := c.Room(id); ok {
		return room, nil
	}
	if _, err := c.creds.FKey(); err != nil {
		return nil, err
	}

	// Shared by all concurrent callers; bounded by RequestTimeout and
	// HandshakeTimeout instead of the first caller's ctx.
	joinCtx := context.WithoutCancel(ctx)
	ch := c.joins.DoChan(strconv.FormatUint(id, 10), func() (any, error) {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if room, ok := c.rooms[id]; ok {
			c.mu.Unlock()
			return room, nil
		}
		c.mu.Unlock()

		room := newRoom(c, id)
		if err := room.join(joinCtx); err != nil {
			room.abort()
			return nil, err
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = room.Close()
			return nil, ErrClosed
		}
		c.rooms[id] = room
		c.mu.Unlock()
		return room, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Room), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LeaveRoom leaves the room with the given id. Leaving a room that is not
// joined is a no-op.
func (c *Client) LeaveRoom(id uint64) error {
	c.mu.Lock()
	room, ok := c.rooms[id]
	delete(c.rooms, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return room.Close()
}

// Room returns the joined room with the given id.
func (c *Client) Room(id uint64) (*Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room, ok := c.rooms[id]
	return room, ok
}

// Rooms returns the joined rooms ordered by id.
func (c *Client) Rooms() []*Room {
	c.mu.Lock()
	rooms := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].id < rooms[j].id })
	return rooms
}

// Close leaves every room, forgets the credentials and releases idle
// connections. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	rooms := c.rooms
	c.rooms = make(map[uint64]*Room)
	c.mu.Unlock()

	var g errgroup.Group
	for _, room := range rooms {
		g.Go(room.Close)
	}
	err := g.Wait()

	c.creds.clear()
	c.http.CloseIdleConnections()
	if err != nil {
		return fmt.Errorf("close rooms: %w", err)
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// forget drops room from the table if it is still the registered one.
func (c *Client) forget(room *Room) {
	c.mu.Lock()
	if c.rooms[room.id] == room {
		delete(c.rooms, room.id)
	}
	c.mu.Unlock()
}
