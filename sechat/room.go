package sechat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/vovakirdan/sechat-sdk/sechat-sdk-go/sechat/internal"
	"github.com/vovakirdan/sechat-sdk/sechat-sdk-go/sechat/rest"
)

// Room is a joined chat room. It keeps the room's websocket feed open in
// the background, re-dialing whenever it drops, and fans decoded events out
// to registered handlers.
//
// After Close every operation fails with an error matching ErrClosed.
type Room struct {
	id         uint64
	client     *Client
	logger     Logger
	http       *rest.Client
	store      *messageStore
	dispatcher *Dispatcher
	policy     ReconnectPolicy

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	done     chan struct{}

	mu          sync.Mutex
	name        string
	state       ConnectionState
	onState     func(StateEvent)
	closed      bool
	loopStarted bool

	closeOnce sync.Once
	closeErr  error
}

func newRoom(c *Client, id uint64) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	return &Room{
		id:         id,
		client:     c,
		logger:     c.logger,
		http:       c.http.Fork(),
		store:      newMessageStore(c.cfg.MessageCacheSize),
		dispatcher: NewDispatcher(ctx, c.logger),
		policy:     newReconnectPolicy(c.cfg.Reconnect),
		ctx:        ctx,
		cancel:     cancel,
		loopDone:   make(chan struct{}),
		done:       make(chan struct{}),
		state:      StateJoining,
	}
}

// ID returns the room id.
func (r *Room) ID() uint64 { return r.id }

// Client returns the client that joined the room.
func (r *Room) Client() *Client { return r.client }

// URL returns the room's page on the chat server.
func (r *Room) URL() string {
	return r.client.chatURL + "/rooms/" + strconv.FormatUint(r.id, 10)
}

// Info returns the room's identity. Name is empty until an event
// carrying the room name has been seen.
func (r *Room) Info() RoomInfo {
	host := r.client.chatURL
	if u, err := url.Parse(host); err == nil {
		host = u.Host
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return RoomInfo{ID: r.id, Name: r.name, Host: host}
}

// State returns the current connection state.
func (r *Room) State() ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// OnStateChanged registers a callback for connection state transitions.
// It runs on the feed goroutine and should return quickly. Calling Close
// from it deadlocks; use a goroutine.
func (r *Room) OnStateChanged(fn func(StateEvent)) {
	r.mu.Lock()
	r.onState = fn
	r.mu.Unlock()
}

// Done returns a channel that is closed once the room is closed.
func (r *Room) Done() <-chan struct{} { return r.done }

// Messages returns the cached messages, oldest first.
func (r *Room) Messages() []*Message { return r.store.Snapshot() }

// RegisterEventHandler adds a handler and returns an id for removal.
func (r *Room) RegisterEventHandler(fn Handler) (HandlerID, error) {
	if r.isClosed() {
		return HandlerID{}, ErrClosed
	}
	return r.dispatcher.Add(fn)
}

// UnregisterEventHandler removes a handler. It may be called from inside
// the handler. At most one invocation already in progress completes after
// it returns.
func (r *Room) UnregisterEventHandler(id HandlerID) {
	r.dispatcher.Remove(id)
}

// RegisterEventHandlerFor registers fn for events of type T only.
//
//	sechat.RegisterEventHandlerFor(room, func(ctx context.Context, ev *sechat.MessageEvent) { ... })
func RegisterEventHandlerFor[T Event](r *Room, fn func(ctx context.Context, ev T)) (HandlerID, error) {
	return r.RegisterEventHandler(func(ctx context.Context, ev Event) {
		if t, ok := ev.(T); ok {
			fn(ctx, t)
		}
	})
}

// WaitForEvent blocks until the next event of type T arrives in the room.
// Events that arrived before the call are not replayed.
func WaitForEvent[T Event](ctx context.Context, r *Room) (T, error) {
	var zero T
	ch := make(chan T, 1)
	var once sync.Once
	id, err := r.RegisterEventHandler(func(_ context.Context, ev Event) {
		if t, ok := ev.(T); ok {
			once.Do(func() { ch <- t })
		}
	})
	if err != nil {
		return zero, err
	}
	defer r.UnregisterEventHandler(id)

	select {
	case ev := <-ch:
		return ev, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-r.done:
		return zero, ErrClosed
	}
}

// Events streams the room's events until ctx is done or the room closes,
// after which the channel is closed. The stream applies back-pressure to
// its own handler only.
func (r *Room) Events(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event)
	stop := make(chan struct{})
	var mu sync.Mutex
	finished := false

	id, err := r.RegisterEventHandler(func(hctx context.Context, ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if finished {
			return
		}
		select {
		case out <- ev:
		case <-stop:
		case <-hctx.Done():
		}
	})
	if err != nil {
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-r.done:
		}
		r.UnregisterEventHandler(id)
		close(stop)
		mu.Lock()
		finished = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

// LoadPrevious fetches up to count of the most recent messages and
// replaces the room's message cache with them.
func (r *Room) LoadPrevious(ctx context.Context, count int) ([]*Message, error) {
	if count <= 0 {
		return nil, NewError(ErrorInvalidConfig, "count must be positive")
	}
	msgs, err := r.history(ctx, url.Values{
		"mode":     {"Messages"},
		"msgCount": {strconv.Itoa(count)},
		"since":    {"0"},
	})
	if err != nil {
		return nil, err
	}
	if len(msgs) > count {
		msgs = msgs[len(msgs)-count:]
	}
	return r.store.Replace(msgs), nil
}

// SendMessage posts text to the room. The returned message is stored
// right away; a later feed echo of it updates the same entry.
func (r *Room) SendMessage(ctx context.Context, text string) (*Message, error) {
	user, err := r.client.creds.User()
	if err != nil {
		return nil, err
	}
	resp, err := r.request(ctx, "/chats/"+strconv.FormatUint(r.id, 10)+"/messages/new", url.Values{"text": {text}})
	if err != nil {
		return nil, err
	}
	var sent rest.SendMessageResponse
	if err := resp.JSON(&sent); err != nil {
		return nil, WrapError(ErrorSerialization, "decode send response", err)
	}
	r.logger.Debug("sent message", map[string]any{"room_id": r.id, "message_id": sent.ID})
	return r.store.Upsert(&Message{
		ID:        sent.ID,
		RoomID:    r.id,
		Author:    user,
		Timestamp: time.Unix(sent.Time, 0).UTC(),
		content:   text,
		room:      r,
	}), nil
}

// GetMessage returns a message by id, from the cache when possible. It
// fails with an error matching ErrMessageNotFound when the message was
// deleted or never existed.
func (r *Room) GetMessage(ctx context.Context, id uint64) (*Message, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	if m, ok := r.store.Get(id); ok {
		return m, nil
	}
	msgs, err := r.history(ctx, url.Values{
		"mode":     {"Messages"},
		"msgCount": {"2"},
		"before":   {strconv.FormatUint(id+1, 10)},
	})
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m.ID == id {
			return r.store.Upsert(m), nil
		}
	}
	return nil, &Error{Code: ErrorMessageNotFound, Message: "message " + strconv.FormatUint(id, 10) + " not found"}
}

func (r *Room) history(ctx context.Context, params url.Values) ([]*Message, error) {
	resp, err := r.request(ctx, "/chats/"+strconv.FormatUint(r.id, 10)+"/events", params)
	if err != nil {
		return nil, err
	}
	var events rest.EventsResponse
	if err := resp.JSON(&events); err != nil {
		return nil, WrapError(ErrorSerialization, "decode history", err)
	}
	msgs := make([]*Message, 0, len(events.Events))
	for _, raw := range events.Events {
		var w wireEvent
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, WrapError(ErrorProtocolDecode, "malformed history entry", err)
		}
		if m, ok := messageFromWire(&w, r); ok {
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}

// Close leaves the room. The leave request is best effort: its error is
// returned, but the room is closed regardless. Close is idempotent.
func (r *Room) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		if err := r.leave(context.Background()); err != nil {
			r.logger.Warn("leave room failed", map[string]any{"room_id": r.id, "error": err.Error()})
			r.closeErr = err
		}
		r.shutdown()
		r.logger.Info("left room", map[string]any{"room_id": r.id})
	})
	return r.closeErr
}

// abort closes a room whose join never completed, without leaving it.
func (r *Room) abort() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.shutdown()
	})
}

func (r *Room) shutdown() {
	r.dispatcher.Close()
	r.cancel()
	r.mu.Lock()
	started := r.loopStarted
	r.mu.Unlock()
	if started {
		<-r.loopDone
	}
	r.http.CloseIdleConnections()
	r.setState(StateClosed, nil)
	close(r.done)
	r.client.forget(r)
}

func (r *Room) leave(ctx context.Context) error {
	_, err := r.doRequest(ctx, "/chats/leave/"+strconv.FormatUint(r.id, 10), nil, true)
	return err
}

func (r *Room) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Room) setState(s ConnectionState, cause error) {
	r.mu.Lock()
	old := r.state
	if old == s || old == StateClosed {
		r.mu.Unlock()
		return
	}
	r.state = s
	fn := r.onState
	r.mu.Unlock()

	r.logger.Debug("room state changed", map[string]any{"room_id": r.id, "from": old.String(), "to": s.String()})
	if fn != nil {
		fn(StateEvent{RoomID: r.id, OldState: old, NewState: s, Error: cause})
	}
}

// Authenticated request envelope

// request posts params plus the session fkey to path on the chat server.
func (r *Room) request(ctx context.Context, path string, params url.Values) (*rest.Response, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	return r.doRequest(ctx, path, params, false)
}

// action performs a request whose success is signaled by an "ok" body.
func (r *Room) action(ctx context.Context, path string, params url.Values) error {
	resp, err := r.request(ctx, path, params)
	if err != nil {
		return err
	}
	if !rest.IsOK(resp.Body) {
		return &Error{
			Code:       ErrorBadResponse,
			Message:    "unexpected response to " + path,
			StatusCode: resp.StatusCode,
			Body:       resp.Text(),
		}
	}
	return nil
}

func (r *Room) doRequest(ctx context.Context, path string, params url.Values, redirectOK bool) (*rest.Response, error) {
	fkey, err := r.client.creds.FKey()
	if err != nil {
		return nil, err
	}
	form := url.Values{}
	for k, v := range params {
		form[k] = v
	}
	form.Set("fkey", fkey)

	opts := []rest.RequestOption{rest.WithHeader("Referer", r.URL())}
	if redirectOK {
		opts = append(opts, rest.WithoutRedirects())
	}
	r.logger.Debug("requesting", map[string]any{"room_id": r.id, "path": path})
	resp, err := r.http.PostForm(ctx, r.client.chatURL+path, form, opts...)
	if err != nil {
		return nil, WrapError(ErrorConnection, "request "+path, err)
	}
	switch {
	case resp.IsSuccess():
		return resp, nil
	case redirectOK && resp.IsRedirect():
		return resp, nil
	case resp.StatusCode == http.StatusConflict:
		return nil, &Error{Code: ErrorRateLimited, Message: "rate limited on " + path, StatusCode: resp.StatusCode, Body: resp.Text()}
	default:
		return nil, &Error{Code: ErrorBadResponse, Message: "bad response from " + path, StatusCode: resp.StatusCode, Body: resp.Text()}
	}
}

// Feed connection

// join opens the first feed connection and hands it to the background
// loop. It returns the first connection error instead of retrying.
func (r *Room) join(ctx context.Context) error {
	r.logger.Info("joining room", map[string]any{"room_id": r.id})
	conn, err := r.connect(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.loopStarted = true
	r.mu.Unlock()
	go r.run(conn)
	return nil
}

// connect requests a feed ticket and dials it.
func (r *Room) connect(ctx context.Context) (*internal.Conn, error) {
	r.logger.Debug("obtaining feed ticket", map[string]any{"room_id": r.id})
	resp, err := r.request(ctx, "/ws-auth", url.Values{"roomid": {strconv.FormatUint(r.id, 10)}})
	if err != nil {
		return nil, err
	}
	var ticket rest.WSAuthResponse
	if err := resp.JSON(&ticket); err != nil {
		return nil, WrapError(ErrorSerialization, "decode feed ticket", err)
	}
	if ticket.URL == nil || *ticket.URL == "" {
		return nil, NewError(ErrorConnection, "server granted no feed ticket")
	}
	feedURL, err := withLastEvent(*ticket.URL, time.Now())
	if err != nil {
		return nil, WrapError(ErrorConnection, "invalid feed url", err)
	}

	cfg := r.client.cfg
	dialCtx := ctx
	if cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
	}
	r.logger.Debug("connecting to feed", map[string]any{"room_id": r.id, "url": feedURL})
	conn, err := internal.Dial(dialCtx, feedURL, internal.DialOptions{
		HTTPClient:   r.http.HTTPClient(),
		Origin:       r.client.chatURL,
		UserAgent:    r.http.UserAgent(),
		MaxFrameSize: cfg.MaxFrameSize,
		ReadTimeout:  cfg.ReadTimeout,
	})
	if err != nil {
		return nil, WrapError(ErrorConnection, "open feed", err)
	}
	r.setState(StateConnected, nil)
	r.logger.Info("connected to feed", map[string]any{"room_id": r.id})
	return conn, nil
}

// withLastEvent appends the l parameter the feed uses to decide which
// events the new socket has already seen.
func withLastEvent(rawURL string, now time.Time) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("l", strconv.FormatInt(now.Unix(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// run reads the feed until the room closes, reconnecting after every drop.
// Ticket and dial failures are retried for as long as the policy allows.
func (r *Room) run(conn *internal.Conn) {
	defer close(r.loopDone)
	for {
		if conn != nil {
			r.policy.Reset()
			err := r.readFeed(conn)
			_ = conn.Close(websocket.StatusNormalClosure, "")
			conn = nil
			if r.stopping() {
				return
			}
			fields := map[string]any{"room_id": r.id}
			if err != nil {
				fields["error"] = err.Error()
			}
			if internal.IsExpectedDisconnect(r.ctx, err) {
				r.logger.Info("feed closed, reconnecting", fields)
			} else {
				r.logger.Warn("feed failed, reconnecting", fields)
			}
			r.setState(StateReconnectPending, err)
		}

		delay := r.policy.NextBackOff()
		if delay == backoff.Stop {
			r.logger.Warn("reconnect policy gave up, closing room", map[string]any{"room_id": r.id})
			go r.Close()
			return
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-r.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if r.stopping() {
			return
		}

		c, err := r.connect(r.ctx)
		if err != nil {
			if r.stopping() || errors.Is(err, ErrClosed) {
				return
			}
			r.logger.Debug("reconnect attempt failed", map[string]any{"room_id": r.id, "error": err.Error()})
			continue
		}
		conn = c
	}
}

// stopping reports whether the loop should exit. Close marks the room
// before its leave request completes, which is before ctx is cancelled.
func (r *Room) stopping() bool {
	return r.ctx.Err() != nil || r.isClosed()
}

func (r *Room) readFeed(conn *internal.Conn) error {
	for {
		data, err := conn.Read(r.ctx)
		if err != nil {
			return err
		}
		r.handleFrame(data)
	}
}

// handleFrame decodes one feed frame, updates the message cache and
// dispatches the event. Decode failures are logged and skipped.
func (r *Room) handleFrame(data []byte) {
	raw, ok, err := decodeFrame(data, r.id)
	if err != nil {
		r.logger.Warn("dropping feed frame", map[string]any{"room_id": r.id, "error": err.Error()})
		return
	}
	if !ok {
		return
	}
	ev, err := DecodeEvent(raw, r)
	if err != nil {
		r.logger.Warn("dropping feed event", map[string]any{"room_id": r.id, "error": err.Error()})
		return
	}
	if name := ev.Base().RoomName; name != "" && ev.Base().RoomID == r.id {
		r.mu.Lock()
		r.name = name
		r.mu.Unlock()
	}
	if ig, ignored := ev.(*IgnoredEvent); ignored {
		r.logger.Debug("ignoring event", map[string]any{"room_id": r.id, "event": ig.Tag.String()})
		return
	}
	r.apply(ev)
	r.dispatcher.Dispatch(ev)
}

// apply reflects a feed event in the message cache.
func (r *Room) apply(ev Event) {
	switch e := ev.(type) {
	case *DeleteEvent:
		r.store.Remove(e.MessageID)
	case *StarEvent:
		r.store.Update(e.MessageID, func(m *Message) { m.setStars(e.Stars) })
	case messageBearer:
		mb := e.messageBase()
		if mb.RoomID != 0 && mb.RoomID != r.id {
			return
		}
		m, ok := messageFromEvent(mb, r)
		if !ok {
			return
		}
		if !r.store.Update(mb.MessageID, func(existing *Message) { existing.setContent(mb.Content) }) {
			r.store.Upsert(m)
		}
	}
}
