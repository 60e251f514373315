package sechat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

const (
	testPassword = "secret"
	testFKey     = "chat-fkey"
	testUserID   = 42
	testUserName = "alice"
)

type storedMessage struct {
	ID      uint64
	RoomID  uint64
	Content string
	Time    int64
}

// fakeChat serves the login site, the chat web app and the websocket feed
// from one httptest server.
type fakeChat struct {
	srv     *httptest.Server
	sockets chan *websocket.Conn

	mu            sync.Mutex
	trackPosts    int
	wsAuthCalls   int
	leaves        int
	requests      []string
	ticketGate    chan struct{}
	leaveGate     chan struct{}
	captcha       bool
	loginRedirect bool
	refuseTickets bool
	rateLimit     bool
	actionBody    string
	nextID        uint64
	messages      []storedMessage
}

func newFakeChat(t *testing.T) *fakeChat {
	t.Helper()
	f := &fakeChat{
		sockets:    make(chan *websocket.Conn, 16),
		actionBody: `"ok"`,
		nextID:     1000,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/login", f.loginPage)
	mux.HandleFunc("POST /users/login-or-signup/validation/track", f.track)
	mux.HandleFunc("POST /users/login", f.profile)
	mux.HandleFunc("GET /chats/join/favorite", f.landing)
	mux.HandleFunc("POST /ws-auth", f.chat(f.wsAuth))
	mux.HandleFunc("GET /feed", f.feed)
	mux.HandleFunc("POST /chats/{room}/messages/new", f.chat(f.send))
	mux.HandleFunc("POST /chats/{room}/{kind}", f.chat(f.roomPost))
	mux.HandleFunc("POST /messages/{id}", f.chat(f.action))
	mux.HandleFunc("POST /messages/{id}/star", f.chat(f.action))
	mux.HandleFunc("POST /messages/{id}/delete", f.chat(f.action))
	mux.HandleFunc("POST /messages/{room}/{id}", f.chat(f.markdown))

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeChat) config() Config {
	cfg := DefaultConfig()
	cfg.ChatURL = f.srv.URL
	cfg.LoginURL = f.srv.URL
	cfg.HTTPClient = f.srv.Client()
	cfg.RequestTimeout = 5 * time.Second
	cfg.HandshakeTimeout = 5 * time.Second
	return cfg
}

// loggedIn returns a client that completed Login against f.
func (f *fakeChat) loggedIn(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Login(testCtx(t), "alice@example.com", testPassword); err != nil {
		t.Fatalf("login: %v", err)
	}
	return c
}

func (f *fakeChat) set(fn func(f *fakeChat)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeChat) counts() (track, wsAuth, leaves int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trackPosts, f.wsAuthCalls, f.leaves
}

func (f *fakeChat) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeChat) seed(roomID uint64, contents ...string) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]uint64, 0, len(contents))
	for _, c := range contents {
		f.nextID++
		f.messages = append(f.messages, storedMessage{ID: f.nextID, RoomID: roomID, Content: c, Time: 1700000000})
		ids = append(ids, f.nextID)
	}
	return ids
}

// nextSocket waits for the next feed connection accepted by the server.
func (f *fakeChat) nextSocket(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-f.sockets:
		return ws
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for feed connection")
		return nil
	}
}

// push writes ev to ws as a frame for roomID.
func push(t *testing.T, ws *websocket.Conn, roomID uint64, ev map[string]any) {
	t.Helper()
	frame := map[string]any{
		"r" + strconv.FormatUint(roomID, 10): map[string]any{"e": []any{ev}},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func (f *fakeChat) loginPage(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprint(w, `<html><body><form><input type="hidden" name="fkey" value="login-fkey"></form></body></html>`)
}

func (f *fakeChat) track(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.trackPosts++
	f.mu.Unlock()
	if r.PostFormValue("fkey") != "login-fkey" || r.PostFormValue("password") != testPassword {
		fmt.Fprint(w, "Login-Failed")
		return
	}
	fmt.Fprint(w, "Login-OK")
}

func (f *fakeChat) profile(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	captcha := f.captcha
	f.mu.Unlock()
	if captcha {
		fmt.Fprint(w, `<html><head><title>Human verification - Stack Exchange</title></head></html>`)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "acct", Value: "t=1", Path: "/"})
	http.Redirect(w, r, "/", http.StatusFound)
}

func (f *fakeChat) landing(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	href := fmt.Sprintf("/users/%d/%s", testUserID, testUserName)
	if f.loginRedirect {
		href = "/users/login?returnurl=%2f"
	}
	f.mu.Unlock()
	fmt.Fprintf(w, `<html><body>
<div class="topbar-menu-links"><a href="%s">%s</a> <a href="/faq">faq</a></div>
<input id="fkey" name="fkey" type="hidden" value="%s">
</body></html>`, href, testUserName, testFKey)
}

// chat wraps chat endpoints with the fkey check and request logging.
func (f *fakeChat) chat(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.PostFormValue("fkey") != testFKey {
			http.Error(w, "bad fkey", http.StatusForbidden)
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, r.URL.Path)
		f.mu.Unlock()
		h(w, r)
	}
}

func (f *fakeChat) wsAuth(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.wsAuthCalls++
	refuse := f.refuseTickets
	gate := f.ticketGate
	f.mu.Unlock()
	wait(r, gate)
	if refuse {
		writeJSON(w, map[string]any{"url": nil})
		return
	}
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/feed?room=" + r.PostFormValue("roomid")
	writeJSON(w, map[string]any{"url": u})
}

func (f *fakeChat) feed(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("l") == "" {
		http.Error(w, "missing l", http.StatusBadRequest)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	ctx := ws.CloseRead(context.Background())
	f.sockets <- ws
	<-ctx.Done()
}

func (f *fakeChat) send(w http.ResponseWriter, r *http.Request) {
	roomID, _ := strconv.ParseUint(r.PathValue("room"), 10, 64)
	f.mu.Lock()
	if f.rateLimit {
		f.mu.Unlock()
		http.Error(w, "You can perform this action again in 2 seconds", http.StatusConflict)
		return
	}
	f.nextID++
	m := storedMessage{ID: f.nextID, RoomID: roomID, Content: r.PostFormValue("text"), Time: time.Now().Unix()}
	f.messages = append(f.messages, m)
	f.mu.Unlock()
	writeJSON(w, map[string]any{"id": m.ID, "time": m.Time})
}

func (f *fakeChat) events(w http.ResponseWriter, r *http.Request) {
	roomID, _ := strconv.ParseUint(r.PathValue("room"), 10, 64)
	count, _ := strconv.Atoi(r.PostFormValue("msgCount"))
	var before uint64
	if b := r.PostFormValue("before"); b != "" {
		before, _ = strconv.ParseUint(b, 10, 64)
	}

	f.mu.Lock()
	var matched []storedMessage
	for _, m := range f.messages {
		if m.RoomID == roomID && (before == 0 || m.ID < before) {
			matched = append(matched, m)
		}
	}
	f.mu.Unlock()
	if count > 0 && len(matched) > count {
		matched = matched[len(matched)-count:]
	}

	events := make([]map[string]any, 0, len(matched))
	for _, m := range matched {
		events = append(events, map[string]any{
			"event_type": 1,
			"time_stamp": m.Time,
			"content":    m.Content,
			"id":         m.ID + 5000,
			"user_id":    testUserID,
			"user_name":  testUserName,
			"room_id":    m.RoomID,
			"message_id": m.ID,
		})
	}
	writeJSON(w, map[string]any{"ms": 0, "time": time.Now().Unix(), "sync": time.Now().Unix(), "events": events})
}

// roomPost serves /chats/leave/<id> and /chats/<id>/events, which share
// one pattern shape.
func (f *fakeChat) roomPost(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.PathValue("room") == "leave":
		f.leave(w, r)
	case r.PathValue("kind") == "events":
		f.events(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeChat) leave(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.leaves++
	gate := f.leaveGate
	f.mu.Unlock()
	wait(r, gate)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (f *fakeChat) action(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	body := f.actionBody
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

func (f *fakeChat) markdown(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "**source of %s**", r.PathValue("id"))
}

// wait blocks on gate, if any, until it is closed or the request ends.
func wait(r *http.Request, gate chan struct{}) {
	if gate == nil {
		return
	}
	select {
	case <-gate:
	case <-r.Context().Done():
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// testCtx returns a context bounded by a few seconds and the test's life.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}
