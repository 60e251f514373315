package internal

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestDialSendsOriginAndReads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Origin") != "https://chat.example" {
			http.Error(w, "bad origin", http.StatusForbidden)
			return
		}
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer ws.CloseNow()
		ctx := ws.CloseRead(context.Background())
		_ = ws.Write(ctx, websocket.MessageText, []byte(`{"r1":{"e":[]}}`))
		<-ctx.Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), DialOptions{
		HTTPClient:   srv.Client(),
		Origin:       "https://chat.example",
		UserAgent:    "test",
		MaxFrameSize: 1 << 10,
		ReadTimeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"r1":{"e":[]}}` {
		t.Fatalf("unexpected frame %s", data)
	}
}

func TestReadTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer ws.CloseNow()
		<-ws.CloseRead(context.Background()).Done()
	}))
	defer srv.Close()

	conn, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), DialOptions{
		HTTPClient:  srv.Client(),
		ReadTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if _, err := conn.Read(context.Background()); err == nil {
		t.Fatalf("expected silent feed to time out")
	}
}

func TestIsExpectedDisconnect(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want bool
	}{
		{"nil", context.Background(), nil, false},
		{"eof", context.Background(), io.EOF, true},
		{"room closing", cancelled, errors.New("read failed"), true},
		{"normal closure", context.Background(), websocket.CloseError{Code: websocket.StatusNormalClosure}, true},
		{"going away", context.Background(), websocket.CloseError{Code: websocket.StatusGoingAway}, true},
		{"abnormal", context.Background(), websocket.CloseError{Code: websocket.StatusInternalError}, false},
		{"other", context.Background(), errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpectedDisconnect(tt.ctx, tt.err); got != tt.want {
				t.Fatalf("IsExpectedDisconnect = %v, want %v", got, tt.want)
			}
		})
	}
}
