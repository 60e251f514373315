package sechat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func joinEvent(id uint64) Event {
	return &JoinEvent{EventBase{Tag: EventJoin, ID: id}}
}

func TestDispatcherPreservesOrderPerHandler(t *testing.T) {
	d := NewDispatcher(context.Background(), nil)
	defer d.Close()

	const n = 100
	got := make(chan uint64, n)
	if _, err := d.Add(func(_ context.Context, ev Event) { got <- ev.Base().ID }); err != nil {
		t.Fatalf("add: %v", err)
	}
	for i := uint64(0); i < n; i++ {
		d.Dispatch(joinEvent(i))
	}
	for i := uint64(0); i < n; i++ {
		select {
		case id := <-got:
			if id != i {
				t.Fatalf("expected event %d, got %d", i, id)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out at event %d", i)
		}
	}
}

func TestDispatcherIsolatesHandlers(t *testing.T) {
	d := NewDispatcher(context.Background(), nil)
	defer d.Close()

	block := make(chan struct{})
	defer close(block)
	if _, err := d.Add(func(context.Context, Event) { <-block }); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := d.Add(func(context.Context, Event) { panic("boom") }); err != nil {
		t.Fatalf("add: %v", err)
	}
	got := make(chan uint64, 2)
	if _, err := d.Add(func(_ context.Context, ev Event) { got <- ev.Base().ID }); err != nil {
		t.Fatalf("add: %v", err)
	}

	d.Dispatch(joinEvent(1))
	d.Dispatch(joinEvent(2))
	for want := uint64(1); want <= 2; want++ {
		select {
		case id := <-got:
			if id != want {
				t.Fatalf("expected %d, got %d", want, id)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("healthy handler starved by blocked or panicking ones")
		}
	}
}

func TestDispatcherRemove(t *testing.T) {
	d := NewDispatcher(context.Background(), nil)
	defer d.Close()

	var mu sync.Mutex
	calls := 0
	id, err := d.Add(func(context.Context, Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	select {
	case <-d.Remove(id):
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not exit")
	}
	d.Dispatch(joinEvent(1))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("removed handler called %d times", calls)
	}
	if d.Len() != 0 {
		t.Fatalf("expected no handlers, got %d", d.Len())
	}
}

func TestDispatcherRemoveFromInsideHandler(t *testing.T) {
	d := NewDispatcher(context.Background(), nil)
	defer d.Close()

	got := make(chan uint64, 4)
	var id HandlerID
	var err error
	ready := make(chan struct{})
	id, err = d.Add(func(_ context.Context, ev Event) {
		<-ready
		got <- ev.Base().ID
		d.Remove(id)
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	close(ready)

	d.Dispatch(joinEvent(1))
	d.Dispatch(joinEvent(2))
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("handler not invoked")
	}
	time.Sleep(20 * time.Millisecond)
	if len(got) != 0 {
		t.Fatalf("handler invoked after removing itself")
	}
}

func TestDispatcherClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := NewDispatcher(ctx, nil)
	if _, err := d.Add(func(context.Context, Event) {}); err != nil {
		t.Fatalf("add: %v", err)
	}
	d.Close()

	if d.Len() != 0 {
		t.Fatalf("expected no handlers after close")
	}
	if _, err := d.Add(func(context.Context, Event) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := (&Dispatcher{}).Add(nil); CodeOf(err) != ErrorInvalidConfig {
		t.Fatalf("expected invalid handler error, got %v", err)
	}
	d.Dispatch(joinEvent(1))
}
