package sechat

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// HandlerID identifies a registered event handler.
type HandlerID = uuid.UUID

// Handler receives events of one room. ctx is cancelled when the room
// closes.
type Handler func(ctx context.Context, ev Event)

// Dispatcher routes events to registered handlers.
//
// Every handler owns a mailbox drained by its own goroutine, so each
// handler sees events in arrival order while a slow or panicking handler
// delays neither the feed nor other handlers.
type Dispatcher struct {
	ctx    context.Context
	logger Logger

	mu       sync.RWMutex
	handlers map[HandlerID]*subscription
	closed   bool
}

// NewDispatcher returns a dispatcher whose handlers receive ctx.
func NewDispatcher(ctx context.Context, logger Logger) *Dispatcher {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Dispatcher{
		ctx:      ctx,
		logger:   logger,
		handlers: make(map[HandlerID]*subscription),
	}
}

// Add registers fn and returns its id.
func (d *Dispatcher) Add(fn Handler) (HandlerID, error) {
	if fn == nil {
		return HandlerID{}, NewError(ErrorInvalidConfig, "nil handler")
	}
	sub := &subscription{
		id:     uuid.New(),
		fn:     fn,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return HandlerID{}, ErrClosed
	}
	d.handlers[sub.id] = sub
	d.mu.Unlock()

	go sub.run(d.ctx, d.logger)
	return sub.id, nil
}

// Remove unregisters a handler. Events still queued for it are dropped; an
// invocation already running is allowed to finish. The returned channel is
// closed once the handler's goroutine has exited. Remove is safe to call
// from inside the handler itself, as long as the caller does not wait on
// the returned channel there.
func (d *Dispatcher) Remove(id HandlerID) <-chan struct{} {
	d.mu.Lock()
	sub, ok := d.handlers[id]
	delete(d.handlers, id)
	d.mu.Unlock()
	if !ok {
		done := make(chan struct{})
		close(done)
		return done
	}
	sub.halt()
	return sub.exited
}

// Dispatch queues ev for every handler registered at the time of the call.
// It never blocks on handlers.
func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.RLock()
	snapshot := make([]*subscription, 0, len(d.handlers))
	for _, sub := range d.handlers {
		snapshot = append(snapshot, sub)
	}
	d.mu.RUnlock()

	for _, sub := range snapshot {
		sub.enqueue(ev)
	}
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Close removes every handler and rejects further registrations.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	subs := d.handlers
	d.handlers = make(map[HandlerID]*subscription)
	d.closed = true
	d.mu.Unlock()

	for _, sub := range subs {
		sub.halt()
	}
}

type subscription struct {
	id HandlerID
	fn Handler

	mu      sync.Mutex
	queue   []Event
	wake    chan struct{}
	stop    chan struct{}
	stopped atomic.Bool
	once    sync.Once
	exited  chan struct{}
}

func (s *subscription) enqueue(ev Event) {
	if s.stopped.Load() {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) halt() {
	s.once.Do(func() {
		s.stopped.Store(true)
		close(s.stop)
	})
}

func (s *subscription) run(ctx context.Context, logger Logger) {
	defer close(s.exited)
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if s.stopped.Load() {
				return
			}
			s.invoke(ctx, logger, ev)
		}
	}
}

func (s *subscription) invoke(ctx context.Context, logger Logger, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panicked", map[string]any{
				"handler": s.id.String(),
				"event":   ev.Type().String(),
				"panic":   fmt.Sprint(r),
				"stack":   string(debug.Stack()),
			})
		}
	}()
	s.fn(ctx, ev)
}
