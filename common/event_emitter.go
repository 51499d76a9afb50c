package common

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/yie1d/pydoll-sub000/log"
)

const (
	// Connection

	EventConnectionClose string = "close"

	// Session

	EventSessionClosed string = "sessionclosed"
)

// Event as emitted by an EventEmitter.
type Event struct {
	typ  string
	data any
}

// Name returns the protocol name of the event, e.g. "Target.targetCreated".
func (e Event) Name() string { return e.typ }

// Data returns the decoded event payload.
func (e Event) Data() any { return e.data }

// EventHandle identifies a single subscription on an emitter. Handles are
// monotonic per emitter and never reused, so a stale handle is a no-op.
type EventHandle int64

// EventCallback is invoked for every matching event. Callbacks run on a
// per-subscription goroutine: a slow callback delays only its own
// subscription, never its siblings or the connection read loop.
type EventCallback func(event Event)

// EventEmitter is implemented by every type that emits protocol events.
type EventEmitter interface {
	On(event string, cb EventCallback) EventHandle
	Once(event string, cb EventCallback) EventHandle
	OnAll(cb EventCallback) EventHandle
	Off(handle EventHandle)
	emit(event string, data any)
}

// eventHandler is one registered subscription together with its private
// event queue and the worker goroutine draining it.
type eventHandler struct {
	handle  EventHandle
	event   string // empty for catch-all handlers
	cb      EventCallback
	oneShot bool

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	closed atomic.Bool
}

func (h *eventHandler) enqueue(ev Event) {
	h.mu.Lock()
	h.queue = append(h.queue, ev)
	h.mu.Unlock()
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *eventHandler) pop() (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queue) == 0 {
		return Event{}, false
	}
	ev := h.queue[0]
	h.queue[0] = Event{}
	h.queue = h.queue[1:]
	return ev, true
}

// BaseEventEmitter emits events to registered handlers in registration
// order. Handlers are kept in an arena map keyed by their handle so that
// removal is a plain key delete.
type BaseEventEmitter struct {
	ctx    context.Context
	logger *log.Logger

	mu          sync.Mutex
	seq         int64
	handlers    map[string][]*eventHandler
	handlersAll []*eventHandler
	byHandle    map[EventHandle]*eventHandler
}

// NewBaseEventEmitter creates a new instance of a base event emitter.
func NewBaseEventEmitter(ctx context.Context, logger *log.Logger) BaseEventEmitter {
	return BaseEventEmitter{
		ctx:      ctx,
		logger:   logger,
		handlers: make(map[string][]*eventHandler),
		byHandle: make(map[EventHandle]*eventHandler),
	}
}

// On registers a handler for a specific event and returns its handle.
func (e *BaseEventEmitter) On(event string, cb EventCallback) EventHandle {
	return e.register(event, cb, false, false)
}

// Once registers a one-shot handler: it fires at most once and is removed
// before the next matching event can trigger it again.
func (e *BaseEventEmitter) Once(event string, cb EventCallback) EventHandle {
	return e.register(event, cb, true, false)
}

// OnAll registers a handler invoked for every event regardless of name.
func (e *BaseEventEmitter) OnAll(cb EventCallback) EventHandle {
	return e.register("", cb, false, true)
}

// Off removes the subscription for the given handle. Unknown or already
// removed handles are ignored.
func (e *BaseEventEmitter) Off(handle EventHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.byHandle[handle]
	if !ok {
		return
	}
	e.remove(h)
	e.stop(h)
}

func (e *BaseEventEmitter) register(event string, cb EventCallback, oneShot, all bool) EventHandle {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	h := &eventHandler{
		handle:  EventHandle(e.seq),
		event:   event,
		cb:      cb,
		oneShot: oneShot,
		notify:  make(chan struct{}, 1),
	}
	if all {
		e.handlersAll = append(e.handlersAll, h)
	} else {
		e.handlers[event] = append(e.handlers[event], h)
	}
	e.byHandle[h.handle] = h

	go e.drain(h)

	return h.handle
}

// drain runs the handler's callback for every queued event, one at a time.
// A panicking callback is recovered and logged so it cannot take down the
// emitter or starve other subscriptions.
func (e *BaseEventEmitter) drain(h *eventHandler) {
	invoke := func(ev Event) {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Errorf("EventEmitter:drain",
					"recovered panic in %q event handler: %v", ev.typ, r)
			}
		}()
		h.cb(ev)
	}
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-h.notify:
		}
		for {
			ev, ok := h.pop()
			if !ok {
				break
			}
			invoke(ev)
		}
		if h.closed.Load() {
			return
		}
	}
}

// remove unlinks the handler from the arena and the ordered handler lists.
// Callers must hold e.mu.
func (e *BaseEventEmitter) remove(h *eventHandler) {
	delete(e.byHandle, h.handle)
	strip := func(handlers []*eventHandler) []*eventHandler {
		for i, cand := range handlers {
			if cand == h {
				return append(handlers[:i], handlers[i+1:]...)
			}
		}
		return handlers
	}
	if h.event == "" {
		e.handlersAll = strip(e.handlersAll)
		return
	}
	e.handlers[h.event] = strip(e.handlers[h.event])
	if len(e.handlers[h.event]) == 0 {
		delete(e.handlers, h.event)
	}
}

// stop lets the handler's worker exit once its queue is drained.
func (e *BaseEventEmitter) stop(h *eventHandler) {
	h.closed.Store(true)
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// emit schedules the event on every matching subscription in registration
// order. One-shot subscriptions are unregistered here, before any callback
// runs, so a recurring event cannot re-trigger them.
func (e *BaseEventEmitter) emit(event string, data any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ev := Event{typ: event, data: data}
	for _, h := range append([]*eventHandler(nil), e.handlers[event]...) {
		h.enqueue(ev)
		if h.oneShot {
			e.remove(h)
			e.stop(h)
		}
	}
	for _, h := range e.handlersAll {
		h.enqueue(ev)
	}
}

// removeAllHandlers unregisters every subscription, stopping their workers.
func (e *BaseEventEmitter) removeAllHandlers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.byHandle {
		e.stop(h)
	}
	e.handlers = make(map[string][]*eventHandler)
	e.handlersAll = nil
	e.byHandle = make(map[EventHandle]*eventHandler)
}
