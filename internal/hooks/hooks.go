// Package hooks runs user hooks on chat session events.
//
// Events emitted from the chat controller go through EmitAsync, which hands
// them to a single worker so that hooks observe them in emission order and
// never block the session. Close drains whatever is still queued.
package hooks

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soyeahso/porchlight/internal/logging"
)

// Event names for the hook system.
const (
	EventMessageReceived = "message_received" // inbound message that is not our own echo
	EventMessageSending  = "message_sending"  // outbound message written to the socket
	EventStatusChanged   = "status_changed"
	EventErrorReceived   = "error_received"
	EventSessionStart    = "session_start"
	EventSessionEnd      = "session_end"
)

// AllEvents lists all known hook event names.
var AllEvents = []string{
	EventMessageReceived,
	EventMessageSending,
	EventStatusChanged,
	EventErrorReceived,
	EventSessionStart,
	EventSessionEnd,
}

// Payload is what a handler receives. Seq increases by one per emitted
// event across the manager; Time is epoch milliseconds at emission.
type Payload struct {
	Event string         `json:"event"`
	Seq   uint64         `json:"seq"`
	Time  int64          `json:"time"`
	Data  map[string]any `json:"data,omitempty"`
}

// Handler handles one event. A returned error is logged and does not stop
// the remaining handlers.
type Handler func(ctx context.Context, p Payload) error

type namedHandler struct {
	name    string
	handler Handler
}

type job struct {
	ctx      context.Context
	payload  Payload
	handlers []namedHandler
}

// Manager holds hook registrations and dispatches events.
type Manager struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler

	log *logging.Logger
	now func() time.Time
	seq atomic.Uint64

	qmu     sync.Mutex
	qcond   *sync.Cond
	queue   []job
	pending int // queued or running
	worker  bool
	closed  bool
}

// NewManager creates a hook manager.
func NewManager(log *logging.Logger) *Manager {
	m := &Manager{
		handlers: make(map[string][]namedHandler),
		log:      log.Sub("hooks"),
		now:      time.Now,
	}
	m.qcond = sync.NewCond(&m.qmu)
	return m
}

// On registers a handler for the given event under name.
func (m *Manager) On(event, name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], namedHandler{name: name, handler: handler})
	m.log.Debug().Str("event", event).Str("handler", name).Msg("hook registered")
}

// Off removes every handler registered as name for event.
func (m *Manager) Off(event, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = slices.DeleteFunc(m.handlers[event], func(h namedHandler) bool {
		return h.name == name
	})
}

// Emit runs the event's handlers on the caller's goroutine, in
// registration order.
func (m *Manager) Emit(ctx context.Context, event string, data map[string]any) {
	handlers := m.lookup(event)
	if len(handlers) == 0 {
		return
	}
	m.dispatch(ctx, m.payload(event, data), handlers)
}

// EmitAsync queues the event for the worker and returns immediately.
// Events emitted after Close are dropped.
func (m *Manager) EmitAsync(ctx context.Context, event string, data map[string]any) {
	handlers := m.lookup(event)
	if len(handlers) == 0 {
		return
	}
	p := m.payload(event, data)

	m.qmu.Lock()
	defer m.qmu.Unlock()
	if m.closed {
		m.log.Debug().Str("event", event).Msg("hook manager closed, dropping event")
		return
	}
	m.queue = append(m.queue, job{ctx: ctx, payload: p, handlers: handlers})
	m.pending++
	if !m.worker {
		m.worker = true
		go m.work()
	}
	m.qcond.Broadcast()
}

// Wait blocks until every queued event has been handled.
func (m *Manager) Wait() {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	for m.pending > 0 {
		m.qcond.Wait()
	}
}

// Close stops accepting async events and waits for the queue to drain.
func (m *Manager) Close() error {
	m.qmu.Lock()
	m.closed = true
	m.qcond.Broadcast()
	m.qmu.Unlock()
	m.Wait()
	return nil
}

// Count returns the number of handlers registered for an event.
func (m *Manager) Count(event string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[event])
}

// Events returns the events that have at least one handler.
func (m *Manager) Events() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]string, 0, len(m.handlers))
	for event, handlers := range m.handlers {
		if len(handlers) > 0 {
			events = append(events, event)
		}
	}
	return events
}

func (m *Manager) lookup(event string) []namedHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.handlers[event])
}

func (m *Manager) payload(event string, data map[string]any) Payload {
	return Payload{
		Event: event,
		Seq:   m.seq.Add(1),
		Time:  m.now().UnixMilli(),
		Data:  data,
	}
}

func (m *Manager) dispatch(ctx context.Context, p Payload, handlers []namedHandler) {
	for _, h := range handlers {
		if err := h.handler(ctx, p); err != nil {
			m.log.Warn().
				Err(err).
				Str("event", p.Event).
				Uint64("seq", p.Seq).
				Str("handler", h.name).
				Msg("hook handler error")
		}
	}
}

func (m *Manager) work() {
	m.qmu.Lock()
	for {
		for len(m.queue) == 0 && !m.closed {
			m.qcond.Wait()
		}
		if len(m.queue) == 0 {
			m.worker = false
			m.qmu.Unlock()
			return
		}
		j := m.queue[0]
		m.queue = m.queue[1:]
		m.qmu.Unlock()

		m.dispatch(j.ctx, j.payload, j.handlers)

		m.qmu.Lock()
		m.pending--
		m.qcond.Broadcast()
	}
}
