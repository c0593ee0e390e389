// Package socket keeps at most one live WebSocket to the chat server,
// reconnecting with capped exponential backoff after unexpected closes.
package socket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/soyeahso/porchlight/internal/domain"
	"github.com/soyeahso/porchlight/internal/logging"
	"github.com/soyeahso/porchlight/internal/protocol"
)

// ErrNotConnected is returned when writing to a closed connection.
var ErrNotConnected = errors.New("socket not connected")

// EventKind discriminates Event.
type EventKind int

const (
	EventStatus EventKind = iota + 1
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventStatus:
		return "status"
	case EventMessage:
		return "message"
	}
	return "unknown"
}

// Event is one observable transition, delivered in the order it happened.
type Event struct {
	Kind    EventKind
	Status  domain.ConnectionStatus
	Message protocol.ServerFrame
}

// Options configures a Manager.
type Options struct {
	URL     string
	Enabled bool
	Dialer  Dialer
	Backoff Backoff
	Clock   Clock
	Logger  *logging.Logger
}

// Manager owns the connection lifecycle. All methods are safe for
// concurrent use; none of them block on the network except Send, which
// writes one frame, and Disconnect, SetEnabled(false) and Close, which close
// the open connection. None of them hold the lock while doing so.
type Manager struct {
	url     string
	dialer  Dialer
	backoff Backoff
	clock   Clock
	log     *logging.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	status   domain.ConnectionStatus
	enabled  bool
	manual   bool // Disconnect was called; no auto-reconnect
	closed   bool
	attempt  int
	conn     Conn
	gen      uint64 // bumped whenever the current connection is superseded
	timer    Timer
	timerSeq uint64
	queue    []Event

	events chan Event
	done   chan struct{}
}

// New creates a Manager and, if opts.Enabled, starts connecting.
func New(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = NewWSDialer(10 * time.Second)
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Backoff.MaxAttempt <= 0 || opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff()
	}

	m := &Manager{
		url:     opts.URL,
		dialer:  opts.Dialer,
		backoff: opts.Backoff,
		clock:   opts.Clock,
		log:     opts.Logger.Sub("socket"),
		status:  domain.StatusDisconnected,
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	go m.pump()

	if opts.Enabled {
		m.SetEnabled(true)
	}
	return m
}

// Events delivers status changes and decoded server frames. The channel is
// closed after Close.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Status returns the current connection status.
func (m *Manager) Status() domain.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Attempt returns the current backoff attempt number; zero after a
// successful open.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// URL returns the endpoint this manager dials.
func (m *Manager) URL() string {
	return m.url
}

// Send encodes frame and writes it if the channel is open. It reports
// whether the frame was transmitted; nothing is queued.
func (m *Manager) Send(frame protocol.ClientFrame) bool {
	m.mu.Lock()
	conn := m.conn
	connected := m.status == domain.StatusConnected
	m.mu.Unlock()

	if conn == nil || !connected {
		return false
	}

	data, err := protocol.Encode(frame)
	if err != nil {
		m.log.Error().Err(err).Str("type", frame.Type).Msg("encoding frame")
		return false
	}
	if err := conn.WriteMessage(data); err != nil {
		// A failed or timed-out write leaves the stream unusable; closing
		// it ends the read loop, which schedules the reconnect.
		m.log.Warn().Err(err).Str("type", frame.Type).Msg("write failed")
		conn.Close()
		return false
	}
	m.log.Trace().Str("type", frame.Type).Msg("frame sent")
	return true
}

// Reconnect starts a connection attempt now with a fresh backoff. It is a
// no-op while a connection is open or being opened.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manual = false
	m.attempt = 0
	m.connectLocked()
}

// Disconnect closes the channel and suppresses auto-reconnect until
// Reconnect or SetEnabled(true).
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	conn := m.teardownLocked()
	m.mu.Unlock()
	closeConn(conn)
}

// SetEnabled turns the manager on or off. Enabling restarts the cycle from
// attempt zero; disabling behaves like Disconnect.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	if !enabled {
		conn := m.teardownLocked()
		m.mu.Unlock()
		closeConn(conn)
		return
	}
	defer m.mu.Unlock()
	m.manual = false
	m.attempt = 0
	m.connectLocked()
}

// Close shuts the manager down for good and closes Events.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	conn := m.teardownLocked()
	m.closed = true
	close(m.done)
	m.cond.Broadcast()
	m.mu.Unlock()
	closeConn(conn)
	return nil
}

func (m *Manager) connectLocked() {
	if m.closed || !m.enabled || m.manual {
		return
	}
	if m.status == domain.StatusConnected || m.status == domain.StatusConnecting {
		return
	}
	m.cancelTimerLocked()
	m.gen++
	gen := m.gen
	m.setStatusLocked(domain.StatusConnecting)
	m.log.Info().Str("url", m.url).Int("attempt", m.attempt).Msg("connecting")
	go m.dial(gen)
}

func (m *Manager) dial(gen uint64) {
	conn, err := m.dialer.Dial(context.Background(), m.url)

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		closeConn(conn)
		return
	}
	defer m.mu.Unlock()
	if err != nil {
		m.log.Warn().Err(err).Msg("connect failed")
		m.handleCloseLocked()
		return
	}

	m.conn = conn
	m.attempt = 0
	m.setStatusLocked(domain.StatusConnected)
	m.log.Info().Str("url", m.url).Msg("connected")
	go m.read(gen, conn)
}

func (m *Manager) read(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			if gen == m.gen {
				m.log.Info().Err(err).Msg("connection closed")
				m.conn = nil
				m.handleCloseLocked()
			}
			m.mu.Unlock()
			closeConn(conn)
			return
		}

		frame, err := protocol.DecodeServer(data)
		if err != nil {
			m.log.Debug().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
			continue
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.enqueueLocked(Event{Kind: EventMessage, Message: frame})
		m.mu.Unlock()
	}
}

// handleCloseLocked runs after an unexpected close or a failed dial.
func (m *Manager) handleCloseLocked() {
	m.setStatusLocked(domain.StatusDisconnected)
	if m.closed || !m.enabled || m.manual {
		return
	}

	m.attempt = m.backoff.Next(m.attempt)
	delay := m.backoff.Delay(m.attempt)
	m.log.Info().Int("attempt", m.attempt).Dur("delay", delay).Msg("scheduling reconnect")

	m.timerSeq++
	seq := m.timerSeq
	m.timer = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if seq != m.timerSeq || m.timer == nil {
			return
		}
		m.timer = nil
		m.connectLocked()
	})
}

// teardownLocked detaches the current connection and returns it; the
// caller closes it after releasing the lock, since closing can wait on the
// network.
func (m *Manager) teardownLocked() Conn {
	m.cancelTimerLocked()
	m.attempt = 0
	m.gen++
	conn := m.conn
	m.conn = nil
	m.setStatusLocked(domain.StatusDisconnected)
	return conn
}

func closeConn(conn Conn) {
	if conn != nil {
		conn.Close()
	}
}

func (m *Manager) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
}

func (m *Manager) setStatusLocked(s domain.ConnectionStatus) {
	if m.status == s {
		return
	}
	m.log.Debug().Str("from", string(m.status)).Str("to", string(s)).Msg("status changed")
	m.status = s
	m.enqueueLocked(Event{Kind: EventStatus, Status: s})
}

func (m *Manager) enqueueLocked(ev Event) {
	if m.closed {
		return
	}
	m.queue = append(m.queue, ev)
	m.cond.Signal()
}

// pump forwards queued events so that producers never block on a slow
// consumer while holding the lock.
func (m *Manager) pump() {
	defer close(m.events)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.queue = nil
			m.mu.Unlock()
			return
		}
		ev := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.events <- ev:
		case <-m.done:
			return
		}
	}
}
