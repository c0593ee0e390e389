// Package chat reconciles server events with local conversation state for
// both the single-conversation visitor and the multi-conversation admin.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/porchlight/internal/domain"
	"github.com/soyeahso/porchlight/internal/hooks"
	"github.com/soyeahso/porchlight/internal/kv"
	"github.com/soyeahso/porchlight/internal/logging"
	"github.com/soyeahso/porchlight/internal/protocol"
	"github.com/soyeahso/porchlight/internal/socket"
)

// Persisted keys. Values are JSON.
const (
	KeyClientID       = "chat_client_id"
	KeyChatID         = "chat_chat_id"
	KeyMessages       = "chat_messages"
	KeySelectedChatID = "admin_selected_chat_id"
)

// WelcomeID is the id of the greeting shown in a fresh visitor conversation.
const WelcomeID = "welcome"

// Transport is the part of the socket manager the controller drives.
type Transport interface {
	Send(frame protocol.ClientFrame) bool
	Status() domain.ConnectionStatus
}

// Options configures a Controller.
type Options struct {
	Mode      domain.Mode
	Token     string // admin only
	Greeting  string // first owner message of a fresh visitor conversation
	Store     kv.Store
	Transport Transport
	Hooks     *hooks.Manager // optional
	Logger    *logging.Logger
	Now       func() time.Time
	NewID     func() string
}

// Snapshot is the derived read state handed to the presentation layer.
type Snapshot struct {
	Mode           domain.Mode
	ChatID         string
	Messages       []domain.ChatMessage
	ChatList       []domain.ChatListItem
	SelectedChatID string
	Status         domain.ConnectionStatus
	CanSend        bool
	TokenMissing   bool
}

// Controller is safe for concurrent use. Server events should be fed from
// one goroutine (see Run) so they are applied in delivery order.
type Controller struct {
	mode      domain.Mode
	token     string
	store     kv.Store
	transport Transport
	hooks     *hooks.Manager
	log       *logging.Logger
	now       func() time.Time
	newID     func() string

	mu        sync.Mutex
	status    domain.ConnectionStatus
	period    uint64 // bumped on every status change
	clientID  string
	helloSent bool
	ledger    *Ledger

	// visitor
	chatID   string
	messages []domain.ChatMessage

	// admin
	inbox      *Inbox
	selected   string
	ready      bool
	lastJoined string

	listeners []func(Snapshot)
}

// New creates a controller and restores persisted session state.
func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("chat: store is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("chat: transport is required")
	}
	if opts.Mode == "" {
		opts.Mode = domain.ModeVisitor
	}
	if opts.Mode != domain.ModeVisitor && opts.Mode != domain.ModeAdmin {
		return nil, fmt.Errorf("chat: unknown mode %q", opts.Mode)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}

	c := &Controller{
		mode:      opts.Mode,
		token:     opts.Token,
		store:     opts.Store,
		transport: opts.Transport,
		hooks:     opts.Hooks,
		log:       opts.Logger.Sub("chat").With("mode", string(opts.Mode)),
		now:       opts.Now,
		newID:     opts.NewID,
		status:    opts.Transport.Status(),
		ledger:    NewLedger(),
		inbox:     NewInbox(),
	}

	if err := c.restore(opts.Greeting); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) restore(greeting string) error {
	if _, err := load(c, KeyClientID, &c.clientID); err != nil {
		return err
	}
	if c.clientID == "" {
		c.clientID = c.newID()
		if err := kv.SetJSON(c.store, KeyClientID, c.clientID); err != nil {
			return fmt.Errorf("persisting client id: %w", err)
		}
	}

	if c.mode == domain.ModeAdmin {
		_, err := load(c, KeySelectedChatID, &c.selected)
		return err
	}

	if _, err := load(c, KeyChatID, &c.chatID); err != nil {
		return err
	}
	ok, err := load(c, KeyMessages, &c.messages)
	if err != nil {
		return err
	}
	if !ok && greeting != "" {
		c.messages = []domain.ChatMessage{{
			ID:        WelcomeID,
			Sender:    domain.SenderOwner,
			Text:      greeting,
			Timestamp: c.now().UnixMilli(),
		}}
	}
	c.log.Debug().
		Str("clientId", c.clientID).
		Str("chatId", c.chatID).
		Int("messages", len(c.messages)).
		Msg("session restored")
	return nil
}

// load decodes key into v. A value that does not decode is logged and
// treated as absent with v zeroed; store failures are returned.
func load[T any](c *Controller, key string, v *T) (bool, error) {
	ok, err := kv.GetJSON(c.store, key, v)
	if errors.Is(err, kv.ErrCorrupt) {
		c.log.Warn().Err(err).Str("key", key).Msg("discarding unreadable value")
		var zero T
		*v = zero
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", key, err)
	}
	return ok, nil
}

// ClientID returns this installation's stable visitor identity.
func (c *Controller) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Mode returns the operating mode.
func (c *Controller) Mode() domain.Mode {
	return c.mode
}

// OnChange registers fn to receive a snapshot after every state change.
// fn runs on the goroutine that caused the change, outside the lock.
func (c *Controller) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Snapshot returns the current derived state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// PendingEchoes returns the number of distinct sends awaiting an echo.
func (c *Controller) PendingEchoes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Len()
}

// Run applies socket events in order until events is closed or ctx ends.
func (c *Controller) Run(ctx context.Context, events <-chan socket.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case socket.EventStatus:
				c.HandleStatus(ev.Status)
			case socket.EventMessage:
				c.HandleServerMessage(ev.Message)
			}
		}
	}
}

// HandleStatus applies a connection status transition. Leaving the
// connected state re-arms the hello and, for admin, the join.
func (c *Controller) HandleStatus(status domain.ConnectionStatus) {
	c.mu.Lock()
	changed := c.status != status
	c.status = status
	if changed {
		c.period++
	}
	if status != domain.StatusConnected {
		c.helloSent = false
		if c.mode == domain.ModeAdmin {
			c.ready = false
			c.lastJoined = ""
		}
	}
	out := c.syncLocked()
	if changed {
		c.emit(hooks.EventStatusChanged, map[string]any{"status": string(status)})
	}
	c.unlockAndNotify()
	c.flush(out)
}

// HandleServerMessage reconciles one decoded server frame.
func (c *Controller) HandleServerMessage(f protocol.ServerFrame) {
	c.mu.Lock()
	switch f.Type {
	case protocol.TypeWelcome:
		if c.mode == domain.ModeVisitor {
			c.setChatIDLocked(f.ChatID)
		}
	case protocol.TypeChatList:
		if c.mode == domain.ModeAdmin {
			c.applyChatListLocked(f.Chats)
		}
	case protocol.TypeHistory:
		c.applyHistoryLocked(f.ChatID, f.Messages)
	case protocol.TypeMessage:
		if !c.applyMessageLocked(f) {
			c.mu.Unlock()
			return
		}
	case protocol.TypeError:
		c.applyErrorLocked(f.Message)
	default:
		c.log.Debug().Str("type", f.Type).Msg("ignoring frame")
		c.mu.Unlock()
		return
	}
	out := c.syncLocked()
	c.unlockAndNotify()
	c.flush(out)
}

func (c *Controller) applyChatListLocked(chats []domain.ChatListItem) {
	c.ready = true
	c.inbox.Replace(chats)

	switch {
	case c.selected == "" && c.inbox.Len() > 0:
		c.setSelectedLocked(c.inbox.First())
	case c.selected != "" && !c.inbox.Has(c.selected):
		c.log.Debug().Str("stale", c.selected).Msg("repairing selection")
		c.setSelectedLocked(c.inbox.First())
	}
}

func (c *Controller) applyHistoryLocked(chatID string, entries []protocol.HistoryMessage) {
	c.ledger.ClearChat(chatID)

	history := make([]domain.ChatMessage, 0, len(entries))
	for _, e := range entries {
		history = append(history, e.ChatMessage())
	}

	if c.mode == domain.ModeAdmin {
		c.inbox.SetMessages(chatID, history)
		if c.selected == "" {
			c.setSelectedLocked(chatID)
		}
		return
	}

	c.setChatIDLocked(chatID)
	// An empty history never wipes local optimistic messages.
	if len(history) > 0 {
		c.setMessagesLocked(history)
	}
}

// applyMessageLocked reports whether state changed.
func (c *Controller) applyMessageLocked(f protocol.ServerFrame) bool {
	if f.Sender == c.mode.Self() && c.ledger.Consume(f.ChatID, f.Sender, f.Content) {
		c.log.Trace().Str("chatId", f.ChatID).Msg("echo suppressed")
		return false
	}

	msg := domain.ChatMessage{
		ID:        c.newID(),
		Sender:    f.Sender,
		Text:      f.Content,
		Timestamp: f.Timestamp,
	}

	if c.mode == domain.ModeAdmin {
		if !c.inbox.Append(f.ChatID, msg) {
			return false
		}
		c.inbox.Upsert(f.ChatID, f.Timestamp)
		if c.selected == "" {
			c.setSelectedLocked(f.ChatID)
		}
	} else {
		if f.ChatID != c.chatID {
			return false
		}
		next, added := AppendMessage(c.messages, msg)
		if !added {
			return false
		}
		c.setMessagesLocked(next)
	}

	c.emit(hooks.EventMessageReceived, map[string]any{
		"chat_id":   f.ChatID,
		"sender":    string(f.Sender),
		"text":      f.Content,
		"timestamp": f.Timestamp,
	})
	return true
}

func (c *Controller) applyErrorLocked(text string) {
	msg := domain.ChatMessage{
		ID:        c.newID(),
		Sender:    domain.SenderSystem,
		Text:      "Error: " + text,
		Timestamp: c.now().UnixMilli(),
	}
	c.log.Warn().Str("error", text).Msg("server reported error")
	c.emit(hooks.EventErrorReceived, map[string]any{"message": text})

	if c.mode == domain.ModeAdmin {
		if c.selected == "" {
			return
		}
		c.inbox.Append(c.selected, msg)
		return
	}
	if next, added := AppendMessage(c.messages, msg); added {
		c.setMessagesLocked(next)
	}
}

// SendMessage renders text optimistically and transmits it when possible.
// It reports whether the frame went out on the wire.
func (c *Controller) SendMessage(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}

	c.mu.Lock()
	now := c.now().UnixMilli()
	self := c.mode.Self()
	msg := domain.ChatMessage{ID: c.newID(), Sender: self, Text: trimmed, Timestamp: now}

	var (
		chatID string
		frame  protocol.ClientFrame
	)
	if c.mode == domain.ModeAdmin {
		if c.token == "" || c.selected == "" {
			c.mu.Unlock()
			return false
		}
		chatID = c.selected
		c.inbox.Append(chatID, msg)
		c.inbox.Upsert(chatID, now)
		frame = protocol.NewAdminSendMessage(chatID, trimmed)
	} else {
		if next, added := AppendMessage(c.messages, msg); added {
			c.setMessagesLocked(next)
		}
		chatID = c.chatID
		frame = protocol.NewSendMessage(chatID, trimmed)
	}

	if chatID == "" {
		c.log.Debug().Msg("no chat yet, message kept locally")
		c.unlockAndNotify()
		return false
	}
	// Marked before the write so an echo racing the send finds it.
	c.ledger.Mark(chatID, self, trimmed)
	c.unlockAndNotify()

	if !c.transport.Send(frame) {
		c.mu.Lock()
		c.ledger.Consume(chatID, self, trimmed)
		c.mu.Unlock()
		c.log.Debug().Str("chatId", chatID).Msg("message kept locally, send failed")
		return false
	}
	c.emit(hooks.EventMessageSending, map[string]any{
		"chat_id":   chatID,
		"sender":    string(self),
		"text":      trimmed,
		"timestamp": now,
	})
	return true
}

// SelectChat changes the admin's displayed conversation and joins it if
// the session is ready. It is a no-op for visitors.
func (c *Controller) SelectChat(chatID string) {
	if c.mode != domain.ModeAdmin {
		return
	}
	c.mu.Lock()
	c.setSelectedLocked(chatID)
	out := c.syncLocked()
	c.unlockAndNotify()
	c.flush(out)
}

// outbound is a frame decided under the lock and written after it is
// released. undo runs under the lock if the write fails.
type outbound struct {
	frame protocol.ClientFrame
	undo  func()
}

// syncLocked decides the handshake, once per connected period, and for
// admin the join, once per distinct selection. The markers are set
// optimistically; flush rolls them back if the write fails.
func (c *Controller) syncLocked() []outbound {
	if c.status != domain.StatusConnected {
		return nil
	}
	var out []outbound
	period := c.period

	if !c.helloSent {
		var hello protocol.ClientFrame
		switch {
		case c.mode == domain.ModeAdmin && c.token == "":
			// Stay silent; tokenMissing is surfaced in the snapshot.
		case c.mode == domain.ModeAdmin:
			hello = protocol.NewAdminHello(c.token)
		default:
			hello = protocol.NewHello(c.clientID, c.chatID)
		}
		if hello.Type != "" {
			c.helloSent = true
			out = append(out, outbound{frame: hello, undo: func() {
				if c.period == period {
					c.helloSent = false
				}
			}})
		}
	}

	if c.mode != domain.ModeAdmin || c.token == "" || !c.ready {
		return out
	}
	if c.selected == "" || c.selected == c.lastJoined {
		return out
	}
	chatID := c.selected
	c.lastJoined = chatID
	out = append(out, outbound{frame: protocol.NewAdminJoinChat(chatID), undo: func() {
		if c.period == period && c.lastJoined == chatID {
			c.lastJoined = ""
		}
	}})
	return out
}

// flush writes frames in order outside the lock. After the first failure
// the rest are rolled back unsent; the next sync retries them.
func (c *Controller) flush(out []outbound) {
	for i, o := range out {
		if c.transport.Send(o.frame) {
			c.log.Debug().Str("type", o.frame.Type).Str("chatId", o.frame.ChatID).Msg("frame sent")
			continue
		}
		c.mu.Lock()
		for _, rest := range out[i:] {
			rest.undo()
		}
		c.mu.Unlock()
		return
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		Mode:   c.mode,
		Status: c.status,
	}
	if c.mode == domain.ModeAdmin {
		s.ChatID = c.selected
		s.SelectedChatID = c.selected
		s.ChatList = c.inbox.List()
		if c.selected != "" {
			s.Messages = slices.Clone(c.inbox.Messages(c.selected))
		}
		s.CanSend = c.selected != "" && c.token != ""
		s.TokenMissing = c.token == ""
		return s
	}
	s.ChatID = c.chatID
	s.Messages = slices.Clone(c.messages)
	s.CanSend = true
	return s
}

func (c *Controller) unlockAndNotify() {
	snap := c.snapshotLocked()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

func (c *Controller) setChatIDLocked(chatID string) {
	if c.chatID == chatID {
		return
	}
	c.chatID = chatID
	c.persist(KeyChatID, chatID)
}

func (c *Controller) setMessagesLocked(msgs []domain.ChatMessage) {
	c.messages = msgs
	c.persist(KeyMessages, msgs)
}

func (c *Controller) setSelectedLocked(chatID string) {
	if c.selected == chatID {
		return
	}
	c.selected = chatID
	c.persist(KeySelectedChatID, chatID)
}

// persist failures are logged; the in-memory state stays authoritative.
func (c *Controller) persist(key string, v any) {
	if err := kv.SetJSON(c.store, key, v); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("persisting state")
	}
}

func (c *Controller) emit(event string, data map[string]any) {
	if c.hooks == nil {
		return
	}
	data["mode"] = string(c.mode)
	c.hooks.EmitAsync(context.Background(), event, data)
}
