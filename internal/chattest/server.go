// Package chattest runs an in-process chat server speaking the client
// protocol, for tests that exercise the socket manager and controller over
// a real WebSocket.
package chattest

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/soyeahso/porchlight/internal/domain"
	"github.com/soyeahso/porchlight/internal/logging"
	"github.com/soyeahso/porchlight/internal/protocol"
)

// client is one connected socket. Admin is set after a valid AdminHello.
type client struct {
	connID string
	ws     *websocket.Conn
	admin  bool
	chatID string // visitor's conversation, or the admin's joined chat

	mu     sync.Mutex
	closed bool
}

func (c *client) send(f protocol.ServerFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.ws.WriteJSON(f)
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.ws.Close()
}

// Server is a minimal visitor/admin chat server. Visitors get a chat on
// Hello; every message is echoed to the chat's visitors and to admins
// that joined it.
type Server struct {
	*httptest.Server

	adminToken string
	log        *logging.Logger
	upgrader   websocket.Upgrader
	now        func() time.Time

	mu       sync.Mutex
	clients  map[string]*client
	chats    map[string][]protocol.HistoryMessage
	order    []string
	received []protocol.ClientFrame
}

// New starts a server. Visitors connect on /ws, admins on /admin/ws.
func New(adminToken string, log *logging.Logger) *Server {
	s := &Server{
		adminToken: adminToken,
		log:        log.Sub("chattest"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now:     time.Now,
		clients: make(map[string]*client),
		chats:   make(map[string][]protocol.HistoryMessage),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/admin/ws", s.handleWebSocket)
	s.Server = httptest.NewServer(mux)
	return s
}

// VisitorURL returns the ws:// address for visitors.
func (s *Server) VisitorURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

// AdminURL returns the ws:// address for admins.
func (s *Server) AdminURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/admin/ws"
}

// Received returns every client frame seen so far, in arrival order.
func (s *Server) Received() []protocol.ClientFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ClientFrame(nil), s.received...)
}

// Count returns how many received frames have the given type.
func (s *Server) Count(typ string) int {
	n := 0
	for _, f := range s.Received() {
		if f.Type == typ {
			n++
		}
	}
	return n
}

// Clients returns the number of open connections.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Messages returns a chat's stored history.
func (s *Server) Messages(chatID string) []protocol.HistoryMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.HistoryMessage(nil), s.chats[chatID]...)
}

// Post stores a message as if sender wrote it and fans it out.
func (s *Server) Post(chatID string, sender domain.Sender, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postLocked(chatID, sender, content)
}

// DropAll closes every client connection without a close handshake.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		c.close()
		delete(s.clients, id)
	}
}

// Close drops clients and stops the listener.
func (s *Server) Close() {
	s.DropAll()
	s.Server.Close()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{connID: uuid.New().String(), ws: conn}
	s.mu.Lock()
	s.clients[c.connID] = c
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c.connID)
		s.mu.Unlock()
		c.close()
	}()

	s.readLoop(c)
}

func (s *Server) readLoop(c *client) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := protocol.DecodeClient(data)
		if err != nil {
			c.send(protocol.NewError("unrecognised frame"))
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, f)
		stop := s.dispatchLocked(c, f)
		s.mu.Unlock()
		if stop {
			return
		}
	}
}

// dispatchLocked applies one frame and reports whether to hang up.
func (s *Server) dispatchLocked(c *client, f protocol.ClientFrame) bool {
	switch f.Type {
	case protocol.TypeHello:
		chatID := f.ChatID
		if _, ok := s.chats[chatID]; !ok {
			chatID = fmt.Sprintf("chat-%d", len(s.order)+1)
			s.chats[chatID] = nil
			s.order = append(s.order, chatID)
		}
		c.chatID = chatID
		c.send(protocol.NewWelcome(chatID))
		c.send(protocol.NewHistory(chatID, s.chats[chatID]))

	case protocol.TypeSendMessage:
		if c.admin || f.ChatID != c.chatID {
			c.send(protocol.NewError("not your chat"))
			return false
		}
		s.postLocked(f.ChatID, domain.SenderVisitor, f.Content)

	case protocol.TypeAdminHello:
		if subtle.ConstantTimeCompare([]byte(f.Token), []byte(s.adminToken)) != 1 {
			c.send(protocol.NewError("unauthorized"))
			return true
		}
		c.admin = true
		c.send(protocol.NewChatList(s.chatListLocked()))

	case protocol.TypeAdminJoinChat:
		if !c.admin {
			c.send(protocol.NewError("unauthorized"))
			return false
		}
		c.chatID = f.ChatID
		c.send(protocol.NewHistory(f.ChatID, s.chats[f.ChatID]))

	case protocol.TypeAdminSendMessage:
		if !c.admin {
			c.send(protocol.NewError("unauthorized"))
			return false
		}
		if _, ok := s.chats[f.ChatID]; !ok {
			c.send(protocol.NewError("unknown chat"))
			return false
		}
		s.postLocked(f.ChatID, domain.SenderOwner, f.Content)
	}
	return false
}

func (s *Server) postLocked(chatID string, sender domain.Sender, content string) {
	msg := protocol.HistoryMessage{
		ID:        uuid.New().String(),
		Sender:    sender,
		Content:   content,
		Timestamp: s.now().UnixMilli(),
	}
	if _, ok := s.chats[chatID]; !ok {
		s.order = append(s.order, chatID)
	}
	s.chats[chatID] = append(s.chats[chatID], msg)

	frame := protocol.NewMessage(chatID, sender, content, msg.Timestamp)
	for _, c := range s.clients {
		if c.chatID == chatID || c.admin {
			if err := c.send(frame); err != nil {
				s.log.Warn().Err(err).Str("connId", c.connID).Msg("broadcast send failed")
			}
		}
	}
}

func (s *Server) chatListLocked() []domain.ChatListItem {
	list := make([]domain.ChatListItem, 0, len(s.order))
	for _, id := range s.order {
		var last int64
		if msgs := s.chats[id]; len(msgs) > 0 {
			last = msgs[len(msgs)-1].Timestamp
		}
		list = append(list, domain.ChatListItem{ChatID: id, LastMessageAt: last})
	}
	return list
}
