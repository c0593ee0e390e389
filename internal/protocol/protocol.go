// Package protocol defines the JSON text frames exchanged with the chat
// server. Every frame is a flat object discriminated by its "type" field.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/soyeahso/porchlight/internal/domain"
)

// Client → server frame types.
const (
	TypeHello            = "Hello"
	TypeSendMessage      = "SendMessage"
	TypeAdminHello       = "AdminHello"
	TypeAdminJoinChat    = "AdminJoinChat"
	TypeAdminSendMessage = "AdminSendMessage"
)

// Server → client frame types.
const (
	TypeWelcome  = "Welcome"
	TypeChatList = "ChatList"
	TypeHistory  = "History"
	TypeMessage  = "Message"
	TypeError    = "Error"
)

var (
	// ErrUnknownType is returned when a frame's type is not part of the protocol.
	ErrUnknownType = errors.New("unknown frame type")
	// ErrInvalidFrame is returned when a known frame lacks a field its type
	// requires or carries an unknown sender.
	ErrInvalidFrame = errors.New("invalid frame")
)

// ClientFrame is the envelope for every client → server frame.
// Only the fields belonging to Type are set.
type ClientFrame struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id,omitempty"`
	ChatID   string `json:"chat_id,omitempty"`
	Content  string `json:"content,omitempty"`
	Token    string `json:"token,omitempty"`
}

// HistoryMessage is one entry of a History frame.
type HistoryMessage struct {
	ID        string        `json:"id"`
	Sender    domain.Sender `json:"sender"`
	Content   string        `json:"content"`
	Timestamp int64         `json:"timestamp"`
}

// ChatMessage converts a history entry into its rendered form.
func (h HistoryMessage) ChatMessage() domain.ChatMessage {
	return domain.ChatMessage{
		ID:        h.ID,
		Sender:    h.Sender,
		Text:      h.Content,
		Timestamp: h.Timestamp,
	}
}

// ServerFrame is the envelope for every server → client frame.
type ServerFrame struct {
	Type string `json:"type"`

	// Welcome, History, Message
	ChatID string `json:"chat_id,omitempty"`

	// ChatList
	Chats []domain.ChatListItem `json:"chats,omitempty"`

	// History
	Messages []HistoryMessage `json:"messages,omitempty"`

	// Message
	Sender    domain.Sender `json:"sender,omitempty"`
	Content   string        `json:"content,omitempty"`
	Timestamp int64         `json:"timestamp,omitempty"`

	// Error
	Message string `json:"message,omitempty"`
}

// NewHello creates the visitor handshake. chatID may be empty for a first visit.
func NewHello(clientID, chatID string) ClientFrame {
	return ClientFrame{Type: TypeHello, ClientID: clientID, ChatID: chatID}
}

// NewSendMessage creates a visitor message frame.
func NewSendMessage(chatID, content string) ClientFrame {
	return ClientFrame{Type: TypeSendMessage, ChatID: chatID, Content: content}
}

// NewAdminHello creates the admin handshake.
func NewAdminHello(token string) ClientFrame {
	return ClientFrame{Type: TypeAdminHello, Token: token}
}

// NewAdminJoinChat asks the server for one conversation's history and updates.
func NewAdminJoinChat(chatID string) ClientFrame {
	return ClientFrame{Type: TypeAdminJoinChat, ChatID: chatID}
}

// NewAdminSendMessage creates an owner reply frame.
func NewAdminSendMessage(chatID, content string) ClientFrame {
	return ClientFrame{Type: TypeAdminSendMessage, ChatID: chatID, Content: content}
}

// NewWelcome creates a Welcome frame.
func NewWelcome(chatID string) ServerFrame {
	return ServerFrame{Type: TypeWelcome, ChatID: chatID}
}

// NewChatList creates a ChatList frame.
func NewChatList(chats []domain.ChatListItem) ServerFrame {
	return ServerFrame{Type: TypeChatList, Chats: chats}
}

// NewHistory creates a History frame.
func NewHistory(chatID string, messages []HistoryMessage) ServerFrame {
	return ServerFrame{Type: TypeHistory, ChatID: chatID, Messages: messages}
}

// NewMessage creates a Message frame.
func NewMessage(chatID string, sender domain.Sender, content string, ts int64) ServerFrame {
	return ServerFrame{Type: TypeMessage, ChatID: chatID, Sender: sender, Content: content, Timestamp: ts}
}

// NewError creates an Error frame.
func NewError(message string) ServerFrame {
	return ServerFrame{Type: TypeError, Message: message}
}

// Encode serialises a frame for the wire.
func Encode(frame any) ([]byte, error) {
	return json.Marshal(frame)
}

// DecodeServer parses one server frame. Non-JSON payloads, unknown types and
// frames missing the fields their type requires are errors; callers drop
// such frames.
func DecodeServer(data []byte) (ServerFrame, error) {
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ServerFrame{}, fmt.Errorf("decoding server frame: %w", err)
	}
	if err := f.validate(); err != nil {
		return ServerFrame{}, err
	}
	return f, nil
}

func (f ServerFrame) validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidFrame, f.Type, fmt.Sprintf(format, args...))
	}
	switch f.Type {
	case TypeWelcome:
		if f.ChatID == "" {
			return invalid("missing chat_id")
		}
	case TypeChatList:
		for i, c := range f.Chats {
			if c.ChatID == "" {
				return invalid("chats[%d] missing chat_id", i)
			}
		}
	case TypeHistory:
		if f.ChatID == "" {
			return invalid("missing chat_id")
		}
		for i, m := range f.Messages {
			if !m.Sender.Valid() {
				return invalid("messages[%d] sender %q", i, m.Sender)
			}
		}
	case TypeMessage:
		if f.ChatID == "" {
			return invalid("missing chat_id")
		}
		if !f.Sender.Valid() {
			return invalid("sender %q", f.Sender)
		}
	case TypeError:
		if f.Message == "" {
			return invalid("missing message")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	return nil
}

// DecodeClient parses one client frame.
func DecodeClient(data []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ClientFrame{}, fmt.Errorf("decoding client frame: %w", err)
	}
	switch f.Type {
	case TypeHello, TypeSendMessage, TypeAdminHello, TypeAdminJoinChat, TypeAdminSendMessage:
		return f, nil
	}
	return ClientFrame{}, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
}
