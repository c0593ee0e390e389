// Package domain holds the chat types shared by the socket layer, the
// session controller and the presentation layer.
package domain

// Sender identifies who authored a message.
type Sender string

const (
	SenderVisitor Sender = "visitor"
	SenderOwner   Sender = "owner"
	SenderSystem  Sender = "system"
)

// Valid reports whether s is one of the protocol's sender values.
func (s Sender) Valid() bool {
	switch s {
	case SenderVisitor, SenderOwner, SenderSystem:
		return true
	}
	return false
}

// Mode selects which side of the conversation this client plays.
type Mode string

const (
	ModeVisitor Mode = "visitor"
	ModeAdmin   Mode = "admin"
)

// Self returns the sender role this mode writes messages as.
func (m Mode) Self() Sender {
	if m == ModeAdmin {
		return SenderOwner
	}
	return SenderVisitor
}

// ConnectionStatus is the lifecycle state of the duplex channel.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

// ChatMessage is one rendered line of a conversation. Timestamp is epoch
// milliseconds.
type ChatMessage struct {
	ID        string `json:"id"`
	Sender    Sender `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// SameContent reports whether two messages carry the same sender, text and
// timestamp, regardless of id.
func (m ChatMessage) SameContent(o ChatMessage) bool {
	return m.Sender == o.Sender && m.Text == o.Text && m.Timestamp == o.Timestamp
}

// ChatListItem summarises one conversation in the admin inbox.
type ChatListItem struct {
	ChatID        string `json:"chat_id"`
	LastMessageAt int64  `json:"last_message_at"`
}
