package chat

import (
	"slices"

	"github.com/soyeahso/porchlight/internal/domain"
)

// Inbox is the admin's view of every conversation: recency-ordered
// summaries plus the messages loaded for each chat.
type Inbox struct {
	list   []domain.ChatListItem
	byChat map[string][]domain.ChatMessage
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{byChat: make(map[string][]domain.ChatMessage)}
}

// Replace swaps in a new summary list. Loaded messages are kept.
func (in *Inbox) Replace(list []domain.ChatListItem) {
	in.list = sortChatList(list)
}

// Upsert records activity on chatID at ts, adding it if unseen.
func (in *Inbox) Upsert(chatID string, ts int64) {
	i := slices.IndexFunc(in.list, func(c domain.ChatListItem) bool { return c.ChatID == chatID })
	next := slices.Clone(in.list)
	if i >= 0 {
		next[i].LastMessageAt = ts
	} else {
		next = append(next, domain.ChatListItem{ChatID: chatID, LastMessageAt: ts})
	}
	in.list = sortChatList(next)
}

// Has reports whether chatID is in the summary list.
func (in *Inbox) Has(chatID string) bool {
	return slices.ContainsFunc(in.list, func(c domain.ChatListItem) bool { return c.ChatID == chatID })
}

// First returns the most recent chat id, or "" when the list is empty.
func (in *Inbox) First() string {
	if len(in.list) == 0 {
		return ""
	}
	return in.list[0].ChatID
}

// List returns a copy of the summaries, most recent first.
func (in *Inbox) List() []domain.ChatListItem {
	return slices.Clone(in.list)
}

// Len returns the number of summaries.
func (in *Inbox) Len() int {
	return len(in.list)
}

// Messages returns the loaded messages for chatID.
func (in *Inbox) Messages(chatID string) []domain.ChatMessage {
	return in.byChat[chatID]
}

// SetMessages replaces the messages for chatID.
func (in *Inbox) SetMessages(chatID string, msgs []domain.ChatMessage) {
	in.byChat[chatID] = msgs
}

// Append adds msg to chatID unless it is a duplicate.
func (in *Inbox) Append(chatID string, msg domain.ChatMessage) bool {
	next, added := AppendMessage(in.byChat[chatID], msg)
	if added {
		in.byChat[chatID] = next
	}
	return added
}
