package chat

import (
	"slices"

	"github.com/soyeahso/porchlight/internal/domain"
)

// AppendMessage returns msgs with next appended, unless a message with the
// same id or the same sender, text and timestamp is already present. In
// that case msgs itself is returned and added is false.
func AppendMessage(msgs []domain.ChatMessage, next domain.ChatMessage) (out []domain.ChatMessage, added bool) {
	for _, m := range msgs {
		if m.ID == next.ID || m.SameContent(next) {
			return msgs, false
		}
	}
	out = make([]domain.ChatMessage, len(msgs), len(msgs)+1)
	copy(out, msgs)
	return append(out, next), true
}

// sortChatList orders summaries by most recent activity first.
func sortChatList(list []domain.ChatListItem) []domain.ChatListItem {
	out := slices.Clone(list)
	slices.SortStableFunc(out, func(a, b domain.ChatListItem) int {
		switch {
		case a.LastMessageAt > b.LastMessageAt:
			return -1
		case a.LastMessageAt < b.LastMessageAt:
			return 1
		}
		return 0
	})
	return out
}
