package chat

import "github.com/soyeahso/porchlight/internal/domain"

type echoKey struct {
	chatID  string
	sender  domain.Sender
	content string
}

// Ledger is a multiset of self-sent messages awaiting their server echo.
// Counts never go below zero; a key whose count reaches zero is removed.
//
// Keys do not include a timestamp, so two identical sends in flight are
// indistinguishable and each echo consumes one of them in turn.
type Ledger struct {
	counts map[echoKey]int
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{counts: make(map[echoKey]int)}
}

// Mark records one pending echo.
func (l *Ledger) Mark(chatID string, sender domain.Sender, content string) {
	l.counts[echoKey{chatID, sender, content}]++
}

// Consume removes one pending echo and reports whether there was one.
func (l *Ledger) Consume(chatID string, sender domain.Sender, content string) bool {
	k := echoKey{chatID, sender, content}
	n := l.counts[k]
	if n <= 0 {
		return false
	}
	if n == 1 {
		delete(l.counts, k)
	} else {
		l.counts[k] = n - 1
	}
	return true
}

// ClearChat drops every pending echo for chatID.
func (l *Ledger) ClearChat(chatID string) {
	for k := range l.counts {
		if k.chatID == chatID {
			delete(l.counts, k)
		}
	}
}

// Count returns the pending count for one key.
func (l *Ledger) Count(chatID string, sender domain.Sender, content string) int {
	return l.counts[echoKey{chatID, sender, content}]
}

// Len returns the number of distinct pending keys.
func (l *Ledger) Len() int {
	return len(l.counts)
}
