package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/soyeahso/porchlight/internal/chat"
	"github.com/soyeahso/porchlight/internal/domain"
)

// terminal renders controller snapshots as an append-only transcript.
type terminal struct {
	out  io.Writer
	mode domain.Mode

	mu          sync.Mutex
	status      domain.ConnectionStatus
	chatID      string
	seen        map[string]bool
	warnedToken bool

	visitor *color.Color
	owner   *color.Color
	system  *color.Color
	dim     *color.Color
	notice  *color.Color
}

func newTerminal(out io.Writer, mode domain.Mode) *terminal {
	return &terminal{
		out:     out,
		mode:    mode,
		seen:    make(map[string]bool),
		visitor: color.New(color.FgCyan),
		owner:   color.New(color.FgGreen),
		system:  color.New(color.FgRed, color.Bold),
		dim:     color.New(color.FgHiBlack),
		notice:  color.New(color.FgYellow),
	}
}

// Render prints whatever changed since the previous snapshot.
func (t *terminal) Render(s chat.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.TokenMissing && !t.warnedToken {
		t.notice.Fprintln(t.out, "! admin token missing: pass --token or set PORCHLIGHT_ADMIN_TOKEN")
		t.warnedToken = true
	}

	if s.Status != t.status {
		t.dim.Fprintf(t.out, "· %s\n", s.Status)
		t.status = s.Status
	}

	if s.ChatID != t.chatID {
		t.chatID = s.ChatID
		// Admin switched conversations; a visitor only learned its id.
		if t.mode == domain.ModeAdmin {
			t.seen = make(map[string]bool)
		}
		if s.ChatID != "" {
			t.dim.Fprintf(t.out, "── chat %s ──\n", s.ChatID)
		}
	}

	for _, m := range s.Messages {
		if t.seen[m.ID] {
			continue
		}
		t.seen[m.ID] = true
		t.printMessage(m)
	}
}

func (t *terminal) printMessage(m domain.ChatMessage) {
	ts := time.UnixMilli(m.Timestamp).Format("15:04")
	c := t.colorFor(m.Sender)
	t.dim.Fprintf(t.out, "%s ", ts)
	c.Fprintf(t.out, "%-7s", t.label(m.Sender))
	fmt.Fprintf(t.out, " %s\n", m.Text)
}

func (t *terminal) label(s domain.Sender) string {
	if t.mode.Self() == s {
		return "you"
	}
	return string(s)
}

func (t *terminal) colorFor(s domain.Sender) *color.Color {
	switch s {
	case domain.SenderVisitor:
		return t.visitor
	case domain.SenderOwner:
		return t.owner
	}
	return t.system
}

// Notice prints a one-line client message that is not part of the chat.
func (t *terminal) Notice(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notice.Fprintf(t.out, format+"\n", args...)
}

// PrintInbox lists the admin's conversations, marking the selected one.
func (t *terminal) PrintInbox(s chat.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(s.ChatList) == 0 {
		t.dim.Fprintln(t.out, "(no conversations)")
		return
	}
	for _, c := range s.ChatList {
		marker := " "
		if c.ChatID == s.SelectedChatID {
			marker = "*"
		}
		when := time.UnixMilli(c.LastMessageAt).Format("Jan 2 15:04")
		fmt.Fprintf(t.out, "%s %s  ", marker, c.ChatID)
		t.dim.Fprintln(t.out, when)
	}
}

// PrintLines writes plain lines, used for /status and /help.
func (t *terminal) PrintLines(lines ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, strings.Join(lines, "\n"))
}
