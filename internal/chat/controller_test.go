package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/soyeahso/porchlight/internal/domain"
	"github.com/soyeahso/porchlight/internal/hooks"
	"github.com/soyeahso/porchlight/internal/kv"
	"github.com/soyeahso/porchlight/internal/logging"
	"github.com/soyeahso/porchlight/internal/protocol"
	"github.com/soyeahso/porchlight/internal/socket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu     sync.Mutex
	status domain.ConnectionStatus
	refuse string // frame type whose writes fail
	sent   []protocol.ClientFrame
}

func (f *fakeTransport) Send(frame protocol.ClientFrame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != domain.StatusConnected || frame.Type == f.refuse {
		return false
	}
	f.sent = append(f.sent, frame)
	return true
}

func (f *fakeTransport) Status() domain.ConnectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == "" {
		return domain.StatusDisconnected
	}
	return f.status
}

func (f *fakeTransport) Sent() []protocol.ClientFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.ClientFrame(nil), f.sent...)
}

func (f *fakeTransport) SentOfType(typ string) []protocol.ClientFrame {
	var out []protocol.ClientFrame
	for _, fr := range f.Sent() {
		if fr.Type == typ {
			out = append(out, fr)
		}
	}
	return out
}

// connect flips the fake transport and tells the controller, the way the
// socket manager's status event would.
func connect(c *Controller, tr *fakeTransport) {
	tr.mu.Lock()
	tr.status = domain.StatusConnected
	tr.mu.Unlock()
	c.HandleStatus(domain.StatusConnected)
}

func disconnect(c *Controller, tr *fakeTransport) {
	tr.mu.Lock()
	tr.status = domain.StatusDisconnected
	tr.mu.Unlock()
	c.HandleStatus(domain.StatusDisconnected)
}

var fixedNow = time.UnixMilli(1_700_000_000_000)

func testController(t *testing.T, store kv.Store, mode domain.Mode, token string) (*Controller, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	n := 0
	c, err := New(Options{
		Mode:      mode,
		Token:     token,
		Greeting:  "Hi there",
		Store:     store,
		Transport: tr,
		Logger:    logging.New(nil, "silent"),
		Now:       func() time.Time { return fixedNow },
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
	})
	require.NoError(t, err)
	return c, tr
}

func texts(msgs []domain.ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

// --- construction ---

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{Transport: &fakeTransport{}, Logger: logging.New(nil, "silent")})
	assert.Error(t, err)
	_, err = New(Options{Store: kv.NewMemory(), Logger: logging.New(nil, "silent")})
	assert.Error(t, err)
	_, err = New(Options{Mode: "robot", Store: kv.NewMemory(), Transport: &fakeTransport{}, Logger: logging.New(nil, "silent")})
	assert.Error(t, err)
}

func TestVisitorFreshSessionShowsGreeting(t *testing.T) {
	store := kv.NewMemory()
	c, _ := testController(t, store, domain.ModeVisitor, "")

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, WelcomeID, snap.Messages[0].ID)
	assert.Equal(t, domain.SenderOwner, snap.Messages[0].Sender)
	assert.Equal(t, "Hi there", snap.Messages[0].Text)
	assert.Equal(t, "", snap.ChatID)
	assert.True(t, snap.CanSend)
	assert.False(t, snap.TokenMissing)
	assert.Equal(t, domain.StatusDisconnected, snap.Status)

	var stored string
	ok, err := kv.GetJSON(store, KeyClientID, &stored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c.ClientID(), stored)

	again, _ := testController(t, store, domain.ModeVisitor, "")
	assert.Equal(t, c.ClientID(), again.ClientID())
}

func TestVisitorCorruptMessagesFallBackToGreeting(t *testing.T) {
	store := kv.NewMemory()
	require.NoError(t, store.Set(KeyMessages, "[{broken"))

	c, _ := testController(t, store, domain.ModeVisitor, "")
	snap := c.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, WelcomeID, snap.Messages[0].ID)
}

// --- visitor handshake ---

func TestVisitorHelloOncePerConnectedPeriod(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeVisitor, "")

	connect(c, tr)
	c.HandleStatus(domain.StatusConnected)
	c.HandleServerMessage(protocol.NewWelcome("abc"))

	hellos := tr.SentOfType(protocol.TypeHello)
	require.Len(t, hellos, 1)
	assert.Equal(t, c.ClientID(), hellos[0].ClientID)
	assert.Equal(t, "", hellos[0].ChatID)

	disconnect(c, tr)
	c.HandleStatus(domain.StatusConnecting)
	connect(c, tr)

	hellos = tr.SentOfType(protocol.TypeHello)
	require.Len(t, hellos, 2)
	assert.Equal(t, "abc", hellos[1].ChatID, "rejoin carries the adopted chat id")
}

func TestVisitorEndToEnd(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeVisitor, "")
	connect(c, tr)

	assert.False(t, c.SendMessage("  hello  "))
	snap := c.Snapshot()
	assert.Equal(t, []string{"Hi there", "hello"}, texts(snap.Messages))
	assert.Empty(t, tr.SentOfType(protocol.TypeSendMessage))

	c.HandleServerMessage(protocol.NewWelcome("abc"))
	assert.Equal(t, "abc", c.Snapshot().ChatID)

	assert.True(t, c.SendMessage("hi again"))
	sends := tr.SentOfType(protocol.TypeSendMessage)
	require.Len(t, sends, 1)
	assert.Equal(t, protocol.NewSendMessage("abc", "hi again"), sends[0])
	assert.Equal(t, []string{"Hi there", "hello", "hi again"}, texts(c.Snapshot().Messages))
}

func TestSendMessageIgnoresBlankText(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeVisitor, "")
	connect(c, tr)
	c.HandleServerMessage(protocol.NewWelcome("abc"))

	assert.False(t, c.SendMessage(" \t\n"))
	assert.Len(t, c.Snapshot().Messages, 1)
	assert.Empty(t, tr.SentOfType(protocol.TypeSendMessage))
}

func TestVisitorRendersLocallyWhileDisconnected(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeVisitor, "")
	connect(c, tr)
	c.HandleServerMessage(protocol.NewWelcome("abc"))
	disconnect(c, tr)

	assert.False(t, c.SendMessage("anyone?"))
	assert.Equal(t, "anyone?", c.Snapshot().Messages[1].Text)
	assert.Equal(t, 0, c.PendingEchoes())
}

// --- echo suppression ---

func TestVisitorEchoSuppressed(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeVisitor, "")
	connect(c, tr)
	c.HandleServerMessage(protocol.NewWelcome("abc"))

	require.True(t, c.SendMessage("hi again"))
	assert.Equal(t, 1, c.ledger.Count("abc", domain.SenderVisitor, "hi again"))

	c.HandleServerMessage(protocol.NewMessage("abc", domain.SenderVisitor, "hi again", fixedNow.UnixMilli()+5))
	assert.Equal(t, []string{"Hi there", "hi again"}, texts(c.Snapshot().Messages))
	assert.Equal(t, 0, c.ledger.Count("abc", domain.SenderVisitor, "hi again"))

	// With nothing pending the same text is a new message.
	c.HandleServerMessage(protocol.NewMessage("abc", domain.SenderVisitor, "hi again", fixedNow.UnixMilli()+9))
	assert.Equal(t, []string{"Hi there", "hi again", "hi again"}, texts(c.Snapshot().Messages))
}

func TestOwnerMessageWithSameTextIsNotAnEcho(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeVisitor, "")
	connect(c, tr)
	c.HandleServerMessage(protocol.NewWelcome("abc"))
	require.True(t, c.SendMessage("ok"))

	c.HandleServerMessage(protocol.NewMessage("abc", domain.SenderOwner, "ok", 42))
	assert.Equal(t, []string{"Hi there", "ok", "ok"}, texts(c.Snapshot().Messages))
	assert.Equal(t, 1, c.PendingEchoes())
}

func TestVisitorIgnoresOtherChats(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeVisitor, "")
	connect(c, tr)
	c.HandleServerMessage(protocol.NewWelcome("abc"))

	c.HandleServerMessage(protocol.NewMessage("zzz", domain.SenderOwner, "not for you", 1))
	assert.Len(t, c.Snapshot().Messages, 1)
}

// --- history ---

func TestVisitorEmptyHistoryKeepsLocalMessages(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeVisitor, "")
	connect(c, tr)
	c.SendMessage("typed before welcome")

	c.HandleServerMessage(protocol.NewHistory("abc", nil))
	snap := c.Snapshot()
	assert.Equal(t, "abc", snap.ChatID)
	assert.Equal(t, []string{"Hi there", "typed before welcome"}, texts(snap.Messages))
}

func TestVisitorHistoryReplacesAndClearsLedger(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeVisitor, "")
	connect(c, tr)
	c.HandleServerMessage(protocol.NewWelcome("abc"))
	require.True(t, c.SendMessage("pending"))
	require.Equal(t, 1, c.PendingEchoes())

	c.HandleServerMessage(protocol.NewHistory("abc", []protocol.HistoryMessage{
		{ID: "m1", Sender: domain.SenderVisitor, Content: "pending", Timestamp: 1},
		{ID: "m2", Sender: domain.SenderOwner, Content: "reply", Timestamp: 2},
	}))

	snap := c.Snapshot()
	assert.Equal(t, []string{"pending", "reply"}, texts(snap.Messages))
	assert.Equal(t, "m1", snap.Messages[0].ID)
	assert.Equal(t, 0, c.PendingEchoes())
}

func TestVisitorErrorBecomesSystemMessage(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeVisitor, "")
	connect(c, tr)
	c.HandleServerMessage(protocol.NewError("rate limited"))

	msgs := c.Snapshot().Messages
	last := msgs[len(msgs)-1]
	assert.Equal(t, domain.SenderSystem, last.Sender)
	assert.Equal(t, "Error: rate limited", last.Text)
	assert.Equal(t, fixedNow.UnixMilli(), last.Timestamp)
}

func TestVisitorStatePersists(t *testing.T) {
	store := kv.NewMemory()
	c, tr := testController(t, store, domain.ModeVisitor, "")
	connect(c, tr)
	c.HandleServerMessage(protocol.NewWelcome("abc"))
	c.SendMessage("remember me")

	restored, _ := testController(t, store, domain.ModeVisitor, "")
	snap := restored.Snapshot()
	assert.Equal(t, "abc", snap.ChatID)
	assert.Equal(t, []string{"Hi there", "remember me"}, texts(snap.Messages))
}

func TestVisitorIgnoresAdminFrames(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeVisitor, "")
	connect(c, tr)
	c.HandleServerMessage(protocol.NewChatList([]domain.ChatListItem{{ChatID: "x", LastMessageAt: 1}}))

	snap := c.Snapshot()
	assert.Empty(t, snap.ChatList)
	assert.Equal(t, "", snap.SelectedChatID)
	c.SelectChat("x")
	assert.Equal(t, "", c.Snapshot().SelectedChatID)
}

// --- admin ---

func TestAdminTokenMissing(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeAdmin, "")
	connect(c, tr)

	snap := c.Snapshot()
	assert.True(t, snap.TokenMissing)
	assert.False(t, snap.CanSend)
	assert.Empty(t, tr.Sent())

	c.HandleServerMessage(protocol.NewChatList([]domain.ChatListItem{{ChatID: "x", LastMessageAt: 1}}))
	assert.False(t, c.SendMessage("hello"))
	assert.Empty(t, tr.Sent())
	assert.Empty(t, c.Snapshot().Messages)
}

func TestAdminHandshakeAndJoinOnce(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeAdmin, "secret")
	connect(c, tr)

	hellos := tr.SentOfType(protocol.TypeAdminHello)
	require.Len(t, hellos, 1)
	assert.Equal(t, "secret", hellos[0].Token)
	assert.Empty(t, tr.SentOfType(protocol.TypeAdminJoinChat), "no join before ready")

	c.HandleServerMessage(protocol.NewChatList([]domain.ChatListItem{
		{ChatID: "a", LastMessageAt: 10},
		{ChatID: "b", LastMessageAt: 20},
	}))
	snap := c.Snapshot()
	assert.Equal(t, "b", snap.SelectedChatID)
	assert.Equal(t, "b", snap.ChatList[0].ChatID)
	assert.True(t, snap.CanSend)

	joins := tr.SentOfType(protocol.TypeAdminJoinChat)
	require.Len(t, joins, 1)
	assert.Equal(t, "b", joins[0].ChatID)

	c.SelectChat("x")
	c.SelectChat("x")
	joins = tr.SentOfType(protocol.TypeAdminJoinChat)
	require.Len(t, joins, 2)
	assert.Equal(t, "x", joins[1].ChatID)

	c.SelectChat("b")
	assert.Len(t, tr.SentOfType(protocol.TypeAdminJoinChat), 3)
}

func TestAdminReconnectRearmsHelloAndJoin(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeAdmin, "secret")
	connect(c, tr)
	c.HandleServerMessage(protocol.NewChatList([]domain.ChatListItem{{ChatID: "a", LastMessageAt: 1}}))
	require.Len(t, tr.SentOfType(protocol.TypeAdminJoinChat), 1)

	disconnect(c, tr)
	connect(c, tr)
	assert.Len(t, tr.SentOfType(protocol.TypeAdminHello), 2)
	assert.Len(t, tr.SentOfType(protocol.TypeAdminJoinChat), 1, "join waits for the new chat list")

	c.HandleServerMessage(protocol.NewChatList([]domain.ChatListItem{{ChatID: "a", LastMessageAt: 1}}))
	assert.Len(t, tr.SentOfType(protocol.TypeAdminJoinChat), 2)
}

func TestAdminSelectionRepair(t *testing.T) {
	store := kv.NewMemory()
	require.NoError(t, kv.SetJSON(store, KeySelectedChatID, "gone"))

	c, tr := testController(t, store, domain.ModeAdmin, "secret")
	assert.Equal(t, "gone", c.Snapshot().SelectedChatID)
	connect(c, tr)

	c.HandleServerMessage(protocol.NewChatList([]domain.ChatListItem{
		{ChatID: "x", LastMessageAt: 1},
		{ChatID: "y", LastMessageAt: 5},
	}))
	assert.Equal(t, "y", c.Snapshot().SelectedChatID)

	var stored string
	_, err := kv.GetJSON(store, KeySelectedChatID, &stored)
	require.NoError(t, err)
	assert.Equal(t, "y", stored)

	c.HandleServerMessage(protocol.NewChatList(nil))
	snap := c.Snapshot()
	assert.Equal(t, "", snap.SelectedChatID)
	assert.Empty(t, snap.ChatList)
	assert.False(t, snap.CanSend)
}

func TestAdminKeepsValidSelection(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeAdmin, "secret")
	connect(c, tr)
	c.SelectChat("x")

	c.HandleServerMessage(protocol.NewChatList([]domain.ChatListItem{
		{ChatID: "x", LastMessageAt: 1},
		{ChatID: "y", LastMessageAt: 5},
	}))
	assert.Equal(t, "x", c.Snapshot().SelectedChatID)
}

func TestAdminHistoryAutoSelects(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeAdmin, "secret")
	connect(c, tr)

	c.HandleServerMessage(protocol.NewHistory("h1", []protocol.HistoryMessage{
		{ID: "m1", Sender: domain.SenderVisitor, Content: "hello?", Timestamp: 3},
	}))
	snap := c.Snapshot()
	assert.Equal(t, "h1", snap.SelectedChatID)
	assert.Equal(t, []string{"hello?"}, texts(snap.Messages))

	// Admin history always replaces, even when empty.
	c.HandleServerMessage(protocol.NewHistory("h1", nil))
	assert.Empty(t, c.Snapshot().Messages)
}

func TestAdminIncomingMessageUpsertsInbox(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeAdmin, "secret")
	connect(c, tr)
	c.HandleServerMessage(protocol.NewChatList([]domain.ChatListItem{{ChatID: "a", LastMessageAt: 10}}))

	c.HandleServerMessage(protocol.NewMessage("new", domain.SenderVisitor, "hi owner", 50))
	snap := c.Snapshot()
	assert.Equal(t, "a", snap.SelectedChatID)
	assert.Equal(t, []domain.ChatListItem{
		{ChatID: "new", LastMessageAt: 50},
		{ChatID: "a", LastMessageAt: 10},
	}, snap.ChatList)

	c.SelectChat("new")
	assert.Equal(t, []string{"hi owner"}, texts(c.Snapshot().Messages))
}

func TestAdminSendOptimisticAndEcho(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeAdmin, "secret")
	connect(c, tr)
	c.HandleServerMessage(protocol.NewChatList([]domain.ChatListItem{{ChatID: "a", LastMessageAt: 10}}))

	require.True(t, c.SendMessage("thanks!"))
	sends := tr.SentOfType(protocol.TypeAdminSendMessage)
	require.Len(t, sends, 1)
	assert.Equal(t, protocol.NewAdminSendMessage("a", "thanks!"), sends[0])

	snap := c.Snapshot()
	assert.Equal(t, []string{"thanks!"}, texts(snap.Messages))
	assert.Equal(t, domain.SenderOwner, snap.Messages[0].Sender)
	assert.Equal(t, fixedNow.UnixMilli(), snap.ChatList[0].LastMessageAt)

	c.HandleServerMessage(protocol.NewMessage("a", domain.SenderOwner, "thanks!", fixedNow.UnixMilli()+3))
	assert.Len(t, c.Snapshot().Messages, 1)
	assert.Equal(t, 0, c.PendingEchoes())
}

func TestAdminSendRequiresSelection(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeAdmin, "secret")
	connect(c, tr)

	assert.False(t, c.SendMessage("into the void"))
	assert.Empty(t, tr.SentOfType(protocol.TypeAdminSendMessage))
	assert.Empty(t, c.Snapshot().ChatList)
}

func TestAdminErrorGoesToSelectedChat(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeAdmin, "secret")
	connect(c, tr)

	c.HandleServerMessage(protocol.NewError("dropped"))
	assert.Empty(t, c.Snapshot().Messages)

	c.SelectChat("a")
	c.HandleServerMessage(protocol.NewError("bad token"))
	msgs := c.Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, "Error: bad token", msgs[0].Text)
	assert.Equal(t, domain.SenderSystem, msgs[0].Sender)
}

// --- plumbing ---

func TestRunAppliesEventsInOrder(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeVisitor, "")
	tr.status = domain.StatusConnected

	events := make(chan socket.Event, 4)
	events <- socket.Event{Kind: socket.EventStatus, Status: domain.StatusConnected}
	events <- socket.Event{Kind: socket.EventMessage, Message: protocol.NewWelcome("abc")}
	events <- socket.Event{Kind: socket.EventMessage, Message: protocol.NewMessage("abc", domain.SenderOwner, "first", 1)}
	events <- socket.Event{Kind: socket.EventMessage, Message: protocol.NewMessage("abc", domain.SenderOwner, "second", 2)}
	close(events)

	require.NoError(t, c.Run(context.Background(), events))
	snap := c.Snapshot()
	assert.Equal(t, domain.StatusConnected, snap.Status)
	assert.Equal(t, []string{"Hi there", "first", "second"}, texts(snap.Messages))
	assert.Len(t, tr.SentOfType(protocol.TypeHello), 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	c, _ := testController(t, kv.NewMemory(), domain.ModeVisitor, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Run(ctx, make(chan socket.Event)), context.Canceled)
}

func TestOnChangeReceivesSnapshots(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeVisitor, "")

	var got []Snapshot
	c.OnChange(func(s Snapshot) { got = append(got, s) })

	connect(c, tr)
	c.HandleServerMessage(protocol.NewWelcome("abc"))

	require.Len(t, got, 2)
	assert.Equal(t, domain.StatusConnected, got[0].Status)
	assert.Equal(t, "abc", got[1].ChatID)
}

func TestHooksEmitted(t *testing.T) {
	hm := hooks.NewManager(logging.New(nil, "silent"))
	got := make(chan hooks.Payload, 8)
	for _, ev := range []string{hooks.EventMessageReceived, hooks.EventMessageSending, hooks.EventErrorReceived} {
		hm.On(ev, "test", func(_ context.Context, p hooks.Payload) error {
			got <- p
			return nil
		})
	}

	tr := &fakeTransport{}
	c, err := New(Options{
		Mode:      domain.ModeVisitor,
		Store:     kv.NewMemory(),
		Transport: tr,
		Hooks:     hm,
		Logger:    logging.New(nil, "silent"),
	})
	require.NoError(t, err)
	connect(c, tr)
	c.HandleServerMessage(protocol.NewWelcome("abc"))

	collect := func() hooks.Payload {
		select {
		case p := <-got:
			return p
		case <-time.After(2 * time.Second):
			t.Fatal("hook not called")
			return hooks.Payload{}
		}
	}

	c.SendMessage("ping")
	p := collect()
	assert.Equal(t, hooks.EventMessageSending, p.Event)
	assert.Equal(t, "ping", p.Data["text"])

	c.HandleServerMessage(protocol.NewMessage("abc", domain.SenderOwner, "pong", 7))
	p = collect()
	assert.Equal(t, hooks.EventMessageReceived, p.Event)
	assert.Equal(t, "owner", p.Data["sender"])
	assert.Equal(t, "visitor", p.Data["mode"])

	c.HandleServerMessage(protocol.NewError("nope"))
	p = collect()
	assert.Equal(t, hooks.EventErrorReceived, p.Event)
	assert.Equal(t, "nope", p.Data["message"])
}

func (f *fakeTransport) setRefuse(typ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refuse = typ
}

// --- writes happen outside the lock ---

// stallTransport blocks SendMessage writes until release is closed.
type stallTransport struct {
	fakeTransport
	entered chan struct{}
	release chan struct{}
}

func (s *stallTransport) Send(frame protocol.ClientFrame) bool {
	if frame.Type == protocol.TypeSendMessage {
		close(s.entered)
		<-s.release
	}
	return s.fakeTransport.Send(frame)
}

func TestStalledWriteDoesNotBlockController(t *testing.T) {
	tr := &stallTransport{entered: make(chan struct{}), release: make(chan struct{})}
	tr.status = domain.StatusConnected
	c, err := New(Options{
		Store:     kv.NewMemory(),
		Transport: tr,
		Logger:    logging.New(nil, "silent"),
		Now:       func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	c.HandleStatus(domain.StatusConnected)
	c.HandleServerMessage(protocol.NewWelcome("abc"))

	result := make(chan bool, 1)
	go func() { result <- c.SendMessage("hello") }()
	<-tr.entered

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Contains(t, texts(c.Snapshot().Messages), "hello")
		// The echo can land while the write is still in progress.
		c.HandleServerMessage(protocol.NewMessage("abc", domain.SenderVisitor, "hello", fixedNow.UnixMilli()))
		c.HandleStatus(domain.StatusConnected)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("controller blocked behind an in-flight write")
	}

	close(tr.release)
	assert.True(t, <-result)
	assert.Equal(t, 0, c.PendingEchoes())
	assert.Equal(t, []string{"hello"}, texts(c.Snapshot().Messages))
}

func TestFailedSendRollsBackLedger(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeVisitor, "")
	connect(c, tr)
	c.HandleServerMessage(protocol.NewWelcome("abc"))
	tr.setRefuse(protocol.TypeSendMessage)

	assert.False(t, c.SendMessage("lost?"))
	assert.Equal(t, 0, c.PendingEchoes())
	assert.Contains(t, texts(c.Snapshot().Messages), "lost?", "still rendered locally")

	// An owner copy of the same text is a real message, not an echo.
	c.HandleServerMessage(protocol.NewMessage("abc", domain.SenderVisitor, "lost?", fixedNow.UnixMilli()+1))
	assert.Len(t, c.Snapshot().Messages, 3)
}

func TestFailedHelloRetriedOnNextEvent(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeVisitor, "")
	tr.setRefuse(protocol.TypeHello)
	connect(c, tr)
	assert.Empty(t, tr.SentOfType(protocol.TypeHello))

	tr.setRefuse("")
	c.HandleStatus(domain.StatusConnected)
	assert.Len(t, tr.SentOfType(protocol.TypeHello), 1)
	c.HandleStatus(domain.StatusConnected)
	assert.Len(t, tr.SentOfType(protocol.TypeHello), 1)
}

func TestFailedJoinRetried(t *testing.T) {
	c, tr := testController(t, kv.NewMemory(), domain.ModeAdmin, "secret")
	connect(c, tr)
	tr.setRefuse(protocol.TypeAdminJoinChat)
	c.HandleServerMessage(protocol.NewChatList([]domain.ChatListItem{{ChatID: "x", LastMessageAt: 1}}))
	assert.Empty(t, tr.SentOfType(protocol.TypeAdminJoinChat))

	tr.setRefuse("")
	c.SelectChat("x")
	joins := tr.SentOfType(protocol.TypeAdminJoinChat)
	require.Len(t, joins, 1)
	assert.Equal(t, "x", joins[0].ChatID)
}

func TestAdminDuplicateMessageIgnored(t *testing.T) {
	hm := hooks.NewManager(logging.New(nil, "silent"))
	var received int
	var mu sync.Mutex
	hm.On(hooks.EventMessageReceived, "count", func(_ context.Context, _ hooks.Payload) error {
		mu.Lock()
		defer mu.Unlock()
		received++
		return nil
	})

	tr := &fakeTransport{}
	c, err := New(Options{
		Mode:      domain.ModeAdmin,
		Token:     "secret",
		Store:     kv.NewMemory(),
		Transport: tr,
		Hooks:     hm,
		Logger:    logging.New(nil, "silent"),
	})
	require.NoError(t, err)
	connect(c, tr)
	c.HandleServerMessage(protocol.NewChatList([]domain.ChatListItem{{ChatID: "x", LastMessageAt: 1}}))

	var changes int
	c.OnChange(func(Snapshot) { changes++ })
	msg := protocol.NewMessage("x", domain.SenderVisitor, "hey", 5)
	c.HandleServerMessage(msg)
	c.HandleServerMessage(msg)

	assert.Equal(t, 1, changes)
	assert.Len(t, c.Snapshot().Messages, 1)
	assert.Equal(t, int64(5), c.Snapshot().ChatList[0].LastMessageAt)
	require.NoError(t, hm.Close())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, received)
}

// failingStore fails reads of one key.
type failingStore struct {
	kv.Store
	key string
}

func (s failingStore) Get(key string) (string, bool, error) {
	if key == s.key {
		return "", false, errors.New("database is locked")
	}
	return s.Store.Get(key)
}

func TestStoreFailureKeepsClientID(t *testing.T) {
	mem := kv.NewMemory()
	require.NoError(t, kv.SetJSON(mem, KeyClientID, "original"))

	_, err := New(Options{
		Store:     failingStore{Store: mem, key: KeyClientID},
		Transport: &fakeTransport{},
		Logger:    logging.New(nil, "silent"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")

	var id string
	_, err = kv.GetJSON(mem, KeyClientID, &id)
	require.NoError(t, err)
	assert.Equal(t, "original", id)
}

func TestCorruptClientIDRegenerated(t *testing.T) {
	store := kv.NewMemory()
	require.NoError(t, store.Set(KeyClientID, "{not json"))

	c, _ := testController(t, store, domain.ModeVisitor, "")
	assert.Equal(t, "id-1", c.ClientID())

	var id string
	ok, err := kv.GetJSON(store, KeyClientID, &id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "id-1", id)
}
