package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/soyeahso/porchlight/internal/chat"
	"github.com/soyeahso/porchlight/internal/config"
	"github.com/soyeahso/porchlight/internal/domain"
	"github.com/soyeahso/porchlight/internal/hooks"
	"github.com/soyeahso/porchlight/internal/socket"
	"github.com/spf13/cobra"
)

func newChatCmd() *cobra.Command {
	var (
		admin   bool
		token   string
		wsURL   string
		pageURL string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive chat session",
		Long: `Open an interactive chat session.

Mode precedence: --admin, then ?admin=true in --page, then PORCHLIGHT_CHAT_MODE
or chat.mode, then visitor. The admin token follows the same order
(--token, ?token=, PORCHLIGHT_ADMIN_TOKEN or chat.adminToken).

Type a line to send it. Commands: /list /select <chat_id> /reconnect
/disconnect /status /help /quit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgErr != nil {
				return cfgErr
			}
			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			explicitMode := ""
			if admin {
				explicitMode = string(domain.ModeAdmin)
			}
			sess := config.ResolveSession(cfg, explicitMode, token, pageURL)
			if wsURL != "" {
				sess.URL = wsURL
			}
			log.Info().
				Str("mode", string(sess.Mode)).
				Str("modeSource", string(sess.ModeSource)).
				Str("url", sess.URL).
				Msg("starting chat session")

			db, err := openStore()
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer db.Close()

			hookMgr := hooks.NewManager(log)
			defer hookMgr.Close()
			if n := hooks.RegisterConfig(hookMgr, cfg.Hooks); n > 0 {
				log.Info().Int("count", n).Msg("hook commands registered")
			}

			mgr := socket.New(socket.Options{
				URL:     sess.URL,
				Dialer:  socket.NewWSDialer(time.Duration(cfg.Reconnect.HandshakeTimeoutMs) * time.Millisecond),
				Backoff: socket.BackoffFromConfig(cfg.Reconnect),
				Logger:  log,
			})
			defer mgr.Close()

			ctrl, err := chat.New(chat.Options{
				Mode:      sess.Mode,
				Token:     sess.Token,
				Greeting:  cfg.Chat.Greeting,
				Store:     db,
				Transport: mgr,
				Hooks:     hookMgr,
				Logger:    log,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ui := newTerminal(cmd.OutOrStdout(), sess.Mode)
			ctrl.OnChange(ui.Render)
			ui.Render(ctrl.Snapshot())

			hookMgr.Emit(ctx, hooks.EventSessionStart, map[string]any{
				"mode":      string(sess.Mode),
				"url":       sess.URL,
				"client_id": ctrl.ClientID(),
			})
			defer hookMgr.Emit(context.Background(), hooks.EventSessionEnd, map[string]any{
				"mode": string(sess.Mode),
			})

			// Registered last so it runs first: Run must finish writing to
			// the store before the deferred db.Close.
			stopRun := runController(ctx, ctrl, mgr.Events())
			defer stopRun()

			// An admin without a token never connects.
			mgr.SetEnabled(sess.Mode != domain.ModeAdmin || sess.Token != "")

			s := &session{ctrl: ctrl, conn: mgr, ui: ui}
			return s.loop(ctx, cmd.InOrStdin())
		},
	}

	cmd.Flags().BoolVar(&admin, "admin", false, "run as the site owner's admin inbox")
	cmd.Flags().StringVar(&token, "token", "", "admin token")
	cmd.Flags().StringVar(&wsURL, "url", "", "WebSocket endpoint (overrides chat.visitorUrl / chat.adminUrl)")
	cmd.Flags().StringVar(&pageURL, "page", "", "page URL whose query may carry admin=true and token=...")

	return cmd
}

// runController drives ctrl from events on its own goroutine. The returned
// func cancels it and blocks until Run has returned.
func runController(ctx context.Context, ctrl *chat.Controller, events <-chan socket.Event) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctrl.Run(ctx, events)
	}()
	return func() {
		cancel()
		<-done
	}
}

// connection is the slice of socket.Manager the command loop drives.
type connection interface {
	Reconnect()
	Disconnect()
	Status() domain.ConnectionStatus
	Attempt() int
	URL() string
}

// session binds the controller, the socket and the terminal for one run.
type session struct {
	ctrl *chat.Controller
	conn connection
	ui   *terminal
}

func (s *session) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if s.handle(line) {
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the session should end.
func (s *session) handle(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		s.send(line)
		return false
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "quit", "exit":
		return true
	case "list":
		if s.ctrl.Mode() != domain.ModeAdmin {
			s.ui.Notice("/list is only available in admin mode")
			return false
		}
		s.ui.PrintInbox(s.ctrl.Snapshot())
	case "select":
		if s.ctrl.Mode() != domain.ModeAdmin {
			s.ui.Notice("/select is only available in admin mode")
			return false
		}
		if arg == "" {
			s.ui.Notice("usage: /select <chat_id>")
			return false
		}
		s.ctrl.SelectChat(arg)
	case "reconnect":
		s.conn.Reconnect()
	case "disconnect":
		s.conn.Disconnect()
	case "status":
		s.printStatus()
	case "help":
		s.ui.PrintLines(
			"/list              show conversations (admin)",
			"/select <chat_id>  open a conversation (admin)",
			"/reconnect         connect now",
			"/disconnect        close the connection",
			"/status            show session details",
			"/quit              leave",
		)
	default:
		s.ui.Notice("unknown command /%s (try /help)", name)
	}
	return false
}

func (s *session) send(text string) {
	snap := s.ctrl.Snapshot()
	if !snap.CanSend {
		if snap.TokenMissing {
			s.ui.Notice("cannot send: admin token missing")
		} else {
			s.ui.Notice("cannot send: select a conversation first (/list, /select)")
		}
		return
	}
	if s.ctrl.SendMessage(text) {
		return
	}
	switch {
	case s.conn.Status() != domain.StatusConnected:
		s.ui.Notice("not delivered: %s", s.conn.Status())
	case snap.ChatID == "":
		s.ui.Notice("saved locally; waiting for the server to open a conversation")
	}
}

func (s *session) printStatus() {
	snap := s.ctrl.Snapshot()
	chatID := snap.ChatID
	if chatID == "" {
		chatID = "(none)"
	}
	lines := []string{
		fmt.Sprintf("mode:      %s", snap.Mode),
		fmt.Sprintf("endpoint:  %s", s.conn.URL()),
		fmt.Sprintf("status:    %s (attempt %d)", s.conn.Status(), s.conn.Attempt()),
		fmt.Sprintf("chat:      %s", chatID),
		fmt.Sprintf("client id: %s", s.ctrl.ClientID()),
		fmt.Sprintf("pending:   %d unconfirmed send(s)", s.ctrl.PendingEchoes()),
	}
	if snap.Mode == domain.ModeAdmin {
		lines = append(lines, fmt.Sprintf("inbox:     %d conversation(s)", len(snap.ChatList)))
	}
	s.ui.PrintLines(lines...)
}
