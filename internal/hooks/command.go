package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/soyeahso/porchlight/internal/config"
)

// DefaultCommandTimeout bounds a hook command when its entry sets none.
const DefaultCommandTimeout = 5 * time.Second

// CommandHandler runs entry.Command through sh -c with the payload as JSON
// on stdin.
func CommandHandler(entry config.HookEntry) Handler {
	timeout := DefaultCommandTimeout
	if entry.Timeout > 0 {
		timeout = time.Duration(entry.Timeout) * time.Millisecond
	}

	return func(ctx context.Context, p Payload) error {
		input, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encoding payload: %w", err)
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, "sh", "-c", entry.Command)
		cmd.Stdin = bytes.NewReader(input)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("hook %q timed out after %s", entry.Command, timeout)
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return fmt.Errorf("hook %q exited %d: %s", entry.Command, exitErr.ExitCode(),
					strings.TrimSpace(stderr.String()))
			}
			return fmt.Errorf("hook %q: %w", entry.Command, err)
		}
		return nil
	}
}

// RegisterConfig registers a command handler for every configured entry and
// returns how many were added.
func RegisterConfig(m *Manager, cfg config.HooksConfig) int {
	groups := []struct {
		event   string
		entries []config.HookEntry
	}{
		{EventMessageReceived, cfg.MessageReceived},
		{EventMessageSending, cfg.MessageSending},
		{EventStatusChanged, cfg.StatusChanged},
		{EventErrorReceived, cfg.ErrorReceived},
	}

	n := 0
	for _, g := range groups {
		for i, e := range g.entries {
			if strings.TrimSpace(e.Command) == "" {
				continue
			}
			m.On(g.event, fmt.Sprintf("config:%s:%d", g.event, i), CommandHandler(e))
			n++
		}
	}
	return n
}
