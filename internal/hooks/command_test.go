package hooks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/soyeahso/porchlight/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandHandler_ReceivesPayloadOnStdin(t *testing.T) {
	out := filepath.Join(t.TempDir(), "payload.json")
	h := CommandHandler(config.HookEntry{Command: "cat > " + out})

	err := h(context.Background(), Payload{
		Event: EventMessageReceived,
		Data:  map[string]any{"chat_id": "abc", "text": "hello"},
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)

	var got Payload
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, EventMessageReceived, got.Event)
	assert.Equal(t, "abc", got.Data["chat_id"])
	assert.Equal(t, "hello", got.Data["text"])
}

func TestCommandHandler_ExitCode(t *testing.T) {
	h := CommandHandler(config.HookEntry{Command: "echo nope >&2; exit 3"})
	err := h(context.Background(), Payload{Event: EventErrorReceived})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited 3")
	assert.Contains(t, err.Error(), "nope")
}

func TestCommandHandler_Timeout(t *testing.T) {
	h := CommandHandler(config.HookEntry{Command: "sleep 5", Timeout: 50})
	err := h(context.Background(), Payload{Event: EventStatusChanged})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestRegisterConfig(t *testing.T) {
	m := testManager()
	n := RegisterConfig(m, config.HooksConfig{
		MessageReceived: []config.HookEntry{{Command: "true"}, {Command: "  "}},
		StatusChanged:   []config.HookEntry{{Command: "true", Timeout: 100}},
	})

	assert.Equal(t, 2, n)
	assert.Equal(t, 1, m.Count(EventMessageReceived))
	assert.Equal(t, 1, m.Count(EventStatusChanged))
	assert.Equal(t, 0, m.Count(EventMessageSending))

	m.Emit(context.Background(), EventMessageReceived, map[string]any{"text": "hi"})
}
