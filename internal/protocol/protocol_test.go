package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"type":"send_message","message":"hi","sessionId":"s1","maxTurns":2}`))
	require.NoError(t, err)
	assert.Equal(t, CmdSendMessage, cmd.Type)
	assert.Equal(t, "hi", cmd.Message)
	assert.Equal(t, "s1", cmd.SessionID)
	assert.Equal(t, 2, cmd.MaxTurns)
}

func TestParseCommandRejectsGarbage(t *testing.T) {
	_, err := ParseCommand([]byte("{oops"))
	assert.Error(t, err)
}

func TestServerEventOmitsUnusedFields(t *testing.T) {
	raw, err := json.Marshal(ServerEvent{
		Type:      EventTypingStart,
		SessionID: "s1",
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.NotContains(t, decoded, "message")
	assert.NotContains(t, decoded, "session")
	assert.NotContains(t, decoded, "step")
	assert.NotContains(t, decoded, "error")
	assert.Equal(t, "typing_start", decoded["type"])
}
