package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/sandboxd/internal/types"
)

func TestDecodeAgentMessage(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		kind      MessageKind
		result    string
		sessionID string
	}{
		{
			name:      "init banner",
			raw:       `{"type":"system","subtype":"init","session_id":"abc","tools":["Read"]}`,
			kind:      KindInit,
			sessionID: "abc",
		},
		{
			name:      "result",
			raw:       `{"type":"result","subtype":"success","result":"Added","session_id":"abc"}`,
			kind:      KindResult,
			result:    "Added",
			sessionID: "abc",
		},
		{
			name:   "result with structured payload",
			raw:    `{"type":"result","result":{"files":2}}`,
			kind:   KindResult,
			result: `{"files":2}`,
		},
		{
			name:   "result without text",
			raw:    `{"type":"result"}`,
			kind:   KindResult,
			result: "",
		},
		{
			name: "session end",
			raw:  `{"type":"system","subtype":"session_end"}`,
			kind: KindSessionEnd,
		},
		{
			name: "other system subtype",
			raw:  `{"type":"system","subtype":"compact_boundary"}`,
			kind: KindMessage,
		},
		{
			name: "assistant message",
			raw:  `{"type":"assistant","message":{"content":[{"type":"text","text":"Done"}]}}`,
			kind: KindMessage,
		},
		{
			name: "numeric session id",
			raw:  `{"type":"assistant","session_id":42}`,
			kind: KindMessage,
		},
		{
			name: "non-boolean is_error",
			raw:  `{"type":"tool","is_error":"yes"}`,
			kind: KindMessage,
		},
		{
			name: "array type",
			raw:  `{"type":["x"]}`,
			kind: KindMessage,
		},
		{
			name: "numeric subtype on system",
			raw:  `{"type":"system","subtype":1}`,
			kind: KindMessage,
		},
		{
			name:      "untyped object with handle",
			raw:       `{"session_id":"  xyz "}`,
			kind:      KindMessage,
			sessionID: "xyz",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeAgentMessage(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, msg.Kind)
			assert.Equal(t, tt.result, msg.Result)
			assert.Equal(t, tt.sessionID, msg.SessionID)
			assert.Equal(t, tt.raw, string(msg.Raw))
		})
	}
}

func TestDecodeAgentMessageRejectsNonObject(t *testing.T) {
	for _, raw := range []string{`[1,2]`, `null`, `"text"`} {
		_, err := DecodeAgentMessage(json.RawMessage(raw))
		assert.Error(t, err, raw)
	}
}

func TestJSONMessageEventKeepsDataVerbatim(t *testing.T) {
	raw := json.RawMessage(`{"type":"assistant","message":{"content":[{"type":"text","text":"Done"}]}}`)
	e := NewJSONMessageEvent("turn-1", raw)

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.JSONEq(t, `"json_message"`, string(wire["type"]))
	assert.Equal(t, string(raw), string(wire["data"]))
	assert.False(t, e.IsTerminal())
}

func TestTerminalEvents(t *testing.T) {
	assert.True(t, NewCompleteEvent("k", "done").IsTerminal())
	assert.True(t, NewErrorEvent("k", "boom").IsTerminal())

	timeout := NewTimeoutEvent("k", "quiet")
	assert.True(t, timeout.IsTerminal())
	assert.True(t, timeout.Timeout)

	assert.False(t, NewConnectionEvent("k").IsTerminal())
	assert.False(t, NewSessionUpdateEvent("k", "abc").IsTerminal())
}

func TestStatusEnvelopeWireShape(t *testing.T) {
	env := NewStatusEnvelope("p1", StatusPayload{
		Status:     types.SandboxStatusStarted,
		SandboxID:  "sb-1",
		PreviewURL: "https://3000-sb-1.preview.example",
	})

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var wire struct {
		Type      string         `json:"type"`
		ProjectID string         `json:"project_id"`
		Payload   map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "sandbox_status", wire.Type)
	assert.Equal(t, "p1", wire.ProjectID)
	assert.Equal(t, "started", wire.Payload["status"])
	assert.NotContains(t, wire.Payload, "error")
}
