package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageKind is the closed set of agent objects the session manager
// distinguishes. Anything that is not one of the first three is a Message.
type MessageKind int

const (
	// KindMessage is any object forwarded to the caller as-is
	KindMessage MessageKind = iota
	// KindInit is the agent's startup banner; it is not forwarded
	KindInit
	// KindResult is the agent's final result object
	KindResult
	// KindSessionEnd is a system notice that the agent session ended
	KindSessionEnd
)

func (k MessageKind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindResult:
		return "result"
	case KindSessionEnd:
		return "session_end"
	default:
		return "message"
	}
}

// Agent stream-json discriminators.
const (
	agentTypeSystem     = "system"
	agentTypeResult     = "result"
	agentSubtypeInit    = "init"
	agentSubtypeSessEnd = "session_end"
)

// AgentMessage is one object from the agent's stream-json output, decoded
// once. Raw keeps the original bytes for forwarding.
type AgentMessage struct {
	Kind      MessageKind
	Type      string
	Subtype   string
	SessionID string
	Result    string
	Raw       json.RawMessage
}

// DecodeAgentMessage classifies a raw agent object. Only the object shape
// is required: a discriminator or handle that is not a string is treated
// as absent, so such objects still come back as KindMessage.
func DecodeAgentMessage(raw json.RawMessage) (AgentMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return AgentMessage{}, fmt.Errorf("failed to decode agent message: %w", err)
	}
	if fields == nil {
		return AgentMessage{}, fmt.Errorf("failed to decode agent message: not an object")
	}

	msg := AgentMessage{
		Type:      stringField(fields, "type"),
		Subtype:   stringField(fields, "subtype"),
		SessionID: strings.TrimSpace(stringField(fields, "session_id")),
		Raw:       raw,
	}

	switch {
	case msg.Type == agentTypeSystem && msg.Subtype == agentSubtypeInit:
		msg.Kind = KindInit
	case msg.Type == agentTypeResult:
		msg.Kind = KindResult
		msg.Result = resultText(fields["result"])
	case msg.Type == agentTypeSystem && msg.Subtype == agentSubtypeSessEnd:
		msg.Kind = KindSessionEnd
	default:
		msg.Kind = KindMessage
	}
	return msg, nil
}

// stringField returns the named field when it holds a JSON string.
func stringField(fields map[string]json.RawMessage, name string) string {
	raw, ok := fields[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// resultText renders the result field as text. The CLI sends a string, but
// anything else is passed through as its JSON encoding.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
