// Package events defines what a chat turn emits to its caller and what the
// broadcaster delivers to real-time subscribers.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TurnEventType identifies an event emitted during a chat turn.
type TurnEventType string

const (
	// TurnEventConnection is sent once when a chat connection opens
	TurnEventConnection TurnEventType = "connection"
	// TurnEventJSONMessage carries one decoded agent object verbatim in Data
	TurnEventJSONMessage TurnEventType = "json_message"
	// TurnEventSessionUpdate carries a new agent conversation handle
	TurnEventSessionUpdate TurnEventType = "session_update"
	// TurnEventComplete ends a turn successfully
	TurnEventComplete TurnEventType = "complete"
	// TurnEventError ends a turn with a user-facing message
	TurnEventError TurnEventType = "error"
)

// IsTerminal reports whether an event of this type ends a turn.
func (t TurnEventType) IsTerminal() bool {
	return t == TurnEventComplete || t == TurnEventError
}

// TurnEvent is the wire shape delivered on the chat channel.
type TurnEvent struct {
	ID   string        `json:"id"`
	Type TurnEventType `json:"type"`
	// TurnKey correlates the event with the connection-level turn
	TurnKey string `json:"turn_key,omitempty"`
	// Data is the original decoded object for json_message events
	Data json.RawMessage `json:"data,omitempty"`
	// SessionID is the agent conversation handle for session_update events
	SessionID string `json:"session_id,omitempty"`
	// Result is the final summary text for complete events
	Result string `json:"result,omitempty"`
	// Error is the user-facing message for error events
	Error string `json:"error,omitempty"`
	// Timeout marks an error event produced by the stream idle timeout
	Timeout   bool      `json:"timeout,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsTerminal reports whether the event ends its turn.
func (e TurnEvent) IsTerminal() bool {
	return e.Type.IsTerminal()
}

func newTurnEvent(t TurnEventType, turnKey string) TurnEvent {
	return TurnEvent{
		ID:        uuid.New().String(),
		Type:      t,
		TurnKey:   turnKey,
		Timestamp: time.Now().UTC(),
	}
}

// NewConnectionEvent announces a chat connection and the key its turns use.
func NewConnectionEvent(turnKey string) TurnEvent {
	return newTurnEvent(TurnEventConnection, turnKey)
}

// NewJSONMessageEvent forwards a decoded agent object.
func NewJSONMessageEvent(turnKey string, raw json.RawMessage) TurnEvent {
	e := newTurnEvent(TurnEventJSONMessage, turnKey)
	e.Data = raw
	return e
}

// NewSessionUpdateEvent reports the agent conversation handle to persist.
func NewSessionUpdateEvent(turnKey, handle string) TurnEvent {
	e := newTurnEvent(TurnEventSessionUpdate, turnKey)
	e.SessionID = handle
	return e
}

// NewCompleteEvent ends a turn with an optional summary.
func NewCompleteEvent(turnKey, result string) TurnEvent {
	e := newTurnEvent(TurnEventComplete, turnKey)
	e.Result = result
	return e
}

// NewErrorEvent ends a turn with a user-facing message.
func NewErrorEvent(turnKey, message string) TurnEvent {
	e := newTurnEvent(TurnEventError, turnKey)
	e.Error = message
	return e
}

// NewTimeoutEvent ends a turn whose output stream went quiet.
func NewTimeoutEvent(turnKey, message string) TurnEvent {
	e := NewErrorEvent(turnKey, message)
	e.Timeout = true
	return e
}
