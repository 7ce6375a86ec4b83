package events

import (
	"encoding/json"
	"time"

	"github.com/steveyegge/sandboxd/internal/types"
)

// EnvelopeType identifies a message delivered to a broadcast group.
type EnvelopeType string

const (
	// EnvelopeSandboxStatus carries a sandbox status transition
	EnvelopeSandboxStatus EnvelopeType = "sandbox_status"
	// EnvelopeNodeCreated carries a node-created payload from the editor
	EnvelopeNodeCreated EnvelopeType = "node_created"
	// EnvelopeTurnEvent mirrors a chat turn event to project viewers
	EnvelopeTurnEvent EnvelopeType = "turn_event"
)

// Envelope is the message written to subscribers.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	ProjectID string       `json:"project_id"`
	Payload   any          `json:"payload"`
	Timestamp time.Time    `json:"timestamp"`
}

// StatusPayload is the body of a sandbox_status envelope.
type StatusPayload struct {
	Status     types.SandboxStatus `json:"status"`
	SandboxID  string              `json:"sandbox_id,omitempty"`
	PreviewURL string              `json:"preview_url,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// StatusUpdate is one sandbox status transition for a project, as seen by
// the provisioning orchestrator and handed to the broadcaster.
type StatusUpdate struct {
	ProjectID  string
	OwnerID    string
	Status     types.SandboxStatus
	SandboxID  string
	PreviewURL string
	Error      string
	At         time.Time
}

// Payload returns the subscriber-facing body of the update.
func (u StatusUpdate) Payload() StatusPayload {
	return StatusPayload{
		Status:     u.Status,
		SandboxID:  u.SandboxID,
		PreviewURL: u.PreviewURL,
		Error:      u.Error,
	}
}

// NewStatusEnvelope builds a sandbox_status envelope.
func NewStatusEnvelope(projectID string, p StatusPayload) Envelope {
	return Envelope{
		Type:      EnvelopeSandboxStatus,
		ProjectID: projectID,
		Payload:   p,
		Timestamp: time.Now().UTC(),
	}
}

// NewNodeCreatedEnvelope wraps an opaque node payload.
func NewNodeCreatedEnvelope(projectID string, node json.RawMessage) Envelope {
	return Envelope{
		Type:      EnvelopeNodeCreated,
		ProjectID: projectID,
		Payload:   node,
		Timestamp: time.Now().UTC(),
	}
}

// NewTurnEnvelope wraps a turn event for project viewers.
func NewTurnEnvelope(projectID string, e TurnEvent) Envelope {
	return Envelope{
		Type:      EnvelopeTurnEvent,
		ProjectID: projectID,
		Payload:   e,
		Timestamp: time.Now().UTC(),
	}
}
