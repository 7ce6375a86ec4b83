package types

import (
	"fmt"
	"strings"
	"time"
)

// Project is the slice of a project row this service reads and writes.
// Everything else about a project (canvas nodes, files) belongs to the
// surrounding application.
type Project struct {
	ID            string        `json:"id"`
	OwnerID       string        `json:"owner_id"`
	Title         string        `json:"title"`
	SandboxID     *string       `json:"sandbox_id,omitempty"`
	SandboxStatus SandboxStatus `json:"sandbox_status"`
	SandboxError  *string       `json:"sandbox_error,omitempty"`
	PreviewURL    *string       `json:"preview_url,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Validate checks if the project has valid field values
func (p *Project) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("project id is required")
	}
	if strings.TrimSpace(p.OwnerID) == "" {
		return fmt.Errorf("owner id is required")
	}
	if len(p.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(p.Title))
	}
	if !p.SandboxStatus.IsValid() {
		return fmt.Errorf("invalid sandbox status: %s", p.SandboxStatus)
	}
	if p.SandboxStatus == SandboxStatusStarted && !p.HasSandbox() {
		return fmt.Errorf("sandbox status %s requires a sandbox id", p.SandboxStatus)
	}
	return nil
}

// HasSandbox reports whether a sandbox id has been assigned.
func (p *Project) HasSandbox() bool {
	return p.SandboxID != nil && *p.SandboxID != ""
}

// SandboxIDOrEmpty returns the sandbox id, or "" when none is assigned.
func (p *Project) SandboxIDOrEmpty() string {
	if p.SandboxID == nil {
		return ""
	}
	return *p.SandboxID
}

// AgentHandle is the conversation handle the agent CLI hands back on its
// first turn for a node. Passing it on later turns resumes the conversation.
type AgentHandle struct {
	NodeID    string    `json:"node_id"`
	ProjectID string    `json:"project_id"`
	Handle    string    `json:"handle"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageRole identifies who produced a TurnMessage
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleError     MessageRole = "error"
)

// IsValid checks if the role value is valid
func (r MessageRole) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleError:
		return true
	}
	return false
}

// TurnMessage is one line of the per-node conversation log.
type TurnMessage struct {
	ID        int64       `json:"id"`
	NodeID    string      `json:"node_id"`
	ProjectID string      `json:"project_id"`
	TurnKey   string      `json:"turn_key"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}
