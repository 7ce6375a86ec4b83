package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/steveyegge/sandboxd/internal/events"
	"github.com/steveyegge/sandboxd/internal/storage"
	"github.com/steveyegge/sandboxd/internal/types"
)

const persistTimeout = 10 * time.Second

// Runner runs one turn. Manager implements it.
type Runner interface {
	RunTurn(ctx context.Context, req TurnRequest) <-chan events.TurnEvent
}

// ConversationStore is what a Conversation persists to.
type ConversationStore interface {
	GetProject(ctx context.Context, id string) (*types.Project, error)
	storage.HandleStore
	storage.MessageStore
}

// Conversation is the chat of one editor node in a project. Each Ask runs
// a turn against the project's current sandbox, resuming the node's agent
// conversation if it has one, and records the prompt, the outcome and any
// new agent handle.
type Conversation struct {
	Store   ConversationStore
	Runner  Runner
	Project string
	Node    string

	// TurnKey identifies the client connection the turns belong to
	TurnKey string

	// WorkingDir is passed through to TurnRequest
	WorkingDir string

	Logger *slog.Logger
}

// Ask runs one turn and hands every event to emit, ending with exactly one
// terminal event which it also returns.
func (c *Conversation) Ask(ctx context.Context, prompt string, emit func(events.TurnEvent)) events.TurnEvent {
	log := c.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	log = log.With("project_id", c.Project, "node_id", c.Node, "turn_key", c.TurnKey)

	project, err := c.Store.GetProject(ctx, c.Project)
	if err != nil {
		e := events.NewErrorEvent(c.TurnKey, UserMessage(err))
		emit(e)
		return e
	}

	prior := ""
	if h, err := c.Store.GetHandle(ctx, c.Node, c.Project); err == nil {
		prior = h.Handle
	} else if !errors.Is(err, storage.ErrNotFound) {
		log.Warn("failed to load agent handle", "error", err)
	}

	c.record(log, types.RoleUser, prompt)

	var last events.TurnEvent
	turn := c.Runner.RunTurn(ctx, TurnRequest{
		Prompt:      prompt,
		TurnKey:     c.TurnKey,
		SandboxID:   project.SandboxIDOrEmpty(),
		WorkingDir:  c.WorkingDir,
		PriorHandle: prior,
	})
	for e := range turn {
		switch e.Type {
		case events.TurnEventSessionUpdate:
			pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			stored, err := storage.RecordHandle(pctx, c.Store, c.Node, c.Project, prior, e.SessionID, log)
			cancel()
			if err != nil {
				log.Warn("failed to persist agent handle", "handle", e.SessionID, "error", err)
			} else {
				prior = stored
			}
		case events.TurnEventComplete:
			c.record(log, types.RoleAssistant, e.Result)
		case events.TurnEventError:
			c.record(log, types.RoleError, e.Error)
		}
		if e.IsTerminal() {
			last = e
		}
		emit(e)
	}
	return last
}

// History returns the newest limit messages of the conversation.
func (c *Conversation) History(ctx context.Context, limit int) ([]*types.TurnMessage, error) {
	return c.Store.ListMessages(ctx, c.Node, c.Project, limit)
}

// record appends to the transcript on a detached context so a caller that
// went away mid-turn still gets its outcome recorded.
func (c *Conversation) record(log *slog.Logger, role types.MessageRole, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := c.Store.AppendMessage(ctx, &types.TurnMessage{
		NodeID:    c.Node,
		ProjectID: c.Project,
		TurnKey:   c.TurnKey,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	})
	if err != nil {
		log.Warn("failed to append message", "role", role, "error", err)
	}
}
