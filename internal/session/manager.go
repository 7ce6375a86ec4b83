// Package session runs one agent invocation per chat turn inside a sandbox
// and streams its classified output back to the caller.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/sandboxd/internal/events"
	"github.com/steveyegge/sandboxd/internal/framing"
	"github.com/steveyegge/sandboxd/internal/provider"
	"github.com/steveyegge/sandboxd/internal/types"
)

const (
	defaultStreamTimeout  = 30 * time.Second
	defaultCleanupTimeout = 15 * time.Second
	defaultScratchDir     = "/tmp"
	defaultAgentBinary    = "claude"
	writeTimeout          = 30 * time.Second
	eventBuffer           = 64
)

// Config configures a Manager
type Config struct {
	// StreamTimeout is how long a turn waits for the next output chunk
	StreamTimeout time.Duration

	// CleanupTimeout bounds session and scratch file removal
	CleanupTimeout time.Duration

	ScratchDir  string
	AgentBinary string
	ExtraArgs   []string

	// AgentEnv is exported to the agent process
	AgentEnv map[string]string

	Logger *slog.Logger
}

// TurnRequest is one user prompt to run against a sandbox.
type TurnRequest struct {
	Prompt string

	// TurnKey correlates the turn's events, scratch file and remote session
	TurnKey string

	SandboxID string

	// WorkingDir is where the agent runs. A relative path is resolved
	// against the sandbox user's root.
	WorkingDir string

	// PriorHandle resumes an earlier agent conversation when set
	PriorHandle string
}

// Manager runs agent turns
type Manager struct {
	client provider.Client
	cfg    Config
	log    *slog.Logger
}

// NewManager creates a Manager. Zero config fields take defaults.
func NewManager(client provider.Client, cfg Config) *Manager {
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = defaultStreamTimeout
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = defaultCleanupTimeout
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = defaultScratchDir
	}
	if cfg.AgentBinary == "" {
		cfg.AgentBinary = defaultAgentBinary
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		client: client,
		cfg:    cfg,
		log:    logger.With("component", "session"),
	}
}

// RunTurn starts a turn and returns its event stream. The stream carries
// zero or more json_message and session_update events followed by exactly
// one complete or error event, then closes. Canceling ctx ends the turn
// early; the terminal event is then only delivered if there is room for it.
func (m *Manager) RunTurn(ctx context.Context, req TurnRequest) <-chan events.TurnEvent {
	out := make(chan events.TurnEvent, eventBuffer)
	t := &turn{
		m:       m,
		ctx:     ctx,
		req:     req,
		out:     out,
		decoder: framing.NewDecoder(),
		log: m.log.With(
			"turn_key", req.TurnKey,
			"sandbox_id", req.SandboxID,
		),
	}
	go func() {
		defer close(out)
		t.run()
	}()
	return out
}

// turn is the state of one RunTurn call
type turn struct {
	m       *Manager
	ctx     context.Context
	req     TurnRequest
	out     chan events.TurnEvent
	decoder *framing.Decoder
	log     *slog.Logger

	proc      provider.Process
	scratch   string
	sessionID string
	cmdID     string
	done      bool
}

func (t *turn) run() {
	start := time.Now()
	t.log.Info("turn started", "resume", t.req.PriorHandle != "")

	if err := t.validate(); err != nil {
		t.fail(err)
		return
	}

	if err := t.prepare(); err != nil {
		if t.ctx.Err() != nil || errors.Is(err, context.Canceled) {
			t.canceled()
		} else {
			t.fail(err)
		}
		t.cleanup()
		return
	}
	defer t.cleanup()

	t.stream()

	malformed, overflows := t.decoder.Stats()
	t.log.Info("turn finished",
		"duration", time.Since(start).Round(time.Millisecond),
		"malformed_frames", malformed,
		"buffer_overflows", overflows)
}

func (t *turn) validate() error {
	switch {
	case t.req.TurnKey == "":
		return fmt.Errorf("turn key is required")
	case t.req.SandboxID == "":
		return fmt.Errorf("project has no sandbox: %w", provider.ErrNotFound)
	case t.req.Prompt == "":
		return fmt.Errorf("prompt is empty")
	}
	return nil
}

// prepare checks the sandbox, writes the prompt and starts the agent.
// Nothing is sent to the caller before it succeeds.
func (t *turn) prepare() error {
	ctx := t.ctx
	sb, err := t.m.client.Get(ctx, t.req.SandboxID)
	if err != nil {
		return err
	}
	state, err := sb.RefreshState(ctx)
	if err != nil {
		return fmt.Errorf("failed to check sandbox state: %w", err)
	}
	switch state {
	case types.ProviderStateStarted:
	case types.ProviderStateNotFound:
		return fmt.Errorf("sandbox %s: %w", sb.ID(), provider.ErrNotFound)
	default:
		return fmt.Errorf("sandbox %s is %s: %w", sb.ID(), state, provider.ErrUnreachable)
	}
	t.proc = sb.Process()

	workingDir := t.req.WorkingDir
	if !path.IsAbs(workingDir) {
		root, err := sb.UserRootDir(ctx)
		if err != nil {
			return err
		}
		workingDir = path.Join(root, workingDir)
	}

	t.scratch = scratchPath(t.m.cfg.ScratchDir, t.req.TurnKey)
	res, err := t.proc.ExecuteCommand(ctx, writeFileCommand(t.scratch, augmentPrompt(t.req.Prompt)), "", nil, writeTimeout)
	if _, err := provider.CheckExec(res, err, "failed to write prompt file"); err != nil {
		return err
	}

	sessionID := fmt.Sprintf("turn-%s-%s", sanitizeKey(t.req.TurnKey), uuid.New().String()[:8])
	if err := t.proc.CreateSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	t.sessionID = sessionID

	cmdID, err := t.proc.ExecuteSessionCommand(ctx, sessionID, provider.SessionCommand{
		Command:  agentCommand(t.m.cfg.AgentBinary, workingDir, t.scratch, t.req.PriorHandle, t.m.cfg.ExtraArgs),
		RunAsync: true,
		Env:      t.m.cfg.AgentEnv,
	})
	if err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	t.log.Debug("agent started", "session_id", sessionID, "cmd_id", cmdID)
	t.cmdID = cmdID
	return nil
}

// stream follows the agent's output until a terminal object, the end of
// the stream, the idle timeout or cancellation, whichever comes first.
func (t *turn) stream() {
	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()

	// Unbuffered: onChunk returns only after the chunk was received, so
	// every chunk is handled before the stream's result.
	chunks := make(chan string)
	result := make(chan error, 1)
	go func() {
		result <- t.proc.SessionCommandLogs(ctx, t.sessionID, t.cmdID, func(chunk string) {
			select {
			case chunks <- chunk:
			case <-ctx.Done():
			}
		})
	}()
	defer func() {
		cancel()
		select {
		case <-result:
		case <-time.After(t.m.cfg.CleanupTimeout):
			t.log.Warn("log stream did not stop after cancel", "session_id", t.sessionID)
		}
	}()

	idle := time.NewTimer(t.m.cfg.StreamTimeout)
	defer idle.Stop()

	for {
		select {
		case chunk := <-chunks:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(t.m.cfg.StreamTimeout)
			for _, raw := range t.decoder.Write(chunk) {
				if t.classify(raw) {
					return
				}
			}

		case err := <-result:
			// put it back for the deferred wait
			result <- err
			switch {
			case t.ctx.Err() != nil:
				t.canceled()
			case err != nil:
				t.fail(fmt.Errorf("agent output stream failed: %w", err))
			default:
				// the agent exited without a result object
				t.finish(events.NewCompleteEvent(t.req.TurnKey, ""))
			}
			return

		case <-idle.C:
			t.log.Warn("turn timed out waiting for output", "timeout", t.m.cfg.StreamTimeout)
			t.finish(events.NewTimeoutEvent(t.req.TurnKey,
				fmt.Sprintf("The agent produced no output for %s. It may still be working; check back shortly.", t.m.cfg.StreamTimeout)))
			return

		case <-t.ctx.Done():
			t.canceled()
			return
		}
	}
}

// classify handles one decoded object and reports whether it ended the turn.
func (t *turn) classify(raw []byte) bool {
	msg, err := events.DecodeAgentMessage(raw)
	if err != nil {
		t.log.Debug("dropping undecodable agent object", "error", err)
		return false
	}

	switch msg.Kind {
	case events.KindInit:
		return false
	case events.KindResult:
		t.finish(events.NewCompleteEvent(t.req.TurnKey, msg.Result))
		return true
	case events.KindSessionEnd:
		t.finish(events.NewCompleteEvent(t.req.TurnKey, ""))
		return true
	}

	if !t.send(events.NewJSONMessageEvent(t.req.TurnKey, msg.Raw)) {
		return false
	}
	if msg.SessionID != "" {
		t.send(events.NewSessionUpdateEvent(t.req.TurnKey, msg.SessionID))
	}
	return false
}

// send delivers a non-terminal event unless the caller has gone away.
func (t *turn) send(e events.TurnEvent) bool {
	select {
	case t.out <- e:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// finish delivers the terminal event. It runs at most once per turn.
func (t *turn) finish(e events.TurnEvent) {
	if t.done {
		return
	}
	t.done = true

	select {
	case t.out <- e:
		return
	default:
	}
	select {
	case t.out <- e:
	case <-t.ctx.Done():
		t.log.Debug("caller gone, dropping terminal event", "type", e.Type)
	}
}

func (t *turn) fail(err error) {
	msg := UserMessage(err)
	t.log.Error("turn failed", "error", err)
	t.finish(events.NewErrorEvent(t.req.TurnKey, msg))
}

func (t *turn) canceled() {
	t.log.Info("turn canceled")
	t.finish(events.NewErrorEvent(t.req.TurnKey, "turn canceled"))
}

// cleanup removes the remote session and scratch file. It runs on a
// context detached from the caller's so a canceled turn still cleans up,
// and it never changes the turn's outcome.
func (t *turn) cleanup() {
	if t.proc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), t.m.cfg.CleanupTimeout)
	defer cancel()

	if t.sessionID != "" {
		if err := t.proc.DeleteSession(ctx, t.sessionID); err != nil {
			t.log.Warn("failed to delete session", "session_id", t.sessionID, "error", err)
		}
	}
	if t.scratch != "" {
		res, err := t.proc.ExecuteCommand(ctx, removeFileCommand(t.scratch), "", nil, writeTimeout)
		if _, err := provider.CheckExec(res, err, "failed to remove prompt file"); err != nil {
			t.log.Warn("failed to remove prompt file", "path", t.scratch, "error", err)
		}
	}
}
