// Package providertest provides an in-memory sandbox provider for tests and
// for running the server without a real provider account.
package providertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/steveyegge/sandboxd/internal/provider"
	"github.com/steveyegge/sandboxd/internal/types"
)

// ExecFunc scripts the result of a synchronous command.
type ExecFunc func(cmd, cwd string, env map[string]string) (provider.ExecResult, error)

// LogScript describes what a session command's log stream produces.
type LogScript struct {
	Chunks []string
	// Delay is slept before each chunk
	Delay time.Duration
	// Hang keeps the stream open after the chunks until ctx ends
	Hang bool
	Err  error
}

// Fake is a provider.Client holding sandboxes in memory. The zero value is
// not usable; call New.
type Fake struct {
	mu        sync.Mutex
	sandboxes map[string]*Sandbox
	order     []string
	nextID    int

	CreateErr error
	ListErr   error

	// NewSandbox, when set, customizes each sandbox Create returns.
	NewSandbox func(sb *Sandbox)

	Created []provider.CreateParams
}

var _ provider.Client = (*Fake)(nil)

// New returns an empty fake provider.
func New() *Fake {
	return &Fake{sandboxes: make(map[string]*Sandbox)}
}

// Add registers a sandbox in the given state and returns it.
func (f *Fake) Add(id string, state types.ProviderState) *Sandbox {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(id, state)
}

func (f *Fake) addLocked(id string, state types.ProviderState) *Sandbox {
	sb := &Sandbox{
		id:       id,
		state:    state,
		rootDir:  "/home/sandbox",
		sessions: make(map[string]bool),
	}
	f.sandboxes[id] = sb
	f.order = append(f.order, id)
	return sb
}

// Remove makes a sandbox disappear from the listing.
func (f *Fake) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sandboxes, id)
	for i, o := range f.order {
		if o == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// Sandbox returns the fake sandbox with id, or nil.
func (f *Fake) Sandbox(id string) *Sandbox {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sandboxes[id]
}

func (f *Fake) Create(ctx context.Context, params provider.CreateParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Created = append(f.Created, params)
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.nextID++
	id := fmt.Sprintf("fake-sb-%d", f.nextID)
	sb := f.addLocked(id, types.ProviderStateStarted)
	if f.NewSandbox != nil {
		f.NewSandbox(sb)
	}
	return id, nil
}

func (f *Fake) List(ctx context.Context) ([]provider.Sandbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]provider.Sandbox, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.sandboxes[id])
	}
	return out, nil
}

func (f *Fake) Get(ctx context.Context, id string) (provider.Sandbox, error) {
	return provider.FindInList(ctx, f, id)
}

// Sandbox is an in-memory sandbox. Exported fields script its behavior and
// must be set before it is used concurrently.
type Sandbox struct {
	mu       sync.Mutex
	id       string
	state    types.ProviderState
	rootDir  string
	sessions map[string]bool

	StartErr   error
	StopErr    error
	StateErr   error
	PreviewErr error

	Exec             ExecFunc
	CreateSessionErr error
	ExecSessionErr   error
	Logs             LogScript

	commands        []string
	sessionCommands []provider.SessionCommand
	sessionsCreated []string
	sessionsDeleted []string
}

var _ provider.Sandbox = (*Sandbox)(nil)

func (s *Sandbox) ID() string { return s.id }

func (s *Sandbox) Process() provider.Process { return (*process)(s) }

// SetState changes the provider-reported state.
func (s *Sandbox) SetState(state types.ProviderState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Sandbox) Start(ctx context.Context, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartErr != nil {
		return s.StartErr
	}
	s.state = types.ProviderStateStarted
	return nil
}

func (s *Sandbox) Stop(ctx context.Context, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StopErr != nil {
		return s.StopErr
	}
	s.state = types.ProviderStateStopped
	return nil
}

func (s *Sandbox) RefreshState(ctx context.Context) (types.ProviderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StateErr != nil {
		return types.ProviderStateError, s.StateErr
	}
	return s.state, nil
}

func (s *Sandbox) UserRootDir(ctx context.Context) (string, error) {
	return s.rootDir, nil
}

func (s *Sandbox) PreviewLink(ctx context.Context, port int) (string, error) {
	if s.PreviewErr != nil {
		return "", s.PreviewErr
	}
	return fmt.Sprintf("https://%d-%s.preview.local", port, s.id), nil
}

// Commands returns every synchronous command run so far.
func (s *Sandbox) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// SessionCommands returns every command started in a session.
func (s *Sandbox) SessionCommands() []provider.SessionCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.SessionCommand(nil), s.sessionCommands...)
}

// SessionsCreated returns the ids passed to CreateSession.
func (s *Sandbox) SessionsCreated() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sessionsCreated...)
}

// SessionsDeleted returns the ids passed to DeleteSession.
func (s *Sandbox) SessionsDeleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sessionsDeleted...)
}

// OpenSessions returns the number of sessions not yet deleted.
func (s *Sandbox) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

type process Sandbox

func (p *process) reachable() error {
	if p.state != types.ProviderStateStarted {
		return fmt.Errorf("sandbox %s is %s: %w", p.id, p.state, provider.ErrUnreachable)
	}
	return nil
}

func (p *process) ExecuteCommand(ctx context.Context, cmd, cwd string, env map[string]string, _ time.Duration) (provider.ExecResult, error) {
	p.mu.Lock()
	if err := p.reachable(); err != nil {
		p.mu.Unlock()
		return provider.ExecResult{}, err
	}
	p.commands = append(p.commands, cmd)
	exec := p.Exec
	p.mu.Unlock()

	if exec == nil {
		return provider.ExecResult{ExitCode: 0}, nil
	}
	return exec(cmd, cwd, env)
}

func (p *process) CreateSession(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.reachable(); err != nil {
		return err
	}
	if p.CreateSessionErr != nil {
		return p.CreateSessionErr
	}
	p.sessions[sessionID] = true
	p.sessionsCreated = append(p.sessionsCreated, sessionID)
	return nil
}

func (p *process) ExecuteSessionCommand(ctx context.Context, sessionID string, cmd provider.SessionCommand) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.sessions[sessionID] {
		return "", fmt.Errorf("session %s: %w", sessionID, provider.ErrSessionNotFound)
	}
	if p.ExecSessionErr != nil {
		return "", p.ExecSessionErr
	}
	p.sessionCommands = append(p.sessionCommands, cmd)
	return fmt.Sprintf("cmd-%d", len(p.sessionCommands)), nil
}

func (p *process) SessionCommandLogs(ctx context.Context, sessionID, cmdID string, onChunk func(string)) error {
	p.mu.Lock()
	open := p.sessions[sessionID]
	script := p.Logs
	p.mu.Unlock()
	if !open {
		return fmt.Errorf("session %s: %w", sessionID, provider.ErrSessionNotFound)
	}

	for _, chunk := range script.Chunks {
		if script.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(script.Delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		onChunk(chunk)
	}
	if script.Err != nil {
		return script.Err
	}
	if script.Hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (p *process) DeleteSession(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.sessions[sessionID] {
		return fmt.Errorf("session %s: %w", sessionID, provider.ErrSessionNotFound)
	}
	delete(p.sessions, sessionID)
	p.sessionsDeleted = append(p.sessionsDeleted, sessionID)
	return nil
}

// AgentReply scripts a log stream shaped like an agent's stream-json output
// ending in a result carrying text. The server's --fake-provider mode uses it
// so chat works end to end.
func AgentReply(handle, text string) LogScript {
	line := func(v map[string]any) string {
		data, _ := json.Marshal(v)
		return string(data) + "\n"
	}
	return LogScript{
		Chunks: []string{
			line(map[string]any{"type": "system", "subtype": "init", "session_id": handle}),
			line(map[string]any{
				"type":       "assistant",
				"session_id": handle,
				"message": map[string]any{
					"content": []any{map[string]any{"type": "text", "text": text}},
				},
			}),
			line(map[string]any{"type": "result", "subtype": "success", "session_id": handle, "result": text}),
		},
		Delay: 50 * time.Millisecond,
	}
}
