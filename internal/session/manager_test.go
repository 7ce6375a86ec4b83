package session

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/sandboxd/internal/events"
	"github.com/steveyegge/sandboxd/internal/provider"
	"github.com/steveyegge/sandboxd/internal/provider/providertest"
	"github.com/steveyegge/sandboxd/internal/types"
)

func newTestManager(fake *providertest.Fake, timeout time.Duration) *Manager {
	return NewManager(fake, Config{
		StreamTimeout:  timeout,
		CleanupTimeout: time.Second,
		ScratchDir:     "/tmp",
	})
}

// collect drains a turn and fails the test if it does not end in time.
func collect(t *testing.T, ch <-chan events.TurnEvent) []events.TurnEvent {
	t.Helper()
	var got []events.TurnEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, e)
		case <-deadline:
			t.Fatalf("turn did not finish; events so far: %v", got)
		}
	}
}

func requireOneTerminal(t *testing.T, got []events.TurnEvent) events.TurnEvent {
	t.Helper()
	require.NotEmpty(t, got)
	terminals := 0
	for _, e := range got {
		if e.IsTerminal() {
			terminals++
		}
	}
	require.Equal(t, 1, terminals, "exactly one terminal event")
	last := got[len(got)-1]
	require.True(t, last.IsTerminal(), "terminal event must be last")
	return last
}

func eventTypes(got []events.TurnEvent) []events.TurnEventType {
	out := make([]events.TurnEventType, len(got))
	for i, e := range got {
		out[i] = e.Type
	}
	return out
}

func TestRunTurnResumesAndCompletes(t *testing.T) {
	fake := providertest.New()
	sb := fake.Add("sb-1", types.ProviderStateStarted)
	sb.Logs = providertest.LogScript{Chunks: []string{
		`{"type":"system","subtype":"init"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Done"}]}}`,
		`{"type":"result","result":"Added"}`,
	}}

	m := newTestManager(fake, time.Second)
	got := collect(t, m.RunTurn(context.Background(), TurnRequest{
		Prompt:      "add a button",
		TurnKey:     "k1",
		SandboxID:   "sb-1",
		WorkingDir:  "/home/sandbox/app",
		PriorHandle: "abc",
	}))

	require.Equal(t, []events.TurnEventType{events.TurnEventJSONMessage, events.TurnEventComplete}, eventTypes(got))
	assert.JSONEq(t, `{"type":"assistant","message":{"content":[{"type":"text","text":"Done"}]}}`, string(got[0].Data))
	assert.Equal(t, "Added", got[1].Result)
	assert.Equal(t, "k1", got[1].TurnKey)

	cmds := sb.SessionCommands()
	require.Len(t, cmds, 1)
	assert.True(t, cmds[0].RunAsync)
	assert.Contains(t, cmds[0].Command, "--resume abc")
	assert.Contains(t, cmds[0].Command, "cd /home/sandbox/app && cat /tmp/prompt-k1.txt | claude -p --output-format stream-json --verbose --dangerously-skip-permissions")
}

func TestRunTurnSandboxMissing(t *testing.T) {
	fake := providertest.New()
	other := fake.Add("other", types.ProviderStateStarted)

	m := newTestManager(fake, time.Second)
	got := collect(t, m.RunTurn(context.Background(), TurnRequest{
		Prompt: "hi", TurnKey: "k1", SandboxID: "sb-gone",
	}))

	require.Len(t, got, 1)
	assert.Equal(t, events.TurnEventError, got[0].Type)
	assert.Equal(t, RestartMessage, got[0].Error)
	assert.Empty(t, other.SessionsCreated())
	assert.Empty(t, other.Commands())
}

func TestRunTurnSandboxStopped(t *testing.T) {
	fake := providertest.New()
	sb := fake.Add("sb-1", types.ProviderStateStopped)

	m := newTestManager(fake, time.Second)
	got := collect(t, m.RunTurn(context.Background(), TurnRequest{
		Prompt: "hi", TurnKey: "k1", SandboxID: "sb-1",
	}))

	require.Len(t, got, 1)
	assert.Equal(t, RestartMessage, got[0].Error)
	assert.Empty(t, sb.SessionsCreated())
}

func TestRunTurnNoSandboxAssigned(t *testing.T) {
	m := newTestManager(providertest.New(), time.Second)
	got := collect(t, m.RunTurn(context.Background(), TurnRequest{Prompt: "hi", TurnKey: "k1"}))
	require.Len(t, got, 1)
	assert.Equal(t, RestartMessage, got[0].Error)
}

func TestRunTurnWritesPromptAndCleansUp(t *testing.T) {
	fake := providertest.New()
	sb := fake.Add("sb-1", types.ProviderStateStarted)
	sb.Logs = providertest.LogScript{Chunks: []string{`{"type":"result","result":"ok"}`}}

	m := newTestManager(fake, time.Second)
	got := collect(t, m.RunTurn(context.Background(), TurnRequest{
		Prompt: "make it 'blue'", TurnKey: "k/1", SandboxID: "sb-1",
	}))
	last := requireOneTerminal(t, got)
	assert.Equal(t, "ok", last.Result)

	cmds := sb.Commands()
	require.Len(t, cmds, 2)

	// prompt write: base64 payload decoding to the augmented prompt
	write := cmds[0]
	require.True(t, strings.HasPrefix(write, "echo "))
	encoded := strings.Fields(write)[1]
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(decoded), "User request:\nmake it 'blue'"))
	assert.Contains(t, write, "/tmp/prompt-k_1.txt")

	assert.Equal(t, "rm -f /tmp/prompt-k_1.txt", cmds[1])

	created := sb.SessionsCreated()
	require.Len(t, created, 1)
	assert.True(t, strings.HasPrefix(created[0], "turn-k_1-"))
	assert.Equal(t, created, sb.SessionsDeleted())
	assert.Zero(t, sb.OpenSessions())
}

func TestRunTurnSplitChunksAndSessionUpdate(t *testing.T) {
	stream := `{"type":"assistant","session_id":"new-1","message":{"content":"a {brace} \"quote\""}}` +
		`{"type":"assistant","session_id":"new-1","message":{"content":"second"}}` +
		`{"type":"result","session_id":"new-1","result":"fin"}`
	var chunks []string
	for i := 0; i < len(stream); i += 7 {
		end := i + 7
		if end > len(stream) {
			end = len(stream)
		}
		chunks = append(chunks, stream[i:end])
	}

	fake := providertest.New()
	sb := fake.Add("sb-1", types.ProviderStateStarted)
	sb.Logs = providertest.LogScript{Chunks: chunks}

	m := newTestManager(fake, time.Second)
	got := collect(t, m.RunTurn(context.Background(), TurnRequest{
		Prompt: "x", TurnKey: "k1", SandboxID: "sb-1",
	}))

	require.Equal(t, []events.TurnEventType{
		events.TurnEventJSONMessage,
		events.TurnEventSessionUpdate,
		events.TurnEventJSONMessage,
		events.TurnEventSessionUpdate,
		events.TurnEventComplete,
	}, eventTypes(got))
	assert.Equal(t, "new-1", got[1].SessionID)
	assert.Equal(t, "new-1", got[3].SessionID)
	assert.Equal(t, "fin", got[4].Result)

	cmds := sb.SessionCommands()
	require.Len(t, cmds, 1)
	assert.NotContains(t, cmds[0].Command, "--resume")
}

func TestRunTurnReportsHandleEqualToPrior(t *testing.T) {
	fake := providertest.New()
	sb := fake.Add("sb-1", types.ProviderStateStarted)
	sb.Logs = providertest.LogScript{Chunks: []string{
		`{"type":"assistant","session_id":"abc"}`,
		`{"type":"result","result":"ok"}`,
	}}

	m := newTestManager(fake, time.Second)
	got := collect(t, m.RunTurn(context.Background(), TurnRequest{
		Prompt: "x", TurnKey: "k1", SandboxID: "sb-1", PriorHandle: "abc",
	}))

	require.Equal(t, []events.TurnEventType{
		events.TurnEventJSONMessage,
		events.TurnEventSessionUpdate,
		events.TurnEventComplete,
	}, eventTypes(got))
	assert.Equal(t, "abc", got[1].SessionID)
}

func TestRunTurnForwardsLooselyTypedObjects(t *testing.T) {
	fake := providertest.New()
	sb := fake.Add("sb-1", types.ProviderStateStarted)
	sb.Logs = providertest.LogScript{Chunks: []string{
		`{"type":"assistant","session_id":42}`,
		`{"type":"tool","is_error":"yes"}`,
		`{"type":["x"]}`,
		`{"type":"result","result":"done"}`,
	}}

	m := newTestManager(fake, time.Second)
	got := collect(t, m.RunTurn(context.Background(), TurnRequest{Prompt: "x", TurnKey: "k1", SandboxID: "sb-1"}))

	require.Equal(t, []events.TurnEventType{
		events.TurnEventJSONMessage,
		events.TurnEventJSONMessage,
		events.TurnEventJSONMessage,
		events.TurnEventComplete,
	}, eventTypes(got))
	assert.JSONEq(t, `{"type":"assistant","session_id":42}`, string(got[0].Data))
	assert.JSONEq(t, `{"type":"tool","is_error":"yes"}`, string(got[1].Data))
	assert.JSONEq(t, `{"type":["x"]}`, string(got[2].Data))
	assert.Equal(t, "done", got[3].Result)
}

func TestRunTurnSessionEnd(t *testing.T) {
	fake := providertest.New()
	sb := fake.Add("sb-1", types.ProviderStateStarted)
	sb.Logs = providertest.LogScript{Chunks: []string{
		`{"type":"system","subtype":"session_end"}`,
		`{"type":"result","result":"never seen"}`,
	}}

	m := newTestManager(fake, time.Second)
	got := collect(t, m.RunTurn(context.Background(), TurnRequest{Prompt: "x", TurnKey: "k1", SandboxID: "sb-1"}))
	require.Len(t, got, 1)
	assert.Equal(t, events.TurnEventComplete, got[0].Type)
	assert.Empty(t, got[0].Result)
}

func TestRunTurnStreamEndsWithoutResult(t *testing.T) {
	fake := providertest.New()
	sb := fake.Add("sb-1", types.ProviderStateStarted)
	sb.Logs = providertest.LogScript{Chunks: []string{`{"type":"assistant"}`, `GARBAGE {"bad": }`}}

	m := newTestManager(fake, time.Second)
	got := collect(t, m.RunTurn(context.Background(), TurnRequest{Prompt: "x", TurnKey: "k1", SandboxID: "sb-1"}))
	require.Equal(t, []events.TurnEventType{events.TurnEventJSONMessage, events.TurnEventComplete}, eventTypes(got))
	assert.Empty(t, got[1].Result)
}

func TestRunTurnTimeout(t *testing.T) {
	fake := providertest.New()
	sb := fake.Add("sb-1", types.ProviderStateStarted)
	sb.Logs = providertest.LogScript{
		Chunks: []string{`{"type":"assistant"}`},
		Hang:   true,
	}

	m := newTestManager(fake, 100*time.Millisecond)
	got := collect(t, m.RunTurn(context.Background(), TurnRequest{Prompt: "x", TurnKey: "k1", SandboxID: "sb-1"}))

	last := requireOneTerminal(t, got)
	assert.Equal(t, events.TurnEventError, last.Type)
	assert.True(t, last.Timeout)
	assert.Len(t, got, 2)

	assert.Len(t, sb.SessionsCreated(), 1)
	assert.Equal(t, sb.SessionsCreated(), sb.SessionsDeleted())
}

func TestRunTurnIdleTimerResetsPerChunk(t *testing.T) {
	fake := providertest.New()
	sb := fake.Add("sb-1", types.ProviderStateStarted)
	sb.Logs = providertest.LogScript{
		Chunks: []string{`{"type":"assistant"}`, `{"type":"assistant"}`, `{"type":"assistant"}`, `{"type":"result","result":"ok"}`},
		Delay:  60 * time.Millisecond,
	}

	// total stream time exceeds the window, but no single gap does
	m := newTestManager(fake, 150*time.Millisecond)
	got := collect(t, m.RunTurn(context.Background(), TurnRequest{Prompt: "x", TurnKey: "k1", SandboxID: "sb-1"}))
	last := requireOneTerminal(t, got)
	assert.Equal(t, events.TurnEventComplete, last.Type)
	assert.Len(t, got, 4)
}

func TestRunTurnStreamError(t *testing.T) {
	fake := providertest.New()
	sb := fake.Add("sb-1", types.ProviderStateStarted)
	sb.Logs = providertest.LogScript{
		Chunks: []string{`{"type":"assistant"}`},
		Err:    errors.New("connection reset"),
	}

	m := newTestManager(fake, time.Second)
	got := collect(t, m.RunTurn(context.Background(), TurnRequest{Prompt: "x", TurnKey: "k1", SandboxID: "sb-1"}))
	last := requireOneTerminal(t, got)
	assert.Equal(t, events.TurnEventError, last.Type)
	assert.Contains(t, last.Error, "connection reset")
	assert.Equal(t, sb.SessionsCreated(), sb.SessionsDeleted())
}

func TestRunTurnProviderErrors(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(sb *providertest.Sandbox)
		wantError   string
		wantCreated int
	}{
		{
			name:      "prompt write fails",
			setup:     func(sb *providertest.Sandbox) { sb.Exec = exitWith(1) },
			wantError: "failed to write prompt file",
		},
		{
			name:      "session creation fails",
			setup:     func(sb *providertest.Sandbox) { sb.CreateSessionErr = errors.New("quota exceeded") },
			wantError: "quota exceeded",
		},
		{
			name:        "agent start fails",
			setup:       func(sb *providertest.Sandbox) { sb.ExecSessionErr = errors.New("bad command") },
			wantError:   "bad command",
			wantCreated: 1,
		},
		{
			name:      "sandbox became unreachable",
			setup:     func(sb *providertest.Sandbox) { sb.CreateSessionErr = provider.ErrUnreachable },
			wantError: RestartMessage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := providertest.New()
			sb := fake.Add("sb-1", types.ProviderStateStarted)
			tt.setup(sb)

			m := newTestManager(fake, time.Second)
			got := collect(t, m.RunTurn(context.Background(), TurnRequest{Prompt: "x", TurnKey: "k1", SandboxID: "sb-1"}))

			require.Len(t, got, 1)
			assert.Equal(t, events.TurnEventError, got[0].Type)
			assert.Contains(t, got[0].Error, tt.wantError)
			assert.Len(t, sb.SessionsCreated(), tt.wantCreated)
			assert.Equal(t, sb.SessionsCreated(), sb.SessionsDeleted())
		})
	}
}

func TestRunTurnCleanupFailureDoesNotMaskResult(t *testing.T) {
	fake := providertest.New()
	sb := fake.Add("sb-1", types.ProviderStateStarted)
	sb.Logs = providertest.LogScript{Chunks: []string{`{"type":"result","result":"ok"}`}}
	sb.Exec = func(cmd, cwd string, env map[string]string) (provider.ExecResult, error) {
		if strings.HasPrefix(cmd, "rm ") {
			return provider.ExecResult{}, errors.New("rm exploded")
		}
		return provider.ExecResult{}, nil
	}

	m := newTestManager(fake, time.Second)
	got := collect(t, m.RunTurn(context.Background(), TurnRequest{Prompt: "x", TurnKey: "k1", SandboxID: "sb-1"}))
	require.Len(t, got, 1)
	assert.Equal(t, events.TurnEventComplete, got[0].Type)
}

func TestRunTurnCanceled(t *testing.T) {
	fake := providertest.New()
	sb := fake.Add("sb-1", types.ProviderStateStarted)
	sb.Logs = providertest.LogScript{Hang: true}

	ctx, cancel := context.WithCancel(context.Background())
	m := newTestManager(fake, 5*time.Second)
	ch := m.RunTurn(ctx, TurnRequest{Prompt: "x", TurnKey: "k1", SandboxID: "sb-1"})

	require.Eventually(t, func() bool { return len(sb.SessionCommands()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	got := collect(t, ch)
	last := requireOneTerminal(t, got)
	assert.Equal(t, "turn canceled", last.Error)

	// cleanup still ran on the detached context
	assert.Equal(t, sb.SessionsCreated(), sb.SessionsDeleted())
}

func TestRunTurnCanceledWhilePreparing(t *testing.T) {
	fake := providertest.New()
	sb := fake.Add("sb-1", types.ProviderStateStarted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sb.Exec = func(cmd, cwd string, env map[string]string) (provider.ExecResult, error) {
		if strings.Contains(cmd, "base64") {
			cancel()
			return provider.ExecResult{}, context.Canceled
		}
		return provider.ExecResult{}, nil
	}

	m := newTestManager(fake, 5*time.Second)
	got := collect(t, m.RunTurn(ctx, TurnRequest{Prompt: "x", TurnKey: "k1", SandboxID: "sb-1"}))

	last := requireOneTerminal(t, got)
	assert.Equal(t, "turn canceled", last.Error)
	assert.Empty(t, sb.SessionsCreated())
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "", UserMessage(nil))
	assert.Equal(t, RestartMessage, UserMessage(provider.ErrNotFound))
	assert.Equal(t, RestartMessage, UserMessage(errors.Join(errors.New("x"), provider.ErrUnreachable)))
	assert.Equal(t, "boom", UserMessage(errors.New("boom")))
}

func TestAgentCommand(t *testing.T) {
	cmd := agentCommand("claude", "/work dir", "/tmp/prompt-k.txt", "", []string{"--model", "sonnet"})
	assert.Equal(t,
		"cd '/work dir' && cat /tmp/prompt-k.txt | claude -p --output-format stream-json --verbose --dangerously-skip-permissions --model sonnet",
		cmd)
}

func exitWith(code int) providertest.ExecFunc {
	return func(string, string, map[string]string) (provider.ExecResult, error) {
		return provider.ExecResult{ExitCode: code, Result: "failed"}, nil
	}
}

func TestRunTurnResolvesRelativeWorkingDir(t *testing.T) {
	fake := providertest.New()
	sb := fake.Add("sb-1", types.ProviderStateStarted)
	sb.Logs = providertest.LogScript{Chunks: []string{`{"type":"result","result":"ok"}`}}

	m := newTestManager(fake, time.Second)
	for _, tc := range []struct{ dir, want string }{
		{"", "cd /home/sandbox && "},
		{"app", "cd /home/sandbox/app && "},
	} {
		got := collect(t, m.RunTurn(context.Background(), TurnRequest{
			Prompt: "hi", TurnKey: "k", SandboxID: "sb-1", WorkingDir: tc.dir,
		}))
		assert.Equal(t, events.TurnEventComplete, requireOneTerminal(t, got).Type)
		cmds := sb.SessionCommands()
		assert.True(t, strings.HasPrefix(cmds[len(cmds)-1].Command, tc.want), cmds[len(cmds)-1].Command)
	}
}
