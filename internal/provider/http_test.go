package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/sandboxd/internal/types"
)

// fakeAPI is a minimal in-memory version of the provider REST API.
type fakeAPI struct {
	mu        sync.Mutex
	sandboxes map[string]string // id -> state
	sessions  map[string]bool
	commands  []string
	logChunks []string
	authSeen  []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{sandboxes: map[string]string{}, sessions: map[string]bool{}}
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}
	notFound := func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"not found"}`))
	}

	mux.HandleFunc("POST /sandbox", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.authSeen = append(f.authSeen, r.Header.Get("Authorization"))
		f.sandboxes["sb-1"] = "started"
		writeJSON(w, map[string]string{"id": "sb-1", "state": "started"})
	})
	mux.HandleFunc("GET /sandbox", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var out []map[string]string
		for id, state := range f.sandboxes {
			out = append(out, map[string]string{"id": id, "state": state})
		}
		writeJSON(w, out)
	})
	mux.HandleFunc("GET /sandbox/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		state, ok := f.sandboxes[r.PathValue("id")]
		if !ok {
			notFound(w)
			return
		}
		writeJSON(w, map[string]string{"id": r.PathValue("id"), "state": state})
	})
	mux.HandleFunc("POST /sandbox/{id}/start", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.sandboxes[r.PathValue("id")] = "started"
	})
	mux.HandleFunc("POST /sandbox/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.sandboxes[r.PathValue("id")] = "stopped"
	})
	mux.HandleFunc("GET /sandbox/{id}/ports/{port}/preview-url", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"url": "https://" + r.PathValue("port") + "-" + r.PathValue("id") + ".preview.test"})
	})
	mux.HandleFunc("GET /toolbox/{id}/toolbox/project-dir", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"dir": "/home/daytona"})
	})
	mux.HandleFunc("POST /toolbox/{id}/toolbox/process/execute", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.sandboxes[r.PathValue("id")] != "started" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"sandbox is not running"}`))
			return
		}
		var req struct {
			Command string `json:"command"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.commands = append(f.commands, req.Command)
		writeJSON(w, map[string]any{"exitCode": 0, "result": "ok"})
	})
	mux.HandleFunc("POST /toolbox/{id}/toolbox/process/session", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var req struct {
			SessionID string `json:"sessionId"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.sessions[req.SessionID] = true
	})
	mux.HandleFunc("POST /toolbox/{id}/toolbox/process/session/{sid}/exec", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.sessions[r.PathValue("sid")] {
			notFound(w)
			return
		}
		var req struct {
			Command string `json:"command"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.commands = append(f.commands, req.Command)
		writeJSON(w, map[string]string{"cmdId": "cmd-1"})
	})
	mux.HandleFunc("GET /toolbox/{id}/toolbox/process/session/{sid}/command/{cmd}/logs", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, c := range f.logChunks {
			_, _ = w.Write([]byte(c))
			flusher.Flush()
		}
	})
	mux.HandleFunc("DELETE /toolbox/{id}/toolbox/process/session/{sid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.sessions[r.PathValue("sid")] {
			notFound(w)
			return
		}
		delete(f.sessions, r.PathValue("sid"))
	})
	return mux
}

func newTestClient(t *testing.T, api *fakeAPI) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(HTTPConfig{
		APIURL:       srv.URL,
		APIKey:       "secret",
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestNewHTTPClientValidation(t *testing.T) {
	_, err := NewHTTPClient(HTTPConfig{APIKey: "k"})
	assert.Error(t, err)
	_, err = NewHTTPClient(HTTPConfig{APIURL: "http://x"})
	assert.Error(t, err)
}

func TestCreateAndGet(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(t, api)
	ctx := context.Background()

	id, err := c.Create(ctx, CreateParams{Labels: map[string]string{"project": "p1"}})
	require.NoError(t, err)
	assert.Equal(t, "sb-1", id)
	assert.Equal(t, []string{"Bearer secret"}, api.authSeen)

	sb, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "sb-1", sb.ID())

	_, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartStopAndState(t *testing.T) {
	api := newFakeAPI()
	api.sandboxes["sb-1"] = "stopped"
	c := newTestClient(t, api)
	ctx := context.Background()

	sb, err := c.Get(ctx, "sb-1")
	require.NoError(t, err)

	state, err := sb.RefreshState(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ProviderStateStopped, state)

	require.NoError(t, sb.Start(ctx, time.Second))
	state, err = sb.RefreshState(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ProviderStateStarted, state)

	require.NoError(t, sb.Stop(ctx, time.Second))
	state, err = sb.RefreshState(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ProviderStateStopped, state)
}

func TestRefreshStateMissingSandbox(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(t, api)
	sb := &httpSandbox{client: c, id: "gone"}

	state, err := sb.RefreshState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ProviderStateNotFound, state)
}

func TestExecuteCommandUnreachable(t *testing.T) {
	api := newFakeAPI()
	api.sandboxes["sb-1"] = "stopped"
	c := newTestClient(t, api)
	sb := &httpSandbox{client: c, id: "sb-1"}

	_, err := sb.Process().ExecuteCommand(context.Background(), "echo hi", "", nil, 0)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestExecuteCommandWithEnv(t *testing.T) {
	api := newFakeAPI()
	api.sandboxes["sb-1"] = "started"
	c := newTestClient(t, api)
	sb := &httpSandbox{client: c, id: "sb-1"}

	res, err := sb.Process().ExecuteCommand(context.Background(), "echo $A", "/tmp",
		map[string]string{"B": "two words", "A": "1"}, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	require.Len(t, api.commands, 1)
	assert.Equal(t, "export A=1; export B='two words'; echo $A", api.commands[0])
}

func TestSessionLifecycleAndLogs(t *testing.T) {
	api := newFakeAPI()
	api.sandboxes["sb-1"] = "started"
	api.logChunks = []string{`{"type":"sys`, `tem"}` + "\n", `{"type":"result"}`}
	c := newTestClient(t, api)
	proc := (&httpSandbox{client: c, id: "sb-1"}).Process()
	ctx := context.Background()

	require.NoError(t, proc.CreateSession(ctx, "s1"))
	cmdID, err := proc.ExecuteSessionCommand(ctx, "s1", SessionCommand{Command: "run", RunAsync: true})
	require.NoError(t, err)
	assert.Equal(t, "cmd-1", cmdID)

	var got strings.Builder
	require.NoError(t, proc.SessionCommandLogs(ctx, "s1", cmdID, func(chunk string) {
		got.WriteString(chunk)
	}))
	assert.Equal(t, strings.Join(api.logChunks, ""), got.String())

	require.NoError(t, proc.DeleteSession(ctx, "s1"))
	err = proc.DeleteSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestPreviewLinkAndRootDir(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(t, api)
	sb := &httpSandbox{client: c, id: "sb-1"}
	ctx := context.Background()

	link, err := sb.PreviewLink(ctx, 5173)
	require.NoError(t, err)
	assert.Equal(t, "https://5173-sb-1.preview.test", link)

	dir, err := sb.UserRootDir(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/home/daytona", dir)
}

func TestMapState(t *testing.T) {
	tests := []struct {
		in   string
		want types.ProviderState
	}{
		{"started", types.ProviderStateStarted},
		{"STOPPED", types.ProviderStateStopped},
		{"archived", types.ProviderStateStopped},
		{"starting", types.ProviderStateCreating},
		{"destroyed", types.ProviderStateNotFound},
		{"build_failed", types.ProviderStateError},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, mapState(tt.in))
		})
	}
}

func TestCheckExec(t *testing.T) {
	_, err := CheckExec(ExecResult{ExitCode: 0}, nil, "ok")
	assert.NoError(t, err)

	_, err = CheckExec(ExecResult{ExitCode: 2, Result: "boom"}, nil, "install")
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.ExitCode)
	assert.Contains(t, err.Error(), "install: exit code 2: boom")

	_, err = CheckExec(ExecResult{}, ErrUnreachable, "install")
	assert.ErrorIs(t, err, ErrUnreachable)
}
