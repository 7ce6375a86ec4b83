package provisioning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/sandboxd/internal/provider"
	"github.com/steveyegge/sandboxd/internal/provider/providertest"
	"github.com/steveyegge/sandboxd/internal/storage"
	"github.com/steveyegge/sandboxd/internal/types"
)

// withSandbox attaches a fake sandbox in the given state to project p1.
func withSandbox(t *testing.T, h *harness, state types.ProviderState, down bool) *providertest.Sandbox {
	t.Helper()
	sb := h.fake.Add("sb-1", state)
	sb.Exec = sandboxExec("", down)
	id := "sb-1"
	status := types.SandboxStatusStopped
	if state == types.ProviderStateStarted {
		status = types.SandboxStatusStarted
	}
	require.NoError(t, h.store.WriteStatus(context.Background(), "p1", storage.StatusWrite{
		Status:    status,
		SandboxID: &id,
		UpdatedAt: time.Now(),
	}))
	return sb
}

func TestStartSandboxLaunchesServerWhenDown(t *testing.T) {
	h := newHarness(t, Config{}, false)
	sb := withSandbox(t, h, types.ProviderStateStopped, true)

	u, err := h.orch.StartSandbox(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, types.SandboxStatusStarted, u.Status)
	assert.Equal(t, "sb-1", u.SandboxID)
	assert.Equal(t, "https://3000-sb-1.preview.local", u.PreviewURL)

	state, err := sb.RefreshState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ProviderStateStarted, state)

	cmds := sb.SessionCommands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "serve --port 3000", cmds[0].Command)
	assert.True(t, cmds[0].RunAsync)

	p, err := h.store.GetProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, types.SandboxStatusStarted, p.SandboxStatus)
	require.NotNil(t, p.PreviewURL)
	assert.Equal(t, u.PreviewURL, *p.PreviewURL)
	assert.Equal(t, []types.SandboxStatus{types.SandboxStatusStarted}, h.pub.statuses())
}

func TestStartSandboxDoesNotRelaunchServingApp(t *testing.T) {
	h := newHarness(t, Config{}, false)
	sb := withSandbox(t, h, types.ProviderStateStarted, false)

	_, err := h.orch.StartSandbox(context.Background(), "p1")
	require.NoError(t, err)
	assert.Empty(t, sb.SessionCommands())
	assert.Contains(t, sb.Commands(), probeCommand(3000))
}

func TestStartSandboxErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("no sandbox", func(t *testing.T) {
		h := newHarness(t, Config{}, false)
		_, err := h.orch.StartSandbox(ctx, "p1")
		assert.ErrorIs(t, err, provider.ErrNotFound)
	})

	t.Run("unknown project", func(t *testing.T) {
		h := newHarness(t, Config{}, false)
		_, err := h.orch.StartSandbox(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("sandbox gone from provider", func(t *testing.T) {
		h := newHarness(t, Config{}, false)
		withSandbox(t, h, types.ProviderStateStopped, false)
		h.fake.Remove("sb-1")
		_, err := h.orch.StartSandbox(ctx, "p1")
		assert.ErrorIs(t, err, provider.ErrNotFound)
	})

	t.Run("provider refuses to start", func(t *testing.T) {
		h := newHarness(t, Config{}, false)
		sb := withSandbox(t, h, types.ProviderStateStopped, false)
		sb.StartErr = errors.New("capacity")
		_, err := h.orch.StartSandbox(ctx, "p1")
		assert.ErrorContains(t, err, "capacity")

		p, err := h.store.GetProject(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, types.SandboxStatusStopped, p.SandboxStatus)
	})

	t.Run("provisioning in flight", func(t *testing.T) {
		h := newHarness(t, Config{}, false)
		_, err := h.orch.Enqueue(ProjectRef{ID: "p1", OwnerID: "u1"})
		require.NoError(t, err)
		_, err = h.orch.StartSandbox(ctx, "p1")
		assert.ErrorIs(t, err, ErrJobActive)
	})
}

func TestStopSandbox(t *testing.T) {
	h := newHarness(t, Config{}, false)
	sb := withSandbox(t, h, types.ProviderStateStarted, false)
	ctx := context.Background()

	u, err := h.orch.StopSandbox(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, types.SandboxStatusStopped, u.Status)

	state, err := sb.RefreshState(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ProviderStateStopped, state)

	p, err := h.store.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, types.SandboxStatusStopped, p.SandboxStatus)
	assert.Equal(t, "sb-1", p.SandboxIDOrEmpty(), "stopping keeps the sandbox id")
}

func TestStopSandboxCancelsProvisioning(t *testing.T) {
	h := newHarness(t, Config{StepTimeout: time.Minute}, true)
	h.fake.NewSandbox = func(sb *providertest.Sandbox) { sb.Exec = sandboxExec("", true) }
	ctx := context.Background()

	job, _, err := h.orch.Provision(ctx, ProjectRef{ID: "p1", OwnerID: "u1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p, err := h.store.GetProject(ctx, "p1")
		return err == nil && p.SandboxStatus == types.SandboxStatusFinalizing
	}, 5*time.Second, 10*time.Millisecond)

	_, err = h.orch.StopSandbox(ctx, "p1")
	require.NoError(t, err)

	select {
	case <-job.Done():
	default:
		t.Fatal("job still running after stop")
	}
	p, err := h.store.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, types.SandboxStatusStopped, p.SandboxStatus, "stop is the last write")

	statuses := h.pub.statuses()
	require.GreaterOrEqual(t, len(statuses), 2)
	assert.Equal(t, types.SandboxStatusFailed, statuses[len(statuses)-2])
	assert.Equal(t, types.SandboxStatusStopped, statuses[len(statuses)-1])
}

func TestGetStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("no sandbox", func(t *testing.T) {
		h := newHarness(t, Config{}, false)
		r := h.orch.GetStatus(ctx, "p1")
		assert.Equal(t, types.SandboxStatusNone, r.Status)
		assert.Equal(t, types.ProviderStateNotFound, r.ProviderState)
		assert.Empty(t, r.SandboxID)
		assert.False(t, r.Provisioning)
	})

	t.Run("running", func(t *testing.T) {
		h := newHarness(t, Config{}, false)
		withSandbox(t, h, types.ProviderStateStarted, false)
		r := h.orch.GetStatus(ctx, "p1")
		assert.Equal(t, types.SandboxStatusStarted, r.Status)
		assert.Equal(t, types.ProviderStateStarted, r.ProviderState)
		assert.Equal(t, "sb-1", r.SandboxID)
	})

	t.Run("provider lost the sandbox", func(t *testing.T) {
		h := newHarness(t, Config{}, false)
		withSandbox(t, h, types.ProviderStateStarted, false)
		h.fake.Remove("sb-1")
		r := h.orch.GetStatus(ctx, "p1")
		assert.Equal(t, types.ProviderStateNotFound, r.ProviderState)
		assert.Equal(t, "sb-1", r.SandboxID)
	})

	t.Run("provider error", func(t *testing.T) {
		h := newHarness(t, Config{}, false)
		withSandbox(t, h, types.ProviderStateStarted, false)
		h.fake.ListErr = errors.New("provider down")
		r := h.orch.GetStatus(ctx, "p1")
		assert.Equal(t, types.ProviderStateError, r.ProviderState)
		assert.Contains(t, r.Error, "provider down")
	})

	t.Run("unknown project", func(t *testing.T) {
		h := newHarness(t, Config{}, false)
		r := h.orch.GetStatus(ctx, "missing")
		assert.Equal(t, types.ProviderStateError, r.ProviderState)
		assert.NotEmpty(t, r.Error)
	})

	t.Run("provisioning", func(t *testing.T) {
		h := newHarness(t, Config{}, false)
		_, err := h.orch.Enqueue(ProjectRef{ID: "p1", OwnerID: "u1"})
		require.NoError(t, err)
		assert.True(t, h.orch.GetStatus(ctx, "p1").Provisioning)
	})
}

func TestStepOverrides(t *testing.T) {
	steps := applyOverrides(DefaultSteps(), map[string][]string{
		"optimizing": {"true"},
	})
	require.Len(t, steps, len(types.SetupPhases()))
	for i, s := range steps {
		assert.Equal(t, types.SetupPhases()[i], s.Status)
	}
	assert.Equal(t, []string{"true"}, steps[4].Commands)
	assert.Equal(t, DefaultSteps()[3].Commands, steps[3].Commands)
	assert.Equal(t, "npm run dev --port 8080", expandPort("npm run dev --port {port}", 8080))
}

func TestAppServingParsesProbe(t *testing.T) {
	h := newHarness(t, Config{}, false)
	sb := h.fake.Add("sb-x", types.ProviderStateStarted)
	cases := map[string]bool{"200": true, "404\n": true, "000": false, "": false, "garbage": false}
	for out, want := range cases {
		out := out
		sb.Exec = func(cmd, cwd string, env map[string]string) (provider.ExecResult, error) {
			return provider.ExecResult{Result: out}, nil
		}
		assert.Equal(t, want, h.orch.appServing(context.Background(), sb.Process()), "probe output %q", out)
	}
}
