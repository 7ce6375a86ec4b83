package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/steveyegge/sandboxd/internal/events"
	"github.com/steveyegge/sandboxd/internal/provider"
	"github.com/steveyegge/sandboxd/internal/types"
)

const probeTimeout = 10 * time.Second

// SandboxReport is what GetStatus returns.
type SandboxReport struct {
	ProjectID     string              `json:"project_id"`
	SandboxID     string              `json:"sandbox_id,omitempty"`
	Status        types.SandboxStatus `json:"status"`
	ProviderState types.ProviderState `json:"provider_state"`
	PreviewURL    string              `json:"preview_url,omitempty"`
	Error         string              `json:"error,omitempty"`
	Provisioning  bool                `json:"provisioning"`
}

// StartSandbox starts a project's sandbox if needed and makes sure the dev
// server is up. It is safe to call on a running sandbox: the server is only
// launched when nothing answers on the application port.
func (o *Orchestrator) StartSandbox(ctx context.Context, projectID string) (events.StatusUpdate, error) {
	if _, ok := o.Active(projectID); ok {
		return events.StatusUpdate{}, fmt.Errorf("%w: %s", ErrJobActive, projectID)
	}
	project, sb, err := o.lookup(ctx, projectID)
	if err != nil {
		return events.StatusUpdate{}, err
	}
	log := o.log.With("project_id", projectID, "sandbox_id", sb.ID())

	if err := sb.Start(ctx, o.cfg.StartTimeout); err != nil {
		return events.StatusUpdate{}, fmt.Errorf("failed to start sandbox: %w", err)
	}

	proc := sb.Process()
	if o.appServing(ctx, proc) {
		log.Info("application already serving, not relaunching", "port", o.cfg.AppPort)
	} else {
		log.Info("launching dev server", "port", o.cfg.AppPort)
		if err := o.launch(ctx, proc, o.devServerCommand()); err != nil {
			return events.StatusUpdate{}, err
		}
	}

	preview, err := sb.PreviewLink(ctx, o.cfg.AppPort)
	if err != nil {
		log.Warn("failed to get preview link", "error", err)
	}

	u := events.StatusUpdate{
		ProjectID:  projectID,
		OwnerID:    project.OwnerID,
		Status:     types.SandboxStatusStarted,
		SandboxID:  sb.ID(),
		PreviewURL: preview,
		At:         time.Now().UTC(),
	}
	if err := o.record(u, nil); err != nil {
		return u, err
	}
	return u, nil
}

// StopSandbox stops a project's sandbox. An in-flight provisioning job for
// the project is canceled first so its writes cannot overtake the stop.
func (o *Orchestrator) StopSandbox(ctx context.Context, projectID string) (events.StatusUpdate, error) {
	if job, ok := o.Active(projectID); ok {
		o.log.Info("canceling provisioning before stop", "project_id", projectID)
		job.Cancel()
		if err := job.Wait(ctx); err != nil && ctx.Err() != nil {
			return events.StatusUpdate{}, fmt.Errorf("waiting for provisioning to stop: %w", ctx.Err())
		}
	}

	project, sb, err := o.lookup(ctx, projectID)
	if err != nil {
		return events.StatusUpdate{}, err
	}

	if err := sb.Stop(ctx, o.cfg.StopTimeout); err != nil {
		return events.StatusUpdate{}, fmt.Errorf("failed to stop sandbox: %w", err)
	}

	u := events.StatusUpdate{
		ProjectID: projectID,
		OwnerID:   project.OwnerID,
		Status:    types.SandboxStatusStopped,
		SandboxID: sb.ID(),
		At:        time.Now().UTC(),
	}
	if err := o.record(u, nil); err != nil {
		return u, err
	}
	return u, nil
}

// GetStatus reports the project's stored status alongside what the
// provider says. It never fails: lookup problems show up in the report.
func (o *Orchestrator) GetStatus(ctx context.Context, projectID string) SandboxReport {
	r := SandboxReport{
		ProjectID:     projectID,
		Status:        types.SandboxStatusNone,
		ProviderState: types.ProviderStateNotFound,
	}
	_, r.Provisioning = o.Active(projectID)

	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		r.ProviderState = types.ProviderStateError
		r.Error = err.Error()
		return r
	}
	r.Status = project.SandboxStatus
	r.SandboxID = project.SandboxIDOrEmpty()
	if project.PreviewURL != nil {
		r.PreviewURL = *project.PreviewURL
	}
	if project.SandboxError != nil {
		r.Error = *project.SandboxError
	}
	if !project.HasSandbox() {
		return r
	}

	sb, err := o.client.Get(ctx, r.SandboxID)
	if errors.Is(err, provider.ErrNotFound) {
		return r
	}
	if err != nil {
		r.ProviderState = types.ProviderStateError
		r.Error = err.Error()
		return r
	}
	state, err := sb.RefreshState(ctx)
	if err != nil {
		r.ProviderState = types.ProviderStateError
		r.Error = err.Error()
		return r
	}
	r.ProviderState = state
	return r
}

func (o *Orchestrator) lookup(ctx context.Context, projectID string) (*types.Project, provider.Sandbox, error) {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	if !project.HasSandbox() {
		return nil, nil, fmt.Errorf("project %s has no sandbox: %w", projectID, provider.ErrNotFound)
	}
	sb, err := o.client.Get(ctx, project.SandboxIDOrEmpty())
	if err != nil {
		return nil, nil, err
	}
	return project, sb, nil
}

func (o *Orchestrator) devServerCommand() string {
	for _, s := range o.cfg.Steps {
		if s.Status == types.SandboxStatusStartingServer && len(s.Commands) > 0 {
			return expandPort(s.Commands[0], o.cfg.AppPort)
		}
	}
	return expandPort(devServerCommand, o.cfg.AppPort)
}

// probeCommand asks the sandbox itself whether anything answers HTTP on
// the application port. curl prints 000 when the connection fails.
func probeCommand(port int) string {
	return "curl -s -o /dev/null -w '%{http_code}' --max-time 5 http://localhost:" + strconv.Itoa(port)
}

// appServing reports whether the application port answers with any HTTP
// status.
func (o *Orchestrator) appServing(ctx context.Context, proc provider.Process) bool {
	res, err := proc.ExecuteCommand(ctx, probeCommand(o.cfg.AppPort), "", nil, probeTimeout)
	if err != nil {
		o.log.Debug("app probe failed", "error", err)
		return false
	}
	code, err := strconv.Atoi(strings.TrimSpace(res.Result))
	return err == nil && code >= 100 && code < 600
}
