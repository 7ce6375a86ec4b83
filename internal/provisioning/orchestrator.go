// Package provisioning creates sandboxes for projects and walks them
// through setup, persisting and broadcasting every status transition.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/sandboxd/internal/events"
	"github.com/steveyegge/sandboxd/internal/provider"
	"github.com/steveyegge/sandboxd/internal/storage"
	"github.com/steveyegge/sandboxd/internal/types"
)

var (
	// ErrQueueFull is returned by Enqueue when the pending queue is at capacity
	ErrQueueFull = errors.New("provisioning queue is full")

	// ErrClosed is returned once the orchestrator is shutting down
	ErrClosed = errors.New("provisioning orchestrator is closed")

	// ErrJobActive is returned when the project already has a job in flight
	ErrJobActive = errors.New("provisioning already in progress for project")
)

const writeTimeout = 10 * time.Second

// Store is the persistence the orchestrator needs
type Store interface {
	GetProject(ctx context.Context, id string) (*types.Project, error)
	storage.StatusStore
}

// Publisher receives every status transition. It must not block.
type Publisher interface {
	PublishStatus(u events.StatusUpdate)
}

// Config configures an Orchestrator
type Config struct {
	QueueSize int

	// CommitDelay is waited before each job so the request that enqueued
	// it has committed its own writes
	CommitDelay time.Duration

	CreateTimeout time.Duration
	StepTimeout   time.Duration
	StartTimeout  time.Duration
	StopTimeout   time.Duration

	AppPort         int
	Image           string
	AutoStopMinutes int

	// Steps is the setup sequence; nil means DefaultSteps
	Steps []Step

	// StepOverrides replaces the commands of individual phases by status name
	StepOverrides map[string][]string

	// ProbeInterval is how often finalizing polls the application port
	ProbeInterval time.Duration

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = 3 * time.Minute
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 10 * time.Minute
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 2 * time.Minute
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = time.Minute
	}
	if c.AppPort <= 0 {
		c.AppPort = 5173
	}
	if c.Steps == nil {
		c.Steps = DefaultSteps()
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 2 * time.Second
	}
	c.Steps = applyOverrides(c.Steps, c.StepOverrides)
}

// Orchestrator owns the provisioning queue. A single worker (Run) takes
// jobs in FIFO order and creates their sandboxes one at a time; each job's
// setup then continues in its own goroutine so the next creation can start.
type Orchestrator struct {
	client provider.Client
	store  Store
	pub    Publisher
	cfg    Config
	log    *slog.Logger

	queue chan *Job

	// base parents every job; canceled on Shutdown
	base       context.Context
	cancelBase context.CancelFunc

	mu     sync.Mutex
	active map[string]*Job
	closed bool

	running sync.WaitGroup // background continuations
	runDone chan struct{}
	runOnce sync.Once
}

// New creates an Orchestrator. Call Run to start its worker. It fails if
// the configured steps do not cover the setup phases in order.
func New(client provider.Client, store Store, pub Publisher, cfg Config) (*Orchestrator, error) {
	cfg.applyDefaults()
	if err := ValidateSteps(cfg.Steps); err != nil {
		return nil, fmt.Errorf("invalid setup steps: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		client:     client,
		store:      store,
		pub:        pub,
		cfg:        cfg,
		log:        logger.With("component", "provisioning"),
		queue:      make(chan *Job, cfg.QueueSize),
		base:       base,
		cancelBase: cancel,
		active:     make(map[string]*Job),
		runDone:    make(chan struct{}),
	}, nil
}

// Enqueue schedules provisioning for a project. It fails with ErrJobActive
// if the project already has a job, ErrQueueFull if the queue is at
// capacity and ErrClosed after Shutdown.
func (o *Orchestrator) Enqueue(ref ProjectRef) (*Job, error) {
	if ref.ID == "" {
		return nil, fmt.Errorf("project id is required")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, ErrClosed
	}
	if _, ok := o.active[ref.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrJobActive, ref.ID)
	}

	job := newJob(o.base, ref)
	select {
	case o.queue <- job:
	default:
		job.cancel()
		return nil, ErrQueueFull
	}
	o.active[ref.ID] = job
	o.log.Info("provisioning enqueued", "project_id", ref.ID, "queued", len(o.queue))
	return job, nil
}

// Provision enqueues a job and waits for its sandbox to be created.
func (o *Orchestrator) Provision(ctx context.Context, ref ProjectRef) (*Job, string, error) {
	job, err := o.Enqueue(ref)
	if err != nil {
		return nil, "", err
	}
	id, err := job.Created(ctx)
	return job, id, err
}

// Active returns the in-flight job for a project, if any.
func (o *Orchestrator) Active(projectID string) (*Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.active[projectID]
	return job, ok
}

// Run drains the queue until ctx is canceled or Shutdown is called. It
// must be called at most once.
func (o *Orchestrator) Run(ctx context.Context) error {
	started := false
	o.runOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("provisioning worker already started")
	}
	defer close(o.runDone)

	o.log.Info("provisioning worker started", "queue_size", cap(o.queue))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-o.queue:
			if !ok {
				return nil
			}
			if o.isClosed() {
				o.release(job, ErrClosed)
				continue
			}
			if o.cfg.CommitDelay > 0 {
				select {
				case <-time.After(o.cfg.CommitDelay):
				case <-ctx.Done():
					o.release(job, ctx.Err())
					return ctx.Err()
				}
			}
			if err := job.ctx.Err(); err != nil {
				// canceled while queued; nothing was written for it
				o.log.Info("skipping canceled job", "project_id", job.Project.ID)
				o.release(job, err)
				continue
			}
			o.create(job)
		}
	}
}

// Shutdown stops accepting jobs, cancels in-flight setups and waits for
// the worker and every continuation to finish or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()

	o.cancelBase()

	done := make(chan struct{})
	go func() {
		o.running.Wait()
		close(done)
	}()

	started := true
	o.runOnce.Do(func() { started = false })
	if started {
		select {
		case <-o.runDone:
		case <-ctx.Done():
			return fmt.Errorf("waiting for provisioning worker: %w", ctx.Err())
		}
	}
	// the worker is gone; release whatever it never took
	for job := range o.queue {
		o.release(job, ErrClosed)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for provisioning jobs: %w", ctx.Err())
	}
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// release finishes a job and forgets it.
func (o *Orchestrator) release(job *Job, err error) {
	// drop it from active first so a waiter can enqueue again at once
	o.mu.Lock()
	if o.active[job.Project.ID] == job {
		delete(o.active, job.Project.ID)
	}
	o.mu.Unlock()
	job.finish(err)
}

// create is the synchronous part of a job: it creates the sandbox and
// hands the rest of setup to a background continuation.
func (o *Orchestrator) create(job *Job) {
	ctx := job.ctx
	log := o.log.With("project_id", job.Project.ID)

	if err := o.transition(job, types.SandboxStatusCreating, "", ""); err != nil {
		o.fail(job, "", fmt.Errorf("failed to record creating status: %w", err))
		return
	}

	createCtx, cancel := context.WithTimeout(ctx, o.cfg.CreateTimeout)
	sandboxID, err := o.client.Create(createCtx, provider.CreateParams{
		Name:            "sandboxd-" + job.Project.ID,
		Image:           o.cfg.Image,
		Labels:          map[string]string{"project": job.Project.ID, "owner": job.Project.OwnerID},
		AutoStopMinutes: o.cfg.AutoStopMinutes,
	})
	cancel()
	if err != nil {
		o.fail(job, "", fmt.Errorf("failed to create sandbox: %w", err))
		return
	}
	log.Info("sandbox created", "sandbox_id", sandboxID)

	if err := o.transition(job, types.SandboxStatusCreated, sandboxID, ""); err != nil {
		o.fail(job, sandboxID, fmt.Errorf("failed to record created status: %w", err))
		return
	}
	job.markCreated(sandboxID, nil)

	o.running.Add(1)
	go func() {
		defer o.running.Done()
		defer func() {
			if r := recover(); r != nil {
				o.fail(job, sandboxID, fmt.Errorf("setup panicked: %v", r))
			}
		}()
		o.setup(job, sandboxID)
	}()
}

// setup walks the setup phases and ends in started or failed.
func (o *Orchestrator) setup(job *Job, sandboxID string) {
	ctx := job.ctx

	sb, err := o.client.Get(ctx, sandboxID)
	if err != nil {
		o.fail(job, sandboxID, err)
		return
	}
	rootDir, err := sb.UserRootDir(ctx)
	if err != nil {
		o.fail(job, sandboxID, err)
		return
	}

	for _, step := range o.cfg.Steps {
		if err := o.transition(job, step.Status, sandboxID, ""); err != nil {
			o.fail(job, sandboxID, err)
			return
		}
		if err := o.runStep(ctx, sb, rootDir, step); err != nil {
			o.fail(job, sandboxID, fmt.Errorf("%s: %w", step.Status, err))
			return
		}
	}

	preview, err := sb.PreviewLink(ctx, o.cfg.AppPort)
	if err != nil {
		// the sandbox works without a preview; report it and carry on
		o.log.Warn("failed to get preview link", "project_id", job.Project.ID, "sandbox_id", sandboxID, "error", err)
	}
	if err := o.transition(job, types.SandboxStatusStarted, sandboxID, preview); err != nil {
		o.fail(job, sandboxID, err)
		return
	}
	o.log.Info("sandbox ready", "project_id", job.Project.ID, "sandbox_id", sandboxID, "preview_url", preview)
	o.release(job, nil)
}

func (o *Orchestrator) runStep(ctx context.Context, sb provider.Sandbox, rootDir string, step Step) error {
	proc := sb.Process()
	if step.Background {
		for _, cmd := range step.Commands {
			if err := o.launch(ctx, proc, expandPort(cmd, o.cfg.AppPort)); err != nil {
				return err
			}
		}
	} else {
		for _, cmd := range step.Commands {
			cmd = expandPort(cmd, o.cfg.AppPort)
			res, err := proc.ExecuteCommand(ctx, cmd, rootDir, nil, o.cfg.StepTimeout)
			if _, err := provider.CheckExec(res, err, cmd); err != nil {
				return err
			}
		}
	}
	if step.WaitForApp {
		return o.waitForApp(ctx, proc)
	}
	return nil
}

// launch starts cmd in a fresh detached session and returns without
// waiting for it.
func (o *Orchestrator) launch(ctx context.Context, proc provider.Process, cmd string) error {
	sessionID := "bg-" + uuid.New().String()[:8]
	if err := proc.CreateSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if _, err := proc.ExecuteSessionCommand(ctx, sessionID, provider.SessionCommand{Command: cmd, RunAsync: true}); err != nil {
		return fmt.Errorf("failed to launch %q: %w", cmd, err)
	}
	return nil
}

// waitForApp polls the application port until it answers or the step
// timeout expires.
func (o *Orchestrator) waitForApp(ctx context.Context, proc provider.Process) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()

	ticker := time.NewTicker(o.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		if o.appServing(ctx, proc) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("application did not start listening on port %d: %w", o.cfg.AppPort, ctx.Err())
		case <-ticker.C:
		}
	}
}

// transition persists a status, then broadcasts it, then hands it to the
// job. Persisting runs on a detached context so a canceled job can still
// record its failure.
func (o *Orchestrator) transition(job *Job, status types.SandboxStatus, sandboxID, preview string) error {
	if !job.last.CanTransitionTo(status) {
		return fmt.Errorf("invalid status transition from %s to %s", job.last, status)
	}
	u := events.StatusUpdate{
		ProjectID:  job.Project.ID,
		OwnerID:    job.Project.OwnerID,
		Status:     status,
		SandboxID:  sandboxID,
		PreviewURL: preview,
		At:         time.Now().UTC(),
	}
	if err := o.record(u, nil); err != nil {
		return err
	}
	job.last = status
	job.push(u)
	return nil
}

// fail ends a job in failed. sandboxID is whatever had been assigned when
// the failure happened and is never cleared.
func (o *Orchestrator) fail(job *Job, sandboxID string, cause error) {
	if job.last.IsTerminal() {
		o.log.Warn("ignoring failure after terminal status", "project_id", job.Project.ID, "status", job.last, "error", cause)
		o.release(job, nil)
		return
	}
	if job.ctx.Err() != nil && !errors.Is(cause, context.DeadlineExceeded) {
		cause = fmt.Errorf("provisioning canceled: %w", cause)
	}
	msg := cause.Error()
	o.log.Error("provisioning failed", "project_id", job.Project.ID, "sandbox_id", sandboxID, "error", cause)

	u := events.StatusUpdate{
		ProjectID: job.Project.ID,
		OwnerID:   job.Project.OwnerID,
		Status:    types.SandboxStatusFailed,
		SandboxID: sandboxID,
		Error:     msg,
		At:        time.Now().UTC(),
	}
	if err := o.record(u, &msg); err != nil {
		o.log.Error("failed to record provisioning failure", "project_id", job.Project.ID, "error", err)
	}
	job.last = types.SandboxStatusFailed
	job.push(u)
	o.release(job, cause)
}

// record writes then publishes one update.
func (o *Orchestrator) record(u events.StatusUpdate, errMsg *string) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	w := storage.StatusWrite{Status: u.Status, Error: errMsg, UpdatedAt: u.At}
	if u.SandboxID != "" {
		w.SandboxID = &u.SandboxID
	}
	if u.PreviewURL != "" {
		w.PreviewURL = &u.PreviewURL
	}
	if err := o.store.WriteStatus(ctx, u.ProjectID, w); err != nil {
		return fmt.Errorf("failed to write status %s: %w", u.Status, err)
	}
	o.log.Info("sandbox status", "project_id", u.ProjectID, "status", u.Status, "sandbox_id", u.SandboxID)
	o.publish(u)
	return nil
}

func (o *Orchestrator) publish(u events.StatusUpdate) {
	if o.pub == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.log.Warn("status publish panicked", "project_id", u.ProjectID, "status", u.Status, "panic", r)
		}
	}()
	o.pub.PublishStatus(u)
}
