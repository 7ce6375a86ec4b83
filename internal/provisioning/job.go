package provisioning

import (
	"context"
	"sync"

	"github.com/steveyegge/sandboxd/internal/events"
	"github.com/steveyegge/sandboxd/internal/types"
)

// ProjectRef identifies the project a job provisions.
type ProjectRef struct {
	ID      string
	Title   string
	OwnerID string
}

// Job is the handle on one provisioning run. Creation happens on the
// orchestrator's worker; setup continues in a supervised background task
// that the handle can await or cancel.
type Job struct {
	Project ProjectRef

	ctx    context.Context
	cancel context.CancelFunc

	updates chan events.StatusUpdate

	// last is the most recent status written for the job. It is owned by
	// the worker until creation and by the setup goroutine after that.
	last types.SandboxStatus

	created   chan struct{}
	sandboxID string
	createErr error

	done    chan struct{}
	err     error
	finally sync.Once
}

func newJob(parent context.Context, ref ProjectRef) *Job {
	ctx, cancel := context.WithCancel(parent)
	return &Job{
		Project: ref,
		ctx:     ctx,
		cancel:  cancel,
		last:    types.SandboxStatusNone,
		// every status at most once, plus failed
		updates: make(chan events.StatusUpdate, len(types.ProvisioningChain())+1),
		created: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Updates returns the job's status transitions in order. The channel is
// closed when the job finishes.
func (j *Job) Updates() <-chan events.StatusUpdate {
	return j.updates
}

// Created blocks until the sandbox has been created (or creation failed)
// and returns its id.
func (j *Job) Created(ctx context.Context) (string, error) {
	select {
	case <-j.created:
		return j.sandboxID, j.createErr
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Wait blocks until the job finishes and returns why it failed, if it did.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the job finishes.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Cancel aborts the job. A canceled job ends in failed.
func (j *Job) Cancel() {
	j.cancel()
}

func (j *Job) markCreated(sandboxID string, err error) {
	select {
	case <-j.created:
		return
	default:
	}
	j.sandboxID = sandboxID
	j.createErr = err
	close(j.created)
}

func (j *Job) push(u events.StatusUpdate) {
	select {
	case j.updates <- u:
	default:
	}
}

// finish records the outcome and releases everything waiting on the job.
func (j *Job) finish(err error) {
	j.finally.Do(func() {
		if err != nil {
			j.markCreated("", err)
		}
		j.err = err
		j.cancel()
		close(j.updates)
		close(j.done)
	})
}
