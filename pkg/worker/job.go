package worker

import (
	"context"

	"github.com/petrijr/conductor/pkg/api"
)

// Job is one attempt of a task run held by a worker.
type Job struct {
	taskRun api.TaskRun
	ctx     context.Context
	cancel  context.CancelCauseFunc
	done    chan struct{}
}

func newJob(tr api.TaskRun) *Job {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Job{taskRun: tr, ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// TaskRun is the attempt the job runs.
func (j *Job) TaskRun() api.TaskRun { return j.taskRun }

// Kill asks the job to stop; it then reports KILLED. It does not wait.
func (j *Job) Kill() { j.cancel(errKilled) }

// Stop asks the job to stop because the worker shuts down; it then reports
// FAILED. It does not wait.
func (j *Job) Stop() { j.cancel(errStopped) }

// Done is closed once the job reported its final state.
func (j *Job) Done() <-chan struct{} { return j.done }
