package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"callreview-go/internal/logger"
	"callreview-go/internal/types"
)

// RunFunc processes one agent; a non-nil error fails the job.
type RunFunc func(ctx context.Context, agent types.Agent) error

// LocalQueue runs jobs as goroutines on this machine, with the walltime
// enforced through the job context.
type LocalQueue struct {
	run      RunFunc
	walltime time.Duration
	slots    chan struct{}
	log      *logger.Logger

	mu   sync.Mutex
	jobs map[string]*localJob
}

type localJob struct {
	status Status
	cancel context.CancelFunc
}

// NewLocalQueue runs at most parallel jobs at once; the rest wait as queued.
func NewLocalQueue(run RunFunc, walltime time.Duration, parallel int, log *logger.Logger) *LocalQueue {
	if parallel <= 0 {
		parallel = 1
	}
	if log == nil {
		log = logger.Discard()
	}
	return &LocalQueue{
		run:      run,
		walltime: walltime,
		slots:    make(chan struct{}, parallel),
		log:      log.Component("local-queue"),
		jobs:     make(map[string]*localJob),
	}
}

func (q *LocalQueue) Submit(ctx context.Context, unit Unit) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	handle := uuid.NewString()
	jobCtx, cancel := context.WithCancel(context.Background())
	job := &localJob{status: Status{State: types.JobQueued}, cancel: cancel}

	q.mu.Lock()
	q.jobs[handle] = job
	q.mu.Unlock()

	go q.execute(jobCtx, handle, unit)
	q.log.WithField("agent", unit.Agent.Name).WithField("job_id", handle).WithField("attempt", unit.Attempt).Info("job submitted")
	return handle, nil
}

func (q *LocalQueue) execute(ctx context.Context, handle string, unit Unit) {
	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		q.finish(handle, Status{State: types.JobFailed, Reason: "cancelled"})
		return
	}
	defer func() { <-q.slots }()

	if q.walltime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.walltime)
		defer cancel()
	}
	q.set(handle, Status{State: types.JobRunning})

	err := q.safeRun(ctx, unit.Agent)
	switch {
	case err == nil:
		q.finish(handle, Status{State: types.JobSucceeded})
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		q.finish(handle, Status{State: types.JobFailed, Reason: "walltime exceeded"})
	case errors.Is(ctx.Err(), context.Canceled):
		q.finish(handle, Status{State: types.JobFailed, Reason: "cancelled"})
	default:
		q.finish(handle, Status{State: types.JobFailed, Reason: err.Error()})
	}
}

// safeRun turns a panic in the runner into a job failure.
func (q *LocalQueue) safeRun(ctx context.Context, agent types.Agent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage runner crashed: %v", r)
		}
	}()
	return q.run(ctx, agent)
}

func (q *LocalQueue) set(handle string, st Status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.jobs[handle]; ok && !job.status.State.Terminal() {
		job.status = st
	}
}

func (q *LocalQueue) finish(handle string, st Status) {
	q.set(handle, st)
	q.mu.Lock()
	if job, ok := q.jobs[handle]; ok {
		job.cancel()
	}
	q.mu.Unlock()
}

// Poll reports the job status. A terminal status is reported once; the job
// is forgotten afterwards.
func (q *LocalQueue) Poll(ctx context.Context, handle string) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[handle]
	if !ok {
		return Status{}, &ErrUnknownJob{Handle: handle}
	}
	if job.status.State.Terminal() {
		delete(q.jobs, handle)
	}
	return job.status, nil
}

func (q *LocalQueue) Cancel(ctx context.Context, handle string) error {
	q.mu.Lock()
	job, ok := q.jobs[handle]
	q.mu.Unlock()
	if !ok {
		return &ErrUnknownJob{Handle: handle}
	}
	job.cancel()
	return nil
}
