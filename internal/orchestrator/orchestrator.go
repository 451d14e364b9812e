// Package orchestrator submits one stage-runner job per agent with
// outstanding calls, tracks each job to a terminal state and retries failed
// jobs within a bounded budget.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"callreview-go/internal/aggregator"
	"callreview-go/internal/cluster"
	"callreview-go/internal/logger"
	"callreview-go/internal/processor"
	"callreview-go/internal/registry"
	"callreview-go/internal/types"
)

const (
	// maxPollErrors consecutive poll failures fail the job.
	maxPollErrors = 3
	// summarySkew tolerates clock drift between the submit host and the node.
	summarySkew   = time.Minute
	cancelTimeout = 30 * time.Second
)

// JobQueue hides the batch scheduler from the retry logic.
type JobQueue interface {
	Submit(ctx context.Context, unit cluster.Unit) (string, error)
	Poll(ctx context.Context, handle string) (cluster.Status, error)
	Cancel(ctx context.Context, handle string) error
}

type Settings struct {
	RunID         string
	Threshold     int
	MaxRetries    int
	MaxConcurrent int
	PollInterval  time.Duration
}

// JobExecutionError describes a scheduler-level job failure.
type JobExecutionError struct {
	Agent   string
	JobID   string
	Attempt int
	Reason  string
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %s for agent %s failed on attempt %d: %s", e.JobID, e.Agent, e.Attempt, e.Reason)
}

type Orchestrator struct {
	baseDir  string
	queue    JobQueue
	settings Settings
	log      *logger.Logger
}

func New(baseDir string, queue JobQueue, settings Settings, log *logger.Logger) *Orchestrator {
	if settings.MaxConcurrent <= 0 {
		settings.MaxConcurrent = 1
	}
	if settings.MaxRetries < 0 {
		settings.MaxRetries = 0
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = time.Minute
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Orchestrator{
		baseDir:  baseDir,
		queue:    queue,
		settings: settings,
		log:      log.Component("orchestrator"),
	}
}

type tracked struct {
	job         types.Job
	attempt     int
	submittedAt time.Time
	pollErrors  int
	// held jobs wait for the next tick before being resubmitted
	held bool
}

type run struct {
	o       *Orchestrator
	waiting []*tracked
	active  map[string]*tracked
	results map[string]aggregator.AgentResult
}

// Run drives every agent with outstanding work to a terminal job state.
// Exhausted agents are reported, not returned as an error; the error is
// reserved for discovery failures and cancellation.
func (o *Orchestrator) Run(ctx context.Context) (aggregator.Report, error) {
	started := time.Now().UTC()
	r := &run{
		o:       o,
		active:  make(map[string]*tracked),
		results: make(map[string]aggregator.AgentResult),
	}

	report := func(err error) (aggregator.Report, error) {
		results := make([]aggregator.AgentResult, 0, len(r.results))
		for _, res := range r.results {
			results = append(results, res)
		}
		rep := aggregator.Aggregate(results)
		rep.RunID = o.settings.RunID
		rep.BaseDir = o.baseDir
		rep.Threshold = o.settings.Threshold
		rep.StartedAt = started
		rep.FinishedAt = time.Now().UTC()
		return rep, err
	}

	agents, err := registry.DiscoverAgents(o.baseDir)
	if err != nil {
		return report(fmt.Errorf("discover agents: %w", err))
	}
	for _, a := range agents {
		outstanding, err := registry.HasOutstanding(a)
		if err != nil {
			// an unreadable folder still gets a job; it fails and keeps the run from passing
			o.log.WithField("agent", a.Name).WithError(err).Warn("agent folder not readable")
		} else if !outstanding {
			r.results[a.Name] = aggregator.AgentResult{Agent: a.Name, Status: types.JobSucceeded, Reason: "nothing outstanding"}
			continue
		}
		r.waiting = append(r.waiting, &tracked{job: types.Job{Agent: a, Status: types.JobQueued}, attempt: 1})
	}
	o.log.WithField("agents", len(agents)).WithField("pending", len(r.waiting)).Info("agents discovered")

	ticker := time.NewTicker(o.settings.PollInterval)
	defer ticker.Stop()

	for {
		r.fill(ctx)
		if len(r.active) == 0 && len(r.waiting) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			r.abort(ctx)
			return report(ctx.Err())
		case <-ticker.C:
			r.release()
			r.pollAll(ctx)
		}
	}
	return report(nil)
}

// fill submits waiting jobs until the concurrency ceiling is reached.
// A job whose submission failed is held until the next tick.
func (r *run) fill(ctx context.Context) {
	var rest []*tracked
	for i, tr := range r.waiting {
		if ctx.Err() != nil || len(r.active) >= r.o.settings.MaxConcurrent {
			rest = append(rest, r.waiting[i:]...)
			break
		}
		if tr.held {
			rest = append(rest, tr)
			continue
		}

		tr.submittedAt = time.Now()
		tr.pollErrors = 0
		handle, err := r.o.queue.Submit(ctx, cluster.Unit{Agent: tr.job.Agent, Attempt: tr.attempt})
		if err != nil {
			tr.job.Handle = ""
			if r.fail(tr, "submit: "+err.Error()) {
				tr.held = true
				rest = append(rest, tr)
			}
			continue
		}
		tr.job.Handle = handle
		r.active[handle] = tr
		r.jobLog(tr).Info("job submitted")
	}
	r.waiting = rest
}

// release makes held jobs eligible for submission again.
func (r *run) release() {
	for _, tr := range r.waiting {
		tr.held = false
	}
}

func (r *run) pollAll(ctx context.Context) {
	for handle, tr := range r.active {
		st, err := r.o.queue.Poll(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var unknown *cluster.ErrUnknownJob
			tr.pollErrors++
			if errors.As(err, &unknown) || tr.pollErrors >= maxPollErrors {
				delete(r.active, handle)
				r.requeue(tr, "poll: "+err.Error())
				continue
			}
			r.jobLog(tr).WithError(err).Warn("poll failed")
			continue
		}
		tr.pollErrors = 0
		r.observe(handle, tr, st)
	}
}

// observe applies a scheduler status to the tracked job.
func (r *run) observe(handle string, tr *tracked, st cluster.Status) {
	if st.State == tr.job.Status {
		return
	}
	switch st.State {
	case types.JobQueued:
		return
	case types.JobRunning:
		r.transition(tr, types.JobRunning)
		return
	}

	// the job may have started and finished between two polls
	if tr.job.Status == types.JobQueued {
		r.transition(tr, types.JobRunning)
	}
	delete(r.active, handle)

	if st.State == types.JobFailed {
		r.requeue(tr, st.Reason)
		return
	}
	summary, err := r.verify(tr)
	if err != nil {
		r.requeue(tr, err.Error())
		return
	}
	r.transition(tr, types.JobSucceeded)
	r.results[tr.job.Agent.Name] = aggregator.AgentResult{
		Agent:    tr.job.Agent.Name,
		Status:   types.JobSucceeded,
		JobID:    handle,
		Attempts: tr.attempt,
		Summary:  &summary,
	}
	r.jobLog(tr).WithField("filed", summary.Filed).WithField("failed", summary.Failed).Info("job succeeded")
}

// verify checks that a job the scheduler reports as done left a fresh,
// non-fatal summary behind.
func (r *run) verify(tr *tracked) (types.PipelineSummary, error) {
	summary, err := processor.ReadSummary(tr.job.Agent.Dir)
	if err != nil {
		return summary, fmt.Errorf("no stage runner summary: %w", err)
	}
	if summary.FinishedAt.Before(tr.submittedAt.Add(-summarySkew)) {
		return summary, fmt.Errorf("stage runner summary predates submission")
	}
	if summary.FatalError != "" {
		return summary, fmt.Errorf("stage runner stopped: %s", summary.FatalError)
	}
	return summary, nil
}

// fail records a failed attempt and reports whether the job may be
// resubmitted. Callers requeue it; exhausted jobs are recorded as results.
func (r *run) fail(tr *tracked, reason string) bool {
	if tr.job.Status == types.JobRunning || tr.job.Status == types.JobQueued {
		r.transition(tr, types.JobFailed)
	}
	tr.job.Reason = reason
	jerr := &JobExecutionError{Agent: tr.job.Agent.Name, JobID: tr.job.Handle, Attempt: tr.attempt, Reason: reason}

	state, next, err := RetryFromFailed(tr.attempt, r.o.settings.MaxRetries+1)
	if err != nil {
		r.jobLog(tr).WithError(jerr).Error("job failed, retries exhausted")
		r.results[tr.job.Agent.Name] = aggregator.AgentResult{
			Agent:     tr.job.Agent.Name,
			Status:    types.JobFailed,
			JobID:     tr.job.Handle,
			Attempts:  tr.attempt,
			Reason:    reason,
			Exhausted: true,
		}
		return false
	}
	r.jobLog(tr).WithError(jerr).Warn("job failed, resubmitting")
	tr.job.Status = state
	tr.job.Retries++
	tr.attempt = next
	return true
}

func (r *run) requeue(tr *tracked, reason string) {
	if r.fail(tr, reason) {
		r.waiting = append(r.waiting, tr)
	}
}

// abort cancels every active job and reports all unfinished agents as failed.
func (r *run) abort(ctx context.Context) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	for handle, tr := range r.active {
		if err := r.o.queue.Cancel(cctx, handle); err != nil {
			r.jobLog(tr).WithError(err).Error("cancel failed")
		}
		r.results[tr.job.Agent.Name] = aggregator.AgentResult{
			Agent:    tr.job.Agent.Name,
			Status:   types.JobFailed,
			JobID:    handle,
			Attempts: tr.attempt,
			Reason:   "cancelled",
		}
	}
	for _, tr := range r.waiting {
		r.results[tr.job.Agent.Name] = aggregator.AgentResult{
			Agent:    tr.job.Agent.Name,
			Status:   types.JobFailed,
			Attempts: tr.attempt - 1,
			Reason:   "not submitted before cancellation",
		}
	}
	r.active = map[string]*tracked{}
	r.waiting = nil
}

func (r *run) transition(tr *tracked, to types.JobStatus) {
	if err := ValidateTransition(tr.job.Status, to); err != nil {
		r.jobLog(tr).WithError(err).Warn("unexpected job transition")
	}
	tr.job.Status = to
}

func (r *run) jobLog(tr *tracked) *logger.Logger {
	return &logger.Logger{Entry: r.o.log.WithField("agent", tr.job.Agent.Name).
		WithField("job_id", tr.job.Handle).
		WithField("attempt", tr.attempt)}
}
