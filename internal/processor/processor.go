// Package processor runs one agent's outstanding calls through
// transcription, scoring and routing. A failing call is recorded and
// skipped; only systemic problems stop the run.
package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"callreview-go/internal/logger"
	"callreview-go/internal/registry"
	"callreview-go/internal/router"
	"callreview-go/internal/scoring"
	"callreview-go/internal/transcription"
	"callreview-go/internal/types"
	"callreview-go/internal/vtt"
)

// Transcriber produces the speaker-labelled transcript and its .vtt path.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (types.Transcript, string, error)
}

// Committer files a scored call.
type Committer interface {
	Commit(req router.Request) (types.Destination, error)
}

// Settings tune one runner.
type Settings struct {
	Threshold   int
	Workers     int
	CallRetries int
	CallTimeout time.Duration
	// RetryInterval is the first backoff delay between attempts of a stage.
	RetryInterval time.Duration
}

type StageRunner struct {
	transcriber Transcriber
	scorer      scoring.Scorer
	router      Committer
	settings    Settings
	log         *logger.Logger
}

func New(t Transcriber, s scoring.Scorer, r Committer, settings Settings, log *logger.Logger) *StageRunner {
	if log == nil {
		log = logger.Discard()
	}
	if settings.Workers <= 0 {
		settings.Workers = 1
	}
	if settings.RetryInterval <= 0 {
		settings.RetryInterval = 2 * time.Second
	}
	return &StageRunner{
		transcriber: t,
		scorer:      s,
		router:      r,
		settings:    settings,
		log:         log.Component("stage-runner"),
	}
}

// FatalError stops the whole agent run.
type FatalError struct {
	CallID string
	Err    error
}

func (e *FatalError) Error() string {
	if e.CallID == "" {
		return "stage runner: " + e.Err.Error()
	}
	return fmt.Sprintf("stage runner: call %s: %v", e.CallID, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Run processes every outstanding call of agent. The returned summary always
// reflects the calls that finished, also when err is non-nil.
func (s *StageRunner) Run(ctx context.Context, agent types.Agent) (types.PipelineSummary, error) {
	log := s.log.WithField("agent", agent.Name)
	summary := types.PipelineSummary{Agent: agent.Name, StartedAt: time.Now().UTC()}

	finish := func(err error) (types.PipelineSummary, error) {
		summary.FinishedAt = time.Now().UTC()
		if err != nil {
			summary.FatalError = err.Error()
		}
		if werr := WriteSummary(agent.Dir, summary); werr != nil {
			log.WithError(werr).Error("summary not written")
			if err == nil {
				err = werr
			}
		}
		return summary, err
	}

	if n, err := router.SweepStaging(agent.Dir); err != nil {
		return finish(&FatalError{Err: err})
	} else if n > 0 {
		log.WithField("removed", n).Warn("removed interrupted commits")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan types.CallRecording)
	results := make(chan callResult)

	var wg sync.WaitGroup
	for i := 0; i < s.settings.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range work {
				out, fatal := s.safeProcessCall(runCtx, rec)
				results <- callResult{outcome: out, fatal: fatal}
			}
		}()
	}

	go func() {
		defer close(work)
		for rec, err := range registry.Recordings(agent) {
			if err != nil {
				results <- callResult{fatal: &FatalError{Err: err}}
				return
			}
			if rec.State == types.CallFiled {
				s.releaseSource(agent, rec)
				results <- callResult{skipped: true}
				continue
			}
			select {
			case work <- rec:
			case <-runCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var fatal error
	for res := range results {
		if res.skipped {
			summary.Skipped++
			continue
		}
		if res.fatal != nil {
			if fatal == nil {
				fatal = res.fatal
				log.WithError(res.fatal).Error("stopping run")
				cancel()
			}
			continue
		}
		summary.Add(res.outcome)
	}
	if fatal == nil && ctx.Err() != nil {
		fatal = &FatalError{Err: ctx.Err()}
	}

	log.WithField("filed", summary.Filed).
		WithField("failed", summary.Failed).
		WithField("skipped", summary.Skipped).
		Info("agent run finished")
	return finish(fatal)
}

type callResult struct {
	outcome types.CallOutcome
	fatal   error
	skipped bool
}

// releaseSource drops the leftover recording of an already filed call.
func (s *StageRunner) releaseSource(agent types.Agent, rec types.CallRecording) {
	log := s.log.WithField("agent", agent.Name).WithField("call_id", rec.ID)
	removed, err := router.ReleaseSource(agent.Dir, rec.ID, rec.AudioPath)
	if err != nil {
		log.WithError(err).Warn("leftover recording not removed")
		return
	}
	if removed {
		log.Info("removed leftover recording of filed call")
	}
}

// safeProcessCall turns a panic in an adapter into a job-fatal error so the
// worker goroutine never takes the process down.
func (s *StageRunner) safeProcessCall(ctx context.Context, rec types.CallRecording) (out types.CallOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = types.CallOutcome{CallID: rec.ID, State: types.CallFailed}
			err = &FatalError{CallID: rec.ID, Err: fmt.Errorf("crashed: %v", r)}
		}
	}()
	return s.processCall(ctx, rec)
}

// processCall drives one call through every stage. A non-nil error means
// the run must stop; everything else is reported through the outcome.
func (s *StageRunner) processCall(ctx context.Context, rec types.CallRecording) (types.CallOutcome, error) {
	start := time.Now()
	out := types.CallOutcome{CallID: rec.ID, State: types.CallUnprocessed}
	log := s.log.WithField("agent", rec.AgentName).WithField("call_id", rec.ID)
	agentDir := filepath.Dir(rec.AudioPath)
	if err := ctx.Err(); err != nil {
		return out, &FatalError{CallID: rec.ID, Err: err}
	}

	fail := func(stage types.Stage, err error) (types.CallOutcome, error) {
		if ctx.Err() != nil {
			return out, &FatalError{CallID: rec.ID, Err: ctx.Err()}
		}
		out.State = types.CallFailed
		out.Stage = stage
		out.ErrorKind, out.RawPayload = classify(err)
		out.Error = err.Error()
		out.DurationMs = time.Since(start).Milliseconds()
		log.WithError(err).WithField("stage", stage).WithField("error_kind", out.ErrorKind).Warn("call failed")
		if werr := WriteFailure(agentDir, out); werr != nil {
			log.WithError(werr).Error("failure record not written")
		}
		return out, nil
	}

	// 1) Transcription, resumed from an earlier pass when its artifact exists
	tr, vttPath, ok := resumeTranscript(rec)
	if ok {
		log.Info("reusing transcript from earlier pass")
	} else {
		err := s.retry(ctx, &out, func(attemptCtx context.Context) error {
			var err error
			tr, vttPath, err = s.transcriber.Transcribe(attemptCtx, rec.AudioPath)
			return err
		})
		if err != nil {
			return fail(types.StageTranscribe, err)
		}
	}
	out.State = types.CallTranscribed

	// 2) Scoring
	var analysis types.AnalysisResult
	err := s.retry(ctx, &out, func(attemptCtx context.Context) error {
		var err error
		analysis, err = s.scorer.Score(attemptCtx, tr)
		return err
	})
	if err != nil {
		return fail(types.StageScore, err)
	}
	out.State = types.CallScored
	score := analysis.Score
	out.Score = &score

	// 3) Commit
	if err := ctx.Err(); err != nil {
		return out, &FatalError{CallID: rec.ID, Err: err}
	}
	dest, err := s.router.Commit(router.Request{
		CallID:         rec.ID,
		AudioPath:      rec.AudioPath,
		TranscriptPath: vttPath,
		Analysis:       analysis,
		Preview:        scoring.Preview(tr),
		Threshold:      s.settings.Threshold,
	})
	if err != nil {
		var rErr *router.Error
		if errors.As(err, &rErr) && rErr.Kind == router.PermissionDenied {
			return out, &FatalError{CallID: rec.ID, Err: err}
		}
		return fail(types.StageCommit, err)
	}

	out.State = types.CallFiled
	out.Destination = dest
	out.DurationMs = time.Since(start).Milliseconds()
	ClearFailure(agentDir, rec.ID)
	return out, nil
}

// retry runs op with a per-attempt timeout and retries transient failures.
// out.Attempts counts the attempts of the latest stage.
func (s *StageRunner) retry(ctx context.Context, out *types.CallOutcome, op func(context.Context) error) error {
	out.Attempts = 0
	attempt := func() error {
		out.Attempts++
		attemptCtx := ctx
		if s.settings.CallTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, s.settings.CallTimeout)
			defer cancel()
		}
		err := op(attemptCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.settings.RetryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(s.settings.CallRetries, 0))), ctx)

	notify := func(err error, next time.Duration) {
		s.log.WithError(err).WithField("retry_in", next.String()).Info("retrying transient failure")
	}
	return backoff.RetryNotify(attempt, policy, notify)
}

func transient(err error) bool {
	var sErr *scoring.Error
	if errors.As(err, &sErr) {
		return sErr.Transient()
	}
	var tErr *transcription.Error
	if errors.As(err, &tErr) {
		return tErr.Kind == transcription.Timeout
	}
	return false
}

// classify maps an adapter error to its recorded kind and raw payload.
func classify(err error) (string, string) {
	var sErr *scoring.Error
	if errors.As(err, &sErr) {
		return string(sErr.Kind), sErr.Raw
	}
	var tErr *transcription.Error
	if errors.As(err, &tErr) {
		return string(tErr.Kind), ""
	}
	var rErr *router.Error
	if errors.As(err, &rErr) {
		return string(rErr.Kind), ""
	}
	return "unknown", ""
}

func resumeTranscript(rec types.CallRecording) (types.Transcript, string, bool) {
	path := filepath.Join(filepath.Dir(rec.AudioPath), rec.ID+".vtt")
	f, err := os.Open(path)
	if err != nil {
		return types.Transcript{}, "", false
	}
	defer f.Close()
	tr, err := vtt.Decode(f)
	if err != nil || len(tr.Segments) == 0 {
		return types.Transcript{}, "", false
	}
	tr.CallID = rec.ID
	return tr, path, true
}
