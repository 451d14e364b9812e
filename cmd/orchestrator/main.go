// Command orchestrator reviews every agent folder under a base directory by
// running one stage-runner job per agent with outstanding calls.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"callreview-go/internal/actionable"
	"callreview-go/internal/aggregator"
	"callreview-go/internal/cluster"
	"callreview-go/internal/config"
	"callreview-go/internal/dataset"
	"callreview-go/internal/logger"
	"callreview-go/internal/orchestrator"
	"callreview-go/internal/processor"
	"callreview-go/internal/registry"
	"callreview-go/internal/shell"
	"callreview-go/internal/types"
)

const (
	exitOK         = 0
	exitIncomplete = 1
	exitConfig     = 2

	reportJSON = "run_report.json"
	readyWait  = 2 * time.Minute
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}

	fs := flag.NewFlagSet("orchestrator", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: orchestrator [flags] <base-dir>")
		fs.PrintDefaults()
	}
	token := fs.String("hf-token", cfg.Credential, "speaker diarization credential (required)")
	threshold := fs.Int("threshold", cfg.Threshold, "score at or above which a call is filed as reviewed")
	executor := fs.String("executor", cfg.Executor, "job executor: slurm or local")
	device := fs.String("device", cfg.Device, "accelerator device index for the transcription engine")
	scoringURL := fs.String("scoring-url", cfg.Scoring.URL, "scoring service endpoint")
	maxRetries := fs.Int("max-retries", cfg.Jobs.MaxRetries, "resubmissions of a failed job")
	maxConcurrent := fs.Int("max-concurrent", cfg.Jobs.MaxConcurrent, "jobs in flight at once")
	pollInterval := fs.Duration("poll-interval", cfg.Jobs.PollInterval, "job status poll interval")
	walltime := fs.Duration("walltime", cfg.Jobs.Walltime, "walltime of one job")
	workers := fs.Int("workers", cfg.Runner.Workers, "calls processed concurrently inside a job")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitConfig
	}

	cfg.Credential = *token
	cfg.Threshold = *threshold
	cfg.Executor = *executor
	cfg.Device = *device
	cfg.Scoring.URL = *scoringURL
	cfg.Jobs.MaxRetries = *maxRetries
	cfg.Jobs.MaxConcurrent = *maxConcurrent
	cfg.Jobs.PollInterval = *pollInterval
	cfg.Jobs.Walltime = *walltime
	cfg.Runner.Workers = *workers
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}

	baseDir, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}
	if info, err := os.Stat(baseDir); err != nil || !info.IsDir() {
		fmt.Fprintln(stderr, &config.Error{Field: "base-dir", Reason: fmt.Sprintf("%s is not a directory", baseDir)})
		return exitConfig
	}

	runID := uuid.NewString()
	log := logger.New().WithRun(runID)
	log.WithField("base_dir", baseDir).WithField("executor", cfg.Executor).WithField("threshold", cfg.Threshold).Info("run started")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue, err := buildQueue(ctx, cfg, baseDir, log)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}

	o := orchestrator.New(baseDir, queue, orchestrator.Settings{
		RunID:         runID,
		Threshold:     cfg.Threshold,
		MaxRetries:    cfg.Jobs.MaxRetries,
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		PollInterval:  cfg.Jobs.PollInterval,
	}, log)
	report, runErr := o.Run(ctx)
	if runErr != nil {
		log.WithError(runErr).Error("run interrupted")
	}

	cards := actionable.Generate(report)
	logDir := filepath.Join(baseDir, cluster.LogDir)
	if err := aggregator.WriteJSON(filepath.Join(logDir, reportJSON), report); err != nil {
		log.WithError(err).Error("report json not written")
	}
	if err := dataset.WriteWorkbook(filepath.Join(logDir, dataset.ReportFile), report, cards); err != nil {
		log.WithError(err).Error("report workbook not written")
	}
	printReport(stdout, report, cards)

	if runErr != nil || !report.Succeeded() {
		return exitIncomplete
	}
	return exitOK
}

func buildQueue(ctx context.Context, cfg config.Config, baseDir string, log *logger.Logger) (orchestrator.JobQueue, error) {
	if cfg.Executor == "local" {
		runner, scorer, err := processor.FromConfig(cfg, log)
		if err != nil {
			return nil, err
		}
		var ready sync.Once
		run := func(ctx context.Context, agent types.Agent) error {
			ready.Do(func() {
				if err := scorer.WaitReady(ctx, readyWait); err != nil {
					log.WithError(err).Warn("scoring service not ready, calls will retry")
				}
			})
			_, err := runner.Run(ctx, agent)
			return err
		}
		return cluster.NewLocalQueue(run, cfg.Jobs.Walltime, cfg.Jobs.MaxConcurrent, log), nil
	}

	jobs := 0
	agents, err := registry.DiscoverAgents(baseDir)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if ok, err := registry.HasOutstanding(a); ok || err != nil {
			jobs++
		}
	}
	runner := shell.Exec{}
	return cluster.NewSlurmQueue(cluster.SlurmSettings{
		BaseDir:       baseDir,
		Account:       cfg.Slurm.Account,
		MailUser:      cfg.Slurm.MailUser,
		RunnerCommand: cfg.Slurm.RunnerCommand,
		Setup:         cfg.Slurm.Setup,
		Walltime:      cfg.Jobs.Walltime,
		Plan:          cluster.PlanResources(ctx, runner, cfg.Slurm.Partition, jobs, log),
		Env:           cfg.Environ(),
	}, runner, log), nil
}

func printReport(w io.Writer, r aggregator.Report, cards []actionable.ActionCard) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tSTATUS\tATTEMPTS\tFILED\tFAILED\tREVIEWED\tNEEDS ATTENTION\tREASON")
	for _, a := range r.Agents {
		var filed, failed, reviewed, attention int
		if s := a.Summary; s != nil {
			filed, failed, reviewed, attention = s.Filed, s.Failed, s.Reviewed, s.NeedsAttention
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			a.Agent, a.Status, a.Attempts, filed, failed, reviewed, attention, a.Reason)
	}
	t := r.Totals
	fmt.Fprintf(tw, "TOTAL\t%d/%d\t\t%d\t%d\t%d\t%d\t\n", t.Succeeded, t.Agents, t.Filed, t.Failed, t.Reviewed, t.NeedsAttention)
	_ = tw.Flush()

	if len(cards) > 0 {
		fmt.Fprintf(w, "\n%d item(s) need attention:\n", len(cards))
		for _, c := range cards {
			fmt.Fprintf(w, "- %s: %s -> %s\n", c.Agent, c.Insight, c.Action)
		}
	}
}
