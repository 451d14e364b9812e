// Command stagerunner processes every outstanding call of one agent folder.
// It is the unit of work of one cluster job.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"callreview-go/internal/config"
	"callreview-go/internal/logger"
	"callreview-go/internal/processor"
	"callreview-go/internal/registry"
	"callreview-go/internal/types"
)

const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2

	readyWait = 2 * time.Minute
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}

	fs := flag.NewFlagSet("stagerunner", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: stagerunner [flags] <agent-dir>")
		fs.PrintDefaults()
	}
	threshold := fs.Int("threshold", cfg.Threshold, "score at or above which a call is filed as reviewed")
	workers := fs.Int("workers", cfg.Runner.Workers, "calls processed concurrently")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitConfig
	}
	cfg.Threshold = *threshold
	cfg.Runner.Workers = *workers
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}

	dir, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		fmt.Fprintf(stderr, "agent directory %s not found\n", dir)
		return exitConfig
	}
	agent := types.Agent{Name: filepath.Base(dir), Dir: dir}

	log := logger.New().WithRun(os.Getenv("SLURM_JOB_ID"))
	log = &logger.Logger{Entry: log.WithField("agent", agent.Name).WithField("attempt", os.Getenv("CALLREVIEW_ATTEMPT"))}

	runner, scorer, err := processor.FromConfig(cfg, log)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if ok, _ := registry.HasOutstanding(agent); ok {
		if err := scorer.WaitReady(ctx, readyWait); err != nil {
			log.WithError(err).Warn("scoring service not ready, calls will retry")
		}
	}

	summary, err := runner.Run(ctx, agent)
	fmt.Fprintf(stderr, "%s: filed=%d failed=%d skipped=%d reviewed=%d needs_further_attention=%d\n",
		agent.Name, summary.Filed, summary.Failed, summary.Skipped, summary.Reviewed, summary.NeedsAttention)
	if err != nil {
		log.WithError(err).Error("stage runner stopped")
		return exitFatal
	}
	return exitOK
}
