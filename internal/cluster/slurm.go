package cluster

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"callreview-go/internal/logger"
	"callreview-go/internal/shell"
	"callreview-go/internal/types"
)

// LogDir is where job scripts and scheduler output land under the base dir.
const LogDir = "logs"

// SlurmSettings are the sbatch parameters shared by every job of a run.
type SlurmSettings struct {
	BaseDir       string
	Account       string
	MailUser      string
	RunnerCommand string
	Setup         []string
	Walltime      time.Duration
	Plan          ResourcePlan
	// Env is exported to sbatch; --export=ALL hands it to the job.
	Env []string
}

// SlurmQueue submits stage-runner jobs with sbatch and tracks them with
// squeue and sacct.
type SlurmQueue struct {
	settings SlurmSettings
	runner   shell.Runner
	log      *logger.Logger
}

func NewSlurmQueue(settings SlurmSettings, runner shell.Runner, log *logger.Logger) *SlurmQueue {
	if runner == nil {
		runner = shell.Exec{}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &SlurmQueue{settings: settings, runner: runner, log: log.Component("slurm")}
}

var scriptTemplate = template.Must(template.New("sbatch").Funcs(template.FuncMap{
	"quote": shellQuote,
}).Parse(`#!/bin/bash
#SBATCH --job-name={{.JobName}}
#SBATCH --mail-type=END,FAIL
{{- if .MailUser}}
#SBATCH --mail-user={{.MailUser}}
{{- end}}
#SBATCH --account={{.Account}}
#SBATCH --partition={{.Plan.Partition}}
#SBATCH --nodes=1
#SBATCH --ntasks-per-node=1
#SBATCH --gpus={{.Plan.GPUs}}
#SBATCH --mem={{.Plan.MemoryGB}}G
#SBATCH --time={{.Walltime}}
#SBATCH --export=ALL
#SBATCH --output={{.LogDir}}/{{.JobName}}_%j.out
#SBATCH --error={{.LogDir}}/{{.JobName}}_%j.err

set -euo pipefail
{{range .Setup}}{{.}}
{{end}}
mkdir -p /tmp/$USER/.cache
export XDG_CACHE_HOME=/tmp/$USER/.cache
export CALLREVIEW_ATTEMPT={{.Attempt}}

cd {{quote .BaseDir}}
{{.RunnerCommand}} {{quote .AgentDir}}
`))

type scriptData struct {
	SlurmSettings
	JobName  string
	LogDir   string
	AgentDir string
	Attempt  int
	Walltime string
}

// Script renders the sbatch script for one unit.
func (q *SlurmQueue) Script(unit Unit) (string, error) {
	data := scriptData{
		SlurmSettings: q.settings,
		JobName:       jobName(unit.Agent),
		LogDir:        filepath.Join(q.settings.BaseDir, LogDir),
		AgentDir:      unit.Agent.Dir,
		Attempt:       unit.Attempt,
		Walltime:      formatWalltime(q.settings.Walltime),
	}
	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render sbatch script: %w", err)
	}
	return buf.String(), nil
}

// Submit writes the job script under logs/ and hands it to sbatch.
func (q *SlurmQueue) Submit(ctx context.Context, unit Unit) (string, error) {
	script, err := q.Script(unit)
	if err != nil {
		return "", err
	}
	logDir := filepath.Join(q.settings.BaseDir, LogDir)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(logDir, jobName(unit.Agent)+".slurm")
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		return "", fmt.Errorf("write sbatch script: %w", err)
	}

	res, err := q.runner.Run(ctx, q.settings.Env, "sbatch", "--parsable", path)
	if err != nil {
		return "", fmt.Errorf("sbatch %s: %s", unit.Agent.Name, shell.LastLine(res.Stderr+"\n"+err.Error()))
	}
	// --parsable prints "<jobid>" or "<jobid>;<cluster>"
	id := strings.TrimSpace(strings.SplitN(strings.TrimSpace(res.Stdout), ";", 2)[0])
	if id == "" {
		return "", fmt.Errorf("sbatch %s: empty job id", unit.Agent.Name)
	}
	q.log.WithField("agent", unit.Agent.Name).WithField("job_id", id).WithField("attempt", unit.Attempt).Info("job submitted")
	return id, nil
}

// Poll asks squeue first and falls back to sacct once the job left the queue.
func (q *SlurmQueue) Poll(ctx context.Context, handle string) (Status, error) {
	res, err := q.runner.Run(ctx, nil, "squeue", "--noheader", "-j", handle, "-o", "%T")
	if err == nil {
		if state := firstField(res.Stdout); state != "" {
			return mapSlurmState(state), nil
		}
	}

	res, err = q.runner.Run(ctx, nil, "sacct", "--noheader", "-X", "-P", "-j", handle, "-o", "State")
	if err != nil {
		return Status{}, fmt.Errorf("sacct %s: %s", handle, shell.LastLine(res.Stderr+"\n"+err.Error()))
	}
	if state := firstField(res.Stdout); state != "" {
		return mapSlurmState(state), nil
	}
	// without accounting data the job summary decides the outcome
	return Status{State: types.JobSucceeded, Reason: "left queue"}, nil
}

func (q *SlurmQueue) Cancel(ctx context.Context, handle string) error {
	res, err := q.runner.Run(ctx, nil, "scancel", handle)
	if err != nil {
		return fmt.Errorf("scancel %s: %s", handle, shell.LastLine(res.Stderr+"\n"+err.Error()))
	}
	q.log.WithField("job_id", handle).Info("job cancelled")
	return nil
}

// mapSlurmState folds Slurm job states into the four job statuses.
func mapSlurmState(raw string) Status {
	state := strings.ToUpper(strings.TrimSpace(raw))
	// sacct reports e.g. "CANCELLED by 1234"
	if i := strings.IndexByte(state, ' '); i > 0 {
		state = state[:i]
	}
	state = strings.TrimSuffix(state, "+")

	switch state {
	case "PENDING", "CONFIGURING", "REQUEUED", "REQUEUE_HOLD", "REQUEUE_FED", "RESV_DEL_HOLD", "SUSPENDED":
		return Status{State: types.JobQueued}
	case "RUNNING", "COMPLETING", "STAGE_OUT", "SIGNALING", "RESIZING":
		return Status{State: types.JobRunning}
	case "COMPLETED":
		return Status{State: types.JobSucceeded}
	case "TIMEOUT", "DEADLINE":
		return Status{State: types.JobFailed, Reason: "walltime exceeded"}
	default:
		return Status{State: types.JobFailed, Reason: strings.ToLower(state)}
	}
}

func firstField(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

func jobName(agent types.Agent) string {
	return agent.Name + "_stagerunner"
}

// formatWalltime renders a duration as Slurm's [D-]HH:MM:SS.
func formatWalltime(d time.Duration) string {
	if d <= 0 {
		d = 2 * time.Hour
	}
	total := int(d.Round(time.Second) / time.Second)
	days := total / 86400
	h := (total % 86400) / 3600
	m := (total % 3600) / 60
	s := total % 60
	if days > 0 {
		return fmt.Sprintf("%d-%02d:%02d:%02d", days, h, m, s)
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
