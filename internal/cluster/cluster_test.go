package cluster

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"callreview-go/internal/shell"
	"callreview-go/internal/types"
)

type call struct {
	env  []string
	name string
	args []string
}

// fakeRunner answers by command name and records every invocation.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []call
	replies map[string]shell.Result
	errs    map[string]error
}

func (f *fakeRunner) Run(ctx context.Context, env []string, name string, args ...string) (shell.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{env: env, name: name, args: args})
	return f.replies[name], f.errs[name]
}

func (f *fakeRunner) last(name string) (call, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].name == name {
			return f.calls[i], true
		}
	}
	return call{}, false
}

func testSlurmSettings(base string) SlurmSettings {
	return SlurmSettings{
		BaseDir:       base,
		Account:       "uwit",
		MailUser:      "ops@example.edu",
		RunnerCommand: "stagerunner",
		Setup:         []string{"module load apptainer"},
		Walltime:      2 * time.Hour,
		Plan:          ResourcePlan{Partition: "gpu-h200", GPUs: 1, MemoryGB: 16},
		Env:           []string{"HF_TOKEN=secret"},
	}
}

func TestSlurmSubmitWritesScriptAndParsesID(t *testing.T) {
	base := t.TempDir()
	runner := &fakeRunner{replies: map[string]shell.Result{"sbatch": {Stdout: "4242;hyak\n"}}}
	q := NewSlurmQueue(testSlurmSettings(base), runner, nil)

	agent := types.Agent{Name: "alice", Dir: base + "/alice"}
	id, err := q.Submit(context.Background(), Unit{Agent: agent, Attempt: 1})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id != "4242" {
		t.Fatalf("id = %q", id)
	}

	c, ok := runner.last("sbatch")
	if !ok || len(c.args) != 2 || c.args[0] != "--parsable" {
		t.Fatalf("sbatch call = %+v", c)
	}
	if len(c.env) != 1 || c.env[0] != "HF_TOKEN=secret" {
		t.Fatalf("sbatch env = %v", c.env)
	}

	data, err := os.ReadFile(c.args[1])
	if err != nil {
		t.Fatalf("read script: %v", err)
	}
	script := string(data)
	for _, want := range []string{
		"#SBATCH --job-name=alice_stagerunner",
		"#SBATCH --mail-user=ops@example.edu",
		"#SBATCH --account=uwit",
		"#SBATCH --partition=gpu-h200",
		"#SBATCH --gpus=1",
		"#SBATCH --mem=16G",
		"#SBATCH --time=02:00:00",
		"#SBATCH --export=ALL",
		"module load apptainer\n",
		"export CALLREVIEW_ATTEMPT=1",
		"stagerunner '" + base + "/alice'",
	} {
		if !strings.Contains(script, want) {
			t.Fatalf("script missing %q:\n%s", want, script)
		}
	}
	if strings.Contains(script, "secret") {
		t.Fatal("credential leaked into the job script")
	}
}

func TestSlurmSubmitFailure(t *testing.T) {
	runner := &fakeRunner{
		replies: map[string]shell.Result{"sbatch": {Stderr: "sbatch: error: invalid account"}},
		errs:    map[string]error{"sbatch": errors.New("exit status 1")},
	}
	q := NewSlurmQueue(testSlurmSettings(t.TempDir()), runner, nil)
	_, err := q.Submit(context.Background(), Unit{Agent: types.Agent{Name: "bob", Dir: "/x/bob"}})
	if err == nil {
		t.Fatal("Submit() error = nil")
	}
}

func TestSlurmPoll(t *testing.T) {
	cases := []struct {
		name   string
		squeue string
		sacct  string
		want   types.JobStatus
		reason string
	}{
		{"pending", "PENDING\n", "", types.JobQueued, ""},
		{"running", "RUNNING\n", "", types.JobRunning, ""},
		{"completed", "", "COMPLETED\n", types.JobSucceeded, ""},
		{"timeout", "", "TIMEOUT\n", types.JobFailed, "walltime exceeded"},
		{"cancelled", "", "CANCELLED by 1001\n", types.JobFailed, "cancelled"},
		{"oom", "", "OUT_OF_MEMORY\n", types.JobFailed, "out_of_memory"},
		{"no accounting", "", "", types.JobSucceeded, "left queue"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			runner := &fakeRunner{replies: map[string]shell.Result{
				"squeue": {Stdout: c.squeue},
				"sacct":  {Stdout: c.sacct},
			}}
			q := NewSlurmQueue(testSlurmSettings(t.TempDir()), runner, nil)
			st, err := q.Poll(context.Background(), "4242")
			if err != nil {
				t.Fatalf("Poll() error = %v", err)
			}
			if st.State != c.want || st.Reason != c.reason {
				t.Fatalf("status = %+v, want %s %q", st, c.want, c.reason)
			}
		})
	}
}

func TestSlurmCancel(t *testing.T) {
	runner := &fakeRunner{}
	q := NewSlurmQueue(testSlurmSettings(t.TempDir()), runner, nil)
	if err := q.Cancel(context.Background(), "4242"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	c, ok := runner.last("scancel")
	if !ok || len(c.args) != 1 || c.args[0] != "4242" {
		t.Fatalf("scancel call = %+v", c)
	}
}

func TestFormatWalltime(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{2 * time.Hour, "02:00:00"},
		{90 * time.Minute, "01:30:00"},
		{26*time.Hour + 5*time.Second, "1-02:00:05"},
		{0, "02:00:00"},
	}
	for _, c := range cases {
		if got := formatWalltime(c.d); got != c.want {
			t.Fatalf("formatWalltime(%s) = %q, want %q", c.d, got, c.want)
		}
	}
}

const hyakallocOutput = `      GPU Resources for partition gpu-h200
┌────────┬──────┬──────┐
│        │ CPUs │ GPUs │
├────────┼──────┼──────┤
│ Total: │ 3072 │  256 │
│ Idle:  │ 2725 │    4 │
└────────┴──────┴──────┘`

func TestPlanResources(t *testing.T) {
	runner := &fakeRunner{replies: map[string]shell.Result{"hyakalloc": {Stdout: hyakallocOutput}}}
	cases := []struct {
		jobs int
		mem  int
	}{
		{3, 32},
		{4, 32},
		{8, 16},
		{9, 8},
	}
	for _, c := range cases {
		plan := PlanResources(context.Background(), runner, "gpu-h200", c.jobs, nil)
		if plan.MemoryGB != c.mem || plan.GPUs != 1 || plan.Partition != "gpu-h200" {
			t.Fatalf("jobs=%d plan = %+v, want %dG", c.jobs, plan, c.mem)
		}
	}

	missing := &fakeRunner{errs: map[string]error{"hyakalloc": errors.New("executable file not found")}}
	if plan := PlanResources(context.Background(), missing, "gpu-h200", 50, nil); plan != DefaultPlan("gpu-h200") {
		t.Fatalf("fallback plan = %+v", plan)
	}
}

func waitTerminal(t *testing.T, q *LocalQueue, handle string) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := q.Poll(context.Background(), handle)
		if err != nil {
			t.Fatalf("Poll() error = %v", err)
		}
		if st.State.Terminal() {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never finished", handle)
	return Status{}
}

func TestLocalQueueOutcomes(t *testing.T) {
	run := func(ctx context.Context, agent types.Agent) error {
		switch agent.Name {
		case "ok":
			return nil
		case "fail":
			return errors.New("missing credential")
		case "panic":
			panic("nil transcript")
		case "slow":
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
	q := NewLocalQueue(run, 50*time.Millisecond, 4, nil)

	cases := []struct {
		agent  string
		state  types.JobStatus
		reason string
	}{
		{"ok", types.JobSucceeded, ""},
		{"fail", types.JobFailed, "missing credential"},
		{"panic", types.JobFailed, "stage runner crashed: nil transcript"},
		{"slow", types.JobFailed, "walltime exceeded"},
	}
	for _, c := range cases {
		handle, err := q.Submit(context.Background(), Unit{Agent: types.Agent{Name: c.agent}})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		st := waitTerminal(t, q, handle)
		if st.State != c.state || st.Reason != c.reason {
			t.Fatalf("%s: status = %+v", c.agent, st)
		}
		var unknown *ErrUnknownJob
		if _, err := q.Poll(context.Background(), handle); !errors.As(err, &unknown) {
			t.Fatalf("%s: job kept after terminal poll: %v", c.agent, err)
		}
	}
}

func TestLocalQueueCancel(t *testing.T) {
	started := make(chan struct{})
	run := func(ctx context.Context, agent types.Agent) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	q := NewLocalQueue(run, time.Minute, 1, nil)
	handle, err := q.Submit(context.Background(), Unit{Agent: types.Agent{Name: "alice"}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-started
	if err := q.Cancel(context.Background(), handle); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if st := waitTerminal(t, q, handle); st.Reason != "cancelled" {
		t.Fatalf("status = %+v", st)
	}

	var unknown *ErrUnknownJob
	if _, err := q.Poll(context.Background(), "nope"); !errors.As(err, &unknown) {
		t.Fatalf("Poll(unknown) error = %v", err)
	}
}
