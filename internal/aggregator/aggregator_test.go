package aggregator

import (
	"path/filepath"
	"testing"
	"time"

	"callreview-go/internal/types"
)

func sample() []AgentResult {
	return []AgentResult{
		{Agent: "carol", Status: types.JobSucceeded, Summary: &types.PipelineSummary{Filed: 2, Reviewed: 2}},
		{Agent: "alice", Status: types.JobSucceeded, Summary: &types.PipelineSummary{Filed: 4, Failed: 1, Reviewed: 1, NeedsAttention: 3, Conflicts: 1}},
		{Agent: "bob", Status: types.JobFailed, Attempts: 3, Exhausted: true, Reason: "walltime exceeded"},
	}
}

func TestAggregate(t *testing.T) {
	r := Aggregate(sample())
	if r.Agents[0].Agent != "alice" || r.Agents[2].Agent != "carol" {
		t.Fatalf("agents not sorted: %+v", r.Agents)
	}
	want := Totals{Agents: 3, Succeeded: 2, FailedAgents: 1, Filed: 6, Failed: 1, Reviewed: 3, NeedsAttention: 3, Conflicts: 1}
	if r.Totals != want {
		t.Fatalf("totals = %+v, want %+v", r.Totals, want)
	}
	if r.Succeeded() {
		t.Fatal("Succeeded() = true with a failed agent")
	}
	if got := r.Agents[0].AttentionRate(); got != 0.75 {
		t.Fatalf("AttentionRate() = %v", got)
	}
	if got := r.Agents[1].AttentionRate(); got != 0 {
		t.Fatalf("AttentionRate() without summary = %v", got)
	}
}

func TestAggregateEmpty(t *testing.T) {
	r := Aggregate(nil)
	if !r.Succeeded() || r.Totals.Agents != 0 {
		t.Fatalf("report = %+v", r)
	}
}

func TestWriteReadJSON(t *testing.T) {
	r := Aggregate(sample())
	r.RunID = "run-1"
	r.Threshold = 75
	r.StartedAt = time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC)
	r.FinishedAt = r.StartedAt.Add(time.Hour)

	path := filepath.Join(t.TempDir(), "logs", "run_report.json")
	if err := WriteJSON(path, r); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	got, err := ReadJSON(path)
	if err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if got.RunID != "run-1" || got.Totals != r.Totals || !got.FinishedAt.Equal(r.FinishedAt) {
		t.Fatalf("round trip = %+v", got)
	}
}
