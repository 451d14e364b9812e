// Package aggregator folds per-agent job outcomes into the run report.
package aggregator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"callreview-go/internal/types"
)

// AgentResult is the final state of one agent's job.
type AgentResult struct {
	Agent     string                 `json:"agent"`
	Status    types.JobStatus        `json:"status"`
	JobID     string                 `json:"job_id,omitempty"`
	Attempts  int                    `json:"attempts"`
	Reason    string                 `json:"reason,omitempty"`
	Exhausted bool                   `json:"retries_exhausted"`
	Summary   *types.PipelineSummary `json:"summary,omitempty"`
}

type Totals struct {
	Agents         int `json:"agents"`
	Succeeded      int `json:"succeeded"`
	FailedAgents   int `json:"failed_agents"`
	Filed          int `json:"filed"`
	Failed         int `json:"failed"`
	Skipped        int `json:"skipped"`
	Reviewed       int `json:"reviewed"`
	NeedsAttention int `json:"needs_further_attention"`
	Conflicts      int `json:"conflicts"`
}

type Report struct {
	RunID      string        `json:"run_id"`
	BaseDir    string        `json:"base_dir"`
	Threshold  int           `json:"threshold"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Agents     []AgentResult `json:"agents"`
	Totals     Totals        `json:"totals"`
}

// Aggregate sorts results by agent and sums the call counters.
func Aggregate(results []AgentResult) Report {
	agents := append([]AgentResult(nil), results...)
	sort.Slice(agents, func(i, j int) bool { return agents[i].Agent < agents[j].Agent })

	var t Totals
	for _, r := range agents {
		t.Agents++
		if r.Status == types.JobSucceeded {
			t.Succeeded++
		} else {
			t.FailedAgents++
		}
		if s := r.Summary; s != nil {
			t.Filed += s.Filed
			t.Failed += s.Failed
			t.Skipped += s.Skipped
			t.Reviewed += s.Reviewed
			t.NeedsAttention += s.NeedsAttention
			t.Conflicts += s.Conflicts
		}
	}
	return Report{Agents: agents, Totals: t}
}

// Succeeded reports whether every agent's job reached Succeeded.
func (r Report) Succeeded() bool {
	return r.Totals.FailedAgents == 0
}

// AttentionRate is the share of filed calls routed to needs_further_attention.
func (r AgentResult) AttentionRate() float64 {
	if r.Summary == nil || r.Summary.Filed == 0 {
		return 0
	}
	return float64(r.Summary.NeedsAttention) / float64(r.Summary.Filed)
}

// WriteJSON stores the report next to the workbook.
func WriteJSON(path string, r Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func ReadJSON(path string) (Report, error) {
	var r Report
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("decode report: %w", err)
	}
	return r, nil
}
