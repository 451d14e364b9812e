package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"callreview-go/internal/types"
)

const (
	// PipelineDir holds run bookkeeping under each agent directory.
	PipelineDir = ".pipeline"
	failuresDir = "failures"
	summaryFile = "summary.json"
)

// SummaryPath is where the last run summary of an agent lives.
func SummaryPath(agentDir string) string {
	return filepath.Join(agentDir, PipelineDir, summaryFile)
}

func WriteSummary(agentDir string, summary types.PipelineSummary) error {
	return writeJSONAtomic(SummaryPath(agentDir), summary)
}

// ReadSummary loads the summary written by the last run for agentDir.
func ReadSummary(agentDir string) (types.PipelineSummary, error) {
	var s types.PipelineSummary
	data, err := os.ReadFile(SummaryPath(agentDir))
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode summary: %w", err)
	}
	return s, nil
}

// WriteFailure keeps the latest failure of a call for manual review.
func WriteFailure(agentDir string, out types.CallOutcome) error {
	return writeJSONAtomic(filepath.Join(agentDir, PipelineDir, failuresDir, out.CallID+".json"), out)
}

// ClearFailure drops a stale failure record once the call is filed.
func ClearFailure(agentDir, callID string) {
	_ = os.Remove(filepath.Join(agentDir, PipelineDir, failuresDir, callID+".json"))
}

// ReadFailures lists the failure records still present for agentDir, by call id.
func ReadFailures(agentDir string) ([]types.CallOutcome, error) {
	dir := filepath.Join(agentDir, PipelineDir, failuresDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []types.CallOutcome
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var o types.CallOutcome
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Name(), err)
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallID < out[j].CallID })
	return out, nil
}

func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
