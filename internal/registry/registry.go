// Package registry enumerates agents and their call recordings and derives
// each call's state from the directory tree. The presence of the routed
// artifacts is the only durable record that a call is done.
package registry

import (
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"callreview-go/internal/types"
)

// AnalysisFileName is the per-call analysis document.
const AnalysisFileName = "analysis_results.json"

// AudioExtensions are the recording formats picked up under an agent folder.
var AudioExtensions = []string{".mp3", ".wav", ".m4a", ".flac", ".ogg", ".wmv", ".avi", ".mp4"}

// reserved directories under the base directory that are never agents
var reserved = map[string]bool{"logs": true}

// IsAudio reports whether name has a recording extension.
func IsAudio(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, a := range AudioExtensions {
		if ext == a {
			return true
		}
	}
	return false
}

// CallID is the file stem of a recording.
func CallID(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// CallDir is where a call is filed inside a bucket.
func CallDir(agentDir string, bucket types.Destination, callID string) string {
	return filepath.Join(agentDir, string(bucket), callID)
}

// DiscoverAgents returns every non-hidden folder under baseDir that holds at
// least one recording anywhere beneath it, sorted by name. A folder that
// cannot be scanned is returned as well so its job surfaces the error.
func DiscoverAgents(baseDir string) ([]types.Agent, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, fmt.Errorf("read base dir: %w", err)
	}
	var agents []types.Agent
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || reserved[e.Name()] {
			continue
		}
		dir := filepath.Join(baseDir, e.Name())
		if found, err := hasAudio(dir); found || err != nil {
			agents = append(agents, types.Agent{Name: e.Name(), Dir: dir})
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents, nil
}

func hasAudio(dir string) (bool, error) {
	found := false
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if !d.IsDir() && IsAudio(d.Name()) {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found, err
}

// IsFiledAt reports whether dir holds both the transcript and the analysis.
func IsFiledAt(dir, callID string) bool {
	if !isFile(filepath.Join(dir, AnalysisFileName)) {
		return false
	}
	return isFile(filepath.Join(dir, callID+".vtt"))
}

// FiledLocation reports the bucket a call is filed in, if any.
func FiledLocation(agentDir, callID string) (types.Destination, bool) {
	for _, b := range types.Buckets {
		if IsFiledAt(CallDir(agentDir, b, callID), callID) {
			return b, true
		}
	}
	return "", false
}

// DeriveState computes a call's durable state from directory contents alone.
// Only Filed and Unprocessed are observable on disk; intermediate states live
// in memory for the duration of one pass.
func DeriveState(agentDir, callID string) types.CallState {
	if _, ok := FiledLocation(agentDir, callID); ok {
		return types.CallFiled
	}
	return types.CallUnprocessed
}

// Recordings yields every recording directly under the agent folder. Each
// call re-reads the directory, so the sequence can be restarted freely. An
// unreadable folder yields a single error and stops.
func Recordings(agent types.Agent) iter.Seq2[types.CallRecording, error] {
	return func(yield func(types.CallRecording, error) bool) {
		entries, err := os.ReadDir(agent.Dir)
		if err != nil {
			yield(types.CallRecording{AgentName: agent.Name}, fmt.Errorf("read agent dir: %w", err))
			return
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !IsAudio(e.Name()) {
				continue
			}
			id := CallID(e.Name())
			rec := types.CallRecording{
				ID:        id,
				AgentName: agent.Name,
				AudioPath: filepath.Join(agent.Dir, e.Name()),
				State:     DeriveState(agent.Dir, id),
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// ListOutstanding yields the recordings not yet filed in either bucket.
func ListOutstanding(agent types.Agent) iter.Seq2[types.CallRecording, error] {
	return func(yield func(types.CallRecording, error) bool) {
		for rec, err := range Recordings(agent) {
			if err == nil && rec.State == types.CallFiled {
				continue
			}
			if !yield(rec, err) {
				return
			}
		}
	}
}

// HasOutstanding reports whether the agent has at least one unfiled call.
// A folder that cannot be read is not known to be drained and returns the error.
func HasOutstanding(agent types.Agent) (bool, error) {
	for _, err := range ListOutstanding(agent) {
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
