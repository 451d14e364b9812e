package router

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"callreview-go/internal/registry"
	"callreview-go/internal/types"
)

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// pendingCall lays out an unfiled call with its pre-routing transcript.
func pendingCall(t *testing.T, agentDir, id string, score int) Request {
	t.Helper()
	audio := filepath.Join(agentDir, id+".wav")
	vttPath := filepath.Join(agentDir, id+".vtt")
	mustWriteFile(t, audio, "RIFF-"+id)
	mustWriteFile(t, vttPath, "WEBVTT\n\n00:00:00.000 --> 00:00:01.000\n[alice] hello\n\n")
	return Request{
		CallID:         id,
		AudioPath:      audio,
		TranscriptPath: vttPath,
		Analysis:       types.AnalysisResult{Score: score, Reasoning: "polite and resolved"},
		Preview:        "[alice] hello",
		Threshold:      75,
	}
}

func TestRouteBoundary(t *testing.T) {
	cases := []struct {
		score int
		want  types.Destination
	}{
		{100, types.DestinationReviewed},
		{75, types.DestinationReviewed},
		{74, types.DestinationNeedsAttention},
		{0, types.DestinationNeedsAttention},
	}
	for _, c := range cases {
		if got := Route(c.score, 75); got != c.want {
			t.Fatalf("Route(%d, 75) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestCommitFilesTripleAtThreshold(t *testing.T) {
	agentDir := filepath.Join(t.TempDir(), "alice")
	r := New(nil)

	at := pendingCall(t, agentDir, "C75", 75)
	dest, err := r.Commit(at)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if dest != types.DestinationReviewed {
		t.Fatalf("score 75 routed to %s", dest)
	}

	below := pendingCall(t, agentDir, "C74", 74)
	dest, err = r.Commit(below)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if dest != types.DestinationNeedsAttention {
		t.Fatalf("score 74 routed to %s", dest)
	}

	dir := registry.CallDir(agentDir, types.DestinationReviewed, "C75")
	for _, name := range []string{"C75.wav", "C75.vtt", registry.AnalysisFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
	if _, err := os.Stat(at.AudioPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("source audio still present: %v", err)
	}
	if _, err := os.Stat(at.TranscriptPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("pre-routing transcript still present: %v", err)
	}

	doc, err := ReadAnalysis(dir)
	if err != nil {
		t.Fatalf("ReadAnalysis() error = %v", err)
	}
	entry := doc["C75.vtt"]
	if entry.Score != 75 || entry.AudioFile != "C75.wav" || entry.TranscriptionFile != "C75.vtt" || entry.Reasoning == "" {
		t.Fatalf("entry = %+v", entry)
	}
	if _, ok := registry.FiledLocation(agentDir, "C74"); !ok {
		t.Fatal("C74 not filed")
	}
	if _, err := os.Stat(filepath.Join(agentDir, string(types.DestinationReviewed), "C74")); err == nil {
		t.Fatal("C74 present in both buckets")
	}
}

func TestCommitIdempotentAndConflict(t *testing.T) {
	agentDir := filepath.Join(t.TempDir(), "alice")
	r := New(nil)

	req := pendingCall(t, agentDir, "C1", 80)
	if _, err := r.Commit(req); err != nil {
		t.Fatalf("first Commit() error = %v", err)
	}

	// a rerun that produced the same score settles without error
	again := pendingCall(t, agentDir, "C1", 80)
	dest, err := r.Commit(again)
	if err != nil || dest != types.DestinationReviewed {
		t.Fatalf("re-Commit() = %s, %v", dest, err)
	}
	if _, err := os.Stat(again.AudioPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("duplicate source audio not removed")
	}

	different := pendingCall(t, agentDir, "C1", 90)
	_, err = r.Commit(different)
	var rErr *Error
	if !errors.As(err, &rErr) || rErr.Kind != DestinationConflict {
		t.Fatalf("different score error = %v, want conflict", err)
	}

	otherBucket := pendingCall(t, agentDir, "C1", 10)
	_, err = r.Commit(otherBucket)
	if !errors.As(err, &rErr) || rErr.Kind != DestinationConflict {
		t.Fatalf("other bucket error = %v, want conflict", err)
	}
	if _, ok := registry.FiledLocation(agentDir, "C1"); !ok {
		t.Fatal("original filing lost")
	}
	if string(rErr.Kind) != "destination_conflict" {
		t.Fatalf("kind = %q", rErr.Kind)
	}
}

func TestInterruptedCommitLeavesCallUnprocessed(t *testing.T) {
	agentDir := filepath.Join(t.TempDir(), "alice")
	r := New(nil)
	req := pendingCall(t, agentDir, "C1", 80)

	// stage fully but stop before the rename, as a killed process would
	stage, err := r.stage(req, agentDir)
	if err != nil {
		t.Fatalf("stage() error = %v", err)
	}
	if !registry.IsFiledAt(stage, "C1") {
		t.Fatal("staging directory should be complete")
	}
	if got := registry.DeriveState(agentDir, "C1"); got != types.CallUnprocessed {
		t.Fatalf("state after interrupted commit = %s", got)
	}
	for _, b := range types.Buckets {
		if _, err := os.Stat(filepath.Join(agentDir, string(b))); err == nil {
			entries, _ := os.ReadDir(filepath.Join(agentDir, string(b)))
			if len(entries) != 0 {
				t.Fatalf("bucket %s holds %d entries", b, len(entries))
			}
		}
	}

	n, err := SweepStaging(agentDir)
	if err != nil || n != 1 {
		t.Fatalf("SweepStaging() = %d, %v", n, err)
	}
	if _, err := r.Commit(req); err != nil {
		t.Fatalf("Commit() after sweep error = %v", err)
	}
	if got := registry.DeriveState(agentDir, "C1"); got != types.CallFiled {
		t.Fatalf("state = %s, want filed", got)
	}
}

func TestSweepStagingWithoutDirectory(t *testing.T) {
	n, err := SweepStaging(t.TempDir())
	if err != nil || n != 0 {
		t.Fatalf("SweepStaging() = %d, %v", n, err)
	}
}

func TestCommitPermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	agentDir := filepath.Join(t.TempDir(), "alice")
	req := pendingCall(t, agentDir, "C1", 80)
	if err := os.Chmod(agentDir, 0o555); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { os.Chmod(agentDir, 0o755) })

	_, err := New(nil).Commit(req)
	var rErr *Error
	if !errors.As(err, &rErr) || rErr.Kind != PermissionDenied {
		t.Fatalf("error = %v, want permission denied", err)
	}
}

func TestReleaseSourceAfterInterruptedCleanup(t *testing.T) {
	agentDir := filepath.Join(t.TempDir(), "alice")
	req := pendingCall(t, agentDir, "C1", 90)
	if _, err := New(nil).Commit(req); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	// the run stopped after the rename, before the sources were removed
	mustWriteFile(t, req.AudioPath, "RIFF-C1")
	mustWriteFile(t, req.TranscriptPath, "WEBVTT\n\n")

	removed, err := ReleaseSource(agentDir, "C1", req.AudioPath)
	if err != nil || !removed {
		t.Fatalf("ReleaseSource() = %v, %v", removed, err)
	}
	for _, p := range []string{req.AudioPath, req.TranscriptPath} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("%s still present: %v", p, err)
		}
	}
	filed := filepath.Join(registry.CallDir(agentDir, types.DestinationReviewed, "C1"), "C1.wav")
	if _, err := os.Stat(filed); err != nil {
		t.Fatalf("filed audio gone: %v", err)
	}
}

func TestReleaseSourceKeepsOnlyCopy(t *testing.T) {
	agentDir := filepath.Join(t.TempDir(), "alice")
	audio := filepath.Join(agentDir, "C2.wav")
	mustWriteFile(t, audio, "RIFF-C2")
	dir := registry.CallDir(agentDir, types.DestinationReviewed, "C2")
	mustWriteFile(t, filepath.Join(dir, "C2.vtt"), "WEBVTT\n\n")
	mustWriteFile(t, filepath.Join(dir, registry.AnalysisFileName), "{}")

	removed, err := ReleaseSource(agentDir, "C2", audio)
	if err != nil || removed {
		t.Fatalf("ReleaseSource() = %v, %v", removed, err)
	}
	if _, err := os.Stat(audio); err != nil {
		t.Fatalf("only copy removed: %v", err)
	}

	unfiled := filepath.Join(agentDir, "C3.wav")
	mustWriteFile(t, unfiled, "RIFF-C3")
	if removed, err := ReleaseSource(agentDir, "C3", unfiled); removed || err != nil {
		t.Fatalf("ReleaseSource(unfiled) = %v, %v", removed, err)
	}
}
