package transcription

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"callreview-go/internal/attribution"
)

// fakeEngine returns a canned transcript or error.
type fakeEngine struct {
	raw   RawTranscript
	err   error
	calls int
}

func (f *fakeEngine) Transcribe(ctx context.Context, audioPath string) (RawTranscript, error) {
	f.calls++
	return f.raw, f.err
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func helpDeskTranscript() RawTranscript {
	return RawTranscript{
		Language: "en",
		Segments: []RawSegment{
			{Start: 0, End: 2.5, Speaker: "SPEAKER_00", Text: "Service center, how can I help you?"},
			{Start: 2.5, End: 3, Speaker: "SPEAKER_01", Text: "Yes."},
		},
	}
}

func TestAdapterWritesLabelledVTT(t *testing.T) {
	root := t.TempDir()
	audio := filepath.Join(root, "alice", "C1.wav")
	mustWriteFile(t, audio, "RIFF")

	a := NewAdapter(&fakeEngine{raw: helpDeskTranscript()}, attribution.DefaultRuleSet(), nil)
	tr, path, err := a.Transcribe(context.Background(), audio)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if path != filepath.Join(root, "alice", "C1.vtt") {
		t.Fatalf("path = %q", path)
	}
	if tr.CallID != "C1" || len(tr.Segments) != 2 {
		t.Fatalf("transcript = %+v", tr)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read vtt: %v", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "WEBVTT\n\n") {
		t.Fatalf("missing header: %q", content)
	}
	if !strings.Contains(content, "00:00:00.000 --> 00:00:02.500\n[alice] Service center, how can I help you?") {
		t.Fatalf("agent cue missing: %q", content)
	}
	if !strings.Contains(content, "[user] Yes.") {
		t.Fatalf("caller cue missing: %q", content)
	}
}

func TestAdapterFailureLeavesNoArtifact(t *testing.T) {
	root := t.TempDir()
	audio := filepath.Join(root, "alice", "C2.wav")
	mustWriteFile(t, audio, "RIFF")

	a := NewAdapter(&fakeEngine{err: errors.New("cuda out of memory")}, attribution.DefaultRuleSet(), nil)
	_, _, err := a.Transcribe(context.Background(), audio)

	var trErr *Error
	if !errors.As(err, &trErr) || trErr.Kind != EngineFailure {
		t.Fatalf("error = %v, want engine failure", err)
	}
	if !strings.Contains(trErr.Detail, "cuda out of memory") {
		t.Fatalf("detail = %q", trErr.Detail)
	}

	entries, _ := os.ReadDir(filepath.Join(root, "alice"))
	for _, e := range entries {
		if e.Name() != "C2.wav" {
			t.Fatalf("unexpected leftover %s", e.Name())
		}
	}
}

func TestAdapterClassifiesSourceAndTimeout(t *testing.T) {
	root := t.TempDir()
	engine := &fakeEngine{raw: helpDeskTranscript()}
	a := NewAdapter(engine, attribution.DefaultRuleSet(), nil)

	_, _, err := a.Transcribe(context.Background(), filepath.Join(root, "alice", "missing.wav"))
	var trErr *Error
	if !errors.As(err, &trErr) || trErr.Kind != SourceUnreadable {
		t.Fatalf("missing file error = %v, want source unreadable", err)
	}

	empty := filepath.Join(root, "alice", "empty.wav")
	mustWriteFile(t, empty, "")
	_, _, err = a.Transcribe(context.Background(), empty)
	if !errors.As(err, &trErr) || trErr.Kind != SourceUnreadable {
		t.Fatalf("empty file error = %v, want source unreadable", err)
	}
	if engine.calls != 0 {
		t.Fatalf("engine must not run for unreadable sources, calls = %d", engine.calls)
	}

	audio := filepath.Join(root, "alice", "C3.wav")
	mustWriteFile(t, audio, "RIFF")
	slow := &fakeEngine{err: context.DeadlineExceeded}
	_, _, err = NewAdapter(slow, attribution.DefaultRuleSet(), nil).Transcribe(context.Background(), audio)
	if !errors.As(err, &trErr) || trErr.Kind != Timeout {
		t.Fatalf("deadline error = %v, want timeout", err)
	}
}
