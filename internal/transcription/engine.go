package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"callreview-go/internal/shell"
	"callreview-go/internal/types"
)

// Engine is the speech-to-text collaborator. It returns diarized segments whose
// Speaker field holds the raw diarization id (e.g. SPEAKER_00).
type Engine interface {
	Transcribe(ctx context.Context, audioPath string) (RawTranscript, error)
}

// RawSegment is one engine segment, times in seconds.
type RawSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
}

// RawTranscript is the engine's JSON document.
type RawTranscript struct {
	Language string       `json:"language"`
	Segments []RawSegment `json:"segments"`
}

// Typed converts engine seconds into typed segments.
func (r RawTranscript) Typed() []types.Segment {
	out := make([]types.Segment, 0, len(r.Segments))
	for _, s := range r.Segments {
		out = append(out, types.Segment{
			Start:   seconds(s.Start),
			End:     seconds(s.End),
			Speaker: s.Speaker,
			Text:    s.Text,
		})
	}
	return out
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// CommandEngine runs a WhisperX wrapper that prints a RawTranscript as JSON on stdout.
type CommandEngine struct {
	Command string
	Args    []string
	Device  string
	// Token is exported as HF_TOKEN for the diarization model download.
	Token   string
	Runner  shell.Runner
}

func (e *CommandEngine) Transcribe(ctx context.Context, audioPath string) (RawTranscript, error) {
	runner := e.Runner
	if runner == nil {
		runner = shell.Exec{}
	}
	var env []string
	if e.Device != "" {
		env = append(env, "CUDA_VISIBLE_DEVICES="+e.Device)
	}
	if e.Token != "" {
		env = append(env, "HF_TOKEN="+e.Token)
	}
	args := append(append([]string{}, e.Args...), audioPath)

	res, err := runner.Run(ctx, env, e.Command, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return RawTranscript{}, ctxErr
		}
		return RawTranscript{}, fmt.Errorf("%s exit=%d: %s", e.Command, res.ExitCode, shell.LastLine(res.Stderr))
	}

	var raw RawTranscript
	if err := json.Unmarshal([]byte(res.Stdout), &raw); err != nil {
		return RawTranscript{}, fmt.Errorf("decode %s output: %w", e.Command, err)
	}
	return raw, nil
}
