package transcription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"callreview-go/internal/attribution"
	"callreview-go/internal/logger"
	"callreview-go/internal/registry"
	"callreview-go/internal/types"
	"callreview-go/internal/vtt"
)

// Adapter turns one audio file into a speaker-labelled transcript and its
// .vtt artifact. It never retries; the stage runner owns retry policy.
type Adapter struct {
	engine     Engine
	attributor *attribution.Attributor
	log        *logger.Logger
}

func NewAdapter(engine Engine, rules attribution.RuleSet, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.Discard()
	}
	return &Adapter{
		engine:     engine,
		attributor: attribution.New(rules),
		log:        log.Component("transcription"),
	}
}

// Transcribe returns the transcript and the path of <id>.vtt written next to
// the audio. On failure no transcript file is left behind.
func (a *Adapter) Transcribe(ctx context.Context, audioPath string) (types.Transcript, string, error) {
	callID := registry.CallID(audioPath)
	agentName := filepath.Base(filepath.Dir(audioPath))
	log := a.log.WithField("call_id", callID).WithField("agent", agentName)

	if err := checkReadable(audioPath); err != nil {
		return types.Transcript{}, "", &Error{Kind: SourceUnreadable, Path: audioPath, Detail: err.Error(), Err: err}
	}

	log.Info("transcribing")
	raw, err := a.engine.Transcribe(ctx, audioPath)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return types.Transcript{}, "", &Error{Kind: Timeout, Path: audioPath, Err: err}
		}
		return types.Transcript{}, "", &Error{Kind: EngineFailure, Path: audioPath, Detail: err.Error(), Err: err}
	}
	if len(raw.Segments) == 0 {
		return types.Transcript{}, "", &Error{Kind: EngineFailure, Path: audioPath, Detail: "engine returned no segments"}
	}

	tr := types.Transcript{
		CallID:   callID,
		Language: raw.Language,
		Segments: a.attributor.Attribute(raw.Typed(), agentName),
	}

	out := filepath.Join(filepath.Dir(audioPath), callID+".vtt")
	if err := writeAtomic(out, tr); err != nil {
		return types.Transcript{}, "", &Error{Kind: EngineFailure, Path: audioPath, Detail: "write transcript: " + err.Error(), Err: err}
	}
	log.WithField("segments", len(tr.Segments)).Info("transcript written")
	return tr, out, nil
}

func checkReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("is a directory")
	}
	var probe [1]byte
	if _, err := f.Read(probe[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty audio file")
		}
		return err
	}
	return nil
}

func writeAtomic(path string, tr types.Transcript) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if err := vtt.Encode(tmp, tr); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
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
