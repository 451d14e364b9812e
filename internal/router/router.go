// Package router files a scored call into exactly one destination bucket.
//
// Artifacts are assembled under <agent>/.staging and moved into
// <agent>/<bucket>/<id> with a single rename, so a bucket never holds a
// partially written call directory.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"callreview-go/internal/logger"
	"callreview-go/internal/registry"
	"callreview-go/internal/types"
)

// StagingDir holds in-progress commits under each agent directory.
const StagingDir = ".staging"

// Route maps a score to its bucket. A score equal to the threshold is reviewed.
func Route(score, threshold int) types.Destination {
	if score >= threshold {
		return types.DestinationReviewed
	}
	return types.DestinationNeedsAttention
}

// Request carries everything needed to file one call.
type Request struct {
	CallID         string
	AudioPath      string
	TranscriptPath string
	Analysis       types.AnalysisResult
	Preview        string
	Threshold      int
}

type Router struct {
	log *logger.Logger
}

func New(log *logger.Logger) *Router {
	if log == nil {
		log = logger.Discard()
	}
	return &Router{log: log.Component("router")}
}

// Commit files the audio, transcript and analysis of one call. Re-committing a
// call that is already filed with the same score succeeds without changes.
func (r *Router) Commit(req Request) (types.Destination, error) {
	agentDir := filepath.Dir(req.AudioPath)
	dest := Route(req.Analysis.Score, req.Threshold)
	target := registry.CallDir(agentDir, dest, req.CallID)
	log := r.log.WithField("call_id", req.CallID).WithField("destination", dest)

	if other, ok := filedElsewhere(agentDir, req.CallID, dest); ok {
		return "", &Error{
			Kind:   DestinationConflict,
			CallID: req.CallID,
			Path:   registry.CallDir(agentDir, other, req.CallID),
			Detail: "already filed in " + string(other),
		}
	}
	if exists(target) {
		return r.settleExisting(req, dest, target)
	}

	bucketDir := filepath.Join(agentDir, string(dest))
	if err := os.MkdirAll(bucketDir, 0o755); err != nil {
		return "", fsError(req.CallID, bucketDir, err)
	}

	stage, err := r.stage(req, agentDir)
	if err != nil {
		return "", err
	}

	if err := os.Rename(stage, target); err != nil {
		os.RemoveAll(stage)
		// lost a race with another commit of the same call
		if exists(target) {
			return r.settleExisting(req, dest, target)
		}
		return "", fsError(req.CallID, target, err)
	}
	syncDir(bucketDir)

	r.removeSources(req, target)
	log.WithField("score", req.Analysis.Score).Info("call filed")
	return dest, nil
}

// stage builds the complete call directory under .staging and returns its path.
func (r *Router) stage(req Request, agentDir string) (string, error) {
	root := filepath.Join(agentDir, StagingDir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fsError(req.CallID, root, err)
	}
	dir := filepath.Join(root, req.CallID+"-"+uuid.NewString())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", fsError(req.CallID, dir, err)
	}

	fail := func(path string, err error) (string, error) {
		os.RemoveAll(dir)
		return "", fsError(req.CallID, path, err)
	}

	audioName := filepath.Base(req.AudioPath)
	if err := linkOrCopy(req.AudioPath, filepath.Join(dir, audioName)); err != nil {
		return fail(req.AudioPath, err)
	}
	vttName := req.CallID + ".vtt"
	if err := linkOrCopy(req.TranscriptPath, filepath.Join(dir, vttName)); err != nil {
		return fail(req.TranscriptPath, err)
	}

	doc := types.AnalysisFile{
		vttName: {
			AudioFile:            audioName,
			TranscriptionFile:    vttName,
			Score:                req.Analysis.Score,
			Reasoning:            req.Analysis.Reasoning,
			TranscriptionPreview: req.Preview,
		},
	}
	analysisPath := filepath.Join(dir, registry.AnalysisFileName)
	if err := writeJSON(analysisPath, doc); err != nil {
		return fail(analysisPath, err)
	}
	syncDir(dir)
	return dir, nil
}

// settleExisting decides whether an existing target is this same call.
func (r *Router) settleExisting(req Request, dest types.Destination, target string) (types.Destination, error) {
	if !registry.IsFiledAt(target, req.CallID) {
		return "", &Error{Kind: DestinationConflict, CallID: req.CallID, Path: target, Detail: "target exists but is incomplete"}
	}
	prev, err := ReadAnalysis(target)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return "", fsError(req.CallID, target, err)
		}
		return "", &Error{Kind: DestinationConflict, CallID: req.CallID, Path: target, Detail: "unreadable analysis", Err: err}
	}
	entry, ok := prev[req.CallID+".vtt"]
	if !ok || entry.Score != req.Analysis.Score {
		return "", &Error{
			Kind:   DestinationConflict,
			CallID: req.CallID,
			Path:   target,
			Detail: fmt.Sprintf("filed score %d differs from %d", entry.Score, req.Analysis.Score),
		}
	}
	r.removeSources(req, target)
	r.log.WithField("call_id", req.CallID).WithField("destination", dest).Info("call already filed")
	return dest, nil
}

// removeSources drops the pre-routing copies once the filed directory owns them.
func (r *Router) removeSources(req Request, target string) {
	if isFile(filepath.Join(target, filepath.Base(req.AudioPath))) {
		if err := os.Remove(req.AudioPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.log.WithError(err).WithField("call_id", req.CallID).Warn("source audio not removed")
		}
	}
	if filepath.Dir(req.TranscriptPath) != target {
		if err := os.Remove(req.TranscriptPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.log.WithError(err).WithField("call_id", req.CallID).Warn("pre-routing transcript not removed")
		}
	}
}

// ReleaseSource removes the top-level recording of a call that is already
// filed, left behind when a run stopped between the rename and source
// removal. It reports whether anything was removed. The recording is kept
// when the filed directory has no copy of it.
func ReleaseSource(agentDir, callID, audioPath string) (bool, error) {
	dest, ok := registry.FiledLocation(agentDir, callID)
	if !ok {
		return false, nil
	}
	target := registry.CallDir(agentDir, dest, callID)
	if !isFile(filepath.Join(target, filepath.Base(audioPath))) {
		return false, nil
	}
	if err := os.Remove(audioPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fsError(callID, audioPath, err)
	}
	stale := filepath.Join(agentDir, callID+".vtt")
	if err := os.Remove(stale); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return true, fsError(callID, stale, err)
	}
	return true, nil
}

// ReadAnalysis loads analysis_results.json from a filed call directory.
func ReadAnalysis(callDir string) (types.AnalysisFile, error) {
	data, err := os.ReadFile(filepath.Join(callDir, registry.AnalysisFileName))
	if err != nil {
		return nil, err
	}
	var doc types.AnalysisFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", registry.AnalysisFileName, err)
	}
	return doc, nil
}

// SweepStaging removes leftovers of commits that never reached the rename.
func SweepStaging(agentDir string) (int, error) {
	root := filepath.Join(agentDir, StagingDir)
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fsError("", root, err)
	}
	removed := 0
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			return removed, fsError("", filepath.Join(root, e.Name()), err)
		}
		removed++
	}
	return removed, nil
}

func filedElsewhere(agentDir, callID string, dest types.Destination) (types.Destination, bool) {
	b, ok := registry.FiledLocation(agentDir, callID)
	if !ok || b == dest {
		return "", false
	}
	return b, true
}

func fsError(callID, path string, err error) error {
	kind := IOFailure
	if errors.Is(err, fs.ErrPermission) {
		kind = PermissionDenied
	}
	return &Error{Kind: kind, CallID: callID, Path: path, Err: err}
}

func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
