package types

import "time"

// Agent is one call-center representative folder under the base directory.
type Agent struct {
	Name string `json:"name"`
	Dir  string `json:"dir"`
}

// CallState is derived from what is on disk; there is no separate database.
type CallState string

const (
	CallUnprocessed CallState = "unprocessed"
	CallTranscribed CallState = "transcribed"
	CallScored      CallState = "scored"
	CallFiled       CallState = "filed"
	CallFailed      CallState = "failed"
)

type CallRecording struct {
	ID        string    `json:"call_id"`
	AgentName string    `json:"agent"`
	AudioPath string    `json:"audio_path"`
	State     CallState `json:"state"`
}

// --------------------------------------------
// Transcript
// --------------------------------------------

type Segment struct {
	Start   time.Duration `json:"start"`
	End     time.Duration `json:"end"`
	Speaker string        `json:"speaker"`
	Text    string        `json:"text"`
}

type Transcript struct {
	CallID   string    `json:"call_id"`
	Language string    `json:"language,omitempty"`
	Segments []Segment `json:"segments"`
}

// --------------------------------------------
// Analysis
// --------------------------------------------

// MaxScore is the upper bound of the scoring rubric.
const MaxScore = 100

type AnalysisResult struct {
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning"`
}

// AnalysisEntry is one value of analysis_results.json, keyed by transcript filename.
type AnalysisEntry struct {
	AudioFile            string `json:"audio_file"`
	TranscriptionFile    string `json:"transcription_file"`
	Score                int    `json:"score"`
	Reasoning            string `json:"reasoning"`
	TranscriptionPreview string `json:"transcription_preview,omitempty"`
}

// AnalysisFile is the full analysis_results.json document.
type AnalysisFile map[string]AnalysisEntry

// Destination is one of the two mutually exclusive buckets.
type Destination string

const (
	DestinationReviewed       Destination = "reviewed"
	DestinationNeedsAttention Destination = "needs_further_attention"
)

// Buckets lists every destination a call can be filed into.
var Buckets = []Destination{DestinationReviewed, DestinationNeedsAttention}
