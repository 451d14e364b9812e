package types

import "time"

// Stage names the pipeline step a call outcome refers to.
type Stage string

const (
	StageTranscribe Stage = "transcribe"
	StageScore      Stage = "score"
	StageCommit     Stage = "commit"
)

// CallOutcome records what happened to one call during a Stage Runner pass.
type CallOutcome struct {
	CallID      string      `json:"call_id"`
	State       CallState   `json:"state"`
	Destination Destination `json:"destination,omitempty"`
	Score       *int        `json:"score,omitempty"`
	Stage       Stage       `json:"stage,omitempty"`
	ErrorKind   string      `json:"error_kind,omitempty"`
	Error       string      `json:"error,omitempty"`
	RawPayload  string      `json:"raw_payload,omitempty"`
	Attempts    int         `json:"attempts,omitempty"`
	DurationMs  int64       `json:"duration_ms"`
}

// PipelineSummary is the per-agent result of one Stage Runner pass.
type PipelineSummary struct {
	Agent          string        `json:"agent"`
	Filed          int           `json:"filed"`
	Failed         int           `json:"failed"`
	Skipped        int           `json:"skipped"` // leftover recordings of calls already filed
	Reviewed       int           `json:"reviewed"`
	NeedsAttention int           `json:"needs_further_attention"`
	Conflicts      int           `json:"conflicts"`
	FatalError     string        `json:"fatal_error,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
	Outcomes       []CallOutcome `json:"outcomes,omitempty"`
}

// Add folds one outcome into the counters.
func (s *PipelineSummary) Add(o CallOutcome) {
	switch o.State {
	case CallFiled:
		s.Filed++
		switch o.Destination {
		case DestinationReviewed:
			s.Reviewed++
		case DestinationNeedsAttention:
			s.NeedsAttention++
		}
	case CallFailed:
		s.Failed++
		if o.ErrorKind == "destination_conflict" {
			s.Conflicts++
		}
	}
	s.Outcomes = append(s.Outcomes, o)
}
