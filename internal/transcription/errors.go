package transcription

import "fmt"

// ErrorKind classifies transcription failures.
type ErrorKind string

const (
	SourceUnreadable ErrorKind = "source_unreadable"
	EngineFailure    ErrorKind = "engine_failure"
	Timeout          ErrorKind = "timeout"
)

// Error is returned by the adapter for every failed transcription.
type Error struct {
	Kind   ErrorKind
	Path   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return fmt.Sprintf("transcription %s: %s", e.Kind, e.Path)
	}
	return fmt.Sprintf("transcription %s: %s: %s", e.Kind, e.Path, e.Detail)
}

// Unwrap exposes underlying error for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
