package router

import "fmt"

// ErrorKind classifies commit failures.
type ErrorKind string

const (
	PermissionDenied    ErrorKind = "permission_denied"
	DestinationConflict ErrorKind = "destination_conflict"
	IOFailure           ErrorKind = "io_failure"
)

type Error struct {
	Kind   ErrorKind
	CallID string
	Path   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("commit %s %s: %s", e.CallID, e.Kind, e.Path)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
