package scoring

import "fmt"

// ErrorKind classifies scoring failures.
type ErrorKind string

const (
	ServiceUnreachable ErrorKind = "service_unreachable"
	MalformedResponse  ErrorKind = "malformed_response"
	Timeout            ErrorKind = "timeout"
)

// Error keeps the raw service payload so a malformed answer can be inspected later.
type Error struct {
	Kind   ErrorKind
	Detail string
	Raw    string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := "scoring " + string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Transient reports whether a retry could plausibly succeed.
func (e *Error) Transient() bool {
	return e != nil && (e.Kind == ServiceUnreachable || e.Kind == Timeout)
}
