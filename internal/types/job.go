package types

// JobStatus is the lifecycle of one per-agent cluster job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further scheduler transition is expected.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// Job is tracked by the orchestrator from submission until it is reported.
type Job struct {
	Handle  string    `json:"handle"`
	Agent   Agent     `json:"agent"`
	Status  JobStatus `json:"status"`
	Retries int       `json:"retries"`
	Reason  string    `json:"reason,omitempty"`
}
