// Package cluster executes one stage-runner job per agent, either on a
// Slurm cluster or in-process.
package cluster

import (
	"fmt"

	"callreview-go/internal/types"
)

// Unit is one agent's work submitted as a single job.
type Unit struct {
	Agent   types.Agent
	Attempt int
}

// Status is what the scheduler reports about a job.
type Status struct {
	State  types.JobStatus
	Reason string
}

// ErrUnknownJob is returned when a handle was never issued by the queue.
type ErrUnknownJob struct {
	Handle string
}

func (e *ErrUnknownJob) Error() string {
	return fmt.Sprintf("unknown job %q", e.Handle)
}
