package orchestrator

import (
	"fmt"

	"callreview-go/internal/types"
)

var allowedTransitions = map[types.JobStatus]map[types.JobStatus]struct{}{
	types.JobQueued: {
		types.JobRunning: {},
		types.JobFailed:  {},
	},
	types.JobRunning: {
		types.JobSucceeded: {},
		types.JobFailed:    {},
	},
	types.JobFailed: {
		types.JobQueued: {},
	},
	types.JobSucceeded: {},
}

func ValidateJobStatus(s types.JobStatus) error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("invalid job status: %q", s)
	}
	return nil
}

func ValidateTransition(from, to types.JobStatus) error {
	if err := ValidateJobStatus(from); err != nil {
		return err
	}
	if err := ValidateJobStatus(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid job transition: %s -> %s", from, to)
	}
	return nil
}

// RetryFromFailed moves a failed job back to Queued while attempts remain.
// maxAttempts counts the first submission.
func RetryFromFailed(attempt, maxAttempts int) (types.JobStatus, int, error) {
	if maxAttempts <= 0 {
		return "", attempt, fmt.Errorf("max attempts must be > 0")
	}
	if attempt >= maxAttempts {
		return "", attempt, fmt.Errorf("retry attempts exhausted: %d/%d", attempt, maxAttempts)
	}
	if err := ValidateTransition(types.JobFailed, types.JobQueued); err != nil {
		return "", attempt, err
	}
	return types.JobQueued, attempt + 1, nil
}
