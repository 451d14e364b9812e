package orchestrator

import (
	"testing"

	"callreview-go/internal/types"
)

func TestValidateTransitionValidMatrix(t *testing.T) {
	t.Parallel()

	valid := [][2]types.JobStatus{
		{types.JobQueued, types.JobRunning},
		{types.JobQueued, types.JobFailed},
		{types.JobRunning, types.JobSucceeded},
		{types.JobRunning, types.JobFailed},
		{types.JobFailed, types.JobQueued},
	}
	for _, pair := range valid {
		if err := ValidateTransition(pair[0], pair[1]); err != nil {
			t.Fatalf("expected valid transition %s->%s, got %v", pair[0], pair[1], err)
		}
	}
}

func TestValidateTransitionInvalid(t *testing.T) {
	t.Parallel()

	invalid := [][2]types.JobStatus{
		{types.JobQueued, types.JobSucceeded},
		{types.JobSucceeded, types.JobQueued},
		{types.JobSucceeded, types.JobFailed},
		{types.JobRunning, types.JobQueued},
		{types.JobFailed, types.JobRunning},
		{"lost", types.JobQueued},
	}
	for _, pair := range invalid {
		if err := ValidateTransition(pair[0], pair[1]); err == nil {
			t.Fatalf("expected invalid transition %s->%s", pair[0], pair[1])
		}
	}
}

func TestRetryFromFailed(t *testing.T) {
	t.Parallel()

	state, next, err := RetryFromFailed(1, 3)
	if err != nil || state != types.JobQueued || next != 2 {
		t.Fatalf("RetryFromFailed(1, 3) = %s, %d, %v", state, next, err)
	}
	if _, _, err := RetryFromFailed(3, 3); err == nil {
		t.Fatal("expected exhausted budget")
	}
	if _, _, err := RetryFromFailed(1, 0); err == nil {
		t.Fatal("expected error for zero budget")
	}
}
