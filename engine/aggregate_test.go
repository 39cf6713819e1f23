package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveTerminal(t *testing.T) {
	cases := []struct {
		name     string
		statuses []BranchStatus
		want     ExecutionStatus
		done     bool
	}{
		{"all completed", []BranchStatus{BranchCompleted, BranchCompleted}, StatusCompleted, true},
		{"single completed", []BranchStatus{BranchCompleted}, StatusCompleted, true},
		{"all failed", []BranchStatus{BranchFailed, BranchFailed}, StatusFailed, true},
		{"one failed among completed", []BranchStatus{BranchCompleted, BranchFailed, BranchCompleted}, StatusFailed, true},
		{"failed beats cancelled", []BranchStatus{BranchCancelled, BranchFailed}, StatusFailed, true},
		{"failed with every other state", []BranchStatus{BranchCompleted, BranchCancelled, BranchFailed}, StatusFailed, true},
		{"all cancelled", []BranchStatus{BranchCancelled, BranchCancelled}, StatusCancelled, true},
		{"completed and cancelled mix", []BranchStatus{BranchCompleted, BranchCancelled}, StatusCancelled, true},
		{"still pending", []BranchStatus{BranchCompleted, BranchPending}, "", false},
		{"still running", []BranchStatus{BranchFailed, BranchRunning}, "", false},
		{"no branches resolves empty as completed", nil, StatusCompleted, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, done := resolveTerminal(tc.statuses)
			assert.Equal(t, tc.done, done)
			if tc.done {
				assert.Equal(t, tc.want, status)
			}
		})
	}
}
