// SPDX-License-Identifier: Apache-2.0

package domain

import "testing"

func TestTaskStatusConstants(t *testing.T) {
	if TaskPending != "pending" {
		t.Fatalf("unexpected TaskPending value: %s", TaskPending)
	}
	if TaskRunning != "running" {
		t.Fatalf("unexpected TaskRunning value: %s", TaskRunning)
	}
	if TaskCompleted != "completed" {
		t.Fatalf("unexpected TaskCompleted value: %s", TaskCompleted)
	}
	if TaskFailed != "failed" {
		t.Fatalf("unexpected TaskFailed value: %s", TaskFailed)
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskPending, TaskRunning, true},
		{TaskPending, TaskCompleted, false},
		{TaskPending, TaskFailed, false},
		{TaskRunning, TaskCompleted, true},
		{TaskRunning, TaskFailed, true},
		{TaskRunning, TaskRunning, false},
		{TaskRunning, TaskPending, false},
		{TaskCompleted, TaskFailed, false},
		{TaskCompleted, TaskRunning, false},
		{TaskFailed, TaskCompleted, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Fatalf("%s -> %s: expected %v got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	if TaskPending.Terminal() || TaskRunning.Terminal() {
		t.Fatal("expected pending and running to be non-terminal")
	}
	if !TaskCompleted.Terminal() || !TaskFailed.Terminal() {
		t.Fatal("expected completed and failed to be terminal")
	}
}
