package job

import (
	"errors"
	"testing"
)

func Test_Job_ForwardTransitions(t *testing.T) {
	t.Parallel()

	path := []Status{StatusDiscovering, StatusPending, StatusInProgress, StatusCompleted}
	for i := 0; i < len(path)-1; i++ {
		got, err := Transition(path[i], path[i+1])
		if err != nil {
			t.Fatalf("transition %s -> %s: %v", path[i], path[i+1], err)
		}
		if got != path[i+1] {
			t.Errorf("transition %s -> %s: got %s", path[i], path[i+1], got)
		}
	}
}

func Test_Job_AnyNonTerminalMayFail(t *testing.T) {
	t.Parallel()

	for _, from := range []Status{StatusDiscovering, StatusPending, StatusInProgress} {
		if _, err := Transition(from, StatusFailed); err != nil {
			t.Errorf("%s -> FAILED should be allowed: %v", from, err)
		}
	}
}

func Test_Job_NoBackwardTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct{ from, to Status }{
		{StatusPending, StatusDiscovering},
		{StatusInProgress, StatusPending},
		{StatusCompleted, StatusInProgress},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusPending},
	}
	for _, c := range cases {
		if _, err := Transition(c.from, c.to); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: want ErrInvalidTransition, got %v", c.from, c.to, err)
		}
	}
}

func Test_Job_SelfTransitionIdempotent(t *testing.T) {
	t.Parallel()

	if !CanTransition(StatusInProgress, StatusInProgress) {
		t.Error("non-terminal self transition should be allowed")
	}
	if CanTransition(StatusCompleted, StatusCompleted) {
		t.Error("terminal self transition should be rejected")
	}
}

func Test_Job_UnknownStatusRejected(t *testing.T) {
	t.Parallel()

	if _, err := Transition(StatusPending, Status("RUNNING")); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("unknown target status: want ErrInvalidTransition, got %v", err)
	}
}

func Test_Job_MergeProgressMonotonic(t *testing.T) {
	t.Parallel()

	if got := MergeProgress(5, 3); got != 5 {
		t.Errorf("stale write must not regress: got %d", got)
	}
	if got := MergeProgress(5, 9); got != 9 {
		t.Errorf("newer write must win: got %d", got)
	}
}
