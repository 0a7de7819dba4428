// Package job models the scrape-job lifecycle as an explicit state machine.
// A job is created in StatusDiscovering, accumulates discovered URLs, waits in
// StatusPending for URL selection, runs ingestion in StatusInProgress, and
// terminates in StatusCompleted or StatusFailed. Transitions are validated by
// pure functions so the store layer can reject illegal writes uniformly.
package job

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a scrape job.
type Status string

const (
	// StatusDiscovering means the crawler is still enumerating candidate URLs.
	StatusDiscovering Status = "DISCOVERING"
	// StatusPending means discovery finished and the job awaits URL selection.
	StatusPending Status = "PENDING"
	// StatusInProgress means the ingestion pipeline is processing selected URLs.
	StatusInProgress Status = "IN_PROGRESS"
	// StatusCompleted is the terminal success state.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed is the terminal failure state.
	StatusFailed Status = "FAILED"
)

// ErrInvalidTransition is returned when a requested status change is not
// permitted by the state machine.
var ErrInvalidTransition = errors.New("job: invalid status transition")

// transitions maps each status to the set of statuses it may move to.
// Every non-terminal status may fail; nothing moves backward.
var transitions = map[Status]map[Status]bool{
	StatusDiscovering: {StatusPending: true, StatusFailed: true},
	StatusPending:     {StatusInProgress: true, StatusFailed: true},
	StatusInProgress:  {StatusCompleted: true, StatusFailed: true},
	StatusCompleted:   {},
	StatusFailed:      {},
}

// Valid reports whether s is a known job status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a job may move from one status to another.
// A no-op transition (from == to) is allowed so idempotent writers do not
// need to special-case retries.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// Transition validates the requested status change and returns the new status.
// It returns ErrInvalidTransition (wrapped with both statuses) on violation.
func Transition(from, to Status) (Status, error) {
	if !to.Valid() {
		return from, fmt.Errorf("job: unknown status %q: %w", to, ErrInvalidTransition)
	}
	if !CanTransition(from, to) {
		return from, fmt.Errorf("job: %s -> %s: %w", from, to, ErrInvalidTransition)
	}
	return to, nil
}

// MergeProgress returns the monotonic merge of two progress counters.
// Progress fields never regress; a stale writer loses.
func MergeProgress(current, incoming int) int {
	if incoming > current {
		return incoming
	}
	return current
}
