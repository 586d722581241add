package task

import "strings"

// Status is the authoritative lifecycle state of a task.
type Status string

const (
	StatusIdle             Status = "idle"
	StatusPlanning         Status = "planning"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusPaused           Status = "paused"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// ParseStatus normalizes a backend-reported status string. Unknown values
// map to idle rather than erroring so backend schema drift cannot break the
// client.
func ParseStatus(raw string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusIdle:
		return StatusIdle
	case StatusPlanning:
		return StatusPlanning
	case StatusAwaitingApproval:
		return StatusAwaitingApproval
	case StatusExecuting:
		return StatusExecuting
	case StatusPaused:
		return StatusPaused
	case StatusCompleted:
		return StatusCompleted
	case StatusFailed:
		return StatusFailed
	}

	// Common aliases across backend variants.
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "queued":
		return StatusPlanning
	case "running", "in_progress":
		return StatusExecuting
	case "cancelled", "aborted":
		return StatusFailed
	case "done", "succeeded":
		return StatusCompleted
	case "error":
		return StatusFailed
	}
	return StatusIdle
}

// Terminal reports whether no further transitions occur without a reset.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Live reports whether the backend may still make progress without caller
// action. awaiting_approval and paused are excluded: both wait on the user.
func (s Status) Live() bool {
	return s == StatusPlanning || s == StatusExecuting
}

// CanTransition reports whether moving from one status to another is legal.
// Transitions are monotonic toward a terminal state except paused↔executing.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusIdle:
		return to == StatusPlanning
	case StatusPlanning:
		return to == StatusAwaitingApproval || to == StatusExecuting ||
			to == StatusCompleted || to == StatusFailed
	case StatusAwaitingApproval:
		return to == StatusExecuting || to == StatusFailed
	case StatusExecuting:
		return to == StatusPaused || to == StatusCompleted || to == StatusFailed
	case StatusPaused:
		return to == StatusExecuting || to == StatusCompleted || to == StatusFailed
	case StatusCompleted, StatusFailed:
		// Absorbing. Only reset() leaves a terminal state, and reset
		// rebuilds state rather than transitioning.
		return false
	}
	return false
}
