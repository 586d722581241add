package backend

import (
	"context"

	"otto/internal/task"
)

// Kind identifies one of the two backend shapes.
type Kind string

const (
	// KindQueue is the queue/worker backend: discrete steps, outputs and an
	// explicit approval gate before execution.
	KindQueue Kind = "queue"
	// KindHosted is the hosted-agent backend: a single opaque remote task id
	// plus a message stream.
	KindHosted Kind = "hosted"
)

// Capabilities describes what a backend variant supports. Unsupported
// controls are surfaced as no-ops by the adapter, never as errors, so the
// caller UI is never blocked by a missing feature.
type Capabilities struct {
	Pause            bool
	Resume           bool
	RequiresApproval bool
	Steps            bool
}

// SubmitResult is the normalized outcome of a creation call. Backends answer
// with either a full task record or a bare task id; adapters populate
// whichever fields the response carried.
type SubmitResult struct {
	TaskID      string
	RemoteID    string
	Task        *task.Task
	Status      task.Status
	PlanSummary string
}

// Snapshot is the canonical, backend-agnostic view of a task's current
// state. Both the poll path and the stub's push path produce this shape.
type Snapshot struct {
	// Ready is false when the backend reported "not ready yet"; the caller
	// keeps the previous state and polls again.
	Ready       bool
	Task        *task.Task
	Steps       []*task.Step
	Outputs     []*task.Output
	Logs        []task.LogLine
	Messages    []task.Message
	Suggestions []string
}

// Adapter translates orchestrator intents into calls against one backend
// shape. Mutating methods update local state only after the backend
// confirms, to avoid racing an incoming push update.
type Adapter interface {
	Kind() Kind
	Capabilities() Capabilities

	// Submit performs the remote creation call. Rate limiting and
	// insufficient balance fail with distinguishable error kinds.
	Submit(ctx context.Context, prompt string, opts task.CreateOptions) (*SubmitResult, error)

	// FetchStatus is the pull-based status check. A "not ready" response
	// yields Ready=false, not an error.
	FetchStatus(ctx context.Context, taskID string) (*Snapshot, error)

	// TriggerStart fires the worker/approval trigger. Fire-and-forget:
	// errors are logged by the caller but never block the local transition.
	TriggerStart(ctx context.Context, taskID string) error

	RequestCancel(ctx context.Context, taskID string) error
	RequestPause(ctx context.Context, taskID string) error
	RequestResume(ctx context.Context, taskID string) error
}
