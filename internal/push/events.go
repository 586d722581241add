package push

import (
	"context"
	"encoding/json"
)

// Concern names one logical push topic per task. The server publishes the
// full new/changed record for the concern as the event payload.
type Concern string

const (
	ConcernTask    Concern = "task"
	ConcernLogs    Concern = "logs"
	ConcernSteps   Concern = "steps"
	ConcernOutputs Concern = "outputs"
)

// Concerns lists every topic a task subscription set covers.
func Concerns() []Concern {
	return []Concern{ConcernTask, ConcernLogs, ConcernSteps, ConcernOutputs}
}

// Event is one server-initiated change notification scoped to a task.
type Event struct {
	TaskID   string          `json:"task_id"`
	Concern  Concern         `json:"concern"`
	Sequence int64           `json:"sequence,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// Subscriber opens a live channel of change events for one (task, concern)
// topic. The returned channel closes when ctx is cancelled or the transport
// fails; the reconciler treats a closed channel as "fall back to polling".
type Subscriber interface {
	Watch(ctx context.Context, taskID string, concern Concern) (<-chan Event, error)
}
