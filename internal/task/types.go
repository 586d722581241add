package task

import (
	"fmt"
	"sync/atomic"
	"time"

	sharederrors "otto/internal/shared/errors"
)

var taskSeq atomic.Uint64

// Task is one submitted unit of agentic work tracked end-to-end.
type Task struct {
	ID       string `json:"id"`
	RemoteID string `json:"remote_id,omitempty"`
	Prompt   string `json:"prompt"`
	Status   Status `json:"status"`

	CurrentStep        int     `json:"current_step,omitempty"`
	TotalSteps         int     `json:"total_steps,omitempty"`
	ProgressPercentage float64 `json:"progress_percentage,omitempty"`

	PlanSummary string `json:"plan_summary,omitempty"`
	PlanJSON    string `json:"plan_json,omitempty"`

	ResultSummary string `json:"result_summary,omitempty"`
	Result        string `json:"result,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`

	CreditsUsed float64 `json:"credits_used,omitempty"`
	TokensUsed  int     `json:"tokens_used,omitempty"`
	DurationMs  int64   `json:"duration_ms,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Cancelled reports whether the task failed because the user stopped it.
func (t *Task) Cancelled() bool {
	if t == nil || t.Status != StatusFailed {
		return false
	}
	return t.ErrorMessage == sharederrors.MessageStoppedByUser ||
		t.ErrorMessage == sharederrors.MessageTaskCancelled
}

// StepStatus is the backend-reported state of one step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Step is an ordered unit of backend-reported work inside a Task. Steps are
// append-only by StepNumber; updates to an existing step merge by ID.
type Step struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"task_id"`
	StepNumber   int        `json:"step_number"`
	ToolName     string     `json:"tool_name,omitempty"`
	Description  string     `json:"description,omitempty"`
	Status       StepStatus `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	// Revision orders updates for the same step across channels. Backends
	// that do not report one get it stamped from UpdatedAt unix-millis by
	// the adapter.
	Revision int64 `json:"revision,omitempty"`
}

// Output is a produced artifact linked to a Task.
type Output struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	FileName   string `json:"file_name"`
	OutputType string `json:"output_type,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`

	DownloadURL string `json:"download_url,omitempty"`
	PreviewURL  string `json:"preview_url,omitempty"`

	// Conversion fields are set when the artifact format differs from what
	// was requested and the backend converts asynchronously.
	ConversionStatus string `json:"conversion_status,omitempty"`
	ConvertedFormat  string `json:"converted_format,omitempty"`
}

// LogLine is one entry of the append-only, strictly-ordered progress stream.
type LogLine struct {
	TaskID   string    `json:"task_id"`
	Sequence int64     `json:"sequence"`
	Text     string    `json:"text"`
	LoggedAt time.Time `json:"logged_at,omitempty"`
}

// Message is a chat-style turn synthesized from the hosted-agent backend's
// structured output format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CreateOptions carries the optional fields of the task creation call.
type CreateOptions struct {
	TaskType       string   `json:"task_type,omitempty"`
	PrivacyTier    string   `json:"privacy_tier,omitempty"`
	MemoryContext  string   `json:"memory_context,omitempty"`
	Attachments    []string `json:"attachments,omitempty"`
	ConnectedTools []string `json:"connected_tools,omitempty"`
	TemplateID     string   `json:"template_id,omitempty"`
}

// NewID generates a process-unique task id.
func NewID() string {
	seq := taskSeq.Add(1)
	return fmt.Sprintf("task_%d_%d", time.Now().UnixMilli(), seq)
}
