package queue

import (
	"context"
	"fmt"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"otto/internal/backend"
	sharederrors "otto/internal/shared/errors"
	"otto/internal/shared/logging"
	"otto/internal/task"
)

// Adapter talks to the queue/worker backend: tasks are persisted rows worked
// by a separate worker process, with discrete steps, outputs and an explicit
// approval gate.
type Adapter struct {
	rest   *backend.RESTClient
	logger logging.Logger
	tracer trace.Tracer
}

// Config holds queue adapter settings.
type Config struct {
	BaseURL string
	APIKey  string
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// New creates a queue backend adapter.
func New(cfg Config, logger logging.Logger) *Adapter {
	return &Adapter{
		rest:   backend.NewRESTClient("queue", cfg.BaseURL, cfg.APIKey, cfg.HTTPClient, logger),
		logger: logging.OrNop(logger),
		tracer: otel.Tracer("otto/backend/queue"),
	}
}

func (a *Adapter) Kind() backend.Kind {
	return backend.KindQueue
}

func (a *Adapter) Capabilities() backend.Capabilities {
	return backend.Capabilities{Pause: true, Resume: true, RequiresApproval: true, Steps: true}
}

type createRequest struct {
	Prompt         string   `json:"prompt"`
	TaskType       string   `json:"taskType,omitempty"`
	PrivacyTier    string   `json:"privacyTier,omitempty"`
	MemoryContext  string   `json:"memoryContext,omitempty"`
	Attachments    []string `json:"attachments,omitempty"`
	ConnectedTools []string `json:"connectedTools,omitempty"`
	TemplateID     string   `json:"templateId,omitempty"`
}

// createResponse accepts both creation shapes: a full task record or a bare
// task id with optional status and plan.
type createResponse struct {
	Task   *taskRecord `json:"task,omitempty"`
	TaskID string      `json:"taskId,omitempty"`
	Status string      `json:"status,omitempty"`
	Plan   string      `json:"plan,omitempty"`
}

type statusResponse struct {
	Success     bool            `json:"success"`
	Task        *taskRecord     `json:"task,omitempty"`
	Steps       []*stepRecord   `json:"steps,omitempty"`
	Outputs     []*outputRecord `json:"outputs,omitempty"`
	Suggestions []string        `json:"suggestions,omitempty"`
}

type taskRecord struct {
	ID                 string     `json:"id"`
	Prompt             string     `json:"prompt,omitempty"`
	Status             string     `json:"status"`
	CurrentStep        int        `json:"currentStep,omitempty"`
	TotalSteps         int        `json:"totalSteps,omitempty"`
	ProgressPercentage float64    `json:"progressPercentage,omitempty"`
	PlanSummary        string     `json:"planSummary,omitempty"`
	PlanJSON           string     `json:"planJson,omitempty"`
	ResultSummary      string     `json:"resultSummary,omitempty"`
	Result             string     `json:"result,omitempty"`
	ErrorMessage       string     `json:"errorMessage,omitempty"`
	CreditsUsed        float64    `json:"creditsUsed,omitempty"`
	TokensUsed         int        `json:"tokensUsed,omitempty"`
	DurationMs         int64      `json:"durationMs,omitempty"`
	CreatedAt          time.Time  `json:"createdAt,omitempty"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
}

type stepRecord struct {
	ID           string     `json:"id"`
	StepNumber   int        `json:"stepNumber"`
	ToolName     string     `json:"toolName,omitempty"`
	Description  string     `json:"description,omitempty"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Revision     int64      `json:"revision,omitempty"`
	UpdatedAt    *time.Time `json:"updatedAt,omitempty"`
}

type outputRecord struct {
	ID               string `json:"id"`
	FileName         string `json:"fileName"`
	OutputType       string `json:"outputType,omitempty"`
	MimeType         string `json:"mimeType,omitempty"`
	SizeBytes        int64  `json:"sizeBytes,omitempty"`
	DownloadURL      string `json:"downloadUrl,omitempty"`
	PreviewURL       string `json:"previewUrl,omitempty"`
	ConversionStatus string `json:"conversionStatus,omitempty"`
	ConvertedFormat  string `json:"convertedFormat,omitempty"`
}

// Submit performs the remote creation call.
func (a *Adapter) Submit(ctx context.Context, prompt string, opts task.CreateOptions) (*backend.SubmitResult, error) {
	ctx, span := a.tracer.Start(ctx, "queue.Submit")
	defer span.End()

	reqBody := createRequest{
		Prompt:         prompt,
		TaskType:       opts.TaskType,
		PrivacyTier:    opts.PrivacyTier,
		MemoryContext:  opts.MemoryContext,
		Attachments:    opts.Attachments,
		ConnectedTools: opts.ConnectedTools,
		TemplateID:     opts.TemplateID,
	}

	var resp createResponse
	if err := a.rest.DoJSON(ctx, http.MethodPost, "/api/tasks", reqBody, &resp); err != nil {
		return nil, err
	}

	result := &backend.SubmitResult{
		TaskID:      resp.TaskID,
		Status:      task.ParseStatus(resp.Status),
		PlanSummary: resp.Plan,
	}
	if resp.Task != nil {
		t := resp.Task.toTask()
		result.Task = t
		result.TaskID = t.ID
		result.Status = t.Status
	}
	if result.TaskID == "" {
		return nil, sharederrors.New(sharederrors.KindInvalidResponse, "create response carried no task id")
	}
	return result, nil
}

// FetchStatus pulls the canonical field set for a task.
func (a *Adapter) FetchStatus(ctx context.Context, taskID string) (*backend.Snapshot, error) {
	ctx, span := a.tracer.Start(ctx, "queue.FetchStatus")
	defer span.End()

	var resp statusResponse
	if err := a.rest.DoJSON(ctx, http.MethodGet, "/api/tasks/"+taskID, nil, &resp); err != nil {
		return nil, err
	}

	// success:false means "not ready yet", never a hard error.
	if !resp.Success {
		return &backend.Snapshot{Ready: false}, nil
	}

	snap := &backend.Snapshot{Ready: true, Suggestions: resp.Suggestions}
	if resp.Task != nil {
		snap.Task = resp.Task.toTask()
	}
	for _, s := range resp.Steps {
		snap.Steps = append(snap.Steps, s.toStep(taskID))
	}
	for _, o := range resp.Outputs {
		snap.Outputs = append(snap.Outputs, o.toOutput(taskID))
	}
	return snap, nil
}

// TriggerStart fires the worker trigger for an approved task.
func (a *Adapter) TriggerStart(ctx context.Context, taskID string) error {
	ctx, span := a.tracer.Start(ctx, "queue.TriggerStart")
	defer span.End()

	return a.rest.DoJSON(ctx, http.MethodPost, "/api/tasks/"+taskID+"/worker", nil, nil)
}

// RequestCancel patches the persisted status and pokes the worker so it
// observes the change promptly.
func (a *Adapter) RequestCancel(ctx context.Context, taskID string) error {
	return a.patchStatus(ctx, taskID, "cancelled")
}

func (a *Adapter) RequestPause(ctx context.Context, taskID string) error {
	return a.patchStatus(ctx, taskID, "paused")
}

func (a *Adapter) RequestResume(ctx context.Context, taskID string) error {
	return a.patchStatus(ctx, taskID, "executing")
}

// patchStatus performs the direct status mutation used for pause, resume and
// cancel. These calls are best-effort: transient failures are retried with a
// short backoff before giving up.
func (a *Adapter) patchStatus(ctx context.Context, taskID, status string) error {
	ctx, span := a.tracer.Start(ctx, "queue.patchStatus")
	defer span.End()

	body := map[string]string{"status": status}
	operation := func() error {
		err := a.rest.DoJSON(ctx, http.MethodPatch, "/api/tasks/"+taskID, body, nil)
		if err != nil && !sharederrors.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 3 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("patch status %s: %w", status, err)
	}

	// Poke the worker; its failure is logged, not surfaced, because the
	// persisted status change already took effect.
	if err := a.TriggerStart(ctx, taskID); err != nil {
		a.logger.Warn("queue: worker trigger after status=%s failed for %s: %v", status, taskID, err)
	}
	return nil
}

func (r *taskRecord) toTask() *task.Task {
	return &task.Task{
		ID:                 r.ID,
		Prompt:             r.Prompt,
		Status:             task.ParseStatus(r.Status),
		CurrentStep:        r.CurrentStep,
		TotalSteps:         r.TotalSteps,
		ProgressPercentage: r.ProgressPercentage,
		PlanSummary:        r.PlanSummary,
		PlanJSON:           r.PlanJSON,
		ResultSummary:      r.ResultSummary,
		Result:             r.Result,
		ErrorMessage:       r.ErrorMessage,
		CreditsUsed:        r.CreditsUsed,
		TokensUsed:         r.TokensUsed,
		DurationMs:         r.DurationMs,
		CreatedAt:          r.CreatedAt,
		StartedAt:          r.StartedAt,
		CompletedAt:        r.CompletedAt,
	}
}

func (r *stepRecord) toStep(taskID string) *task.Step {
	revision := r.Revision
	if revision == 0 && r.UpdatedAt != nil {
		revision = r.UpdatedAt.UnixMilli()
	}
	return &task.Step{
		ID:           r.ID,
		TaskID:       taskID,
		StepNumber:   r.StepNumber,
		ToolName:     r.ToolName,
		Description:  r.Description,
		Status:       task.StepStatus(r.Status),
		ErrorMessage: r.ErrorMessage,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		Revision:     revision,
	}
}

func (r *outputRecord) toOutput(taskID string) *task.Output {
	return &task.Output{
		ID:               r.ID,
		TaskID:           taskID,
		FileName:         r.FileName,
		OutputType:       r.OutputType,
		MimeType:         r.MimeType,
		SizeBytes:        r.SizeBytes,
		DownloadURL:      r.DownloadURL,
		PreviewURL:       r.PreviewURL,
		ConversionStatus: r.ConversionStatus,
		ConvertedFormat:  r.ConvertedFormat,
	}
}

var _ backend.Adapter = (*Adapter)(nil)
