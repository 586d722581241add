package hosted

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"otto/internal/backend"
	sharederrors "otto/internal/shared/errors"
	"otto/internal/shared/logging"
	"otto/internal/task"
)

// Adapter talks to the hosted-agent backend: submission yields a single
// opaque remote task id and status pulls carry a free-form output array that
// is translated to canonical messages at this boundary.
type Adapter struct {
	rest   *backend.RESTClient
	logger logging.Logger
	tracer trace.Tracer
}

// Config holds hosted adapter settings.
type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// New creates a hosted backend adapter.
func New(cfg Config, logger logging.Logger) *Adapter {
	return &Adapter{
		rest:   backend.NewRESTClient("hosted", cfg.BaseURL, cfg.APIKey, cfg.HTTPClient, logger),
		logger: logging.OrNop(logger),
		tracer: otel.Tracer("otto/backend/hosted"),
	}
}

func (a *Adapter) Kind() backend.Kind {
	return backend.KindHosted
}

func (a *Adapter) Capabilities() backend.Capabilities {
	// The hosted service runs straight through: no approval gate, no
	// pause/resume, no discrete steps.
	return backend.Capabilities{}
}

type createRequest struct {
	Prompt   string `json:"prompt"`
	TaskType string `json:"taskType,omitempty"`
}

type createResponse struct {
	TaskID string `json:"taskId"`
	Status string `json:"status,omitempty"`
}

type statusResponse struct {
	Status string            `json:"status"`
	Error  string            `json:"error,omitempty"`
	Usage  *usageRecord      `json:"usage,omitempty"`
	Output []json.RawMessage `json:"output,omitempty"`
}

type usageRecord struct {
	TokensUsed  int     `json:"tokensUsed,omitempty"`
	CreditsUsed float64 `json:"creditsUsed,omitempty"`
}

// Submit performs the remote creation call. The remote id is the only handle
// the hosted service gives us.
func (a *Adapter) Submit(ctx context.Context, prompt string, opts task.CreateOptions) (*backend.SubmitResult, error) {
	ctx, span := a.tracer.Start(ctx, "hosted.Submit")
	defer span.End()

	var resp createResponse
	err := a.rest.DoJSON(ctx, http.MethodPost, "/v1/agent/tasks", createRequest{Prompt: prompt, TaskType: opts.TaskType}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.TaskID == "" {
		return nil, sharederrors.New(sharederrors.KindInvalidResponse, "create response carried no task id")
	}

	return &backend.SubmitResult{
		TaskID:   task.NewID(),
		RemoteID: resp.TaskID,
		Status:   task.ParseStatus(resp.Status),
	}, nil
}

// FetchStatus pulls the remote task and synthesizes the message list from
// whatever the output array contains.
func (a *Adapter) FetchStatus(ctx context.Context, remoteID string) (*backend.Snapshot, error) {
	ctx, span := a.tracer.Start(ctx, "hosted.FetchStatus")
	defer span.End()

	var resp statusResponse
	if err := a.rest.DoJSON(ctx, http.MethodGet, "/v1/agent/tasks/"+remoteID, nil, &resp); err != nil {
		return nil, err
	}

	messages := a.synthesizeMessages(resp.Output)

	t := &task.Task{
		RemoteID:     remoteID,
		Status:       task.ParseStatus(resp.Status),
		ErrorMessage: resp.Error,
	}
	if resp.Usage != nil {
		t.TokensUsed = resp.Usage.TokensUsed
		t.CreditsUsed = resp.Usage.CreditsUsed
	}
	if t.Status == task.StatusCompleted {
		// The final assistant turn doubles as the result payload.
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == "assistant" {
				t.Result = messages[i].Content
				t.ResultSummary = summarize(messages[i].Content)
				break
			}
		}
	}

	return &backend.Snapshot{Ready: true, Task: t, Messages: messages}, nil
}

// TriggerStart is a no-op: the hosted service begins work on submit.
func (a *Adapter) TriggerStart(ctx context.Context, remoteID string) error {
	return nil
}

// RequestCancel cancels the remote task.
func (a *Adapter) RequestCancel(ctx context.Context, remoteID string) error {
	ctx, span := a.tracer.Start(ctx, "hosted.RequestCancel")
	defer span.End()

	return a.rest.DoJSON(ctx, http.MethodDelete, "/v1/agent/tasks/"+remoteID, nil, nil)
}

// RequestPause is a no-op: the hosted service cannot pause. The notice keeps
// the gap visible in logs without blocking the caller.
func (a *Adapter) RequestPause(ctx context.Context, remoteID string) error {
	a.logger.Info("hosted: pause not supported by this backend, ignoring for %s", remoteID)
	return nil
}

// RequestResume is a no-op, see RequestPause.
func (a *Adapter) RequestResume(ctx context.Context, remoteID string) error {
	a.logger.Info("hosted: resume not supported by this backend, ignoring for %s", remoteID)
	return nil
}

// synthesizeMessages translates the backend's arbitrary output entries into
// chat turns. Sloppy JSON is repaired before falling back to raw text; an
// unparseable entry still surfaces as content rather than being dropped.
func (a *Adapter) synthesizeMessages(output []json.RawMessage) []task.Message {
	if len(output) == 0 {
		return nil
	}

	messages := make([]task.Message, 0, len(output))
	for _, raw := range output {
		entry := decodeEntry(raw)
		if entry == nil {
			repaired, err := jsonrepair.JSONRepair(string(raw))
			if err == nil {
				entry = decodeEntry(json.RawMessage(repaired))
			}
			if entry == nil {
				a.logger.Warn("hosted: unparseable output entry, rendering as text")
				entry = &task.Message{Role: "assistant", Content: strings.TrimSpace(string(raw))}
			}
		}
		if entry.Content == "" {
			continue
		}
		messages = append(messages, *entry)
	}
	return messages
}

// decodeEntry understands the shapes observed from the hosted service: a
// bare string, {role, content}, {type, text}, and {message: {...}} wrappers.
func decodeEntry(raw json.RawMessage) *task.Message {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return &task.Message{Role: "assistant", Content: text}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}

	if inner, ok := obj["message"]; ok {
		if msg := decodeEntry(inner); msg != nil {
			return msg
		}
	}

	role := stringField(obj, "role")
	if role == "" {
		role = "assistant"
	}

	for _, key := range []string{"content", "text", "output"} {
		if content := contentField(obj, key); content != "" {
			return &task.Message{Role: role, Content: content}
		}
	}
	return nil
}

// contentField extracts a string from a field that may be a plain string or
// an array of content blocks.
func contentField(obj map[string]json.RawMessage, key string) string {
	raw, ok := obj[key]
	if !ok {
		return ""
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	var blocks []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, block := range blocks {
		if part := stringField(block, "text"); part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "\n")
}

func stringField(obj map[string]json.RawMessage, key string) string {
	raw, ok := obj[key]
	if !ok {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return value
}

func summarize(content string) string {
	const maxLen = 200
	content = strings.TrimSpace(content)
	if idx := strings.IndexByte(content, '\n'); idx > 0 {
		content = content[:idx]
	}
	if len(content) > maxLen {
		content = content[:maxLen]
	}
	return content
}

var _ backend.Adapter = (*Adapter)(nil)
