package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	sharederrors "otto/internal/shared/errors"
)

// Store is an in-memory task store. The stub backend serves from it and
// embedders can use it to keep finished tasks around; the orchestrator's own
// active-task state is separate.
type Store struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	steps   map[string][]*Step
	outputs map[string][]*Output
	logs    map[string][]LogLine
	logSeq  map[string]int64
}

// NewStore creates a new in-memory task store.
func NewStore() *Store {
	return &Store{
		tasks:   make(map[string]*Task),
		steps:   make(map[string][]*Step),
		outputs: make(map[string][]*Output),
		logs:    make(map[string][]LogLine),
		logSeq:  make(map[string]int64),
	}
}

// Create creates a new task in planning state.
func (s *Store) Create(ctx context.Context, prompt string, opts CreateOptions) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &Task{
		ID:        fmt.Sprintf("task-%s", uuid.New().String()),
		Prompt:    prompt,
		Status:    StatusPlanning,
		CreatedAt: time.Now(),
	}
	s.tasks[t.ID] = t
	return cloneTask(t), nil
}

// Get retrieves a task by ID.
func (s *Store) Get(ctx context.Context, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	return cloneTask(t), nil
}

// List returns tasks with pagination, newest first.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*Task, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, cloneTask(t))
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})

	total := len(tasks)
	if offset >= total {
		return []*Task{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return tasks[offset:end], total, nil
}

// Delete removes a task and its sub-records.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[taskID]; !exists {
		return fmt.Errorf("task not found: %s", taskID)
	}
	delete(s.tasks, taskID)
	delete(s.steps, taskID)
	delete(s.outputs, taskID)
	delete(s.logs, taskID)
	delete(s.logSeq, taskID)
	return nil
}

// SetStatus updates task status and stamps lifecycle timestamps.
func (s *Store) SetStatus(ctx context.Context, taskID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("task not found: %s", taskID)
	}

	t.Status = status
	now := time.Now()
	switch status {
	case StatusExecuting:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case StatusCompleted, StatusFailed:
		if t.CompletedAt == nil {
			t.CompletedAt = &now
		}
		if t.StartedAt != nil {
			t.DurationMs = now.Sub(*t.StartedAt).Milliseconds()
		}
	}
	return nil
}

// SetPlan records the planning result.
func (s *Store) SetPlan(ctx context.Context, taskID, summary, planJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("task not found: %s", taskID)
	}
	t.PlanSummary = summary
	t.PlanJSON = planJSON
	return nil
}

// SetError records task failure.
func (s *Store) SetError(ctx context.Context, taskID string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("task not found: %s", taskID)
	}

	t.ErrorMessage = sharederrors.UserMessage(err)
	t.Status = StatusFailed
	now := time.Now()
	if t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	return nil
}

// SetResult stores task completion.
func (s *Store) SetResult(ctx context.Context, taskID, summary, result string, tokensUsed int, creditsUsed float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("task not found: %s", taskID)
	}

	t.ResultSummary = summary
	t.Result = result
	t.TokensUsed = tokensUsed
	t.CreditsUsed = creditsUsed
	t.Status = StatusCompleted
	now := time.Now()
	if t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	if t.StartedAt != nil {
		t.DurationMs = now.Sub(*t.StartedAt).Milliseconds()
	}
	return nil
}

// UpdateProgress updates task execution progress.
func (s *Store) UpdateProgress(ctx context.Context, taskID string, currentStep, totalSteps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("task not found: %s", taskID)
	}

	t.CurrentStep = currentStep
	t.TotalSteps = totalSteps
	if totalSteps > 0 {
		t.ProgressPercentage = float64(currentStep) / float64(totalSteps) * 100
	}
	return nil
}

// UpsertStep merges a step by ID, appending when unseen.
func (s *Store) UpsertStep(ctx context.Context, step *Step) error {
	if step == nil || step.TaskID == "" {
		return fmt.Errorf("step requires a task id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	steps := s.steps[step.TaskID]
	for i, existing := range steps {
		if existing.ID == step.ID {
			steps[i] = step
			return nil
		}
	}
	s.steps[step.TaskID] = append(steps, step)
	return nil
}

// Steps returns the steps of a task ordered by step number.
func (s *Store) Steps(ctx context.Context, taskID string) []*Step {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps := make([]*Step, len(s.steps[taskID]))
	copy(steps, s.steps[taskID])
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].StepNumber < steps[j].StepNumber
	})
	return steps
}

// AddOutput records a produced artifact.
func (s *Store) AddOutput(ctx context.Context, out *Output) error {
	if out == nil || out.TaskID == "" {
		return fmt.Errorf("output requires a task id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[out.TaskID] = append(s.outputs[out.TaskID], out)
	return nil
}

// Outputs returns the outputs of a task in insertion order.
func (s *Store) Outputs(ctx context.Context, taskID string) []*Output {
	s.mu.RLock()
	defer s.mu.RUnlock()

	outputs := make([]*Output, len(s.outputs[taskID]))
	copy(outputs, s.outputs[taskID])
	return outputs
}

// AppendLog appends a progress line with the next sequence number and
// returns the stored entry.
func (s *Store) AppendLog(ctx context.Context, taskID, text string) (LogLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[taskID]; !exists {
		return LogLine{}, fmt.Errorf("task not found: %s", taskID)
	}

	s.logSeq[taskID]++
	line := LogLine{
		TaskID:   taskID,
		Sequence: s.logSeq[taskID],
		Text:     text,
		LoggedAt: time.Now(),
	}
	s.logs[taskID] = append(s.logs[taskID], line)
	return line, nil
}

// Logs returns the progress stream of a task in sequence order.
func (s *Store) Logs(ctx context.Context, taskID string) []LogLine {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]LogLine, len(s.logs[taskID]))
	copy(logs, s.logs[taskID])
	return logs
}

func cloneTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}
