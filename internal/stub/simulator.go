package stub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"otto/internal/push"
	sharederrors "otto/internal/shared/errors"
	"otto/internal/shared/logging"
	"otto/internal/task"
)

// SimulatorConfig tunes how the fake backend walks a task through its
// lifecycle.
type SimulatorConfig struct {
	Steps       int
	StepDelay   time.Duration
	AutoApprove bool
}

// Simulator drives submitted tasks through planning, approval, execution
// and completion against the store, publishing a push event for every
// change. It is the worker process of a real queue backend, collapsed into
// the stub.
type Simulator struct {
	cfg    SimulatorConfig
	store  *task.Store
	bus    *push.Bus
	logger logging.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	pokes   map[string]chan struct{}
}

// NewSimulator creates a simulator over the given store and bus.
func NewSimulator(cfg SimulatorConfig, store *task.Store, bus *push.Bus, logger logging.Logger) *Simulator {
	if cfg.Steps <= 0 {
		cfg.Steps = 3
	}
	if cfg.StepDelay <= 0 {
		cfg.StepDelay = 500 * time.Millisecond
	}
	return &Simulator{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		logger:  logging.OrNop(logger),
		cancels: make(map[string]context.CancelFunc),
		pokes:   make(map[string]chan struct{}),
	}
}

// Start begins the lifecycle walk for a freshly created task.
func (s *Simulator) Start(taskID string) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.cancels[taskID] = cancel
	s.pokes[taskID] = make(chan struct{}, 1)
	s.mu.Unlock()

	go s.run(ctx, taskID)
}

// Poke wakes a task waiting on caller action: approval after planning, or
// resumption after a pause.
func (s *Simulator) Poke(taskID string) {
	s.mu.Lock()
	ch := s.pokes[taskID]
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Stop aborts the walk for a task. The status change itself is the caller's
// responsibility, matching a real worker that only observes the store.
func (s *Simulator) Stop(taskID string) {
	s.mu.Lock()
	cancel := s.cancels[taskID]
	delete(s.cancels, taskID)
	delete(s.pokes, taskID)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Shutdown aborts every running walk.
func (s *Simulator) Shutdown() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = make(map[string]context.CancelFunc)
	s.pokes = make(map[string]chan struct{})
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (s *Simulator) run(ctx context.Context, taskID string) {
	defer s.Stop(taskID)

	if err := s.plan(ctx, taskID); err != nil {
		s.fail(taskID, err)
		return
	}
	if !s.cfg.AutoApprove {
		if err := s.awaitApproval(ctx, taskID); err != nil {
			return
		}
	}
	if err := s.execute(ctx, taskID); err != nil {
		s.fail(taskID, err)
		return
	}
	s.complete(taskID)
}

func (s *Simulator) plan(ctx context.Context, taskID string) error {
	s.appendLog(taskID, "Analyzing the request")
	if err := s.sleep(ctx); err != nil {
		return err
	}

	plan := fmt.Sprintf("Plan with %d steps", s.cfg.Steps)
	if err := s.store.SetPlan(ctx, taskID, plan, `{"steps":`+fmt.Sprint(s.cfg.Steps)+`}`); err != nil {
		return err
	}
	if !s.cfg.AutoApprove {
		if err := s.store.SetStatus(ctx, taskID, task.StatusAwaitingApproval); err != nil {
			return err
		}
	}
	s.publishTask(taskID)
	s.appendLog(taskID, "Plan ready")
	return nil
}

// awaitApproval blocks until the worker endpoint pokes the task or the walk
// is aborted.
func (s *Simulator) awaitApproval(ctx context.Context, taskID string) error {
	s.mu.Lock()
	poke := s.pokes[taskID]
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-poke:
		return nil
	}
}

func (s *Simulator) execute(ctx context.Context, taskID string) error {
	if err := s.store.SetStatus(ctx, taskID, task.StatusExecuting); err != nil {
		return err
	}
	s.publishTask(taskID)

	g, gctx := errgroup.WithContext(ctx)
	stepsDone := make(chan struct{})

	// Step pipeline: discrete steps, each reported twice (running, then
	// completed) like a real worker row update.
	g.Go(func() error {
		defer close(stepsDone)
		for i := 1; i <= s.cfg.Steps; i++ {
			if err := s.waitWhilePaused(gctx, taskID); err != nil {
				return err
			}

			step := &task.Step{
				ID:          fmt.Sprintf("step-%s", uuid.New().String()),
				TaskID:      taskID,
				StepNumber:  i,
				ToolName:    "simulate",
				Description: fmt.Sprintf("Work on part %d", i),
				Status:      task.StepRunning,
				Revision:    time.Now().UnixMilli(),
			}
			now := time.Now()
			step.StartedAt = &now
			if err := s.store.UpsertStep(gctx, step); err != nil {
				return err
			}
			s.publishStep(step)
			s.appendLog(taskID, fmt.Sprintf("Step %d/%d started", i, s.cfg.Steps))

			if err := s.sleep(gctx); err != nil {
				return err
			}

			done := *step
			completed := time.Now()
			done.Status = task.StepCompleted
			done.CompletedAt = &completed
			done.Revision = completed.UnixMilli()
			if err := s.store.UpsertStep(gctx, &done); err != nil {
				return err
			}
			if err := s.store.UpdateProgress(gctx, taskID, i, s.cfg.Steps); err != nil {
				return err
			}
			s.publishStep(&done)
			s.publishTask(taskID)
			s.appendLog(taskID, fmt.Sprintf("Step %d/%d finished", i, s.cfg.Steps))
		}
		return nil
	})

	// Heartbeat: periodic progress lines between step boundaries.
	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.StepDelay * 2)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-stepsDone:
				return nil
			case <-ticker.C:
				s.appendLog(taskID, "Still working")
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}

	out := &task.Output{
		ID:          fmt.Sprintf("output-%s", uuid.New().String()),
		TaskID:      taskID,
		FileName:    "result.md",
		OutputType:  "document",
		MimeType:    "text/markdown",
		SizeBytes:   128,
		DownloadURL: fmt.Sprintf("/api/tasks/%s/outputs/result.md", taskID),
	}
	if err := s.store.AddOutput(ctx, out); err != nil {
		return err
	}
	s.publishOutput(out)
	return nil
}

// waitWhilePaused parks the pipeline while the persisted status is paused.
// A poke or the next status check resumes it.
func (s *Simulator) waitWhilePaused(ctx context.Context, taskID string) error {
	s.mu.Lock()
	poke := s.pokes[taskID]
	s.mu.Unlock()

	for {
		t, err := s.store.Get(ctx, taskID)
		if err != nil {
			return err
		}
		switch t.Status {
		case task.StatusExecuting:
			return nil
		case task.StatusPaused:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-poke:
			case <-time.After(s.cfg.StepDelay):
			}
		default:
			return fmt.Errorf("task %s left execution: %s", taskID, t.Status)
		}
	}
}

func (s *Simulator) complete(taskID string) {
	ctx := context.Background()
	result := "All steps finished. See result.md for the produced document."
	if err := s.store.SetResult(ctx, taskID, "All steps finished", result, 2048, 0.5); err != nil {
		s.logger.Warn("simulator: record result for %s: %v", taskID, err)
		return
	}
	s.appendLog(taskID, "Task completed")
	s.publishTask(taskID)
}

func (s *Simulator) fail(taskID string, cause error) {
	if cause == nil || errors.Is(cause, context.Canceled) || sharederrors.Classify(cause) == sharederrors.KindCancelled {
		// Aborted walk: the status was already decided by whoever stopped it.
		return
	}
	ctx := context.Background()
	t, err := s.store.Get(ctx, taskID)
	if err != nil || t.Status.Terminal() {
		return
	}
	if err := s.store.SetError(ctx, taskID, cause); err != nil {
		s.logger.Warn("simulator: record failure for %s: %v", taskID, err)
		return
	}
	s.publishTask(taskID)
}

func (s *Simulator) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.StepDelay):
		return nil
	}
}

func (s *Simulator) appendLog(taskID, text string) {
	ctx := context.Background()
	line, err := s.store.AppendLog(ctx, taskID, text)
	if err != nil {
		return
	}
	s.publish(taskID, push.ConcernLogs, line.Sequence, line)
}

func (s *Simulator) publishTask(taskID string) {
	t, err := s.store.Get(context.Background(), taskID)
	if err != nil {
		return
	}
	s.publish(taskID, push.ConcernTask, 0, t)
}

func (s *Simulator) publishStep(step *task.Step) {
	s.publish(step.TaskID, push.ConcernSteps, 0, step)
}

func (s *Simulator) publishOutput(out *task.Output) {
	s.publish(out.TaskID, push.ConcernOutputs, 0, out)
}

func (s *Simulator) publish(taskID string, concern push.Concern, seq int64, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("simulator: marshal %s event: %v", concern, err)
		return
	}
	err = s.bus.Publish(context.Background(), push.Event{
		TaskID:   taskID,
		Concern:  concern,
		Sequence: seq,
		Payload:  raw,
	})
	if err != nil {
		s.logger.Warn("simulator: publish %s event: %v", concern, err)
	}
}
