package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"otto/internal/backend"
	"otto/internal/push"
	"otto/internal/reconciler"
	sharederrors "otto/internal/shared/errors"
	"otto/internal/shared/logging"
	"otto/internal/task"
)

// Callbacks are caller-supplied hooks. They may be replaced at any time via
// SetCallbacks; live channels always invoke the latest set, never the one
// captured when a subscription was opened.
type Callbacks struct {
	OnComplete     func(view View)
	OnError        func(message string)
	OnStepComplete func(step *task.Step)
}

// Notifier surfaces user-facing notices (toasts, chat messages). Best
// effort: failures are logged, never propagated.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// SessionCheck verifies the caller has a valid session before a task is
// created. A non-nil error aborts creation with an auth classification.
type SessionCheck func(ctx context.Context) error

// Dependencies wires an Orchestrator.
type Dependencies struct {
	Selector *backend.Selector
	// Subscriber is optional; without one all updates arrive via polling.
	Subscriber   push.Subscriber
	Notifier     Notifier
	SessionCheck SessionCheck
	Logger       logging.Logger
	Metrics      *Metrics
	PollInterval time.Duration
	// HTTPClient serves output downloads.
	HTTPClient *http.Client
}

// View is the caller-facing copy of the active task state plus derived
// convenience flags.
type View struct {
	reconciler.View
	Backend       backend.Kind
	IsRunning     bool
	IsPaused      bool
	NeedsApproval bool
	IsTerminal    bool
}

// Orchestrator tracks exactly one active task end-to-end: creation, live
// updates, caller controls, and terminal delivery. Multiple instances are
// independent; state is never shared across them.
type Orchestrator struct {
	selector     *backend.Selector
	subscriber   push.Subscriber
	notifier     Notifier
	sessionCheck SessionCheck
	logger       logging.Logger
	metrics      *Metrics
	pollInterval time.Duration
	httpClient   *http.Client

	callbacks atomic.Pointer[Callbacks]
	state     *reconciler.State

	mu            sync.Mutex
	rec           *reconciler.Reconciler
	adapter       backend.Adapter
	backendTaskID string
	prompt        string
	opts          task.CreateOptions
	createdAt     time.Time
	metricActive  bool
	terminalGen   uint64
	firedSteps    map[string]bool
}

// New creates an orchestrator. The selector is required.
func New(deps Dependencies) (*Orchestrator, error) {
	if deps.Selector == nil {
		return nil, fmt.Errorf("orchestrator: selector is required")
	}
	logger := deps.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("Orchestrator")
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = defaultMetrics()
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	pollInterval := deps.PollInterval
	if pollInterval <= 0 {
		pollInterval = reconciler.DefaultPollInterval
	}

	return &Orchestrator{
		selector:     deps.Selector,
		subscriber:   deps.Subscriber,
		notifier:     deps.Notifier,
		sessionCheck: deps.SessionCheck,
		logger:       logger,
		metrics:      metrics,
		pollInterval: pollInterval,
		httpClient:   httpClient,
		state:        reconciler.NewState(logger),
	}, nil
}

// SetCallbacks replaces the caller-supplied hooks.
func (o *Orchestrator) SetCallbacks(cb Callbacks) {
	o.callbacks.Store(&cb)
}

// Backend returns the kind serving the active task, or the default when no
// task is active. Informational only; the public surface is identical for
// both backends.
func (o *Orchestrator) Backend() backend.Kind {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.adapter != nil {
		return o.adapter.Kind()
	}
	return o.selector.Default()
}

// Snapshot returns a copy of the current state with derived flags.
func (o *Orchestrator) Snapshot() View {
	inner := o.state.Snapshot()
	status := task.StatusIdle
	if inner.Task != nil {
		status = inner.Task.Status
	}
	return View{
		View:          inner,
		Backend:       o.Backend(),
		IsRunning:     status.Live(),
		IsPaused:      status == task.StatusPaused,
		NeedsApproval: status == task.StatusAwaitingApproval,
		IsTerminal:    status.Terminal(),
	}
}

// CreateTask submits a new task and begins tracking it. Any previous task's
// channels are retired first, synchronously, so stale data is never visible
// during the gap; a second call while one is in flight supersedes the first
// and abandons its tracking.
//
// On failure the returned error has already been classified and reported via
// OnError and the notifier; the task record, when one was provisioned, is
// left in the failed state.
func (o *Orchestrator) CreateTask(ctx context.Context, prompt string, opts task.CreateOptions, override ...backend.Kind) (*task.Task, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		err := sharederrors.New(sharederrors.KindGeneric, "prompt is required")
		o.reportError(ctx, err)
		return nil, err
	}
	if o.sessionCheck != nil {
		if err := o.sessionCheck(ctx); err != nil {
			err = sharederrors.Wrap(sharederrors.KindUnauthorized, err, "session check")
			o.reportError(ctx, err)
			return nil, err
		}
	}

	o.mu.Lock()
	// Retire the previous subscription set unconditionally, even when the
	// previous task id is unknown or stale.
	if o.rec != nil {
		o.rec.Close()
		o.rec = nil
	}
	if o.metricActive {
		o.metrics.DecActiveTasks()
		o.metricActive = false
	}
	gen := o.state.NextGeneration()
	adapter := o.selector.Pick(override...)
	o.adapter = adapter
	o.prompt = prompt
	o.opts = opts
	o.firedSteps = make(map[string]bool)
	o.createdAt = time.Now()
	o.mu.Unlock()

	provisional := &task.Task{
		ID:        task.NewID(),
		Prompt:    prompt,
		Status:    task.StatusPlanning,
		CreatedAt: time.Now(),
	}
	o.state.SetTask(gen, provisional)

	res, err := adapter.Submit(ctx, prompt, opts)
	if err != nil {
		msg := sharederrors.UserMessage(err)
		if o.state.SetFailure(gen, msg) {
			o.metrics.IncTaskFailure(string(adapter.Kind()), sharederrors.Classify(err).String())
			o.finishTask(gen, false)
		}
		return nil, err
	}

	created := *provisional
	if res.TaskID != "" {
		created.ID = res.TaskID
	}
	created.RemoteID = res.RemoteID
	if res.Status != "" && res.Status != task.StatusIdle {
		created.Status = res.Status
	}
	if res.PlanSummary != "" {
		created.PlanSummary = res.PlanSummary
	}
	if !o.state.SetTask(gen, &created) {
		// Superseded while the creation call was in flight.
		return nil, sharederrors.New(sharederrors.KindGeneric, "task superseded before creation finished")
	}
	if res.Task != nil {
		o.state.ApplySnapshot(gen, &backend.Snapshot{Ready: true, Task: res.Task})
	}

	backendID := created.ID
	if created.RemoteID != "" {
		backendID = created.RemoteID
	}

	o.mu.Lock()
	if gen != o.state.Generation() {
		o.mu.Unlock()
		return nil, sharederrors.New(sharederrors.KindGeneric, "task superseded before creation finished")
	}
	o.backendTaskID = backendID
	o.metricActive = true
	o.metrics.IncActiveTasks()
	rec := o.startReconcilerLocked(gen)
	o.mu.Unlock()

	rec.Run()
	o.logger.Info("CreateTask: tracking %s (backend=%s, remote=%s)", created.ID, adapter.Kind(), created.RemoteID)

	view := o.state.Snapshot()
	if view.Task == nil {
		return &created, nil
	}
	clone := *view.Task
	return &clone, nil
}

// startReconcilerLocked builds a reconciler for the current task. Must be
// called with o.mu held; the caller invokes Run after releasing the lock.
func (o *Orchestrator) startReconcilerLocked(gen uint64) *reconciler.Reconciler {
	rec := reconciler.New(reconciler.Config{
		Adapter:      o.adapter,
		Subscriber:   o.subscriber,
		Sink:         o,
		Logger:       o.logger,
		PollInterval: o.pollInterval,
	}, gen, o.backendTaskID)
	o.rec = rec
	return rec
}

// ApproveAndStart confirms the plan of a task waiting for approval. Valid
// only from awaiting_approval; reports and returns false otherwise.
func (o *Orchestrator) ApproveAndStart(ctx context.Context) bool {
	o.mu.Lock()
	adapter := o.adapter
	rec := o.rec
	backendID := o.backendTaskID
	o.mu.Unlock()
	gen := o.state.Generation()

	if adapter == nil || backendID == "" {
		o.logger.Warn("ApproveAndStart: no active task")
		return false
	}
	if o.state.Status() != task.StatusAwaitingApproval {
		o.logger.Warn("ApproveAndStart: task is %s, not awaiting approval", o.state.Status())
		return false
	}
	if !o.state.Transition(gen, task.StatusExecuting) {
		return false
	}

	// Fire-and-forget: trigger errors are logged but never roll back the
	// local transition.
	go func() {
		triggerCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := adapter.TriggerStart(triggerCtx, backendID); err != nil {
			o.logger.Warn("ApproveAndStart: worker trigger failed for %s: %v", backendID, err)
		}
	}()

	if rec != nil && !rec.Closed() {
		rec.Kick()
	} else {
		o.mu.Lock()
		rec = o.startReconcilerLocked(gen)
		o.mu.Unlock()
		rec.Run()
	}
	return true
}

// PauseTask pauses an executing task. The backend confirms before the local
// status flips; backends without pause support no-op and the task pauses
// locally until resumed.
func (o *Orchestrator) PauseTask(ctx context.Context) bool {
	o.mu.Lock()
	adapter := o.adapter
	backendID := o.backendTaskID
	o.mu.Unlock()
	gen := o.state.Generation()

	if adapter == nil || backendID == "" {
		o.logger.Warn("PauseTask: no active task")
		return false
	}
	if o.state.Status() != task.StatusExecuting {
		o.logger.Warn("PauseTask: task is %s, not executing", o.state.Status())
		return false
	}

	if err := adapter.RequestPause(ctx, backendID); err != nil {
		o.logger.Warn("PauseTask: backend pause failed: %v", err)
		o.notify(ctx, sharederrors.UserMessage(err))
		return false
	}
	if !o.state.Transition(gen, task.StatusPaused) {
		return false
	}

	// No backend progress is expected while paused; stop all channels.
	o.mu.Lock()
	rec := o.rec
	o.rec = nil
	o.mu.Unlock()
	if rec != nil {
		rec.Close()
	}
	return true
}

// ResumeTask resumes a paused task and re-opens the update channels.
func (o *Orchestrator) ResumeTask(ctx context.Context) bool {
	o.mu.Lock()
	adapter := o.adapter
	backendID := o.backendTaskID
	o.mu.Unlock()
	gen := o.state.Generation()

	if adapter == nil || backendID == "" {
		o.logger.Warn("ResumeTask: no active task")
		return false
	}
	if o.state.Status() != task.StatusPaused {
		o.logger.Warn("ResumeTask: task is %s, not paused", o.state.Status())
		return false
	}

	if err := adapter.RequestResume(ctx, backendID); err != nil {
		o.logger.Warn("ResumeTask: backend resume failed: %v", err)
		o.notify(ctx, sharederrors.UserMessage(err))
		return false
	}
	if !o.state.Transition(gen, task.StatusExecuting) {
		return false
	}

	o.mu.Lock()
	rec := o.startReconcilerLocked(gen)
	o.mu.Unlock()
	rec.Run()
	return true
}

// StopTask cancels the active task. Always legal and idempotent: channels
// stop synchronously before the remote cancel call, so no late update can
// overwrite a user-initiated stop. Cancellation is modeled as a failure with
// a sentinel message, and OnError is not fired for it.
func (o *Orchestrator) StopTask(ctx context.Context) bool {
	o.mu.Lock()
	rec := o.rec
	o.rec = nil
	adapter := o.adapter
	backendID := o.backendTaskID
	o.mu.Unlock()
	gen := o.state.Generation()

	if rec != nil {
		rec.Close()
	}

	if adapter != nil && backendID != "" && !o.state.Status().Terminal() {
		if err := adapter.RequestCancel(ctx, backendID); err != nil {
			// The local stop already happened; the remote side is best effort.
			o.logger.Warn("StopTask: remote cancel failed for %s: %v", backendID, err)
		}
	}

	if o.state.SetFailure(gen, sharederrors.MessageStoppedByUser) {
		if adapter != nil {
			o.metrics.IncTaskFailure(string(adapter.Kind()), sharederrors.KindCancelled.String())
		}
		o.finishTask(gen, true)
	}
	return true
}

// CancelTask is an alias for StopTask.
func (o *Orchestrator) CancelTask(ctx context.Context) bool {
	return o.StopTask(ctx)
}

// RetryTask re-submits the failed task's prompt and options as a brand-new
// task. The previous record is discarded from memory, not mutated.
func (o *Orchestrator) RetryTask(ctx context.Context) (*task.Task, error) {
	o.mu.Lock()
	prompt := o.prompt
	opts := o.opts
	var kind backend.Kind
	if o.adapter != nil {
		kind = o.adapter.Kind()
	}
	o.mu.Unlock()

	if prompt == "" {
		err := sharederrors.New(sharederrors.KindGeneric, "no previous task to retry")
		o.reportError(ctx, err)
		return nil, err
	}
	return o.CreateTask(ctx, prompt, opts, kind)
}

// Reset tears down channels and clears all in-memory task state, returning
// the orchestrator to idle. Safe to call from any state, any number of
// times; no callbacks fire.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	rec := o.rec
	o.rec = nil
	o.adapter = nil
	o.backendTaskID = ""
	o.prompt = ""
	o.opts = task.CreateOptions{}
	o.firedSteps = nil
	wasActive := o.metricActive
	o.metricActive = false
	// Retire the generation before the reconciler closes: an apply already
	// in flight must not land on the task being cleared.
	o.state.NextGeneration()
	o.mu.Unlock()

	if rec != nil {
		rec.Close()
	}
	if wasActive {
		o.metrics.DecActiveTasks()
	}
}

// DownloadOutput retrieves a completed output's artifact. A missing URL is a
// reported, non-fatal error. The caller owns the returned reader.
func (o *Orchestrator) DownloadOutput(ctx context.Context, out *task.Output) (io.ReadCloser, error) {
	if out == nil || out.DownloadURL == "" {
		err := sharederrors.New(sharederrors.KindGeneric, "output has no download URL yet")
		o.reportError(ctx, err)
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, out.DownloadURL, nil)
	if err != nil {
		o.reportError(ctx, err)
		return nil, err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		o.reportError(ctx, err)
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		err := fmt.Errorf("download %s: HTTP %d", out.FileName, resp.StatusCode)
		o.reportError(ctx, err)
		return nil, err
	}
	return resp.Body, nil
}

// ApplySnapshot implements reconciler.Sink.
func (o *Orchestrator) ApplySnapshot(gen uint64, snap *backend.Snapshot) task.Status {
	o.metrics.IncPoll(string(o.Backend()))
	status, applied := o.state.ApplySnapshot(gen, snap)
	if applied {
		o.afterApply(gen, status)
	}
	return status
}

// ApplyEvent implements reconciler.Sink.
func (o *Orchestrator) ApplyEvent(gen uint64, ev push.Event) task.Status {
	status, applied := o.state.ApplyEvent(gen, ev)
	if applied {
		o.afterApply(gen, status)
	}
	return status
}

// ReportFailure implements reconciler.Sink: the transport gave up.
func (o *Orchestrator) ReportFailure(gen uint64, err error) {
	msg := sharederrors.UserMessage(err)
	if o.state.SetFailure(gen, msg) {
		o.mu.Lock()
		kind := backend.Kind("")
		if o.adapter != nil {
			kind = o.adapter.Kind()
		}
		o.mu.Unlock()
		o.metrics.IncTaskFailure(string(kind), sharederrors.Classify(err).String())
		o.finishTask(gen, false)
	}
}

func (o *Orchestrator) afterApply(gen uint64, status task.Status) {
	o.fireCompletedSteps(gen)
	if status.Terminal() {
		o.finishTask(gen, false)
	}
}

func (o *Orchestrator) fireCompletedSteps(gen uint64) {
	if gen != o.state.Generation() {
		return
	}
	view := o.state.Snapshot()

	var newly []*task.Step
	o.mu.Lock()
	if o.firedSteps == nil {
		o.firedSteps = make(map[string]bool)
	}
	for _, step := range view.Steps {
		if step.Status == task.StepCompleted && !o.firedSteps[step.ID] {
			o.firedSteps[step.ID] = true
			newly = append(newly, step)
		}
	}
	o.mu.Unlock()

	cb := o.callbacks.Load()
	if cb == nil || cb.OnStepComplete == nil {
		return
	}
	for _, step := range newly {
		cb.OnStepComplete(step)
	}
}

// finishTask delivers a terminal state exactly once per task generation:
// channels are torn down first, then callbacks fire, so no spurious update
// can arrive after completion was reported.
func (o *Orchestrator) finishTask(gen uint64, userStopped bool) {
	o.mu.Lock()
	if o.terminalGen >= gen {
		o.mu.Unlock()
		return
	}
	o.terminalGen = gen
	rec := o.rec
	o.rec = nil
	wasActive := o.metricActive
	o.metricActive = false
	var kind backend.Kind
	if o.adapter != nil {
		kind = o.adapter.Kind()
	}
	createdAt := o.createdAt
	o.mu.Unlock()

	if rec != nil {
		rec.Close()
	}

	view := o.Snapshot()
	status := task.StatusFailed
	if view.Task != nil {
		status = view.Task.Status
	}

	if wasActive {
		o.metrics.DecActiveTasks()
	}
	if !createdAt.IsZero() {
		o.metrics.ObserveTaskDuration(string(kind), string(status), time.Since(createdAt))
	}

	cb := o.callbacks.Load()
	ctx := context.Background()
	switch {
	case status == task.StatusCompleted:
		o.logger.Info("task finished: completed")
		if cb != nil && cb.OnComplete != nil {
			cb.OnComplete(view)
		}
		o.notify(ctx, "Task completed")
	case userStopped:
		o.logger.Info("task finished: stopped by user")
		o.notify(ctx, sharederrors.MessageStoppedByUser)
	default:
		msg := sharederrors.MessageTaskCancelled
		if view.Task != nil && view.Task.ErrorMessage != "" {
			msg = view.Task.ErrorMessage
		}
		o.logger.Warn("task finished: failed: %s", msg)
		if cb != nil && cb.OnError != nil {
			cb.OnError(msg)
		}
		o.notify(ctx, msg)
	}
}

// reportError surfaces a pre-task or non-lifecycle error to the caller.
func (o *Orchestrator) reportError(ctx context.Context, err error) {
	msg := sharederrors.UserMessage(err)
	o.logger.Warn("reported error: %v", err)
	if cb := o.callbacks.Load(); cb != nil && cb.OnError != nil {
		cb.OnError(msg)
	}
	o.notify(ctx, msg)
}

func (o *Orchestrator) notify(ctx context.Context, message string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, message); err != nil {
		o.logger.Warn("notifier failed: %v", err)
	}
}
