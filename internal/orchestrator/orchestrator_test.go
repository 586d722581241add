package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otto/internal/backend"
	"otto/internal/push"
	sharederrors "otto/internal/shared/errors"
	"otto/internal/task"
)

type fakeAdapter struct {
	mu   sync.Mutex
	kind backend.Kind
	caps backend.Capabilities

	submitResult *backend.SubmitResult
	submitErr    error
	snapshot     *backend.Snapshot
	fetchErr     error

	prompts    []string
	fetches    int
	triggered  int
	cancelled  int
	paused     int
	resumed    int
	lastTaskID string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		kind: backend.KindQueue,
		caps: backend.Capabilities{Pause: true, Resume: true, RequiresApproval: true, Steps: true},
		submitResult: &backend.SubmitResult{
			TaskID: "tq-1",
			Status: task.StatusPlanning,
		},
	}
}

func (a *fakeAdapter) Kind() backend.Kind                 { return a.kind }
func (a *fakeAdapter) Capabilities() backend.Capabilities { return a.caps }

func (a *fakeAdapter) Submit(_ context.Context, prompt string, _ task.CreateOptions) (*backend.SubmitResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompts = append(a.prompts, prompt)
	if a.submitErr != nil {
		return nil, a.submitErr
	}
	res := *a.submitResult
	return &res, nil
}

func (a *fakeAdapter) FetchStatus(_ context.Context, taskID string) (*backend.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches++
	a.lastTaskID = taskID
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	if a.snapshot == nil {
		return &backend.Snapshot{Ready: false}, nil
	}
	snap := *a.snapshot
	return &snap, nil
}

func (a *fakeAdapter) TriggerStart(context.Context, string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.triggered++
	return nil
}

func (a *fakeAdapter) RequestCancel(context.Context, string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled++
	return nil
}

func (a *fakeAdapter) RequestPause(context.Context, string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused++
	return nil
}

func (a *fakeAdapter) RequestResume(context.Context, string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resumed++
	return nil
}

func (a *fakeAdapter) setSnapshot(snap *backend.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshot = snap
}

func (a *fakeAdapter) fetchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches
}

func (a *fakeAdapter) counts() (triggered, cancelled, paused, resumed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.triggered, a.cancelled, a.paused, a.resumed
}

type callbackRecorder struct {
	completed chan View
	errors    chan string
	steps     chan *task.Step
}

func newRecorder() *callbackRecorder {
	return &callbackRecorder{
		completed: make(chan View, 4),
		errors:    make(chan string, 4),
		steps:     make(chan *task.Step, 16),
	}
}

func (r *callbackRecorder) callbacks() Callbacks {
	return Callbacks{
		OnComplete:     func(v View) { r.completed <- v },
		OnError:        func(msg string) { r.errors <- msg },
		OnStepComplete: func(s *task.Step) { r.steps <- s },
	}
}

func (r *callbackRecorder) noError(t *testing.T) {
	t.Helper()
	select {
	case msg := <-r.errors:
		t.Fatalf("unexpected OnError: %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestOrchestrator(t *testing.T, adapter backend.Adapter, bus push.Subscriber) (*Orchestrator, *callbackRecorder) {
	t.Helper()
	selector, err := backend.NewSelector(adapter.Kind(), adapter)
	require.NoError(t, err)

	o, err := New(Dependencies{
		Selector:     selector,
		Subscriber:   bus,
		Metrics:      MustNewMetrics(prometheus.NewRegistry()),
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(o.Reset)

	rec := newRecorder()
	o.SetCallbacks(rec.callbacks())
	return o, rec
}

func waitStatus(t *testing.T, o *Orchestrator, want task.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		v := o.Snapshot()
		return v.Task != nil && v.Task.Status == want
	}, 2*time.Second, 5*time.Millisecond, "waiting for status %s, have %+v", want, o.Snapshot().Task)
}

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestCreateTaskTracksThroughCompletion(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.snapshot = &backend.Snapshot{
		Ready: true,
		Task:  &task.Task{ID: "tq-1", Status: task.StatusAwaitingApproval, PlanSummary: "3 steps"},
	}
	bus := push.NewBus()
	o, rec := newTestOrchestrator(t, adapter, bus)

	created, err := o.CreateTask(context.Background(), "summarize the report", task.CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, "tq-1", created.ID)

	waitStatus(t, o, task.StatusAwaitingApproval)
	view := o.Snapshot()
	assert.True(t, view.NeedsApproval)
	assert.Equal(t, "summarize the report", view.Task.Prompt)
	assert.Equal(t, "3 steps", view.Task.PlanSummary)

	adapter.setSnapshot(&backend.Snapshot{
		Ready: true,
		Task:  &task.Task{ID: "tq-1", Status: task.StatusExecuting},
	})
	require.True(t, o.ApproveAndStart(context.Background()))
	waitStatus(t, o, task.StatusExecuting)
	require.Eventually(t, func() bool {
		triggered, _, _, _ := adapter.counts()
		return triggered == 1
	}, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, push.Event{
		TaskID:  "tq-1",
		Concern: push.ConcernSteps,
		Payload: mustPayload(t, &task.Step{
			ID: "s1", TaskID: "tq-1", StepNumber: 1, Status: task.StepCompleted, Revision: 2,
		}),
	}))

	select {
	case step := <-rec.steps:
		assert.Equal(t, "s1", step.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("OnStepComplete never fired")
	}

	require.NoError(t, bus.Publish(ctx, push.Event{
		TaskID:  "tq-1",
		Concern: push.ConcernTask,
		Payload: mustPayload(t, &task.Task{ID: "tq-1", Status: task.StatusCompleted, ResultSummary: "done"}),
	}))

	select {
	case final := <-rec.completed:
		require.NotNil(t, final.Task)
		assert.Equal(t, task.StatusCompleted, final.Task.Status)
		assert.Equal(t, "done", final.Task.ResultSummary)
		// Identity fields survive the sparse completion record.
		assert.Equal(t, "summarize the report", final.Task.Prompt)
	case <-time.After(2 * time.Second):
		t.Fatal("OnComplete never fired")
	}

	view = o.Snapshot()
	assert.True(t, view.IsTerminal)
	assert.False(t, view.IsRunning)
	rec.noError(t)

	// OnComplete fires exactly once even if a duplicate terminal poll lands.
	select {
	case <-rec.completed:
		t.Fatal("OnComplete fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCreateTaskSubmitFailureIsReported(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.submitErr = sharederrors.New(sharederrors.KindInsufficientCredits, "402 payment required")
	o, rec := newTestOrchestrator(t, adapter, nil)

	_, err := o.CreateTask(context.Background(), "do a thing", task.CreateOptions{})
	require.Error(t, err)

	select {
	case msg := <-rec.errors:
		assert.Equal(t, sharederrors.MessageNeedCredits, msg)
	case <-time.After(time.Second):
		t.Fatal("OnError never fired")
	}

	view := o.Snapshot()
	require.NotNil(t, view.Task)
	assert.Equal(t, task.StatusFailed, view.Task.Status)
	assert.Equal(t, sharederrors.MessageNeedCredits, view.Task.ErrorMessage)
	assert.True(t, view.IsTerminal)

	select {
	case <-rec.completed:
		t.Fatal("OnComplete fired for a failed creation")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCreateTaskRejectsEmptyPrompt(t *testing.T) {
	o, rec := newTestOrchestrator(t, newFakeAdapter(), nil)

	_, err := o.CreateTask(context.Background(), "   ", task.CreateOptions{})
	require.Error(t, err)

	select {
	case msg := <-rec.errors:
		assert.Contains(t, msg, "prompt")
	case <-time.After(time.Second):
		t.Fatal("OnError never fired")
	}
	assert.Nil(t, o.Snapshot().Task)
}

func TestSessionCheckBlocksCreation(t *testing.T) {
	adapter := newFakeAdapter()
	selector, err := backend.NewSelector(adapter.Kind(), adapter)
	require.NoError(t, err)

	o, err := New(Dependencies{
		Selector: selector,
		Metrics:  MustNewMetrics(prometheus.NewRegistry()),
		SessionCheck: func(context.Context) error {
			return sharederrors.New(sharederrors.KindUnauthorized, "no valid session")
		},
	})
	require.NoError(t, err)
	rec := newRecorder()
	o.SetCallbacks(rec.callbacks())

	_, err = o.CreateTask(context.Background(), "anything", task.CreateOptions{})
	require.Error(t, err)
	assert.Empty(t, adapter.prompts)

	select {
	case msg := <-rec.errors:
		assert.Equal(t, sharederrors.MessageNoSession, msg)
	case <-time.After(time.Second):
		t.Fatal("OnError never fired")
	}
}

func TestStopTaskIsIdempotent(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.snapshot = &backend.Snapshot{
		Ready: true,
		Task:  &task.Task{ID: "tq-1", Status: task.StatusExecuting},
	}
	bus := push.NewBus()
	o, rec := newTestOrchestrator(t, adapter, bus)

	_, err := o.CreateTask(context.Background(), "long running job", task.CreateOptions{})
	require.NoError(t, err)
	waitStatus(t, o, task.StatusExecuting)

	require.True(t, o.StopTask(context.Background()))

	view := o.Snapshot()
	require.NotNil(t, view.Task)
	assert.Equal(t, task.StatusFailed, view.Task.Status)
	assert.Equal(t, sharederrors.MessageStoppedByUser, view.Task.ErrorMessage)
	assert.True(t, view.Task.Cancelled())

	_, cancelled, _, _ := adapter.counts()
	assert.Equal(t, 1, cancelled)

	// User-initiated stops report through the state, never through OnError.
	rec.noError(t)
	select {
	case <-rec.completed:
		t.Fatal("OnComplete fired for a stopped task")
	case <-time.After(50 * time.Millisecond):
	}

	// A second stop is a quiet no-op.
	require.True(t, o.StopTask(context.Background()))
	_, cancelled, _, _ = adapter.counts()
	assert.Equal(t, 1, cancelled)

	// A straggling backend update cannot resurrect the stopped task.
	_ = bus.Publish(context.Background(), push.Event{
		TaskID:  "tq-1",
		Concern: push.ConcernTask,
		Payload: mustPayload(t, &task.Task{ID: "tq-1", Status: task.StatusExecuting}),
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, task.StatusFailed, o.Snapshot().Task.Status)
}

func TestPauseAndResume(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.snapshot = &backend.Snapshot{
		Ready: true,
		Task:  &task.Task{ID: "tq-1", Status: task.StatusExecuting},
	}
	o, _ := newTestOrchestrator(t, adapter, nil)

	_, err := o.CreateTask(context.Background(), "pausable job", task.CreateOptions{})
	require.NoError(t, err)
	waitStatus(t, o, task.StatusExecuting)

	require.True(t, o.PauseTask(context.Background()))
	assert.True(t, o.Snapshot().IsPaused)
	_, _, paused, _ := adapter.counts()
	assert.Equal(t, 1, paused)

	// Polling stops while paused. An in-flight poll may still land, so let
	// the channels drain before sampling.
	time.Sleep(30 * time.Millisecond)
	settled := adapter.fetchCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, settled, adapter.fetchCount())

	// Pause is only valid from executing.
	require.False(t, o.PauseTask(context.Background()))

	require.True(t, o.ResumeTask(context.Background()))
	waitStatus(t, o, task.StatusExecuting)
	_, _, _, resumed := adapter.counts()
	assert.Equal(t, 1, resumed)

	// Polling resumes with the channels.
	require.Eventually(t, func() bool {
		return adapter.fetchCount() > settled
	}, time.Second, 5*time.Millisecond)
}

func TestApproveRequiresAwaitingApproval(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.snapshot = &backend.Snapshot{
		Ready: true,
		Task:  &task.Task{ID: "tq-1", Status: task.StatusExecuting},
	}
	o, _ := newTestOrchestrator(t, adapter, nil)

	require.False(t, o.ApproveAndStart(context.Background()), "no task yet")

	_, err := o.CreateTask(context.Background(), "straight to work", task.CreateOptions{})
	require.NoError(t, err)
	waitStatus(t, o, task.StatusExecuting)

	require.False(t, o.ApproveAndStart(context.Background()))
	triggered, _, _, _ := adapter.counts()
	assert.Zero(t, triggered)
}

// slowTriggerAdapter keeps reporting awaiting_approval until the worker
// trigger lands, after a configurable delay.
type slowTriggerAdapter struct {
	*fakeAdapter
	delay time.Duration
}

func (a *slowTriggerAdapter) TriggerStart(ctx context.Context, taskID string) error {
	time.Sleep(a.delay)
	a.setSnapshot(&backend.Snapshot{
		Ready: true,
		Task:  &task.Task{ID: taskID, Status: task.StatusExecuting},
	})
	return a.fakeAdapter.TriggerStart(ctx, taskID)
}

func TestApprovalSurvivesSlowWorkerTrigger(t *testing.T) {
	inner := newFakeAdapter()
	inner.snapshot = &backend.Snapshot{
		Ready: true,
		Task:  &task.Task{ID: "tq-1", Status: task.StatusAwaitingApproval},
	}
	adapter := &slowTriggerAdapter{fakeAdapter: inner, delay: 60 * time.Millisecond}
	o, rec := newTestOrchestrator(t, adapter, nil)

	_, err := o.CreateTask(context.Background(), "slow start", task.CreateOptions{})
	require.NoError(t, err)
	waitStatus(t, o, task.StatusAwaitingApproval)

	require.True(t, o.ApproveAndStart(context.Background()))

	// Polls racing the worker trigger still fetch awaiting_approval; the
	// approved status must hold and the poll timer must stay armed.
	time.Sleep(30 * time.Millisecond)
	view := o.Snapshot()
	require.NotNil(t, view.Task)
	assert.Equal(t, task.StatusExecuting, view.Task.Status)

	require.Eventually(t, func() bool {
		triggered, _, _, _ := adapter.counts()
		return triggered == 1
	}, time.Second, 5*time.Millisecond)
	before := adapter.fetchCount()
	require.Eventually(t, func() bool {
		return adapter.fetchCount() > before
	}, time.Second, 5*time.Millisecond, "polling stopped after approval")

	waitStatus(t, o, task.StatusExecuting)
	rec.noError(t)
}

func TestRetryResubmitsPrompt(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.submitErr = sharederrors.New(sharederrors.KindGeneric, "backend exploded")
	o, rec := newTestOrchestrator(t, adapter, nil)

	_, err := o.CreateTask(context.Background(), "flaky job", task.CreateOptions{TaskType: "report"})
	require.Error(t, err)
	<-rec.errors

	adapter.mu.Lock()
	adapter.submitErr = nil
	adapter.mu.Unlock()
	adapter.setSnapshot(&backend.Snapshot{
		Ready: true,
		Task:  &task.Task{ID: "tq-1", Status: task.StatusExecuting},
	})

	created, err := o.RetryTask(context.Background())
	require.NoError(t, err)
	require.NotNil(t, created)
	waitStatus(t, o, task.StatusExecuting)

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	require.Len(t, adapter.prompts, 2)
	assert.Equal(t, "flaky job", adapter.prompts[1])
}

func TestRetryWithoutPreviousTask(t *testing.T) {
	o, rec := newTestOrchestrator(t, newFakeAdapter(), nil)

	_, err := o.RetryTask(context.Background())
	require.Error(t, err)
	select {
	case <-rec.errors:
	case <-time.After(time.Second):
		t.Fatal("OnError never fired")
	}
}

func TestResetIsIdempotent(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.snapshot = &backend.Snapshot{
		Ready: true,
		Task:  &task.Task{ID: "tq-1", Status: task.StatusExecuting},
	}
	bus := push.NewBus()
	o, rec := newTestOrchestrator(t, adapter, bus)

	// Reset with no task at all is fine.
	o.Reset()

	_, err := o.CreateTask(context.Background(), "job to abandon", task.CreateOptions{})
	require.NoError(t, err)
	waitStatus(t, o, task.StatusExecuting)

	o.Reset()
	o.Reset()

	view := o.Snapshot()
	assert.Nil(t, view.Task)
	assert.False(t, view.IsRunning)
	assert.False(t, view.IsTerminal)

	// Updates for the abandoned generation are ignored.
	_ = bus.Publish(context.Background(), push.Event{
		TaskID:  "tq-1",
		Concern: push.ConcernTask,
		Payload: mustPayload(t, &task.Task{ID: "tq-1", Status: task.StatusCompleted}),
	})
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, o.Snapshot().Task)
	rec.noError(t)
}

func TestResetRejectsInFlightApply(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.snapshot = &backend.Snapshot{
		Ready: true,
		Task:  &task.Task{ID: "tq-1", Status: task.StatusExecuting},
	}
	o, rec := newTestOrchestrator(t, adapter, nil)

	_, err := o.CreateTask(context.Background(), "job to abandon", task.CreateOptions{})
	require.NoError(t, err)
	waitStatus(t, o, task.StatusExecuting)
	gen := o.state.Generation()

	o.Reset()

	// A poll result that was already in flight when Reset ran still carries
	// the old generation; it must not land or fire terminal callbacks.
	o.ApplySnapshot(gen, &backend.Snapshot{
		Ready: true,
		Task:  &task.Task{ID: "tq-1", Status: task.StatusCompleted},
	})

	assert.Nil(t, o.Snapshot().Task)
	select {
	case v := <-rec.completed:
		t.Fatalf("unexpected OnComplete after reset: %+v", v.Task)
	case <-time.After(50 * time.Millisecond):
	}
	rec.noError(t)
}

func TestSecondCreateSupersedesFirst(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.snapshot = &backend.Snapshot{
		Ready: true,
		Task:  &task.Task{ID: "tq-1", Status: task.StatusExecuting},
	}
	o, rec := newTestOrchestrator(t, adapter, push.NewBus())

	_, err := o.CreateTask(context.Background(), "first job", task.CreateOptions{})
	require.NoError(t, err)
	waitStatus(t, o, task.StatusExecuting)

	adapter.mu.Lock()
	adapter.submitResult = &backend.SubmitResult{TaskID: "tq-2", Status: task.StatusPlanning}
	adapter.snapshot = &backend.Snapshot{
		Ready: true,
		Task:  &task.Task{ID: "tq-2", Status: task.StatusExecuting},
	}
	adapter.mu.Unlock()

	created, err := o.CreateTask(context.Background(), "second job", task.CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "tq-2", created.ID)

	waitStatus(t, o, task.StatusExecuting)
	view := o.Snapshot()
	assert.Equal(t, "tq-2", view.Task.ID)
	assert.Equal(t, "second job", view.Task.Prompt)

	// The first task was abandoned silently, not failed.
	rec.noError(t)
}

func TestTransportGiveUpFailsTask(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.fetchErr = sharederrors.New(sharederrors.KindGeneric, "connection refused")
	o, rec := newTestOrchestrator(t, adapter, nil)

	_, err := o.CreateTask(context.Background(), "unreachable backend", task.CreateOptions{})
	require.NoError(t, err)

	select {
	case <-rec.errors:
	case <-time.After(3 * time.Second):
		t.Fatal("OnError never fired after repeated poll failures")
	}
	waitStatus(t, o, task.StatusFailed)
}

func TestDownloadOutputWithoutURL(t *testing.T) {
	o, rec := newTestOrchestrator(t, newFakeAdapter(), nil)

	_, err := o.DownloadOutput(context.Background(), &task.Output{ID: "o1", FileName: "report.pdf"})
	require.Error(t, err)
	select {
	case msg := <-rec.errors:
		assert.Contains(t, msg, "download")
	case <-time.After(time.Second):
		t.Fatal("OnError never fired")
	}
}
