package stub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otto/internal/backend"
	"otto/internal/backend/queue"
	"otto/internal/push"
	sharederrors "otto/internal/shared/errors"
	"otto/internal/task"
)

func newStubServer(t *testing.T, simCfg SimulatorConfig) (*Server, *queue.Adapter, string) {
	t.Helper()
	server := NewServer(ServerConfig{Simulator: simCfg}, nil)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		server.sim.Shutdown()
		srv.Close()
	})
	adapter := queue.New(queue.Config{BaseURL: srv.URL}, nil)
	return server, adapter, srv.URL
}

func pollUntil(t *testing.T, adapter *queue.Adapter, taskID string, want task.Status) *backend.Snapshot {
	t.Helper()
	var last *backend.Snapshot
	require.Eventually(t, func() bool {
		snap, err := adapter.FetchStatus(context.Background(), taskID)
		if err != nil || !snap.Ready || snap.Task == nil {
			return false
		}
		last = snap
		return snap.Task.Status == want
	}, 5*time.Second, 10*time.Millisecond, "waiting for %s", want)
	return last
}

func TestFullLifecycleOverHTTP(t *testing.T) {
	_, adapter, _ := newStubServer(t, SimulatorConfig{Steps: 2, StepDelay: 20 * time.Millisecond})
	ctx := context.Background()

	res, err := adapter.Submit(ctx, "produce a summary", task.CreateOptions{TaskType: "research"})
	require.NoError(t, err)
	require.NotEmpty(t, res.TaskID)
	require.NotNil(t, res.Task)
	assert.Equal(t, task.StatusPlanning, res.Task.Status)

	snap := pollUntil(t, adapter, res.TaskID, task.StatusAwaitingApproval)
	assert.Contains(t, snap.Task.PlanSummary, "2 steps")

	require.NoError(t, adapter.TriggerStart(ctx, res.TaskID))

	snap = pollUntil(t, adapter, res.TaskID, task.StatusCompleted)
	assert.NotEmpty(t, snap.Task.Result)
	assert.Equal(t, 2, snap.Task.TotalSteps)

	require.Len(t, snap.Steps, 2)
	for _, step := range snap.Steps {
		assert.Equal(t, task.StepCompleted, step.Status)
		assert.Positive(t, step.Revision)
	}
	require.Len(t, snap.Outputs, 1)
	assert.Equal(t, "result.md", snap.Outputs[0].FileName)
	assert.NotEmpty(t, snap.Outputs[0].DownloadURL)
	assert.NotEmpty(t, snap.Suggestions)
}

func TestAutoApproveSkipsGate(t *testing.T) {
	_, adapter, _ := newStubServer(t, SimulatorConfig{Steps: 1, StepDelay: 10 * time.Millisecond, AutoApprove: true})

	res, err := adapter.Submit(context.Background(), "quick job", task.CreateOptions{})
	require.NoError(t, err)

	pollUntil(t, adapter, res.TaskID, task.StatusCompleted)
}

func TestCancelMidExecution(t *testing.T) {
	_, adapter, _ := newStubServer(t, SimulatorConfig{Steps: 50, StepDelay: 50 * time.Millisecond, AutoApprove: true})
	ctx := context.Background()

	res, err := adapter.Submit(ctx, "endless job", task.CreateOptions{})
	require.NoError(t, err)
	pollUntil(t, adapter, res.TaskID, task.StatusExecuting)

	require.NoError(t, adapter.RequestCancel(ctx, res.TaskID))

	snap := pollUntil(t, adapter, res.TaskID, task.StatusFailed)
	assert.Equal(t, sharederrors.MessageStoppedByUser, snap.Task.ErrorMessage)

	// Cancelling again conflicts with nothing; the record stays terminal.
	require.NoError(t, adapter.RequestCancel(ctx, res.TaskID))
	snap, fetchErr := adapter.FetchStatus(ctx, res.TaskID)
	require.NoError(t, fetchErr)
	assert.Equal(t, task.StatusFailed, snap.Task.Status)
}

func TestPauseAndResumeOverHTTP(t *testing.T) {
	_, adapter, _ := newStubServer(t, SimulatorConfig{Steps: 20, StepDelay: 30 * time.Millisecond, AutoApprove: true})
	ctx := context.Background()

	res, err := adapter.Submit(ctx, "pausable job", task.CreateOptions{})
	require.NoError(t, err)
	pollUntil(t, adapter, res.TaskID, task.StatusExecuting)

	require.NoError(t, adapter.RequestPause(ctx, res.TaskID))
	snap := pollUntil(t, adapter, res.TaskID, task.StatusPaused)

	// Progress freezes while paused.
	frozen := snap.Task.CurrentStep
	time.Sleep(100 * time.Millisecond)
	snap, err = adapter.FetchStatus(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, frozen, snap.Task.CurrentStep)

	require.NoError(t, adapter.RequestResume(ctx, res.TaskID))
	require.Eventually(t, func() bool {
		snap, err := adapter.FetchStatus(ctx, res.TaskID)
		return err == nil && snap.Task.CurrentStep > frozen
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPauseRequiresExecuting(t *testing.T) {
	_, adapter, _ := newStubServer(t, SimulatorConfig{Steps: 2, StepDelay: 20 * time.Millisecond})
	ctx := context.Background()

	res, err := adapter.Submit(ctx, "not yet running", task.CreateOptions{})
	require.NoError(t, err)
	pollUntil(t, adapter, res.TaskID, task.StatusAwaitingApproval)

	require.Error(t, adapter.RequestPause(ctx, res.TaskID))
}

func TestWebsocketStreamsTaskEvents(t *testing.T) {
	_, adapter, baseURL := newStubServer(t, SimulatorConfig{Steps: 1, StepDelay: 50 * time.Millisecond, AutoApprove: true})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := adapter.Submit(ctx, "watched job", task.CreateOptions{})
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(baseURL, "http")
	client := push.NewWSClient(wsURL, nil)
	events, err := client.Watch(ctx, res.TaskID, push.ConcernTask)
	require.NoError(t, err)

	sawCompleted := false
	for !sawCompleted {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event stream closed before completion")
			}
			assert.Equal(t, res.TaskID, ev.TaskID)
			assert.Equal(t, push.ConcernTask, ev.Concern)
			var snapshot task.Task
			require.NoError(t, json.Unmarshal(ev.Payload, &snapshot))
			if snapshot.Status == task.StatusCompleted {
				sawCompleted = true
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for completion event")
		}
	}
}
