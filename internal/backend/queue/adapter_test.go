package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sharederrors "otto/internal/shared/errors"
	"otto/internal/task"
)

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: "test-key"}, nil)
}

func TestSubmitWithFullTaskRecord(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/tasks", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req createRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "build a report", req.Prompt)
		assert.Equal(t, "research", req.TaskType)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"task": map[string]any{
				"id":          "tq-42",
				"prompt":      "build a report",
				"status":      "pending",
				"planSummary": "three steps",
			},
		})
	}))

	res, err := adapter.Submit(context.Background(), "build a report", task.CreateOptions{TaskType: "research"})
	require.NoError(t, err)
	assert.Equal(t, "tq-42", res.TaskID)
	assert.Equal(t, task.StatusPlanning, res.Status)
	require.NotNil(t, res.Task)
	assert.Equal(t, "three steps", res.Task.PlanSummary)
}

func TestSubmitWithBareTaskID(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"taskId": "tq-7",
			"status": "awaiting_approval",
			"plan":   "2 steps planned",
		})
	}))

	res, err := adapter.Submit(context.Background(), "short job", task.CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "tq-7", res.TaskID)
	assert.Equal(t, task.StatusAwaitingApproval, res.Status)
	assert.Equal(t, "2 steps planned", res.PlanSummary)
	assert.Nil(t, res.Task)
}

func TestSubmitWithoutTaskIDFails(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}))

	_, err := adapter.Submit(context.Background(), "job", task.CreateOptions{})
	require.Error(t, err)
	assert.Equal(t, sharederrors.KindInvalidResponse, sharederrors.Classify(err))
}

func TestSubmitErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		body     string
		wantKind sharederrors.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, "slow down", sharederrors.KindRateLimited},
		{"payment required", http.StatusPaymentRequired, "add credits", sharederrors.KindInsufficientCredits},
		{"credits marker in body", http.StatusBadRequest, `{"error":"Credits required"}`, sharederrors.KindInsufficientCredits},
		{"unauthorized", http.StatusUnauthorized, "who are you", sharederrors.KindUnauthorized},
		{"forbidden", http.StatusForbidden, "not yours", sharederrors.KindUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			}))

			_, err := adapter.Submit(context.Background(), "job", task.CreateOptions{})
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, sharederrors.Classify(err))
		})
	}
}

func TestFetchStatusMapsRecords(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tasks/tq-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"task": map[string]any{
				"id":          "tq-1",
				"status":      "running",
				"currentStep": 2,
				"totalSteps":  3,
			},
			"steps": []map[string]any{
				{"id": "s1", "stepNumber": 1, "status": "completed", "revision": 4},
				{"id": "s2", "stepNumber": 2, "status": "running", "updatedAt": "2026-08-30T10:00:00Z"},
			},
			"outputs": []map[string]any{
				{"id": "o1", "fileName": "report.pdf", "downloadUrl": "https://files.example/o1"},
			},
			"suggestions": []string{"Email the report"},
		})
	}))

	snap, err := adapter.FetchStatus(context.Background(), "tq-1")
	require.NoError(t, err)
	require.True(t, snap.Ready)
	assert.Equal(t, task.StatusExecuting, snap.Task.Status)
	assert.Equal(t, 2, snap.Task.CurrentStep)

	require.Len(t, snap.Steps, 2)
	assert.Equal(t, int64(4), snap.Steps[0].Revision)
	// A step without an explicit revision gets one stamped from updatedAt.
	assert.Positive(t, snap.Steps[1].Revision)
	assert.Equal(t, "tq-1", snap.Steps[1].TaskID)

	require.Len(t, snap.Outputs, 1)
	assert.Equal(t, "https://files.example/o1", snap.Outputs[0].DownloadURL)
	assert.Equal(t, []string{"Email the report"}, snap.Suggestions)
}

func TestFetchStatusNotReady(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false})
	}))

	snap, err := adapter.FetchStatus(context.Background(), "tq-1")
	require.NoError(t, err)
	assert.False(t, snap.Ready)
}

func TestPatchStatusPokesWorker(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		if r.Method == http.MethodPatch {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "cancelled", body["status"])
		}
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, adapter.RequestCancel(context.Background(), "tq-1"))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{
		"PATCH /api/tasks/tq-1",
		"POST /api/tasks/tq-1/worker",
	}, calls)
}

func TestPatchStatusRetriesTransientFailures(t *testing.T) {
	var mu sync.Mutex
	patches := 0
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			mu.Lock()
			patches++
			n := patches
			mu.Unlock()
			if n == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, adapter.RequestPause(context.Background(), "tq-1"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, patches)
}

func TestPatchStatusDoesNotRetryPermanentFailures(t *testing.T) {
	var mu sync.Mutex
	patches := 0
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			mu.Lock()
			patches++
			mu.Unlock()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	err := adapter.RequestResume(context.Background(), "tq-1")
	require.Error(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, patches)
}
