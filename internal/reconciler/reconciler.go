package reconciler

import (
	"context"
	"sync"
	"time"

	"otto/internal/backend"
	"otto/internal/push"
	"otto/internal/shared/logging"
	"otto/internal/task"
)

// DefaultPollInterval bounds staleness when push events are unavailable.
const DefaultPollInterval = 3 * time.Second

// defaultMaxPollFailures is how many consecutive poll failures count as an
// unrecoverable transport error.
const defaultMaxPollFailures = 5

// Sink receives normalized updates. The orchestrator implements it; the
// returned status drives the poll lifecycle.
type Sink interface {
	ApplySnapshot(gen uint64, snap *backend.Snapshot) task.Status
	ApplyEvent(gen uint64, ev push.Event) task.Status
	ReportFailure(gen uint64, err error)
}

// Config wires one reconciler run.
type Config struct {
	Adapter backend.Adapter
	// Subscriber is optional; without one the reconciler is poll-only.
	Subscriber      push.Subscriber
	Sink            Sink
	Logger          logging.Logger
	PollInterval    time.Duration
	MaxPollFailures int
}

// Reconciler keeps the active task current by listening to whichever update
// channels the backend supports: push subscriptions per concern plus a poll
// timer as seed and fallback. One reconciler serves exactly one (task,
// generation); starting a new task builds a new reconciler after closing the
// previous one.
type Reconciler struct {
	cfg    Config
	gen    uint64
	taskID string
	logger logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	kick     chan struct{}
	statusCh chan task.Status

	closeOnce sync.Once
}

// New creates a reconciler for the backend-side task id at the given
// generation.
func New(cfg Config, gen uint64, taskID string) *Reconciler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPollFailures <= 0 {
		cfg.MaxPollFailures = defaultMaxPollFailures
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		cfg:      cfg,
		gen:      gen,
		taskID:   taskID,
		logger:   logging.OrNop(cfg.Logger),
		ctx:      ctx,
		cancel:   cancel,
		kick:     make(chan struct{}, 1),
		statusCh: make(chan task.Status, 8),
	}
}

// Run opens the push subscription set and starts the poll loop. It returns
// immediately; everything runs on background goroutines until Close.
func (r *Reconciler) Run() {
	if r.cfg.Subscriber != nil {
		for _, concern := range push.Concerns() {
			ch, err := r.cfg.Subscriber.Watch(r.ctx, r.taskID, concern)
			if err != nil {
				// Polling still makes forward progress without this topic.
				r.logger.Warn("reconciler: watch %s/%s failed, relying on poll: %v", r.taskID, concern, err)
				continue
			}
			go r.consume(ch)
		}
	}

	go r.pollLoop()
}

// Kick requests an immediate poll and re-arms the poll timer. Used when the
// caller approves or resumes a task after the timer was stopped.
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Close tears down the subscription set and the poll timer. Idempotent, and
// safe to call from an apply callback.
func (r *Reconciler) Close() {
	r.closeOnce.Do(r.cancel)
}

// Closed reports whether Close has been called.
func (r *Reconciler) Closed() bool {
	return r.ctx.Err() != nil
}

func (r *Reconciler) consume(ch <-chan push.Event) {
	for ev := range ch {
		if r.ctx.Err() != nil {
			return
		}
		status := r.cfg.Sink.ApplyEvent(r.gen, ev)
		r.noteStatus(status)
	}
	// The channel closed: transport dropped or ctx cancelled. Polling
	// remains as the fallback channel; nothing to do here.
}

func (r *Reconciler) noteStatus(status task.Status) {
	select {
	case r.statusCh <- status:
	default:
	}
}

// shouldPoll reports whether the poll timer stays armed for a status. Idle
// means no authoritative record arrived yet, so polling continues; paused
// and awaiting_approval wait on caller action; terminal states end the run.
func shouldPoll(status task.Status) bool {
	return status == task.StatusIdle || status.Live()
}

func (r *Reconciler) pollLoop() {
	// Seed poll: establishes initial state before the first push event, so a
	// freshly (re)attached task is never visibly blank.
	failures := 0
	status := r.pollOnce(&failures)

	ticker := time.NewTicker(r.cfg.PollInterval)
	tickC := ticker.C
	if !shouldPoll(status) {
		ticker.Stop()
		tickC = nil
	}

	arm := func() {
		if tickC == nil {
			ticker = time.NewTicker(r.cfg.PollInterval)
			tickC = ticker.C
		}
	}
	disarm := func() {
		if tickC != nil {
			ticker.Stop()
			tickC = nil
		}
	}

	for {
		select {
		case <-r.ctx.Done():
			disarm()
			return
		case status := <-r.statusCh:
			// A push update moved the task; keep the timer in step.
			if shouldPoll(status) {
				arm()
			} else {
				disarm()
			}
		case <-r.kick:
			arm()
			if status := r.pollOnce(&failures); !shouldPoll(status) {
				disarm()
			}
		case <-tickC:
			if status := r.pollOnce(&failures); !shouldPoll(status) {
				disarm()
			}
		}
	}
}

func (r *Reconciler) pollOnce(failures *int) task.Status {
	snap, err := r.cfg.Adapter.FetchStatus(r.ctx, r.taskID)
	if r.ctx.Err() != nil {
		return task.StatusIdle
	}
	if err != nil {
		*failures++
		r.logger.Warn("reconciler: poll %d/%d failed for %s: %v", *failures, r.cfg.MaxPollFailures, r.taskID, err)
		if *failures >= r.cfg.MaxPollFailures {
			r.cfg.Sink.ReportFailure(r.gen, err)
			r.Close()
			return task.StatusFailed
		}
		return task.StatusIdle
	}
	*failures = 0

	status := r.cfg.Sink.ApplySnapshot(r.gen, snap)
	return status
}
