package reconciler

import (
	"encoding/json"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"otto/internal/backend"
	"otto/internal/push"
	"otto/internal/shared/logging"
	"otto/internal/task"
)

// seenSequenceCap bounds the dedupe window for log sequence numbers. Old
// entries falling out of the window can no longer arrive out of order in
// practice: both channels deliver within seconds of each other.
const seenSequenceCap = 4096

// State is the canonical in-memory view of the active task. Both the push
// handler and the poll handler merge through it, so there is exactly one
// merge path regardless of which channel delivered an update.
//
// Every mutation carries a generation; applications from a superseded task
// generation are rejected, which is what protects a new task from in-flight
// responses of an abandoned one.
type State struct {
	mu  sync.Mutex
	gen uint64

	current     *task.Task
	steps       map[string]*task.Step
	outputs     []*task.Output
	outputSeen  map[string]bool
	logs        []task.LogLine
	seenSeq     *lru.Cache[int64, struct{}]
	messages    []task.Message
	suggestions []string

	logger logging.Logger
}

// View is a copy of the current state handed to callers.
type View struct {
	Task        *task.Task
	Steps       []*task.Step
	Outputs     []*task.Output
	Logs        []task.LogLine
	Messages    []task.Message
	Suggestions []string
}

// NewState creates an empty state at generation zero.
func NewState(logger logging.Logger) *State {
	s := &State{logger: logging.OrNop(logger)}
	s.resetLocked()
	return s
}

// Generation returns the current task generation.
func (s *State) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// NextGeneration clears all task state and returns the new generation. Every
// channel opened for the new task carries this value.
func (s *State) NextGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.resetLocked()
	return s.gen
}

func (s *State) resetLocked() {
	s.current = nil
	s.steps = make(map[string]*task.Step)
	s.outputs = nil
	s.outputSeen = make(map[string]bool)
	s.logs = nil
	s.messages = nil
	s.suggestions = nil

	cache, err := lru.New[int64, struct{}](seenSequenceCap)
	if err != nil {
		// Only reachable with a non-positive size constant.
		panic(err)
	}
	s.seenSeq = cache
}

// SetTask installs the freshly created task for the given generation.
func (s *State) SetTask(gen uint64, t *task.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}
	s.current = t
	return true
}

// Status returns the current status, idle when no task is active.
func (s *State) Status() task.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return task.StatusIdle
	}
	return s.current.Status
}

// Transition moves the active task to a new status when the transition is
// legal. Terminal states are absorbing.
func (s *State) Transition(gen uint64, to task.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.current == nil {
		return false
	}
	if !task.CanTransition(s.current.Status, to) {
		return false
	}
	s.current.Status = to
	return true
}

// SetFailure marks the active task failed with the given message. Reports
// whether the task newly entered the failed state.
func (s *State) SetFailure(gen uint64, msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.current == nil {
		return false
	}
	if s.current.Status.Terminal() {
		return false
	}
	s.current.Status = task.StatusFailed
	s.current.ErrorMessage = msg
	return true
}

// ApplySnapshot merges a canonical snapshot. The task record replaces the
// current one wholesale (it is the authoritative snapshot), except that a
// terminal status is never overwritten and identity fields survive a sparse
// record. Steps upsert by id keeping the higher revision; outputs append by
// unseen id; logs append with sequence dedupe.
func (s *State) ApplySnapshot(gen uint64, snap *backend.Snapshot) (task.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || snap == nil || !snap.Ready {
		return s.statusLocked(), false
	}

	if snap.Task != nil {
		s.mergeTaskLocked(snap.Task)
	}
	for _, step := range snap.Steps {
		s.upsertStepLocked(step)
	}
	for _, out := range snap.Outputs {
		s.appendOutputLocked(out)
	}
	for _, line := range snap.Logs {
		s.appendLogLocked(line)
	}
	if snap.Messages != nil {
		s.messages = snap.Messages
	}
	if snap.Suggestions != nil {
		s.suggestions = snap.Suggestions
	}

	return s.statusLocked(), true
}

// ApplyEvent merges one push event. The payload is the full new/changed
// record for the event's concern. A payload that fails to decode is logged
// and dropped; one malformed event must never crash the reconciler.
func (s *State) ApplyEvent(gen uint64, ev push.Event) (task.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return s.statusLocked(), false
	}

	switch ev.Concern {
	case push.ConcernTask:
		var t task.Task
		if err := json.Unmarshal(ev.Payload, &t); err != nil {
			s.logger.Warn("reconciler: dropping malformed task event: %v", err)
			return s.statusLocked(), false
		}
		s.mergeTaskLocked(&t)
	case push.ConcernSteps:
		var step task.Step
		if err := json.Unmarshal(ev.Payload, &step); err != nil {
			s.logger.Warn("reconciler: dropping malformed step event: %v", err)
			return s.statusLocked(), false
		}
		s.upsertStepLocked(&step)
	case push.ConcernOutputs:
		var out task.Output
		if err := json.Unmarshal(ev.Payload, &out); err != nil {
			s.logger.Warn("reconciler: dropping malformed output event: %v", err)
			return s.statusLocked(), false
		}
		s.appendOutputLocked(&out)
	case push.ConcernLogs:
		var line task.LogLine
		if err := json.Unmarshal(ev.Payload, &line); err != nil {
			s.logger.Warn("reconciler: dropping malformed log event: %v", err)
			return s.statusLocked(), false
		}
		if line.Sequence == 0 {
			line.Sequence = ev.Sequence
		}
		s.appendLogLocked(line)
	default:
		s.logger.Warn("reconciler: unknown event concern %q", ev.Concern)
		return s.statusLocked(), false
	}

	return s.statusLocked(), true
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := View{
		Outputs:     append([]*task.Output(nil), s.outputs...),
		Logs:        append([]task.LogLine(nil), s.logs...),
		Messages:    append([]task.Message(nil), s.messages...),
		Suggestions: append([]string(nil), s.suggestions...),
	}
	if s.current != nil {
		clone := *s.current
		view.Task = &clone
	}
	for _, step := range s.steps {
		view.Steps = append(view.Steps, step)
	}
	sort.Slice(view.Steps, func(i, j int) bool {
		return view.Steps[i].StepNumber < view.Steps[j].StepNumber
	})
	return view
}

func (s *State) statusLocked() task.Status {
	if s.current == nil {
		return task.StatusIdle
	}
	return s.current.Status
}

func (s *State) mergeTaskLocked(incoming *task.Task) {
	if s.current == nil {
		clone := *incoming
		s.current = &clone
		return
	}

	// Terminal is absorbing: a stale in-flight snapshot must not resurrect
	// a finished task.
	if s.current.Status.Terminal() {
		return
	}

	prev := s.current
	clone := *incoming
	// Approval is granted locally before the worker trigger lands. A record
	// fetched in that window still reports awaiting_approval; keeping the
	// approved status prevents the poll timer from disarming on it.
	if clone.Status == task.StatusAwaitingApproval &&
		(prev.Status == task.StatusExecuting || prev.Status == task.StatusPaused) {
		clone.Status = prev.Status
	}
	// Identity and immutable fields survive sparse records.
	if clone.ID == "" {
		clone.ID = prev.ID
	}
	if clone.RemoteID == "" {
		clone.RemoteID = prev.RemoteID
	}
	if clone.Prompt == "" {
		clone.Prompt = prev.Prompt
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = prev.CreatedAt
	}
	if clone.StartedAt == nil {
		clone.StartedAt = prev.StartedAt
	}
	s.current = &clone
}

func (s *State) upsertStepLocked(step *task.Step) {
	if step == nil || step.ID == "" {
		return
	}
	existing, ok := s.steps[step.ID]
	if ok && existing.Revision > step.Revision {
		// Out-of-order delivery: the stored update is newer.
		return
	}
	clone := *step
	s.steps[step.ID] = &clone
}

func (s *State) appendOutputLocked(out *task.Output) {
	if out == nil || out.ID == "" || s.outputSeen[out.ID] {
		return
	}
	s.outputSeen[out.ID] = true
	clone := *out
	s.outputs = append(s.outputs, &clone)
}

func (s *State) appendLogLocked(line task.LogLine) {
	if line.Sequence > 0 {
		if _, seen := s.seenSeq.Get(line.Sequence); seen {
			return
		}
		s.seenSeq.Add(line.Sequence, struct{}{})
	}
	s.logs = append(s.logs, line)
}
