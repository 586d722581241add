package push

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

const defaultBuffer = 16

// Bus is an in-process fan-out of task events, keyed by (task id, concern).
// The stub backend publishes through it and tests use it as a Subscriber in
// place of the websocket client.
type Bus struct {
	mu       sync.RWMutex
	watchers map[string]map[uint64]*watchRegistration
	nextID   uint64
}

type watchRegistration struct {
	ch chan Event
}

func NewBus() *Bus {
	return &Bus{watchers: make(map[string]map[uint64]*watchRegistration)}
}

func topicKey(taskID string, concern Concern) string {
	return taskID + "/" + string(concern)
}

func (b *Bus) Watch(ctx context.Context, taskID string, concern Concern) (<-chan Event, error) {
	if taskID == "" {
		return nil, errors.New("push: task id is required")
	}

	topic := topicKey(taskID, concern)
	ch := make(chan Event, defaultBuffer)
	id := atomic.AddUint64(&b.nextID, 1)

	b.mu.Lock()
	if _, ok := b.watchers[topic]; !ok {
		b.watchers[topic] = make(map[uint64]*watchRegistration)
	}
	b.watchers[topic][id] = &watchRegistration{ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.removeWatcher(topic, id)
	}()

	return ch, nil
}

// Publish delivers an event to every watcher of its (task, concern) topic.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if event.TaskID == "" {
		return errors.New("push: event missing task id")
	}
	if event.Concern == "" {
		return errors.New("push: event missing concern")
	}
	b.dispatch(topicKey(event.TaskID, event.Concern), event)
	return nil
}

func (b *Bus) dispatch(topic string, event Event) {
	b.mu.RLock()
	watchers := b.watchers[topic]
	copies := make([]*watchRegistration, 0, len(watchers))
	for _, reg := range watchers {
		copies = append(copies, reg)
	}
	b.mu.RUnlock()

	for _, reg := range copies {
		b.safeSend(reg, event)
	}
}

func (b *Bus) safeSend(reg *watchRegistration, event Event) {
	defer func() {
		if recover() != nil {
			// The watcher channel was closed after we copied the registration.
			// Ignore the event and keep publishing to other watchers.
		}
	}()

	select {
	case reg.ch <- event:
	default:
	}
}

func (b *Bus) removeWatcher(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	watchers := b.watchers[topic]
	if watchers == nil {
		return
	}
	if reg, ok := watchers[id]; ok {
		delete(watchers, id)
		close(reg.ch)
	}
	if len(watchers) == 0 {
		delete(b.watchers, topic)
	}
}

var _ Subscriber = (*Bus)(nil)
