// Package broker implements the Log Broker (spec.md §4.3, component C3): a
// keyed publish/subscribe bus fanning live subprocess lines out to any
// number of per-task subscribers. Grounded on the teacher's SSEHub
// (internal/sse/hub.go — per-channel subscriber maps, non-blocking send with
// drop-on-full) generalized from HTTP/SSE channels to task ids, with a
// bounded per-task backlog and a topic registry kept in hashicorp/golang-lru
// so idle task topics are evictable instead of growing the registry forever.
package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ccjuuc/chromium-tool/internal/platform/logger"
)

// LogMessage is one line delivered to subscribers of a task's log stream.
type LogMessage struct {
	TaskID     int64     `json:"task_id"`
	Log        string    `json:"log"`
	Timestamp  time.Time `json:"timestamp"`
	IsProgress bool      `json:"is_progress"`
}

const (
	backlogCap       = 1000
	subscriberBuffer = 256
)

// topic is the per-task fan-out state: a bounded backlog (retained for
// memory-bound parity with spec.md §4.3; not replayed to late subscribers —
// see DESIGN.md) and the live subscriber set.
type topic struct {
	mu          sync.RWMutex
	backlog     []LogMessage
	subscribers map[uuid.UUID]chan LogMessage
}

func newTopic() *topic {
	return &topic{subscribers: make(map[uuid.UUID]chan LogMessage)}
}

func (t *topic) appendBacklog(msg LogMessage) {
	t.backlog = append(t.backlog, msg)
	if len(t.backlog) > backlogCap {
		t.backlog = t.backlog[len(t.backlog)-backlogCap:]
	}
}

// Broker is a concurrency-safe per-task pub/sub bus.
type Broker struct {
	mu     sync.Mutex
	topics *lru.Cache[int64, *topic]
	log    *logger.Logger
}

// New builds a Broker whose topic registry evicts the least recently used
// task's topic once more than maxTasks distinct tasks have published or been
// subscribed to — idle, unsubscribed tasks are garbage-collected rather than
// accumulating for the life of the process (spec.md §3 "map entry for an
// inactive task may be garbage-collected").
func New(maxTasks int, baseLog *logger.Logger) (*Broker, error) {
	if maxTasks <= 0 {
		maxTasks = 4096
	}
	cache, err := lru.New[int64, *topic](maxTasks)
	if err != nil {
		return nil, err
	}
	return &Broker{topics: cache, log: baseLog.With("component", "LogBroker")}, nil
}

func (b *Broker) topicFor(taskID int64, create bool) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics.Get(taskID); ok {
		return t
	}
	if !create {
		return nil
	}
	t := newTopic()
	b.topics.Add(taskID, t)
	return t
}

// Publish delivers a line to every current subscriber of taskID and retains
// it in the bounded backlog. Non-blocking: a subscriber whose buffer is full
// is disconnected rather than allowed to stall the publisher.
func (b *Broker) Publish(taskID int64, line string, isProgress bool) {
	t := b.topicFor(taskID, true)
	msg := LogMessage{TaskID: taskID, Log: line, Timestamp: time.Now(), IsProgress: isProgress}

	t.mu.Lock()
	t.appendBacklog(msg)
	var stale []uuid.UUID
	for id, ch := range t.subscribers {
		select {
		case ch <- msg:
		default:
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		close(t.subscribers[id])
		delete(t.subscribers, id)
	}
	t.mu.Unlock()

	if len(stale) > 0 {
		b.log.Warn("disconnected slow log subscriber", "task_id", taskID, "count", len(stale))
	}
}

// Subscription is a live handle returned by Subscribe.
type Subscription struct {
	ID       uuid.UUID
	Messages <-chan LogMessage
	cancel   func()
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Unsubscribe() { s.cancel() }

// Subscribe registers a new subscriber for taskID. It receives only messages
// published after this call returns — the durable log prefix is the
// Gateway's responsibility, delivered once, synchronously, before this call
// (spec.md §4.7).
func (b *Broker) Subscribe(taskID int64) *Subscription {
	t := b.topicFor(taskID, true)
	id := uuid.New()
	ch := make(chan LogMessage, subscriberBuffer)

	t.mu.Lock()
	t.subscribers[id] = ch
	t.mu.Unlock()

	return &Subscription{
		ID:       id,
		Messages: ch,
		cancel: func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if existing, ok := t.subscribers[id]; ok {
				close(existing)
				delete(t.subscribers, id)
			}
		},
	}
}

// SubscriberCount reports the number of live subscribers for taskID, mostly
// useful for tests and diagnostics.
func (b *Broker) SubscriberCount(taskID int64) int {
	t := b.topicFor(taskID, false)
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers)
}
