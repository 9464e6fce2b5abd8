// Package taskmanager implements the Task Manager (spec.md §4.5, component
// C5): an in-memory registry of live tasks, bounded execution concurrency,
// and cooperative cancellation flags shared by reference with the Pipeline
// Executor and Subprocess Runner. Grounded on the teacher's worker
// registration pattern (internal/jobs/runtime registry keyed by job id) and
// golang.org/x/sync/semaphore for admission bounding, as recommended for
// weighted concurrency limiting in the pack.
package taskmanager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ccjuuc/chromium-tool/internal/platform/logger"
)

// entry is the registry record for one live task.
type entry struct {
	cancel *atomic.Bool
	state  atomic.Value // string
	done   chan struct{}
}

// Manager is the process-wide live task registry. maxConcurrent bounds how
// many Work functions may run at once within this process; the real
// per-server serialization is enforced by the Server Queue Controller (C6),
// so Manager's bound is deliberately generous (or effectively unbounded) in
// production and only matters for resource hygiene.
type Manager struct {
	mu      sync.Mutex
	entries map[int64]*entry
	sem     *semaphore.Weighted
	log     *logger.Logger
}

func New(maxConcurrent int64, baseLog *logger.Logger) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	return &Manager{
		entries: make(map[int64]*entry),
		sem:     semaphore.NewWeighted(maxConcurrent),
		log:     baseLog.With("component", "TaskManager"),
	}
}

// CreateCancelFlag pre-registers taskID so a cancel issued while the task is
// still waiting for an admission permit is honored (spec.md §4.5).
func (m *Manager) CreateCancelFlag(taskID int64) *atomic.Bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[taskID]; ok {
		return e.cancel
	}
	e := &entry{cancel: &atomic.Bool{}, done: make(chan struct{})}
	e.state.Store("pending")
	m.entries[taskID] = e
	return e.cancel
}

// Start acquires an admission permit, rechecks the cancel flag after
// acquisition (a cancel during the wait must still be honored without ever
// running work), then runs work in its own goroutine.
func (m *Manager) Start(ctx context.Context, taskID int64, work func(cancel *atomic.Bool)) error {
	cancel := m.CreateCancelFlag(taskID)

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.finish(taskID)
		return err
	}

	if cancel.Load() {
		m.sem.Release(1)
		m.finish(taskID)
		return nil
	}

	m.mu.Lock()
	if e, ok := m.entries[taskID]; ok {
		e.state.Store("running")
	}
	m.mu.Unlock()

	go func() {
		defer m.sem.Release(1)
		defer m.finish(taskID)
		work(cancel)
	}()
	return nil
}

// Cancel sets the task's flag, then sleeps briefly to let the executor notice
// at a safe point. The entry is marked done only when the task's work
// returns (or Start drops it after admission). It never kills a subprocess
// directly — that is the Subprocess Runner's job, reached via the flag
// (spec.md §4.5).
func (m *Manager) Cancel(taskID int64) {
	m.mu.Lock()
	e, ok := m.entries[taskID]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.cancel.Store(true)
	time.Sleep(100 * time.Millisecond)
}

// Wait blocks until taskID's work function has returned (or it was never
// started), for tests and for callers that need synchronous cancellation.
func (m *Manager) Wait(taskID int64) {
	m.mu.Lock()
	e, ok := m.entries[taskID]
	m.mu.Unlock()
	if !ok {
		return
	}
	<-e.done
}

func (m *Manager) finish(taskID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[taskID]; ok {
		e.state.Store("done")
		select {
		case <-e.done:
		default:
			close(e.done)
		}
	}
}

// State reports the registry's last-known state for taskID ("pending",
// "running", "done", or "" if unknown).
func (m *Manager) State(taskID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[taskID]
	if !ok {
		return ""
	}
	s, _ := e.state.Load().(string)
	return s
}

// Forget removes a completed task's registry entry, letting it be
// garbage-collected.
func (m *Manager) Forget(taskID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, taskID)
}
