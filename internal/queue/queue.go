// Package queue implements the Server Queue Controller (spec.md §4.6,
// component C6): per-server admission gating, FIFO promotion of pending
// tasks, and macOS parent/child fan-in coordination. Cross-references with
// the Pipeline Executor are modeled as message passing over a channel
// (spec.md §9 "cyclic references") rather than direct recursive calls, drawn
// from the teacher's status-event channel pattern (internal/jobs/status.go).
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ccjuuc/chromium-tool/internal/domain"
	"github.com/ccjuuc/chromium-tool/internal/pipeline"
	"github.com/ccjuuc/chromium-tool/internal/platform/dbctx"
	"github.com/ccjuuc/chromium-tool/internal/platform/logger"
	"github.com/ccjuuc/chromium-tool/internal/repos"
	"github.com/ccjuuc/chromium-tool/internal/taskmanager"
)

// PipelineExecutor is the narrow interface the Controller needs from the
// Pipeline Executor (C4): run one task's step list given its cancel flag.
// *pipeline.Executor satisfies this; the interface exists so tests can
// substitute a fake instead of driving real subprocesses.
type PipelineExecutor interface {
	Execute(task *domain.Task, req *domain.BuildRequest, cancel *atomic.Bool)
}

// promoteDelay is inserted before a follow-up promote so the terminal
// state's write has settled (spec.md §4.6 promotion protocol step 4).
const promoteDelay = 1 * time.Second

type event struct {
	kind      string // "terminal" | "combine"
	server    string
	taskID    int64
	parentID  int64
	cancelled bool
}

// Controller is the per-process singleton scheduling authority. It owns one
// keyed mutex per server (Invariant S3), an event channel that serializes
// all terminal/fan-in notifications, and the Task Manager + Pipeline
// Executor it dispatches work through.
type Controller struct {
	repo    repos.TaskRepo
	manager *taskmanager.Manager
	exec    PipelineExecutor
	log     *logger.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	events chan event
	stop   chan struct{}
}

func New(repo repos.TaskRepo, manager *taskmanager.Manager, exec PipelineExecutor, baseLog *logger.Logger) *Controller {
	c := &Controller{
		repo:    repo,
		manager: manager,
		exec:    exec,
		log:     baseLog.With("component", "ServerQueueController"),
		locks:   make(map[string]*sync.Mutex),
		events:  make(chan event, 256),
		stop:    make(chan struct{}),
	}
	go c.drain()
	return c
}

func (c *Controller) Close() { close(c.stop) }

func (c *Controller) lockFor(server string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.locks[server]
	if !ok {
		l = &sync.Mutex{}
		c.locks[server] = l
	}
	return l
}

// TerminalReached implements pipeline.Notifier: posts the event rather than
// calling back into Promote directly.
func (c *Controller) TerminalReached(evt pipeline.TerminalEvent) {
	c.events <- event{kind: "terminal", server: evt.Server, taskID: evt.TaskID, cancelled: evt.WasCancelled}
}

// ArmCombine implements pipeline.Notifier: the last child to cross
// BuildingChrome posts this instead of calling Promote synchronously.
func (c *Controller) ArmCombine(parentID int64, server string) {
	c.events <- event{kind: "combine", server: server, parentID: parentID}
}

func (c *Controller) drain() {
	for {
		select {
		case <-c.stop:
			return
		case evt := <-c.events:
			switch evt.kind {
			case "terminal":
				if !evt.cancelled {
					time.Sleep(promoteDelay)
					c.Promote(evt.server)
				}
			case "combine":
				c.startCombine(evt.parentID, evt.server)
			}
		}
	}
}

// SubmitResult is returned to the Request Gateway after a submission.
type SubmitResult struct {
	Parent        *domain.Task
	Children      []*domain.Task
	QueuePosition int
	Started       bool
}

// Submit implements the submission protocol (spec.md §4.6): acquire the
// per-server critical section, persist the task(s) in Pending, then either
// report a queue position or immediately promote.
func (c *Controller) Submit(ctx context.Context, req *domain.BuildRequest) (*SubmitResult, error) {
	lock := c.lockFor(req.Server)
	lock.Lock()

	dc := dbctx.Context{Ctx: ctx}
	running, err := c.repo.HasRunning(dc, req.Server)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	count, err := c.repo.RunningCount(dc, req.Server)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	var parent *domain.Task
	var children []*domain.Task

	if len(req.Architectures) == 1 {
		t := taskFromRequest(req, req.Architectures[0])
		created, err := c.repo.Create(dc, t)
		if err != nil {
			lock.Unlock()
			return nil, err
		}
		children = []*domain.Task{created}
	} else {
		p := taskFromRequest(req, "")
		p.PkgFlag = joinArchitectures(req.Architectures)
		var kids []*domain.Task
		for _, arch := range req.Architectures {
			ch := taskFromRequest(req, arch)
			kids = append(kids, ch)
		}
		createdParent, createdKids, err := c.repo.CreateFamily(dc, p, kids)
		if err != nil {
			lock.Unlock()
			return nil, err
		}
		parent = createdParent
		children = createdKids
	}

	if running {
		lock.Unlock()
		return &SubmitResult{Parent: parent, Children: children, QueuePosition: count, Started: false}, nil
	}

	// Promote while still holding the per-server critical section, rather
	// than unlocking and letting Promote reacquire it independently — the
	// latter reopens the race Invariant S3 forbids (spec.md §4.6, §5): two
	// concurrent submissions could both observe running=false and release
	// before either promotes, then both promote and launch a task each. The
	// original Rust implementation (build.rs) holds its single server_lock
	// guard continuously across task creation and the promote call; this
	// mirrors that lifetime.
	defer lock.Unlock()
	c.promoteLocked(req.Server)
	return &SubmitResult{Parent: parent, Children: children, QueuePosition: 0, Started: true}, nil
}

func taskFromRequest(req *domain.BuildRequest, arch string) *domain.Task {
	return &domain.Task{
		Architecture:    arch,
		Server:          req.Server,
		Branch:          req.Branch,
		CommitID:        req.CommitID,
		PkgFlag:         req.PkgFlag,
		IsIncrement:     req.IsIncrement,
		IsSigned:        req.IsSigned,
		InstallerFormat: req.InstallerFormat,
		Platform:        req.Platform,
	}
}

func joinArchitectures(archs []string) string {
	out := "["
	for i, a := range archs {
		if i > 0 {
			out += ", "
		}
		out += a
	}
	return out + "]"
}

// Promote implements the promotion protocol (spec.md §4.6): acquires the
// server's critical section, then delegates to promoteLocked. Callers that
// already hold the lock (notably Submit, which must promote without ever
// releasing the section it created the task under — Invariant S3) must call
// promoteLocked directly instead.
func (c *Controller) Promote(server string) {
	lock := c.lockFor(server)
	lock.Lock()
	defer lock.Unlock()
	c.promoteLocked(server)
}

// promoteLocked runs the promotion protocol (spec.md §4.6) assuming the
// caller already holds server's critical section: pick the next pending
// child (preferred) or single task, skip defensively past any
// already-terminal row, then hand it to the Task Manager.
func (c *Controller) promoteLocked(server string) {
	dc := dbctx.Context{Ctx: context.Background()}

	for {
		next, err := c.repo.NextPendingChild(dc, server)
		if err != nil {
			c.log.Error("next_pending_child failed", "server", server, "err", err)
			return
		}
		if next == nil {
			next, err = c.repo.NextPendingSingle(dc, server)
			if err != nil {
				c.log.Error("next_pending_single failed", "server", server, "err", err)
				return
			}
		}
		if next == nil {
			return
		}
		if next.State == domain.StateFailed || next.State == domain.StateCancelled {
			continue
		}
		c.launch(next)
		return
	}
}

func (c *Controller) launch(task *domain.Task) {
	dc := dbctx.Context{Ctx: context.Background()}
	if err := c.repo.UpdateState(dc, task.ID, domain.StateStartBuild, ""); err != nil {
		c.log.Error("update_state to start_build failed", "task_id", task.ID, "err", err)
		return
	}
	task.State = domain.StateStartBuild

	req := requestFromTask(task)
	err := c.manager.Start(context.Background(), task.ID, func(cancel *atomic.Bool) {
		c.exec.Execute(task, req, cancel)
	})
	if err != nil {
		c.log.Error("task manager start failed", "task_id", task.ID, "err", err)
	}
}

// startCombine promotes a parent that has just been armed by its last
// child's fan-in check. The parent is launched exactly like any other task;
// on a parent the executor runs only the combine and backup steps of the
// configured step list.
func (c *Controller) startCombine(parentID int64, server string) {
	dc := dbctx.Context{Ctx: context.Background()}
	parent, err := c.repo.Find(dc, parentID)
	if err != nil {
		c.log.Error("find parent for combine failed", "parent_id", parentID, "err", err)
		return
	}
	if parent.State.IsTerminal() {
		return
	}
	lock := c.lockFor(server)
	lock.Lock()
	defer lock.Unlock()
	c.launch(parent)
}

func requestFromTask(t *domain.Task) *domain.BuildRequest {
	return &domain.BuildRequest{
		Branch:          t.Branch,
		CommitID:        t.CommitID,
		PkgFlag:         t.PkgFlag,
		IsIncrement:     t.IsIncrement,
		IsSigned:        t.IsSigned,
		Architectures:   []string{t.Architecture},
		Platform:        t.Platform,
		Server:          t.Server,
		InstallerFormat: t.InstallerFormat,
	}
}

// Cancel sets a live task's cancel flag via the Task Manager; the Pipeline
// Executor records the Cancelled state when it observes the flag. It does
// not auto-promote (spec.md §4.6's no-chain-from-cancel rule is
// enforced in drain()).
func (c *Controller) Cancel(taskID int64) {
	c.manager.Cancel(taskID)
}

// Delete implements the admin delete path (spec.md §6 /delete_task, §3
// "deleting a parent cascades"): cancel the task (and, if it is a parent,
// every live child) then remove the rows.
func (c *Controller) Delete(ctx context.Context, taskID int64) error {
	dc := dbctx.Context{Ctx: ctx}
	task, err := c.repo.Find(dc, taskID)
	if err != nil {
		return err
	}

	if task.IsParent() {
		children, err := c.repo.Children(dc, taskID)
		if err != nil {
			return err
		}
		for _, ch := range children {
			c.cancelAndDelete(dc, ch)
		}
	}
	c.cancelAndDelete(dc, task)
	return nil
}

func (c *Controller) cancelAndDelete(dc dbctx.Context, task *domain.Task) {
	if !task.State.IsTerminal() {
		c.manager.Cancel(task.ID)
		_ = c.repo.UpdateState(dc, task.ID, domain.StateCancelled, "")
	}
	if err := c.repo.Delete(dc, task.ID); err != nil {
		c.log.Error("delete task failed", "task_id", task.ID, "err", err)
	}
}
