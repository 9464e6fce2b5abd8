package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ccjuuc/chromium-tool/internal/domain"
	"github.com/ccjuuc/chromium-tool/internal/platform/dbctx"
	"github.com/ccjuuc/chromium-tool/internal/platform/logger"
	"github.com/ccjuuc/chromium-tool/internal/taskmanager"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	t.Cleanup(log.Sync)
	return log
}

// fakeRepo is a minimal in-memory stand-in for repos.TaskRepo, sufficient to
// exercise the Controller's scheduling logic without a database.
type fakeRepo struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*domain.Task
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{tasks: make(map[int64]*domain.Task)}
}

func (f *fakeRepo) Create(_ dbctx.Context, t *domain.Task) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	t.ID = f.nextID
	t.State = domain.StatePending
	f.tasks[t.ID] = t
	return t, nil
}

func (f *fakeRepo) CreateFamily(_ dbctx.Context, parent *domain.Task, children []*domain.Task) (*domain.Task, []*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	parent.ID = f.nextID
	parent.State = domain.StatePending
	f.tasks[parent.ID] = parent
	for _, ch := range children {
		f.nextID++
		ch.ID = f.nextID
		ch.ParentID = &parent.ID
		ch.State = domain.StatePending
		f.tasks[ch.ID] = ch
	}
	return parent, children, nil
}

func (f *fakeRepo) Find(_ dbctx.Context, id int64) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id], nil
}

func (f *fakeRepo) List(_ dbctx.Context) ([]*domain.Task, error) { return nil, nil }

func (f *fakeRepo) UpdateState(_ dbctx.Context, id int64, state domain.TaskState, commit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok {
		t.State = state
		if commit != "" {
			t.CommitID = commit
		}
	}
	return nil
}

func (f *fakeRepo) UpdateCompletion(_ dbctx.Context, id int64, endTime time.Time, storagePath, installer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok {
		t.State = domain.StateSuccess
		t.EndTime = &endTime
		t.StoragePath = storagePath
		t.Installer = installer
	}
	return nil
}

func (f *fakeRepo) HasRunning(_ dbctx.Context, server string) (bool, error) {
	n, _ := f.RunningCount(dbctx.Context{}, server)
	return n > 0, nil
}

func (f *fakeRepo) RunningCount(_ dbctx.Context, server string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tasks {
		if t.Server == server && !t.State.IsTerminal() && t.State != domain.StatePending {
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) NextPendingChild(_ dbctx.Context, server string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *domain.Task
	for _, t := range f.tasks {
		if t.Server != server || t.State != domain.StatePending || t.ParentID == nil {
			continue
		}
		if best == nil || *t.ParentID < *best.ParentID || (*t.ParentID == *best.ParentID && t.ID < best.ID) {
			best = t
		}
	}
	return best, nil
}

func (f *fakeRepo) NextPendingSingle(_ dbctx.Context, server string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *domain.Task
	for _, t := range f.tasks {
		if t.Server != server || t.State != domain.StatePending || t.ParentID != nil {
			continue
		}
		if best == nil || t.ID < best.ID {
			best = t
		}
	}
	return best, nil
}

func (f *fakeRepo) Children(_ dbctx.Context, parentID int64) ([]*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Task
	for _, t := range f.tasks {
		if t.ParentID != nil && *t.ParentID == parentID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpdateFamilyCommit(_ dbctx.Context, id int64, commit string) error { return nil }

func (f *fakeRepo) AllChildrenPastChrome(_ dbctx.Context, parentID int64) (bool, error) {
	children, _ := f.Children(dbctx.Context{}, parentID)
	if len(children) == 0 {
		return false, nil
	}
	for _, ch := range children {
		if !ch.State.AtLeast(domain.StateBuildingChrome) {
			return false, nil
		}
	}
	return true, nil
}

func (f *fakeRepo) AppendLog(_ dbctx.Context, id int64, line string) error { return nil }
func (f *fakeRepo) GetLog(_ dbctx.Context, id int64) (string, error)       { return "", nil }

func (f *fakeRepo) Delete(_ dbctx.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
	return nil
}

func (f *fakeRepo) ResetOrphaned(_ dbctx.Context) (int, error) { return 0, nil }

func TestController_FIFOPromotionWithinServer(t *testing.T) {
	repo := newFakeRepo()
	log := testLogger(t)
	mgr := taskmanager.New(8, log)
	release := make(chan struct{})
	ctrl := New(repo, mgr, &blockingExecutor{repo: repo, release: release}, log)
	t.Cleanup(ctrl.Close)

	t1, _ := repo.Create(dbctx.Context{}, &domain.Task{Server: "W1", Architecture: "x64"})
	t2, _ := repo.Create(dbctx.Context{}, &domain.Task{Server: "W1", Architecture: "x64"})

	// Promote launches the older pending task (t1) and leaves t2 pending; once
	// t1 is no longer pending, the next pending pick is t2.
	ctrl.Promote("W1")
	require.Equal(t, domain.StateStartBuild, t1.State)
	require.Equal(t, domain.StatePending, t2.State)
	next, err := repo.NextPendingSingle(dbctx.Context{}, "W1")
	require.NoError(t, err)
	require.Equal(t, t2.ID, next.ID)

	close(release)
	mgr.Wait(t1.ID)
}

func TestController_ChildrenPreferredOverSingles(t *testing.T) {
	repo := newFakeRepo()
	log := testLogger(t)
	mgr := taskmanager.New(8, log)
	release := make(chan struct{})
	ctrl := New(repo, mgr, &blockingExecutor{repo: repo, release: release}, log)
	t.Cleanup(ctrl.Close)

	single, _ := repo.Create(dbctx.Context{}, &domain.Task{Server: "W1", Architecture: "x64"})
	_ = single
	parentID := int64(100)
	child := &domain.Task{Server: "W1", Architecture: "arm64", ParentID: &parentID}
	created, _ := repo.Create(dbctx.Context{}, child)

	next, err := repo.NextPendingChild(dbctx.Context{}, "W1")
	require.NoError(t, err)
	require.Equal(t, created.ID, next.ID)

	// The older single task is passed over in favour of the pending child.
	ctrl.Promote("W1")
	require.Equal(t, domain.StateStartBuild, created.State)
	require.Equal(t, domain.StatePending, single.State)

	close(release)
	mgr.Wait(created.ID)
}

// blockingExecutor is a fake PipelineExecutor whose Execute holds the task
// in a non-terminal state until the test releases it, so a test can observe
// the window during which a server should have at most one launched task.
type blockingExecutor struct {
	repo    *fakeRepo
	release chan struct{}
}

func (b *blockingExecutor) Execute(task *domain.Task, _ *domain.BuildRequest, _ *atomic.Bool) {
	<-b.release
	_ = b.repo.UpdateState(dbctx.Context{}, task.ID, domain.StateSuccess, "")
}

// TestController_Submit_ConcurrentSameServer_SerializesPromotion guards
// against the race flagged in review: Submit must promote while still
// holding the per-server critical section, not release it and let Promote
// reacquire independently. Two concurrent Submit calls against the same
// idle server must never both launch a task — Invariant S1 ("at most one
// non-Pending, non-terminal task per server") must hold at every instant.
func TestController_Submit_ConcurrentSameServer_SerializesPromotion(t *testing.T) {
	repo := newFakeRepo()
	log := testLogger(t)
	mgr := taskmanager.New(8, log)
	release := make(chan struct{})
	exec := &blockingExecutor{repo: repo, release: release}
	ctrl := New(repo, mgr, exec, log)
	t.Cleanup(ctrl.Close)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*SubmitResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := &domain.BuildRequest{
				Server:        "W1",
				Platform:      "windows",
				Branch:        "main",
				Architectures: []string{"x64"},
			}
			res, err := ctrl.Submit(context.Background(), req)
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	started := 0
	for _, r := range results {
		if r.Started {
			started++
		}
	}
	require.Equal(t, 1, started, "exactly one submission should have started its task immediately")

	running, err := repo.RunningCount(dbctx.Context{}, "W1")
	require.NoError(t, err)
	require.Equal(t, 1, running, "at most one non-pending, non-terminal task may occupy the server slot")

	close(release)
	mgr.Wait(firstStartedTaskID(results))
}

// firstStartedTaskID returns the id of the task whose Submit call reported
// Started=true, for Wait()ing on the blockingExecutor's goroutine.
func firstStartedTaskID(results []*SubmitResult) int64 {
	for _, r := range results {
		if r.Started {
			if r.Parent != nil {
				return r.Parent.ID
			}
			return r.Children[0].ID
		}
	}
	return 0
}

func TestController_Delete_CascadesToChildren(t *testing.T) {
	repo := newFakeRepo()
	log := testLogger(t)
	mgr := taskmanager.New(4, log)
	ctrl := &Controller{repo: repo, manager: mgr, log: log, locks: make(map[string]*sync.Mutex), events: make(chan event, 8), stop: make(chan struct{})}

	parent := &domain.Task{Server: "M1"}
	child1 := &domain.Task{Server: "M1"}
	child2 := &domain.Task{Server: "M1"}
	createdParent, createdChildren, err := repo.CreateFamily(dbctx.Context{}, parent, []*domain.Task{child1, child2})
	require.NoError(t, err)
	_ = repo.UpdateState(dbctx.Context{}, createdChildren[0].ID, domain.StateBuildingChrome, "")

	err = ctrl.Delete(context.Background(), createdParent.ID)
	require.NoError(t, err)

	_, ok := repo.tasks[createdParent.ID]
	require.False(t, ok)
	_, ok = repo.tasks[createdChildren[0].ID]
	require.False(t, ok)
	_, ok = repo.tasks[createdChildren[1].ID]
	require.False(t, ok)
}
