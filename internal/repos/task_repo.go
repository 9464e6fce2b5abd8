// Package repos implements the Task Repository (spec.md §4.1, component
// C1): atomic state transitions and queue queries over the `pkg` table,
// grounded on the teacher's JobRunRepo (SKIP LOCKED claim pattern) and
// CourseGenerationRunRepo (family/parent backfill).
package repos

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ccjuuc/chromium-tool/internal/domain"
	"github.com/ccjuuc/chromium-tool/internal/errs"
	"github.com/ccjuuc/chromium-tool/internal/platform/dbctx"
	"github.com/ccjuuc/chromium-tool/internal/platform/logger"
)

// runningStates are the non-Pending, non-terminal states: a task in one of
// these occupies the per-server execution slot (spec.md §3 "Running-on-
// server" predicate).
var runningStates = []domain.TaskState{
	domain.StateCheckingOut, domain.StateStartBuild, domain.StateCleaning,
	domain.StateGeneratingProject, domain.StateBuildingPreBuild,
	domain.StateBuildingBase, domain.StateBuildingChrome, domain.StateCombining,
	domain.StateBuildingInstaller, domain.StateSigning, domain.StateBackingUp,
}

type TaskRepo interface {
	Create(ctx dbctx.Context, t *domain.Task) (*domain.Task, error)
	CreateFamily(ctx dbctx.Context, parent *domain.Task, children []*domain.Task) (*domain.Task, []*domain.Task, error)
	Find(ctx dbctx.Context, id int64) (*domain.Task, error)
	List(ctx dbctx.Context) ([]*domain.Task, error)
	UpdateState(ctx dbctx.Context, id int64, state domain.TaskState, commit string) error
	UpdateCompletion(ctx dbctx.Context, id int64, endTime time.Time, storagePath, installer string) error
	HasRunning(ctx dbctx.Context, server string) (bool, error)
	RunningCount(ctx dbctx.Context, server string) (int, error)
	NextPendingChild(ctx dbctx.Context, server string) (*domain.Task, error)
	NextPendingSingle(ctx dbctx.Context, server string) (*domain.Task, error)
	Children(ctx dbctx.Context, parentID int64) ([]*domain.Task, error)
	UpdateFamilyCommit(ctx dbctx.Context, id int64, commit string) error
	AllChildrenPastChrome(ctx dbctx.Context, parentID int64) (bool, error)
	AppendLog(ctx dbctx.Context, id int64, line string) error
	GetLog(ctx dbctx.Context, id int64) (string, error)
	Delete(ctx dbctx.Context, id int64) error
	ResetOrphaned(ctx dbctx.Context) (int, error)
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{db: db, log: baseLog.With("repo", "TaskRepo")}
}

func (r *taskRepo) Create(c dbctx.Context, t *domain.Task) (*domain.Task, error) {
	tx := c.Resolve(r.db)
	if t.State == "" {
		t.State = domain.StatePending
	}
	now := time.Now()
	t.StartTime = &now
	if err := tx.WithContext(c.Context()).Create(t).Error; err != nil {
		return nil, errs.Storage("create_task", err)
	}
	return t, nil
}

// CreateFamily inserts a parent and its children in a single transaction, as
// required by spec.md §3's "created inside the per-server critical section"
// ownership rule — both rows must exist atomically before the controller
// releases the section.
func (r *taskRepo) CreateFamily(c dbctx.Context, parent *domain.Task, children []*domain.Task) (*domain.Task, []*domain.Task, error) {
	tx := c.Resolve(r.db)
	now := time.Now()
	err := tx.WithContext(c.Context()).Transaction(func(txx *gorm.DB) error {
		parent.State = domain.StatePending
		parent.StartTime = &now
		if err := txx.Create(parent).Error; err != nil {
			return err
		}
		for _, ch := range children {
			ch.ParentID = &parent.ID
			ch.State = domain.StatePending
			ch.StartTime = &now
		}
		if len(children) > 0 {
			if err := txx.Create(&children).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, errs.Storage("create_family", err)
	}
	return parent, children, nil
}

func (r *taskRepo) Find(c dbctx.Context, id int64) (*domain.Task, error) {
	tx := c.Resolve(r.db)
	var t domain.Task
	err := tx.WithContext(c.Context()).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("find_task", err)
	}
	if err != nil {
		return nil, errs.Storage("find_task", err)
	}
	return &t, nil
}

// List returns every task ordered so a parent immediately precedes its
// children: COALESCE(parent_id, id) DESC, id ASC — "newest family first,
// within a family oldest child first" (spec.md §9).
func (r *taskRepo) List(c dbctx.Context) ([]*domain.Task, error) {
	tx := c.Resolve(r.db)
	var out []*domain.Task
	err := tx.WithContext(c.Context()).
		Order("COALESCE(parent_id, id) DESC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, errs.Storage("list_tasks", err)
	}
	return out, nil
}

func (r *taskRepo) UpdateState(c dbctx.Context, id int64, state domain.TaskState, commit string) error {
	tx := c.Resolve(r.db)
	updates := map[string]interface{}{"state": state}
	if commit != "" {
		updates["commit_id"] = commit
	}
	err := tx.WithContext(c.Context()).Model(&domain.Task{}).Where("id = ?", id).Updates(updates).Error
	if err != nil {
		return errs.Storage("update_state", err)
	}
	return nil
}

func (r *taskRepo) UpdateCompletion(c dbctx.Context, id int64, endTime time.Time, storagePath, installer string) error {
	tx := c.Resolve(r.db)
	err := tx.WithContext(c.Context()).Model(&domain.Task{}).Where("id = ?", id).Updates(map[string]interface{}{
		"state":        domain.StateSuccess,
		"end_time":     endTime,
		"storage_path": storagePath,
		"installer":    installer,
	}).Error
	if err != nil {
		return errs.Storage("update_completion", err)
	}
	return nil
}

func (r *taskRepo) HasRunning(c dbctx.Context, server string) (bool, error) {
	n, err := r.RunningCount(c, server)
	return n > 0, err
}

func (r *taskRepo) RunningCount(c dbctx.Context, server string) (int, error) {
	tx := c.Resolve(r.db)
	var count int64
	err := tx.WithContext(c.Context()).Model(&domain.Task{}).
		Where("server = ? AND state IN ?", server, runningStates).
		Count(&count).Error
	if err != nil {
		return 0, errs.Storage("running_count", err)
	}
	return int(count), nil
}

// NextPendingChild returns the oldest pending child task on server, ordered
// (parent_id ASC, id ASC) per spec.md §3.
func (r *taskRepo) NextPendingChild(c dbctx.Context, server string) (*domain.Task, error) {
	tx := c.Resolve(r.db)
	var t domain.Task
	err := tx.WithContext(c.Context()).
		Where("server = ? AND state = ? AND parent_id IS NOT NULL", server, domain.StatePending).
		Order("parent_id ASC, id ASC").
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("next_pending_child", err)
	}
	return &t, nil
}

// NextPendingSingle returns the oldest pending single (non-family) task on
// server, ordered (id ASC).
func (r *taskRepo) NextPendingSingle(c dbctx.Context, server string) (*domain.Task, error) {
	tx := c.Resolve(r.db)
	var t domain.Task
	err := tx.WithContext(c.Context()).
		Where("server = ? AND state = ? AND parent_id IS NULL", server, domain.StatePending).
		Order("id ASC").
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("next_pending_single", err)
	}
	return &t, nil
}

func (r *taskRepo) Children(c dbctx.Context, parentID int64) ([]*domain.Task, error) {
	tx := c.Resolve(r.db)
	var out []*domain.Task
	err := tx.WithContext(c.Context()).Where("parent_id = ?", parentID).Order("id ASC").Find(&out).Error
	if err != nil {
		return nil, errs.Storage("children", err)
	}
	return out, nil
}

// UpdateFamilyCommit writes commit to the task, its parent (if any), and all
// siblings in one transaction (spec.md §3 "Family commit atomicity" and
// §8's corresponding testable invariant).
func (r *taskRepo) UpdateFamilyCommit(c dbctx.Context, id int64, commit string) error {
	tx := c.Resolve(r.db)
	err := tx.WithContext(c.Context()).Transaction(func(txx *gorm.DB) error {
		var t domain.Task
		if err := txx.Where("id = ?", id).First(&t).Error; err != nil {
			return err
		}
		familyParentID := id
		if t.ParentID != nil {
			familyParentID = *t.ParentID
		}
		if err := txx.Model(&domain.Task{}).Where("id = ?", familyParentID).
			Update("commit_id", commit).Error; err != nil {
			return err
		}
		return txx.Model(&domain.Task{}).Where("parent_id = ?", familyParentID).
			Update("commit_id", commit).Error
	})
	if err != nil {
		return errs.Storage("update_family_commit", err)
	}
	return nil
}

// AllChildrenPastChrome is the macOS fan-in predicate (spec.md §4.4): true
// iff parentID has at least one child and every child that is not Failed or
// Cancelled has a state ranked >= BuildingChrome. Failed and cancelled
// children are skipped rather than counted as blocking.
func (r *taskRepo) AllChildrenPastChrome(c dbctx.Context, parentID int64) (bool, error) {
	children, err := r.Children(c, parentID)
	if err != nil {
		return false, err
	}
	if len(children) == 0 {
		return false, nil
	}
	for _, ch := range children {
		if ch.State.IsTerminal() && ch.State != domain.StateSuccess {
			// A failed/cancelled child can never cross the threshold; the
			// parent's combine step will fail fast instead of waiting forever.
			continue
		}
		if !ch.State.AtLeast(domain.StateBuildingChrome) {
			return false, nil
		}
	}
	return true, nil
}

// AppendLog appends line+"\n" to the durable log, truncating from the front
// (keeping at most the last LogCap bytes, cut on a UTF-8 boundary) once the
// cap is exceeded (spec.md §4.1, §8 "Log cap" invariant).
func (r *taskRepo) AppendLog(c dbctx.Context, id int64, line string) error {
	tx := c.Resolve(r.db)
	return tx.WithContext(c.Context()).Transaction(func(txx *gorm.DB) error {
		var cur string
		if err := txx.Model(&domain.Task{}).Select("build_log").Where("id = ?", id).Scan(&cur).Error; err != nil {
			return err
		}
		next := cur + line + "\n"
		if len(next) > domain.LogCap {
			next = truncateUTF8Safe(next, domain.LogCap)
		}
		return txx.Model(&domain.Task{}).Where("id = ?", id).Update("build_log", next).Error
	})
}

// truncateUTF8Safe keeps the last max bytes of s, advancing past any
// trailing partial UTF-8 sequence at the cut point.
func truncateUTF8Safe(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := len(s) - max
	for cut < len(s) && !utf8StartByte(s[cut]) {
		cut++
	}
	return s[cut:]
}

func utf8StartByte(b byte) bool { return b&0xC0 != 0x80 }

func (r *taskRepo) GetLog(c dbctx.Context, id int64) (string, error) {
	tx := c.Resolve(r.db)
	var log string
	err := tx.WithContext(c.Context()).Model(&domain.Task{}).Select("build_log").Where("id = ?", id).Scan(&log).Error
	if err != nil {
		return "", errs.Storage("get_log", err)
	}
	return log, nil
}

func (r *taskRepo) Delete(c dbctx.Context, id int64) error {
	tx := c.Resolve(r.db)
	err := tx.WithContext(c.Context()).Clauses(clause.Returning{}).Where("id = ?", id).Delete(&domain.Task{}).Error
	if err != nil {
		return errs.Storage("delete_task", err)
	}
	return nil
}

// ResetOrphaned transitions every task left in a non-terminal, non-Pending
// state to Failed with end_time=now, on process startup (spec.md §4.1,
// §8 "No orphans after restart"). Returns the count for startup logging.
func (r *taskRepo) ResetOrphaned(c dbctx.Context) (int, error) {
	tx := c.Resolve(r.db)
	now := time.Now()
	res := tx.WithContext(c.Context()).Model(&domain.Task{}).
		Where("state IN ?", runningStates).
		Updates(map[string]interface{}{"state": domain.StateFailed, "end_time": now})
	if res.Error != nil {
		return 0, errs.Storage("reset_orphaned", res.Error)
	}
	return int(res.RowsAffected), nil
}
