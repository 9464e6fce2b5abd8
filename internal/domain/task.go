// Package domain holds the persisted and in-memory types shared across the
// build orchestrator: the Task row, its lifecycle state machine, and the
// wire-level BuildRequest the Gateway decodes.
package domain

import "time"

// TaskState is the task lifecycle state, ordered by progression. The zero
// value is never a valid state on a persisted row.
type TaskState string

const (
	StatePending            TaskState = "pending"
	StateCheckingOut        TaskState = "checking_out"
	StateStartBuild         TaskState = "start_build"
	StateCleaning           TaskState = "cleaning"
	StateGeneratingProject  TaskState = "generating_project"
	StateBuildingPreBuild   TaskState = "building_pre_build"
	StateBuildingBase       TaskState = "building_base"
	StateBuildingChrome     TaskState = "building_chrome"
	StateCombining          TaskState = "combining"
	StateBuildingInstaller  TaskState = "building_installer"
	StateSigning            TaskState = "signing"
	StateBackingUp          TaskState = "backing_up"
	StateSuccess            TaskState = "success"
	StateFailed             TaskState = "failed"
	StateCancelled          TaskState = "cancelled"
)

// progression gives each on-path state a monotonic rank. Off-path terminal
// states (Failed, Cancelled) are not part of the progression order; they are
// reachable from anywhere and are handled separately by IsTerminal.
var progression = map[TaskState]int{
	StatePending:           0,
	StateCheckingOut:       1,
	StateStartBuild:        2,
	StateCleaning:          3,
	StateGeneratingProject: 4,
	StateBuildingPreBuild:  5,
	StateBuildingBase:      6,
	StateBuildingChrome:    7,
	StateCombining:         8,
	StateBuildingInstaller: 9,
	StateSigning:           10,
	StateBackingUp:         11,
	StateSuccess:           12,
}

// allStates enumerates every valid state, used by FromString/String to stay
// symmetric — the source's from_str/as_str asymmetry (dropping Cancelled
// from the parser) was flagged as a bug in the spec; this list is
// authoritative for both directions.
var allStates = []TaskState{
	StatePending, StateCheckingOut, StateStartBuild, StateCleaning,
	StateGeneratingProject, StateBuildingPreBuild, StateBuildingBase,
	StateBuildingChrome, StateCombining, StateBuildingInstaller, StateSigning,
	StateBackingUp, StateSuccess, StateFailed, StateCancelled,
}

// FromString parses a persisted state string. It accepts every variant
// String() can emit, including Cancelled.
func FromString(s string) (TaskState, bool) {
	for _, st := range allStates {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

func (s TaskState) String() string { return string(s) }

// IsTerminal reports whether a task in this state will never re-enter the
// pipeline.
func (s TaskState) IsTerminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateCancelled
}

// AtLeast reports whether s has progressed to rank >= other on the on-path
// progression order. Used by the all-children-past-chrome fan-in predicate.
// Off-path states are never AtLeast anything but themselves.
func (s TaskState) AtLeast(other TaskState) bool {
	sr, sok := progression[s]
	or, ook := progression[other]
	if !sok || !ook {
		return s == other
	}
	return sr >= or
}

// CanTransition reports whether moving from 'from' to 'to' is legal per the
// transition invariants in spec.md §3: from Pending anything is legal; from
// any non-terminal state Failed/Cancelled are always legal; terminal states
// never re-enter the pipeline.
func CanTransition(from, to TaskState) bool {
	if from.IsTerminal() {
		return false
	}
	if from == StatePending {
		return true
	}
	if to == StateFailed || to == StateCancelled {
		return true
	}
	_, fromOK := progression[from]
	_, toOK := progression[to]
	return fromOK && toOK
}

// Task is the persisted unit of build work. GORM column tags follow the
// teacher's snake_case convention; ID is a DB-assigned monotonic integer,
// not a UUID, per spec.md §3.
type Task struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ParentID        *int64     `gorm:"index" json:"parent_id,omitempty"`
	Architecture    string     `json:"architecture,omitempty"`
	Server          string     `gorm:"index;not null" json:"server"`
	Branch          string     `json:"branch"`
	CommitID        string     `json:"commit_id,omitempty"`
	PkgFlag         string     `json:"pkg_flag,omitempty"`
	IsIncrement     bool       `json:"is_increment"`
	IsSigned        bool       `json:"is_signed"`
	InstallerFormat string     `json:"installer_format,omitempty"`
	Platform        string     `json:"platform"`
	State           TaskState  `gorm:"index;not null" json:"state"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	StoragePath     string     `json:"storage_path,omitempty"`
	Installer       string     `json:"installer,omitempty"`
	BuildLog        string     `gorm:"type:text" json:"-"`
}

func (Task) TableName() string { return "pkg" }

// IsParent reports whether this row is a parent (no architecture, may have
// children) as opposed to a single task or a child.
func (t *Task) IsParent() bool {
	return t.ParentID == nil && t.Architecture == ""
}

// LogCap is the maximum length in bytes kept in Task.BuildLog (so also at
// most LogCap characters); append truncates from the front once exceeded.
const LogCap = 100_000
