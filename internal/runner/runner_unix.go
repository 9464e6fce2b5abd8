//go:build !windows

package runner

import (
	"syscall"
	"time"
)

// processGroupAttr makes the spawned process its own process group leader
// (setpgid) so the whole group — including grandchildren such as compiler
// workers and linkers — can be signalled as a unit.
func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGTERM to the process group, escalating to
// SIGKILL after a brief grace period if it has not exited.
func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	time.Sleep(5 * time.Second)
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}
