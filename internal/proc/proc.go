// Package proc holds the process-level primitives the swarm relies on:
// PID liveness probes for lock and manifest validation, and process-tree
// termination for worker timeouts.
package proc

import (
	"os"
	"syscall"
	"time"
)

// IsAlive checks if a process with the given PID is still running.
// Uses kill(pid, 0) which works on macOS and Linux without requiring /proc.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks if the process exists without sending a real signal.
	err = p.Signal(syscall.Signal(0))
	return err == nil
}

// GroupAttr returns the SysProcAttr that places a child in its own process
// group, so KillTree can reach grandchildren (the runner spawns the agent
// CLI as its own child).
func GroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// KillTree terminates the whole process group rooted at p: SIGTERM first,
// a bounded grace period, then SIGKILL for whatever is left. The child must
// have been started with GroupAttr or only the immediate process dies.
func KillTree(p *os.Process, grace time.Duration) {
	if p == nil || p.Pid <= 0 {
		return
	}
	_ = syscall.Kill(-p.Pid, syscall.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(-p.Pid, syscall.Signal(0)); err != nil {
			return // group is gone
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = syscall.Kill(-p.Pid, syscall.SIGKILL)
}
