package supervisor

import (
	"time"

	"github.com/openclaw/launchpad/logbuf"
)

// State is the lifecycle state of a managed instance.
type State int

const (
	// StateStopped is the initial state and the end of every clean cycle.
	StateStopped State = iota
	// StateStarting means the process has been spawned but not yet
	// confirmed alive.
	StateStarting
	// StateRunning means the process is confirmed alive. Confirmation is
	// process-level only; the child is treated as opaque.
	StateRunning
	// StateStopping means a graceful termination is in progress.
	StateStopping
	// StateCrashed means the process exited abnormally or disappeared
	// while Starting or Running. Cleared only by an explicit Reset.
	StateCrashed
	// StateFailed means the launch itself errored, e.g. a missing
	// required dependency. Cleared only by an explicit Reset.
	StateFailed
)

// String returns a string representation of the State.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateCrashed:
		return "Crashed"
	case StateFailed:
		return "Failed"
	default:
		return "InvalidState"
	}
}

// startable reports whether Start is legal from s.
func (s State) startable() bool {
	return s == StateStopped || s == StateCrashed || s == StateFailed
}

// stoppable reports whether Stop is legal from s.
func (s State) stoppable() bool {
	return s == StateRunning || s == StateStarting
}

// idle reports whether the instance has no live process. Backups and
// restores are only permitted while idle.
func (s State) idle() bool {
	return s == StateStopped || s == StateCrashed || s == StateFailed
}

// CrashContext preserves what is known about an abnormal exit until the
// user acknowledges it with Reset.
type CrashContext struct {
	ExitCode int
	Time     time.Time
	LogTail  []logbuf.Record
}
