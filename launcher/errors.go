// Package launcher holds the error taxonomy shared by the launchpad core
// components. Every failure that crosses a component boundary is translated
// into one of these types before it reaches the event stream, so consumers
// can classify errors without string matching.
package launcher

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failure for consumers of the event stream.
type ErrorKind string

const (
	// KindValidation marks bad input to a registry or backup call. The
	// caller can retry with corrected input.
	KindValidation ErrorKind = "validation"
	// KindDependency marks a missing or unqueryable required runtime.
	KindDependency ErrorKind = "dependency"
	// KindProcess marks a spawn failure or unexpected process exit.
	KindProcess ErrorKind = "process"
	// KindStorage marks a disk-level failure during backup, restore or
	// log writing. The operation is aborted and partial artifacts are
	// discarded.
	KindStorage ErrorKind = "storage"
	// KindConcurrency marks a conflicting transition on the same
	// instance. The call is rejected, never queued silently.
	KindConcurrency ErrorKind = "concurrency"
	// KindUnknown is reported for errors that were not translated at a
	// component boundary.
	KindUnknown ErrorKind = "unknown"
)

type kinder interface {
	ErrorKind() ErrorKind
}

// KindOf returns the ErrorKind of err, walking the wrap chain.
func KindOf(err error) ErrorKind {
	var k kinder
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return KindUnknown
}

// NotFoundError is returned when an instance or archive ID is unknown.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no instance or archive with ID %s", e.ID)
}

func (e *NotFoundError) ErrorKind() ErrorKind { return KindValidation }

// DuplicateNameError is returned by Registry.Create when the display name
// is already taken by a live instance.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("an instance named %q already exists", e.Name)
}

func (e *DuplicateNameError) ErrorKind() ErrorKind { return KindValidation }

// InvalidPathError is returned when an instance path is unusable.
type InvalidPathError struct {
	Path   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid instance path %q: %s", e.Path, e.Reason)
}

func (e *InvalidPathError) ErrorKind() ErrorKind { return KindValidation }

// InvalidStateError is returned when an operation is not legal in the
// instance's current lifecycle state.
type InvalidStateError struct {
	InstanceID string
	State      string
	Op         string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s instance %s in state %s", e.Op, e.InstanceID, e.State)
}

func (e *InvalidStateError) ErrorKind() ErrorKind { return KindValidation }

// InstanceRunningError is returned when an operation requires the instance
// to be stopped (delete, backup, restore, live config edits).
type InstanceRunningError struct {
	InstanceID string
	Op         string
}

func (e *InstanceRunningError) Error() string {
	return fmt.Sprintf("cannot %s instance %s while it is running", e.Op, e.InstanceID)
}

func (e *InstanceRunningError) ErrorKind() ErrorKind { return KindValidation }

// TransitionInProgressError is returned when a start or stop is requested
// while another transition on the same instance is still in flight. The
// second caller is rejected rather than queued.
type TransitionInProgressError struct {
	InstanceID string
}

func (e *TransitionInProgressError) Error() string {
	return fmt.Sprintf("a transition is already in progress for instance %s", e.InstanceID)
}

func (e *TransitionInProgressError) ErrorKind() ErrorKind { return KindConcurrency }

// MissingDependencyError is returned by Start when one or more required
// runtimes are absent. Missing lists the absent dependency names.
type MissingDependencyError struct {
	InstanceID string
	Missing    []string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("instance %s is missing required dependencies: %s",
		e.InstanceID, strings.Join(e.Missing, ", "))
}

func (e *MissingDependencyError) ErrorKind() ErrorKind { return KindDependency }

// ProcessError wraps a spawn failure or abnormal exit.
type ProcessError struct {
	InstanceID string
	Op         string
	Err        error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("process %s failed for instance %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

func (e *ProcessError) ErrorKind() ErrorKind { return KindProcess }

// StorageError wraps a filesystem or database failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) ErrorKind() ErrorKind { return KindStorage }
