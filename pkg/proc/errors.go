package proc

import (
	"errors"
	"fmt"
)

var (
	// ErrProcessAttach matches every *AttachError.
	ErrProcessAttach = errors.New("cannot attach to process")

	ErrNoSuchProcess   = errors.New("no such process")
	ErrAlreadyTraced   = errors.New("process is already traced by another debugger")
	ErrAlreadyLocked   = errors.New("process is already locked")
	ErrLockReleased    = errors.New("lock released")
	ErrUnknownThread   = errors.New("thread not in snapshot")
	ErrDetached        = errors.New("process detached")
	ErrUnsupportedArch = errors.New("stack inspection is not supported on this platform")
)

// AttachError reports that PID could not be attached or stopped.
type AttachError struct {
	PID int
	Err error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach to process %d: %v", e.PID, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

func (e *AttachError) Is(target error) bool { return target == ErrProcessAttach }
