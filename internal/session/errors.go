package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/user/agterm/internal/proc"
)

var (
	ErrNotFound         = errors.New("session: not found")
	ErrInvalidState     = errors.New("session: invalid state")
	ErrCapacityExceeded = errors.New("session: capacity exceeded")
	ErrClosed           = errors.New("session: registry closed")
	// ErrExited is returned by Exec when the session ends before the
	// program printed a ready marker.
	ErrExited = errors.New("session: exited before ready")
)

// StateError reports an operation that is not valid in the session's
// current state. It matches ErrInvalidState.
type StateError struct {
	ID    string
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("session %s: cannot %s in state %s", e.ID, e.Op, e.State)
}

func (e *StateError) Is(target error) bool { return target == ErrInvalidState }

// ExecTimeoutError is returned by Exec when no ready marker appeared in
// time. Output holds what the program printed so far.
type ExecTimeoutError struct {
	Timeout time.Duration
	Output  string
}

func (e *ExecTimeoutError) Error() string {
	tail := e.Output
	if len(tail) > 150 {
		tail = tail[len(tail)-150:]
	}
	return fmt.Sprintf("session: no ready marker after %v (last output %q)", e.Timeout, tail)
}

// Error kinds reported to clients.
const (
	KindInvalidRequest   = "invalid_request"
	KindNotFound         = "not_found"
	KindInvalidState     = "invalid_state"
	KindCapacityExceeded = "capacity_exceeded"
	KindLaunchError      = "launch_error"
	KindStreamClosed     = "stream_closed"
	KindProcessIO        = "process_io"
	KindExecTimeout      = "exec_timeout"
	KindTimeout          = "timeout"
	KindUnavailable      = "unavailable"
	KindInternal         = "internal"
)

// Kind classifies err into one of the Kind constants.
func Kind(err error) string {
	var launchErr *proc.LaunchError
	var ioErr *proc.IOError
	var execErr *ExecTimeoutError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrCapacityExceeded):
		return KindCapacityExceeded
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrExited), errors.Is(err, proc.ErrNoTerminal):
		return KindInvalidState
	case errors.As(err, &launchErr):
		return KindLaunchError
	case errors.Is(err, proc.ErrStreamClosed):
		return KindStreamClosed
	case errors.As(err, &ioErr):
		return KindProcessIO
	case errors.As(err, &execErr):
		return KindExecTimeout
	case errors.Is(err, ErrClosed):
		return KindUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTimeout
	default:
		return KindInternal
	}
}
