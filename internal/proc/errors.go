package proc

import (
	"errors"
	"fmt"
)

// ErrStreamClosed is returned by Write after the input stream was closed or
// the process exited.
var ErrStreamClosed = errors.New("proc: stream closed")

// ErrNoTerminal is returned by Resize on a process without a pty.
var ErrNoTerminal = errors.New("proc: resize requires a pty")

// LaunchError reports that the executable could not be found or the OS
// refused to spawn it. No process exists when it is returned.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("proc: launch %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// IOError reports a failure reading one of the process output streams.
type IOError struct {
	Stream Stream
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("proc: read %s: %v", e.Stream, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
