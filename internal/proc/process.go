// Package proc runs one external command and exposes its standard streams
// as an ordered, lazily produced sequence of output chunks.
package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"
)

// Stream identifies where a chunk of output came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
	// Terminal is the merged output of a process attached to a PTY.
	Terminal Stream = "pty"
)

const (
	defaultCols = 80
	defaultRows = 24

	readBufferSize = 4096
)

// DrainWindow bounds how long output readers may keep running after the
// process exited. Descendants that inherited the output descriptors would
// otherwise hold the stream open forever.
var DrainWindow = 2 * time.Second

// Spec describes the command to run.
type Spec struct {
	Path string
	Args []string
	Dir  string
	// Env entries are appended to the server's environment.
	Env []string
	// PTY runs the command on a pseudo terminal. Stdout and stderr are
	// merged into the Terminal stream.
	PTY  bool
	Cols uint16
	Rows uint16
}

// Chunk is one read from an output stream.
type Chunk struct {
	Stream Stream
	Data   []byte
}

// ExitStatus is the outcome of a reaped process.
type ExitStatus struct {
	Code int
	// Signal is set when the process was killed by a signal. Code is -1 then.
	Signal syscall.Signal
}

// Success reports whether the process exited normally with code 0.
func (s ExitStatus) Success() bool { return s.Code == 0 && s.Signal == 0 }

func (s ExitStatus) String() string {
	if s.Signal != 0 {
		return "signal: " + s.Signal.String()
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

type item struct {
	chunk Chunk
	err   error
}

// Process is a running external command. It is always reaped by an internal
// waiter, so callers cannot leak zombies by forgetting to call Wait.
type Process struct {
	cmd *exec.Cmd
	pty bool

	stdin   *os.File
	readers []*os.File

	items   chan item
	drained chan struct{}
	closed  chan struct{}

	exited chan struct{}
	status ExitStatus
	werr   error

	mu          sync.Mutex
	inputDone   bool
	closeOnce   sync.Once
	releaseOnce sync.Once
}

// Start launches the command described by spec. It returns a *LaunchError
// if the executable cannot be resolved or spawned.
func Start(spec Spec) (*Process, error) {
	if spec.Path == "" {
		return nil, &LaunchError{Path: spec.Path, Err: errors.New("empty command")}
	}
	path, err := exec.LookPath(spec.Path)
	if err != nil {
		return nil, &LaunchError{Path: spec.Path, Err: err}
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Args[0] = spec.Path
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	p := &Process{
		cmd:     cmd,
		pty:     spec.PTY,
		items:   make(chan item),
		drained: make(chan struct{}),
		closed:  make(chan struct{}),
		exited:  make(chan struct{}),
	}

	var streams []Stream
	if spec.PTY {
		cols, rows := spec.Cols, spec.Rows
		if cols == 0 {
			cols = defaultCols
		}
		if rows == 0 {
			rows = defaultRows
		}
		ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{Cols: cols, Rows: rows})
		if err != nil {
			return nil, &LaunchError{Path: spec.Path, Err: err}
		}
		p.stdin = ptmx
		p.readers = []*os.File{ptmx}
		streams = []Stream{Terminal}
	} else {
		if err := p.startPiped(); err != nil {
			return nil, &LaunchError{Path: spec.Path, Err: err}
		}
		streams = []Stream{Stdout, Stderr}
	}

	var wg sync.WaitGroup
	for i, f := range p.readers {
		wg.Add(1)
		go func(f *os.File, stream Stream) {
			defer wg.Done()
			p.readPump(f, stream)
		}(f, streams[i])
	}
	go func() {
		wg.Wait()
		close(p.items)
		close(p.drained)
	}()
	go p.waitExit()

	return p, nil
}

// startPiped starts cmd with os.Pipe streams in its own process group.
// The child's ends are closed in the parent once it is running.
func (p *Process) startPiped() error {
	inR, inW, err := os.Pipe()
	if err != nil {
		return err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW)
		return err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW, outR, outW)
		return err
	}

	p.cmd.Stdin = inR
	p.cmd.Stdout = outW
	p.cmd.Stderr = errW
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := p.cmd.Start(); err != nil {
		closeAll(inR, inW, outR, outW, errR, errW)
		return err
	}
	closeAll(inR, outW, errW)

	p.stdin = inW
	p.readers = []*os.File{outR, errR}
	return nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// readPump reads f until end of stream and forwards every chunk. It blocks
// while the consumer is not calling Next.
func (p *Process) readPump(f *os.File, stream Stream) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !p.send(item{chunk: Chunk{Stream: stream, Data: data}}) {
				return
			}
		}
		if err != nil {
			if !p.endOfStream(err) {
				p.send(item{err: &IOError{Stream: stream, Err: err}})
			}
			return
		}
	}
}

func (p *Process) send(it item) bool {
	select {
	case p.items <- it:
		return true
	case <-p.closed:
		return false
	}
}

// endOfStream reports whether a read error is an orderly end of output.
// A PTY master returns EIO once the child side is gone.
func (p *Process) endOfStream(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	if p.pty && errors.Is(err, syscall.EIO) {
		return true
	}
	return false
}

// waitExit reaps the process, then gives readers DrainWindow to finish.
func (p *Process) waitExit() {
	err := p.cmd.Wait()

	var status ExitStatus
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		ws, ok := exitErr.Sys().(syscall.WaitStatus)
		if ok && ws.Signaled() {
			status = ExitStatus{Code: -1, Signal: ws.Signal()}
		} else {
			status = ExitStatus{Code: exitErr.ExitCode()}
		}
	default:
		status = ExitStatus{Code: -1}
		p.werr = err
	}

	p.status = status
	close(p.exited)

	if !p.pty {
		_ = p.stdin.Close()
	}

	timer := time.NewTimer(DrainWindow)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-p.drained:
	case <-p.closed:
	}
	p.release()
}

// release ends the output sequence and closes the read ends.
func (p *Process) release() {
	p.releaseOnce.Do(func() {
		close(p.closed)
		for _, f := range p.readers {
			_ = f.Close()
		}
	})
}

// Pid returns the OS process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Next returns the next output chunk in production order. It returns io.EOF
// once every stream is drained and an *IOError if a stream failed.
func (p *Process) Next(ctx context.Context) (Chunk, error) {
	select {
	case it, ok := <-p.items:
		if !ok {
			return Chunk{}, io.EOF
		}
		if it.err != nil {
			return Chunk{}, it.err
		}
		return it.chunk, nil
	case <-p.closed:
		return Chunk{}, io.EOF
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

// Write sends data to the process input.
func (p *Process) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inputDone || p.hasExited() {
		return 0, ErrStreamClosed
	}
	n, err := p.stdin.Write(data)
	if err != nil {
		if errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) {
			return n, fmt.Errorf("%w: %v", ErrStreamClosed, err)
		}
		return n, err
	}
	return n, nil
}

// CloseInput closes the process input. On a PTY it sends end-of-transmission
// instead, which the line discipline turns into EOF for the reader.
func (p *Process) CloseInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inputDone || p.hasExited() {
		return nil
	}
	p.inputDone = true
	if p.pty {
		_, err := p.stdin.Write([]byte{0x04})
		return err
	}
	return p.stdin.Close()
}

// Resize changes the window size of a PTY process.
func (p *Process) Resize(cols, rows uint16) error {
	if !p.pty {
		return ErrNoTerminal
	}
	if p.hasExited() {
		return ErrStreamClosed
	}
	return creackpty.Setsize(p.stdin, &creackpty.Winsize{Cols: cols, Rows: rows})
}

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} { return p.exited }

func (p *Process) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// Wait blocks until the process has exited and returns its status.
// It may be called any number of times.
func (p *Process) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.exited:
		return p.status, p.werr
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Terminate asks the process group to exit with SIGTERM (and SIGHUP on a
// PTY) and escalates to SIGKILL when it is still alive after grace or when
// ctx ends. It returns once the process has been reaped.
func (p *Process) Terminate(ctx context.Context, grace time.Duration) error {
	if p.hasExited() {
		return nil
	}

	if err := p.signal(syscall.SIGTERM); err != nil {
		return err
	}
	if p.pty {
		_ = p.signal(syscall.SIGHUP)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := p.signal(syscall.SIGKILL); err != nil {
		return err
	}
	<-p.exited
	return nil
}

// signal delivers sig to the whole process group, falling back to the
// process itself. A process that is already gone is not an error.
func (p *Process) signal(sig syscall.Signal) error {
	pid := p.cmd.Process.Pid
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = p.cmd.Process.Signal(sig)
	}
	if err == nil || errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return fmt.Errorf("proc: signal %d: %w", pid, err)
}

// Close kills the process if it is still running and releases its streams.
// Pending and future Next calls return io.EOF.
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		select {
		case <-p.exited:
		default:
			err = p.signal(syscall.SIGKILL)
			<-p.exited
		}
		p.release()
		if !p.pty {
			_ = p.stdin.Close()
		}
	})
	return err
}
