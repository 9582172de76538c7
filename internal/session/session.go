package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/user/agterm/internal/parser"
	"github.com/user/agterm/internal/proc"
)

// process is the part of *proc.Process a session drives.
type process interface {
	Pid() int
	Next(ctx context.Context) (proc.Chunk, error)
	Write(data []byte) (int, error)
	CloseInput() error
	Resize(cols, rows uint16) error
	Wait(ctx context.Context) (proc.ExitStatus, error)
	Terminate(ctx context.Context, grace time.Duration) error
	Close() error
}

func startProcess(spec proc.Spec) (process, error) {
	p, err := proc.Start(spec)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Session is one managed execution of an external command: its state
// machine, its bounded output log and the process that feeds it.
type Session struct {
	id        string
	owner     string
	desc      Descriptor
	createdAt time.Time
	grace     time.Duration

	log *outputLog

	mu           sync.Mutex
	state        State
	proc         process
	pid          int
	startedAt    time.Time
	endedAt      time.Time
	lastActivity time.Time
	exit         *proc.ExitStatus
	errText      string
	stopReason   State
	outputBytes  int64
	timer        *time.Timer

	done chan struct{}
	// inputReady is closed once the initial input was handed to the
	// process, so later writes follow it.
	inputReady chan struct{}
	launch     func(proc.Spec) (process, error)

	execMu sync.Mutex
	// execCursor is the last event returned by Exec or WaitReady. Guarded
	// by execMu.
	execCursor uint64
	persistMu  sync.Mutex

	// onOutput and onTerminal are set by the Manager before start.
	onOutput   func(n int)
	onTerminal func(*Session)
}

func newSession(id, owner string, desc Descriptor, grace time.Duration, maxHistory int) *Session {
	now := time.Now().UTC()
	return &Session{
		id:           id,
		owner:        owner,
		desc:         desc.clone(),
		createdAt:    now,
		grace:        grace,
		log:          newOutputLog(maxHistory),
		state:        StateCreated,
		lastActivity: now,
		done:         make(chan struct{}),
		inputReady:   make(chan struct{}),
		launch:       startProcess,
	}
}

func (s *Session) ID() string             { return s.id }
func (s *Session) Owner() string          { return s.owner }
func (s *Session) Descriptor() Descriptor { return s.desc.clone() }

// Done is closed once the session reached a terminal state and its final
// event was appended.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// start launches the process. A launch failure moves the session to failed
// and is returned as a *proc.LaunchError.
func (s *Session) start() error {
	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return nil
	}

	p, err := s.launch(s.desc.spec())
	if err != nil {
		s.mu.Unlock()
		slog.Warn("session launch failed", "session_id", s.id, "command", s.desc.Command, "error", err)
		s.finish(StateFailed, nil, err.Error())
		return err
	}

	now := time.Now().UTC()
	s.proc = p
	s.pid = p.Pid()
	s.state = StateRunning
	s.startedAt = now
	s.lastActivity = now
	if s.desc.Timeout > 0 {
		s.timer = time.AfterFunc(s.desc.Timeout, func() { s.stop(StateTimedOut) })
	}
	s.mu.Unlock()

	slog.Info("session started", "session_id", s.id, "command", s.desc.Command, "pid", s.pid, "pty", s.desc.PTY)

	go s.pump(p)
	go s.feedInitialInput(p)
	return nil
}

// feedInitialInput writes the descriptor's input while the pump drains the
// output, so a child that echoes its input never stalls the caller.
func (s *Session) feedInitialInput(p process) {
	defer close(s.inputReady)
	if s.desc.Input != "" {
		if _, err := p.Write([]byte(s.desc.Input)); err != nil {
			slog.Debug("initial input not delivered", "session_id", s.id, "error", err)
		}
	}
	if !s.desc.Interactive && !s.desc.PTY {
		_ = p.CloseInput()
	}
}

// pump moves process output into the log until the streams end, then reaps
// the process and records the terminal state.
func (s *Session) pump(p process) {
	ctx := context.Background()
	var ioErr error
	for {
		chunk, err := p.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			ioErr = err
			slog.Warn("session output failed", "session_id", s.id, "error", err)
			_ = p.Close()
			continue
		}
		s.appendOutput(chunk)
	}

	status, werr := p.Wait(ctx)
	_ = p.Close()

	s.mu.Lock()
	reason := s.stopReason
	s.mu.Unlock()

	var state State
	var errText string
	switch {
	case reason != "":
		state = reason
	case ioErr != nil:
		state, errText = StateFailed, ioErr.Error()
	case werr != nil:
		state, errText = StateFailed, werr.Error()
	case status.Success():
		state = StateCompleted
	default:
		state = StateFailed
	}
	s.finish(state, &status, errText)
}

func (s *Session) appendOutput(c proc.Chunk) {
	s.log.append(Event{
		SessionID: s.id,
		Type:      EventOutput,
		Stream:    c.Stream,
		Data:      string(c.Data),
	})
	s.mu.Lock()
	s.outputBytes += int64(len(c.Data))
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
	if s.onOutput != nil {
		s.onOutput(len(c.Data))
	}
}

// finish records the terminal state exactly once and appends the final
// event.
func (s *Session) finish(state State, status *proc.ExitStatus, errText string) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	s.state = state
	s.endedAt = now
	s.lastActivity = now
	s.exit = status
	s.errText = errText
	if s.timer != nil {
		s.timer.Stop()
	}
	final := s.finalEventLocked()
	out := s.outputBytes
	s.mu.Unlock()

	s.log.append(final)
	close(s.done)

	slog.Info("session finished",
		"session_id", s.id,
		"state", state,
		"exit", exitString(status),
		"output", humanize.Bytes(uint64(out)),
		"elapsed", now.Sub(s.createdAt).Round(time.Millisecond),
	)
	if s.onTerminal != nil {
		s.onTerminal(s)
	}
}

func (s *Session) finalEventLocked() Event {
	e := Event{
		SessionID: s.id,
		Type:      EventExit,
		State:     s.state,
		Error:     s.errText,
	}
	if s.exit != nil {
		if s.exit.Signal != 0 {
			e.Signal = s.exit.Signal.String()
		} else {
			code := s.exit.Code
			e.ExitCode = &code
		}
	}
	return e
}

func exitString(status *proc.ExitStatus) string {
	if status == nil {
		return "none"
	}
	return status.String()
}

// stop terminates the session with reason (cancelled or timed_out). The
// first reason wins. A session that never started ends immediately.
func (s *Session) stop(reason State) {
	s.mu.Lock()
	if s.state.Terminal() || s.stopReason != "" {
		s.mu.Unlock()
		return
	}
	s.stopReason = reason
	if s.state == StateCreated {
		s.mu.Unlock()
		s.finish(reason, nil, "")
		return
	}
	p := s.proc
	grace := s.grace
	s.mu.Unlock()

	slog.Info("stopping session", "session_id", s.id, "reason", reason, "pid", s.pid)
	go func() {
		if err := p.Terminate(context.Background(), grace); err != nil {
			slog.Warn("terminate failed", "session_id", s.id, "error", err)
			_ = p.Close()
		}
	}()
}

// Cancel stops a created or running session. It returns immediately; use
// Wait to observe the terminal state. Cancelling a terminal session is a
// no-op.
func (s *Session) Cancel() {
	s.stop(StateCancelled)
}

// Wait blocks until the session is terminal and returns its final snapshot.
func (s *Session) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-s.done:
		return s.Snapshot(), nil
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

func (s *Session) running(op string) (process, error) {
	s.mu.Lock()
	if s.state != StateRunning || s.stopReason != "" {
		state := s.state
		if s.stopReason != "" && !state.Terminal() {
			state = s.stopReason
		}
		s.mu.Unlock()
		return nil, &StateError{ID: s.id, Op: op, State: state}
	}
	s.lastActivity = time.Now().UTC()
	p := s.proc
	s.mu.Unlock()

	select {
	case <-s.inputReady:
	case <-s.done:
	}
	return p, nil
}

// FeedInput writes data to the process input. It fails with
// ErrInvalidState unless the session is running and with
// proc.ErrStreamClosed after the input was closed.
func (s *Session) FeedInput(data []byte) error {
	p, err := s.running("feed input")
	if err != nil {
		return err
	}
	_, err = p.Write(data)
	return err
}

// SendControl writes Ctrl-<char>, e.g. "c" to interrupt a terminal program.
func (s *Session) SendControl(char string) error {
	seq, ok := proc.ControlSequence(char)
	if !ok {
		return fmt.Errorf("session: invalid control character %q", char)
	}
	return s.FeedInput([]byte(seq))
}

// CloseInput closes the process input (sends EOT on a terminal).
func (s *Session) CloseInput() error {
	p, err := s.running("close input")
	if err != nil {
		return err
	}
	return p.CloseInput()
}

// Resize changes the terminal size of a PTY session.
func (s *Session) Resize(cols, rows uint16) error {
	p, err := s.running("resize")
	if err != nil {
		return err
	}
	return p.Resize(cols, rows)
}

// Subscribe returns a subscription that replays the whole retained log and
// then follows live events.
func (s *Session) Subscribe() *Subscription {
	return s.log.subscribe(0)
}

// SubscribeFrom resumes after the event with sequence number after.
func (s *Session) SubscribeFrom(after uint64) *Subscription {
	return s.log.subscribe(after)
}

// Events returns up to limit retained events with Seq > after, for polling
// readers.
func (s *Session) Events(after uint64, limit int) []Event {
	evs, _, _ := s.log.since(after, limit)
	return evs
}

// Exec writes line to an interactive terminal session and returns the
// sanitized output it produced, up to and including the first ready marker.
// Output printed since the previous Exec returned comes first. On timeout
// the session is left running and the partial output is carried by the
// *ExecTimeoutError.
func (s *Session) Exec(ctx context.Context, line string, timeout time.Duration) (string, error) {
	if !s.desc.PTY {
		return "", &StateError{ID: s.id, Op: "exec on a non-terminal session", State: s.State()}
	}
	s.execMu.Lock()
	defer s.execMu.Unlock()

	sent := s.log.lastSeq()
	if err := s.FeedInput([]byte(strings.TrimRight(line, " \t\r\n") + "\n")); err != nil {
		return "", err
	}
	return s.readUntilReady(ctx, sent, timeout)
}

// WaitReady blocks until the program printed a ready marker, e.g. the
// initial shell prompt, and returns everything it printed so far.
func (s *Session) WaitReady(ctx context.Context, timeout time.Duration) (string, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return s.readUntilReady(ctx, s.execCursor, timeout)
}

// readUntilReady returns the output after execCursor once a ready marker
// shows up in output newer than sent, and moves execCursor past what it
// returned. Caller holds execMu.
func (s *Session) readUntilReady(ctx context.Context, sent uint64, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	cursor := s.execCursor
	defer func() { s.execCursor = cursor }()

	var pending, raw strings.Builder
	for {
		evs, notify, _ := s.log.since(cursor, 0)
		exited := false
		for _, e := range evs {
			cursor = e.Seq
			if e.Type == EventOutput {
				if e.Seq <= sent {
					pending.WriteString(e.Data)
				} else {
					raw.WriteString(e.Data)
				}
			}
			if e.Final() {
				exited = true
			}
		}
		fresh := parser.Sanitize(raw.String())
		text := parser.Sanitize(pending.String()) + fresh
		if _, ok := parser.ReadyMarker(fresh, s.desc.ReadyMarkers); ok {
			return text, nil
		}
		if exited {
			return text, ErrExited
		}

		select {
		case <-notify:
		case <-timer.C:
			return text, &ExecTimeoutError{Timeout: timeout, Output: text}
		case <-ctx.Done():
			return text, ctx.Err()
		}
	}
}

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:           s.id,
		Owner:        s.owner,
		Descriptor:   s.desc.clone(),
		TimeoutMS:    s.desc.Timeout.Milliseconds(),
		State:        s.state,
		PID:          s.pid,
		Error:        s.errText,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		OutputBytes:  s.outputBytes,
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		snap.StartedAt = &t
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		snap.EndedAt = &t
	}
	if s.exit != nil {
		if s.exit.Signal != 0 {
			snap.Signal = s.exit.Signal.String()
		} else {
			code := s.exit.Code
			snap.ExitCode = &code
		}
	}
	s.mu.Unlock()

	snap.LastSeq = s.log.lastSeq()
	snap.Subscribers = s.log.subscriberCount()
	return snap
}

// endedBefore reports whether the session has been terminal since before t.
func (s *Session) endedBefore(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Terminal() && !s.endedAt.IsZero() && s.endedAt.Before(t)
}
