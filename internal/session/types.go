package session

import (
	"time"

	"github.com/user/agterm/internal/proc"
)

// State is a session lifecycle state.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether s is absorbing.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// Descriptor is the work a session executes. It is copied on creation and
// never changes afterwards.
type Descriptor struct {
	// Tool names the profile the command was resolved from, if any.
	Tool    string   `json:"tool,omitempty"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`
	// Input is written to the process right after it starts.
	Input string `json:"input,omitempty"`
	// Interactive keeps stdin open after Input. Otherwise stdin is closed
	// once Input was written, so filters see end of file.
	Interactive bool          `json:"interactive,omitempty"`
	Timeout     time.Duration `json:"-"`
	PTY         bool          `json:"pty,omitempty"`
	Cols        uint16        `json:"cols,omitempty"`
	Rows        uint16        `json:"rows,omitempty"`
	// ReadyMarkers are the prompts Exec waits for.
	ReadyMarkers []string `json:"ready_markers,omitempty"`
}

func (d Descriptor) clone() Descriptor {
	c := d
	c.Args = append([]string(nil), d.Args...)
	c.Env = append([]string(nil), d.Env...)
	c.ReadyMarkers = append([]string(nil), d.ReadyMarkers...)
	return c
}

func (d Descriptor) spec() proc.Spec {
	return proc.Spec{
		Path: d.Command,
		Args: d.Args,
		Dir:  d.Dir,
		Env:  d.Env,
		PTY:  d.PTY,
		Cols: d.Cols,
		Rows: d.Rows,
	}
}

// EventType distinguishes output from the terminal status event.
type EventType string

const (
	EventOutput EventType = "output"
	EventExit   EventType = "exit"
)

// Event is one entry of a session's output log. Seq starts at 1 and grows by
// one per event.
type Event struct {
	Seq       uint64      `json:"seq"`
	SessionID string      `json:"session_id"`
	Type      EventType   `json:"type"`
	Stream    proc.Stream `json:"stream,omitempty"`
	Data      string      `json:"data,omitempty"`
	State     State       `json:"state,omitempty"`
	ExitCode  *int        `json:"exit_code,omitempty"`
	Signal    string      `json:"signal,omitempty"`
	Error     string      `json:"error,omitempty"`
	// Dropped counts events trimmed from the bounded log between the
	// previous delivery to this reader and this event.
	Dropped uint64    `json:"dropped,omitempty"`
	Time    time.Time `json:"time"`
}

// Final reports whether e is the terminal status event.
func (e Event) Final() bool { return e.Type == EventExit }

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID           string     `json:"id"`
	Owner        string     `json:"owner,omitempty"`
	Descriptor   Descriptor `json:"descriptor"`
	TimeoutMS    int64      `json:"timeout_ms,omitempty"`
	State        State      `json:"state"`
	PID          int        `json:"pid,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	Signal       string     `json:"signal,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	LastActivity time.Time  `json:"last_activity"`
	LastSeq      uint64     `json:"last_seq"`
	OutputBytes  int64      `json:"output_bytes"`
	Subscribers  int        `json:"subscribers"`
}
