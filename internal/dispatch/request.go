package dispatch

import (
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/user/agterm/internal/proc"
	"github.com/user/agterm/internal/session"
)

// Request kinds.
const (
	KindInvoke    = "invoke"
	KindSendInput = "send_input"
	KindCancel    = "cancel"
	KindQuery     = "query"
	KindRead      = "read"
	KindList      = "list"
	KindRemove    = "remove"
	KindAttach    = "attach"
	KindExec      = "exec"
	KindResize    = "resize"
)

const maxReadLimit = 1000

// Request is one client request. Which fields apply depends on Kind.
type Request struct {
	Kind      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// invoke: Tool names a profile whose command Args are appended to.
	// Without a tool, Command is the executable; a command line is split
	// with shell quoting when Args is empty. exec: Command is the line to
	// run in the caller's shell.
	Tool         string   `json:"tool,omitempty"`
	Command      string   `json:"command,omitempty"`
	Args         []string `json:"args,omitempty"`
	Dir          string   `json:"dir,omitempty"`
	Env          []string `json:"env,omitempty"`
	Input        string   `json:"input,omitempty"`
	Interactive  bool     `json:"interactive,omitempty"`
	PTY          bool     `json:"pty,omitempty"`
	Cols         uint16   `json:"cols,omitempty"`
	Rows         uint16   `json:"rows,omitempty"`
	ReadyMarkers []string `json:"ready_markers,omitempty"`
	TimeoutMS    int64    `json:"timeout_ms,omitempty"`

	// send_input
	Data    string   `json:"data,omitempty"`
	Keys    []string `json:"keys,omitempty"`
	Control string   `json:"control,omitempty"`
	EOF     bool     `json:"eof,omitempty"`

	// read, attach
	After uint64 `json:"after,omitempty"`
	Limit int    `json:"limit,omitempty"`

	// list: include sessions of every owner.
	All bool `json:"all,omitempty"`
	// exec: replace the caller's shell with a fresh one first.
	Restart bool `json:"restart,omitempty"`
}

// Mutating reports whether the request changes session state and is
// therefore audited.
func (r Request) Mutating() bool {
	switch r.Kind {
	case KindInvoke, KindSendInput, KindCancel, KindRemove, KindExec, KindResize:
		return true
	}
	return false
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Validate checks the request shape without touching any session.
func (r Request) Validate() error {
	if r.TimeoutMS < 0 {
		return invalidf("timeout_ms must not be negative")
	}
	switch r.Kind {
	case KindInvoke:
		if strings.TrimSpace(r.Tool) == "" && strings.TrimSpace(r.Command) == "" {
			return invalidf("invoke needs a tool or a command")
		}
		for _, kv := range r.Env {
			if !strings.Contains(kv, "=") {
				return invalidf("env entry %q is not KEY=VALUE", kv)
			}
		}
	case KindSendInput:
		if err := r.needSession(); err != nil {
			return err
		}
		if r.Data == "" && len(r.Keys) == 0 && r.Control == "" && !r.EOF {
			return invalidf("send_input needs data, keys, control or eof")
		}
		for _, k := range r.Keys {
			if _, ok := proc.KeySequence(k); !ok {
				return invalidf("unknown key %q", k)
			}
		}
		if r.Control != "" {
			if _, ok := proc.ControlSequence(r.Control); !ok {
				return invalidf("invalid control character %q", r.Control)
			}
		}
	case KindCancel, KindQuery, KindRemove:
		return r.needSession()
	case KindRead, KindAttach:
		if err := r.needSession(); err != nil {
			return err
		}
		if r.Limit < 0 {
			return invalidf("limit must not be negative")
		}
	case KindResize:
		if err := r.needSession(); err != nil {
			return err
		}
		if r.Cols == 0 || r.Rows == 0 {
			return invalidf("resize needs cols and rows")
		}
	case KindExec:
		if strings.TrimSpace(r.Command) == "" {
			return invalidf("exec needs a command")
		}
	case KindList:
	case "":
		return invalidf("missing request type")
	default:
		return invalidf("unknown request type %q", r.Kind)
	}
	return nil
}

func (r Request) needSession() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return invalidf("%s needs a session_id", r.Kind)
	}
	return nil
}

// inputBytes assembles the bytes a send_input request writes: data, then
// named keys, then the control character.
func (r Request) inputBytes() []byte {
	var b strings.Builder
	b.WriteString(r.Data)
	for _, k := range r.Keys {
		seq, _ := proc.KeySequence(k)
		b.WriteString(seq)
	}
	return []byte(b.String())
}

// descriptor builds the descriptor of an invoke request without a tool.
func (r Request) descriptor() (session.Descriptor, error) {
	command := strings.TrimSpace(r.Command)
	args := append([]string(nil), r.Args...)
	if len(args) == 0 && strings.ContainsAny(command, " \t") {
		argv, err := shellquote.Split(command)
		if err != nil {
			return session.Descriptor{}, invalidf("command: %v", err)
		}
		command, args = argv[0], argv[1:]
	}
	return session.Descriptor{
		Command:      command,
		Args:         args,
		Dir:          r.Dir,
		Env:          append([]string(nil), r.Env...),
		Input:        r.Input,
		Interactive:  r.Interactive,
		PTY:          r.PTY,
		Cols:         r.Cols,
		Rows:         r.Rows,
		ReadyMarkers: append([]string(nil), r.ReadyMarkers...),
	}, nil
}
