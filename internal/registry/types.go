package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/user/agterm/internal/session"
)

// Profile is a named tool that invoke and exec requests can refer to
// instead of spelling out the command.
type Profile struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Command is a shell-quoted command line. Args are appended after it.
	Command      string            `yaml:"command" json:"command"`
	Args         []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Dir          string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Env          map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	PTY          bool              `yaml:"pty,omitempty" json:"pty,omitempty"`
	Interactive  bool              `yaml:"interactive,omitempty" json:"interactive,omitempty"`
	ReadyMarkers []string          `yaml:"ready_markers,omitempty" json:"ready_markers,omitempty"`
	TimeoutMS    int64             `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// Descriptor resolves the profile into a session descriptor. extra is
// appended to the profile's arguments.
func (p *Profile) Descriptor(extra ...string) (session.Descriptor, error) {
	argv, err := shellquote.Split(p.Command)
	if err != nil {
		return session.Descriptor{}, fmt.Errorf("tool %s: parse command: %w", p.ID, err)
	}
	if len(argv) == 0 {
		return session.Descriptor{}, fmt.Errorf("tool %s: empty command", p.ID)
	}

	args := append(argv[1:], p.Args...)
	args = append(args, extra...)
	return session.Descriptor{
		Tool:         p.ID,
		Command:      argv[0],
		Args:         args,
		Dir:          p.Dir,
		Env:          envList(p.Env),
		PTY:          p.PTY,
		Interactive:  p.Interactive,
		ReadyMarkers: append([]string(nil), p.ReadyMarkers...),
		Timeout:      time.Duration(p.TimeoutMS) * time.Millisecond,
	}, nil
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
