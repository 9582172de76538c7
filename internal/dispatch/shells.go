package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/agterm/internal/session"
)

// ShellTool is the tool profile exec shells are created from.
const ShellTool = "shell"

// shellPool keeps one interactive shell session per owner for exec.
type shellPool struct {
	d *Dispatcher

	mu    sync.Mutex
	slots map[string]*shellSlot
}

type shellSlot struct {
	mu sync.Mutex
	id string
}

func newShellPool(d *Dispatcher) *shellPool {
	return &shellPool{d: d, slots: make(map[string]*shellSlot)}
}

func (p *shellPool) slot(owner string) *shellSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	sl, ok := p.slots[owner]
	if !ok {
		sl = &shellSlot{}
		p.slots[owner] = sl
	}
	return sl
}

// get returns owner's running shell, starting one and waiting for its first
// prompt when there is none. restart replaces a running shell.
func (p *shellPool) get(ctx context.Context, owner string, restart bool, timeout time.Duration) (*session.Session, error) {
	sl := p.slot(owner)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.id != "" {
		s, err := p.d.sessions.Get(sl.id)
		switch {
		case err != nil:
		case restart:
			slog.Info("restarting exec shell", "session_id", sl.id, "owner", owner)
			if err := p.d.sessions.Remove(ctx, sl.id); err != nil {
				return nil, err
			}
		case s.State() == session.StateRunning:
			return s, nil
		}
		sl.id = ""
	}

	profile := p.d.tools.Get(ShellTool)
	if profile == nil {
		return nil, invalidf("exec needs a %q tool profile", ShellTool)
	}
	desc, err := profile.Descriptor()
	if err != nil {
		return nil, fmt.Errorf("exec shell: %w", err)
	}
	s, err := p.d.sessions.Create(ctx, owner, desc)
	if err != nil {
		return nil, err
	}
	if _, err := s.WaitReady(ctx, timeout); err != nil {
		s.Cancel()
		return nil, fmt.Errorf("exec shell not ready: %w", err)
	}
	sl.id = s.ID()
	slog.Info("exec shell started", "session_id", sl.id, "owner", owner)
	return s, nil
}

// release cancels owner's shell and forgets it.
func (p *shellPool) release(owner string) {
	p.mu.Lock()
	sl, ok := p.slots[owner]
	delete(p.slots, owner)
	p.mu.Unlock()
	if !ok {
		return
	}

	sl.mu.Lock()
	id := sl.id
	sl.id = ""
	sl.mu.Unlock()
	if id == "" {
		return
	}
	if s, err := p.d.sessions.Get(id); err == nil {
		s.Cancel()
	}
}
