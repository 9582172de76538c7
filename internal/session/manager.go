package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/user/agterm/internal/db"
)

const (
	defaultMaxSessions     = 16
	defaultRetention       = 10 * time.Minute
	defaultGCInterval      = 30 * time.Second
	defaultGracePeriod     = 3 * time.Second
	defaultMaxHistoryBytes = 5 * 1024 * 1024

	historyWriteTimeout = 5 * time.Second
)

// Observer receives lifecycle notifications. *metrics.Metrics implements it.
type Observer interface {
	SessionStarted(tool string)
	SessionFinished(state string, d time.Duration)
	SessionRejected(reason string)
	OutputRead(n int)
}

// Options configure a Manager. Zero values select the defaults.
type Options struct {
	MaxSessions int
	// QueueTimeout is how long Create waits for a free slot before failing
	// with ErrCapacityExceeded. Zero fails immediately.
	QueueTimeout    time.Duration
	Retention       time.Duration
	GCInterval      time.Duration
	GracePeriod     time.Duration
	DefaultTimeout  time.Duration
	MaxHistoryBytes int

	// History persists session rows when set. Rows of sessions that ended
	// more than HistoryRetention ago are pruned by Run; zero keeps them.
	History          *db.SessionRepo
	HistoryRetention time.Duration
	Observer         Observer
}

// Manager is the session registry. It is the only owner of Session values
// and enforces the live-session capacity.
type Manager struct {
	opts  Options
	slots *semaphore.Weighted

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = defaultMaxSessions
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = defaultGCInterval
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.MaxHistoryBytes <= 0 {
		opts.MaxHistoryBytes = defaultMaxHistoryBytes
	}
	return &Manager{
		opts:     opts,
		slots:    semaphore.NewWeighted(int64(opts.MaxSessions)),
		sessions: make(map[string]*Session),
	}
}

// GracePeriod is the SIGTERM to SIGKILL delay used on cancellation.
func (m *Manager) GracePeriod() time.Duration { return m.opts.GracePeriod }

// Create registers a session for d and starts it. It fails with
// ErrCapacityExceeded when MaxSessions sessions are live. When the command
// cannot be launched, the failed session is still registered and returned
// together with the *proc.LaunchError.
func (m *Manager) Create(ctx context.Context, owner string, d Descriptor) (*Session, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}

	if d.Timeout <= 0 {
		d.Timeout = m.opts.DefaultTimeout
	}
	s := newSession(uuid.NewString(), owner, d, m.opts.GracePeriod, m.opts.MaxHistoryBytes)
	s.onTerminal = m.sessionFinished
	if m.opts.Observer != nil {
		s.onOutput = m.opts.Observer.OutputRead
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.slots.Release(1)
		return nil, ErrClosed
	}
	m.sessions[s.id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	if m.opts.Observer != nil {
		m.opts.Observer.SessionStarted(d.Tool)
	}
	m.persist(s)

	if err := s.start(); err != nil {
		return s, err
	}
	m.persist(s)
	return s, nil
}

func (m *Manager) acquire(ctx context.Context) error {
	if m.opts.QueueTimeout <= 0 {
		if !m.slots.TryAcquire(1) {
			m.reject("capacity")
			return ErrCapacityExceeded
		}
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.opts.QueueTimeout)
	defer cancel()
	if err := m.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.reject("capacity")
		return ErrCapacityExceeded
	}
	return nil
}

func (m *Manager) reject(reason string) {
	slog.Warn("session rejected", "reason", reason, "max_sessions", m.opts.MaxSessions)
	if m.opts.Observer != nil {
		m.opts.Observer.SessionRejected(reason)
	}
}

// sessionFinished frees the slot of a session that reached a terminal state.
func (m *Manager) sessionFinished(s *Session) {
	defer m.wg.Done()
	m.slots.Release(1)
	if m.opts.Observer != nil {
		snap := s.Snapshot()
		m.opts.Observer.SessionFinished(string(snap.State), time.Since(snap.CreatedAt))
	}
	m.persist(s)
}

func (m *Manager) persist(s *Session) {
	if m.opts.History == nil {
		return
	}
	// Snapshots are taken under the lock so a later write never carries an
	// older state.
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	snap := s.Snapshot()
	row := &db.Session{
		ID:             snap.ID,
		Owner:          snap.Owner,
		Tool:           snap.Descriptor.Tool,
		Command:        snap.Descriptor.Command,
		Args:           snap.Descriptor.Args,
		PTY:            snap.Descriptor.PTY,
		State:          string(snap.State),
		PID:            snap.PID,
		ExitCode:       snap.ExitCode,
		Signal:         snap.Signal,
		Error:          snap.Error,
		OutputBytes:    snap.OutputBytes,
		CreatedAt:      snap.CreatedAt,
		LastActivityAt: snap.LastActivity,
	}
	if snap.StartedAt != nil {
		row.StartedAt = *snap.StartedAt
	}
	if snap.EndedAt != nil {
		row.EndedAt = *snap.EndedAt
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	if err := m.opts.History.Upsert(ctx, row); err != nil {
		slog.Warn("failed to persist session", "session_id", snap.ID, "error", err)
	}
}

// Get returns the live or retained session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove deletes a session. A non-terminal session is cancelled first and
// removed once its process is gone.
func (m *Manager) Remove(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.Cancel()
	if _, err := s.Wait(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	slog.Debug("session removed", "session_id", id)
	return nil
}

// List returns snapshots of every registered session, oldest first. An
// empty owner matches all sessions.
func (m *Manager) List(owner string) []Snapshot {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if owner == "" || s.owner == owner {
			sessions = append(sessions, s)
		}
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Live counts sessions that are not terminal.
func (m *Manager) Live() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if !s.State().Terminal() {
			n++
		}
	}
	return n
}

// Sweep evicts sessions that have been terminal for longer than the
// retention window and have no subscribers. It returns the number evicted.
func (m *Manager) Sweep(now time.Time) int {
	cutoff := now.Add(-m.opts.Retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if !s.endedBefore(cutoff) || s.log.subscriberCount() > 0 {
			continue
		}
		delete(m.sessions, id)
		n++
	}
	if n > 0 {
		slog.Debug("evicted finished sessions", "count", n, "remaining", len(m.sessions))
	}
	return n
}

// Run sweeps periodically until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.Sweep(now)
			m.pruneHistory(ctx, now)
		}
	}
}

func (m *Manager) pruneHistory(ctx context.Context, now time.Time) {
	if m.opts.History == nil || m.opts.HistoryRetention <= 0 {
		return
	}
	n, err := m.opts.History.DeleteEndedBefore(ctx, now.Add(-m.opts.HistoryRetention))
	if err != nil {
		slog.Warn("failed to prune session history", "error", err)
		return
	}
	if n > 0 {
		slog.Debug("pruned session history", "rows", n)
	}
}

// Shutdown refuses new sessions, cancels every live one and waits until
// all processes are gone or ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	live := 0
	for _, s := range sessions {
		if !s.State().Terminal() {
			live++
			s.Cancel()
		}
	}
	if live > 0 {
		slog.Info("draining sessions", "count", live)
	}

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("session: shutdown incomplete"), ctx.Err())
	}
}
