package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/agterm/internal/db"
	"github.com/user/agterm/internal/registry"
	"github.com/user/agterm/internal/session"
)

const (
	defaultExecTimeout = 10 * time.Second
	defaultReadLimit   = 100
	// cancelSlack is added to the grace period when a cancel request waits
	// for the terminal state.
	cancelSlack  = time.Second
	auditTimeout = 5 * time.Second
)

// Tools resolves tool names. *registry.Registry implements it.
type Tools interface {
	Get(id string) *registry.Profile
	List() []*registry.Profile
}

// Observer receives per-request outcomes. *metrics.Metrics implements it.
type Observer interface {
	RequestHandled(kind, outcome string, d time.Duration)
}

type Options struct {
	// ExecTimeout bounds an exec request that sets no timeout_ms.
	ExecTimeout time.Duration
	// History answers queries for sessions no longer in memory.
	History *db.SessionRepo
	// Audit records every mutating request.
	Audit    *db.SessionCommandRepo
	Observer Observer
}

// Result is the outcome of a successful request. Which fields are set
// depends on the request kind.
type Result struct {
	Session  *session.Snapshot  `json:"session,omitempty"`
	Sessions []session.Snapshot `json:"sessions,omitempty"`
	Events   []session.Event    `json:"events,omitempty"`
	Output   string             `json:"output,omitempty"`

	// Subscription is set for invoke and attach. The caller owns it and
	// must Close it.
	Subscription *session.Subscription `json:"-"`
}

// Dispatcher validates requests and drives the session manager.
type Dispatcher struct {
	sessions *session.Manager
	tools    Tools
	opts     Options
	shells   *shellPool
}

func New(sessions *session.Manager, tools Tools, opts Options) *Dispatcher {
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = defaultExecTimeout
	}
	d := &Dispatcher{
		sessions: sessions,
		tools:    tools,
		opts:     opts,
	}
	d.shells = newShellPool(d)
	return d
}

// Tools lists the available tool profiles.
func (d *Dispatcher) Tools() []*registry.Profile {
	return d.tools.List()
}

// Handle runs one request on behalf of owner. It yields exactly one
// outcome: a result or an error classified by Classify. On some errors the
// result still carries the affected session, e.g. a launch failure or the
// partial output of an exec timeout.
func (d *Dispatcher) Handle(ctx context.Context, owner string, req Request) (*Result, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		d.finish(req, start, nil, err)
		return nil, err
	}

	auditID := d.auditStart(owner, req)
	res, err := d.handle(ctx, owner, req)
	d.auditEnd(auditID, res, err)
	d.finish(req, start, res, err)
	return res, err
}

func (d *Dispatcher) finish(req Request, start time.Time, res *Result, err error) {
	outcome := "ok"
	if err != nil {
		outcome = Classify(err)
	}
	elapsed := time.Since(start)
	if d.opts.Observer != nil {
		d.opts.Observer.RequestHandled(req.Kind, outcome, elapsed)
	}
	attrs := []any{"type", req.Kind, "request_id", req.RequestID, "outcome", outcome, "elapsed", elapsed.Round(time.Microsecond)}
	if id := sessionID(req, res); id != "" {
		attrs = append(attrs, "session_id", id)
	}
	if err != nil && outcome == session.KindInternal {
		slog.Error("request failed", append(attrs, "error", err)...)
		return
	}
	slog.Debug("request handled", attrs...)
}

func sessionID(req Request, res *Result) string {
	if res != nil && res.Session != nil {
		return res.Session.ID
	}
	return req.SessionID
}

func (d *Dispatcher) handle(ctx context.Context, owner string, req Request) (*Result, error) {
	switch req.Kind {
	case KindInvoke:
		return d.invoke(ctx, owner, req)
	case KindSendInput:
		return d.sendInput(req)
	case KindCancel:
		return d.cancel(ctx, req)
	case KindQuery:
		return d.query(ctx, req)
	case KindRead:
		return d.read(req)
	case KindList:
		return d.list(owner, req)
	case KindRemove:
		if err := d.sessions.Remove(ctx, req.SessionID); err != nil {
			return nil, err
		}
		return &Result{}, nil
	case KindAttach:
		return d.attach(req)
	case KindResize:
		return d.resize(req)
	case KindExec:
		return d.exec(ctx, owner, req)
	}
	return nil, invalidf("unknown request type %q", req.Kind)
}

func (d *Dispatcher) resolve(req Request) (session.Descriptor, error) {
	if req.Tool == "" {
		return req.descriptor()
	}
	p := d.tools.Get(req.Tool)
	if p == nil {
		return session.Descriptor{}, invalidf("unknown tool %q", req.Tool)
	}
	desc, err := p.Descriptor(req.Args...)
	if err != nil {
		return session.Descriptor{}, invalidf("%v", err)
	}
	if req.Dir != "" {
		desc.Dir = req.Dir
	}
	desc.Env = append(desc.Env, req.Env...)
	desc.Input = req.Input
	desc.Interactive = desc.Interactive || req.Interactive
	desc.PTY = desc.PTY || req.PTY
	desc.Cols, desc.Rows = req.Cols, req.Rows
	if len(req.ReadyMarkers) > 0 {
		desc.ReadyMarkers = append([]string(nil), req.ReadyMarkers...)
	}
	return desc, nil
}

func (d *Dispatcher) invoke(ctx context.Context, owner string, req Request) (*Result, error) {
	desc, err := d.resolve(req)
	if err != nil {
		return nil, err
	}
	if req.TimeoutMS > 0 {
		desc.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	s, err := d.sessions.Create(ctx, owner, desc)
	if err != nil {
		if s != nil {
			snap := s.Snapshot()
			return &Result{Session: &snap}, err
		}
		return nil, err
	}
	snap := s.Snapshot()
	return &Result{Session: &snap, Subscription: s.Subscribe()}, nil
}

func (d *Dispatcher) sendInput(req Request) (*Result, error) {
	s, err := d.sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	if data := req.inputBytes(); len(data) > 0 {
		if err := s.FeedInput(data); err != nil {
			return nil, err
		}
	}
	if req.Control != "" {
		if err := s.SendControl(req.Control); err != nil {
			return nil, err
		}
	}
	if req.EOF {
		if err := s.CloseInput(); err != nil {
			return nil, err
		}
	}
	snap := s.Snapshot()
	return &Result{Session: &snap}, nil
}

func (d *Dispatcher) cancel(ctx context.Context, req Request) (*Result, error) {
	s, err := d.sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	s.Cancel()

	waitCtx, cancel := context.WithTimeout(ctx, d.sessions.GracePeriod()+cancelSlack)
	defer cancel()
	snap, err := s.Wait(waitCtx)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	// A process that outlives the wait is still being killed; the snapshot
	// reports where it got to.
	return &Result{Session: &snap}, nil
}

func (d *Dispatcher) query(ctx context.Context, req Request) (*Result, error) {
	s, err := d.sessions.Get(req.SessionID)
	if err == nil {
		snap := s.Snapshot()
		return &Result{Session: &snap}, nil
	}
	if !errors.Is(err, session.ErrNotFound) || d.opts.History == nil {
		return nil, err
	}

	row, herr := d.opts.History.Get(ctx, req.SessionID)
	if herr != nil {
		return nil, fmt.Errorf("query history: %w", herr)
	}
	if row == nil {
		return nil, err
	}
	snap := snapshotFromHistory(row)
	return &Result{Session: &snap}, nil
}

func snapshotFromHistory(row *db.Session) session.Snapshot {
	snap := session.Snapshot{
		ID:    row.ID,
		Owner: row.Owner,
		Descriptor: session.Descriptor{
			Tool:    row.Tool,
			Command: row.Command,
			Args:    row.Args,
			PTY:     row.PTY,
		},
		State:        session.State(row.State),
		PID:          row.PID,
		ExitCode:     row.ExitCode,
		Signal:       row.Signal,
		Error:        row.Error,
		CreatedAt:    row.CreatedAt,
		LastActivity: row.LastActivityAt,
		OutputBytes:  row.OutputBytes,
	}
	if !row.StartedAt.IsZero() {
		t := row.StartedAt
		snap.StartedAt = &t
	}
	if !row.EndedAt.IsZero() {
		t := row.EndedAt
		snap.EndedAt = &t
	}
	return snap
}

func (d *Dispatcher) read(req Request) (*Result, error) {
	s, err := d.sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultReadLimit
	}
	if limit > maxReadLimit {
		limit = maxReadLimit
	}
	events := s.Events(req.After, limit)
	snap := s.Snapshot()
	return &Result{Session: &snap, Events: events}, nil
}

func (d *Dispatcher) list(owner string, req Request) (*Result, error) {
	if req.All {
		owner = ""
	}
	return &Result{Sessions: d.sessions.List(owner)}, nil
}

func (d *Dispatcher) attach(req Request) (*Result, error) {
	s, err := d.sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	snap := s.Snapshot()
	return &Result{Session: &snap, Subscription: s.SubscribeFrom(req.After)}, nil
}

func (d *Dispatcher) resize(req Request) (*Result, error) {
	s, err := d.sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := s.Resize(req.Cols, req.Rows); err != nil {
		return nil, err
	}
	snap := s.Snapshot()
	return &Result{Session: &snap}, nil
}

func (d *Dispatcher) exec(ctx context.Context, owner string, req Request) (*Result, error) {
	timeout := d.opts.ExecTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	s, err := d.shells.get(ctx, owner, req.Restart, timeout)
	if err != nil {
		return nil, err
	}

	out, err := s.Exec(ctx, req.Command, timeout)
	snap := s.Snapshot()
	return &Result{Session: &snap, Output: out}, err
}

// Release forgets owner's exec shell and cancels it.
func (d *Dispatcher) Release(owner string) {
	d.shells.release(owner)
}

func (d *Dispatcher) auditStart(owner string, req Request) string {
	if d.opts.Audit == nil || !req.Mutating() {
		return ""
	}
	payload, err := json.Marshal(req)
	if err != nil {
		payload = []byte("{}")
	}
	cmd := &db.SessionCommand{
		SessionID:   req.SessionID,
		Op:          req.Kind,
		PayloadJSON: string(payload),
		SentAt:      time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := d.opts.Audit.Create(ctx, cmd); err != nil {
		slog.Warn("audit log write failed", "type", req.Kind, "owner", owner, "error", err)
		return ""
	}
	return cmd.ID
}

func (d *Dispatcher) auditEnd(id string, res *Result, err error) {
	if id == "" {
		return
	}
	status, errText, resultJSON := db.CommandSucceeded, "", "{}"
	if err != nil {
		status, errText = db.CommandFailed, err.Error()
	}
	var sid string
	if res != nil && res.Session != nil {
		sid = res.Session.ID
		if b, merr := json.Marshal(map[string]any{"state": res.Session.State, "last_seq": res.Session.LastSeq}); merr == nil {
			resultJSON = string(b)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := d.opts.Audit.Complete(ctx, id, sid, status, resultJSON, errText); err != nil {
		slog.Warn("audit log update failed", "command_id", id, "error", err)
	}
}
