package dispatch

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/agterm/internal/db"
	"github.com/user/agterm/internal/proc"
	"github.com/user/agterm/internal/registry"
	"github.com/user/agterm/internal/session"
)

type fixture struct {
	d        *Dispatcher
	sessions *session.Manager
	db       *db.DB
}

func newFixture(t *testing.T, withDB bool, opts Options) *fixture {
	t.Helper()
	f := &fixture{}
	sopts := session.Options{GracePeriod: 300 * time.Millisecond}
	if withDB {
		database, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "dispatch.db"))
		if err != nil {
			t.Fatalf("db.Open() error = %v", err)
		}
		t.Cleanup(func() { _ = database.Close() })
		f.db = database
		sopts.History = database.Sessions()
		opts.History = database.Sessions()
		opts.Audit = database.Commands()
	}
	f.sessions = session.NewManager(sopts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.sessions.Shutdown(ctx)
	})

	tools, err := registry.NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	f.d = New(f.sessions, tools, opts)
	return f
}

func (f *fixture) handle(t *testing.T, owner string, req Request) *Result {
	t.Helper()
	res, err := f.d.Handle(context.Background(), owner, req)
	if err != nil {
		t.Fatalf("Handle(%s) error = %v", req.Kind, err)
	}
	return res
}

func wantKind(t *testing.T, err error, want string) {
	t.Helper()
	if got := Classify(err); got != want {
		t.Fatalf("Classify(%v) = %q, want %q", err, got, want)
	}
}

func readAll(t *testing.T, sub *session.Subscription) (string, session.Event) {
	t.Helper()
	defer sub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var b strings.Builder
	var last session.Event
	for {
		e, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			return b.String(), last
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		b.WriteString(e.Data)
		last = e
	}
}

func TestValidateRejectsBeforeTouchingSessions(t *testing.T) {
	f := newFixture(t, false, Options{})
	tests := []struct {
		name string
		req  Request
	}{
		{"missing type", Request{}},
		{"unknown type", Request{Kind: "launch"}},
		{"invoke without command", Request{Kind: KindInvoke}},
		{"bad env", Request{Kind: KindInvoke, Command: "true", Env: []string{"NOVALUE"}}},
		{"negative timeout", Request{Kind: KindInvoke, Command: "true", TimeoutMS: -5}},
		{"input without session", Request{Kind: KindSendInput, Data: "x"}},
		{"empty input", Request{Kind: KindSendInput, SessionID: "s"}},
		{"unknown key", Request{Kind: KindSendInput, SessionID: "s", Keys: []string{"hyper"}}},
		{"bad control", Request{Kind: KindSendInput, SessionID: "s", Control: "1"}},
		{"cancel without session", Request{Kind: KindCancel}},
		{"negative limit", Request{Kind: KindRead, SessionID: "s", Limit: -1}},
		{"resize without size", Request{Kind: KindResize, SessionID: "s", Cols: 80}},
		{"exec without command", Request{Kind: KindExec, Command: "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.d.Handle(context.Background(), "alice", tt.req)
			if res != nil {
				t.Fatalf("Handle() result = %+v, want nil", res)
			}
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("Handle() error = %v, want ErrInvalidRequest", err)
			}
			wantKind(t, err, KindInvalidRequest)
		})
	}
	if n := len(f.sessions.List("")); n != 0 {
		t.Fatalf("%d sessions created by invalid requests", n)
	}
}

func TestInvokeCommandLine(t *testing.T) {
	f := newFixture(t, false, Options{})
	res := f.handle(t, "alice", Request{Kind: KindInvoke, Command: `printf '%s|%s' "a b" c`})
	if res.Session == nil || res.Subscription == nil {
		t.Fatalf("result = %+v, want session and subscription", res)
	}
	if res.Session.Descriptor.Command != "printf" || res.Session.Owner != "alice" {
		t.Fatalf("session = %+v", res.Session)
	}

	out, final := readAll(t, res.Subscription)
	if out != "a b|c" {
		t.Fatalf("output = %q, want %q", out, "a b|c")
	}
	if !final.Final() || final.State != session.StateCompleted {
		t.Fatalf("final = %+v", final)
	}
}

func TestInvokeTool(t *testing.T) {
	f := newFixture(t, false, Options{})
	res := f.handle(t, "", Request{
		Kind:      KindInvoke,
		Tool:      "sh",
		Args:      []string{"echo $GREETING; exit 3"},
		Env:       []string{"GREETING=hi"},
		TimeoutMS: 5000,
	})
	if res.Session.Descriptor.Tool != "sh" || res.Session.TimeoutMS != 5000 {
		t.Fatalf("session = %+v", res.Session)
	}

	out, final := readAll(t, res.Subscription)
	if out != "hi\n" {
		t.Fatalf("output = %q", out)
	}
	if final.State != session.StateFailed || final.ExitCode == nil || *final.ExitCode != 3 {
		t.Fatalf("final = %+v, want failed with code 3", final)
	}
}

func TestInvokeInputLargerThanPipeBuffer(t *testing.T) {
	f := newFixture(t, false, Options{})
	input := strings.Repeat("y", 1<<20)

	done := make(chan *Result, 1)
	go func() {
		res, err := f.d.Handle(context.Background(), "", Request{Kind: KindInvoke, Command: "cat", Input: input})
		if err != nil {
			t.Errorf("Handle(invoke) error = %v", err)
		}
		done <- res
	}()

	var res *Result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("invoke with a large input did not return")
	}
	if res == nil {
		return
	}
	out, final := readAll(t, res.Subscription)
	if len(out) != len(input) || final.State != session.StateCompleted {
		t.Fatalf("echoed %d bytes with state %q, want %d completed", len(out), final.State, len(input))
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	f := newFixture(t, false, Options{})
	_, err := f.d.Handle(context.Background(), "", Request{Kind: KindInvoke, Tool: "nmap"})
	wantKind(t, err, KindInvalidRequest)
	if n := len(f.sessions.List("")); n != 0 {
		t.Fatalf("%d sessions created for an unknown tool", n)
	}
}

func TestInvokeLaunchFailure(t *testing.T) {
	f := newFixture(t, false, Options{})
	res, err := f.d.Handle(context.Background(), "", Request{Kind: KindInvoke, Command: "/nonexistent/tool"})
	wantKind(t, err, session.KindLaunchError)
	if res == nil || res.Session == nil {
		t.Fatalf("result = %+v, want the failed session", res)
	}
	if res.Session.State != session.StateFailed {
		t.Fatalf("state = %q, want %q", res.Session.State, session.StateFailed)
	}
	if res.Subscription != nil {
		t.Fatal("failed launch returned a subscription")
	}
}

func TestInvokeCapacity(t *testing.T) {
	sessions := session.NewManager(session.Options{MaxSessions: 1, GracePeriod: 200 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sessions.Shutdown(ctx)
	})
	tools, err := registry.NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	d := New(sessions, tools, Options{})

	res, err := d.Handle(context.Background(), "", Request{Kind: KindInvoke, Command: "sleep 30"})
	if err != nil {
		t.Fatalf("Handle(invoke) error = %v", err)
	}
	defer res.Subscription.Close()

	_, err = d.Handle(context.Background(), "", Request{Kind: KindInvoke, Command: "sleep 30"})
	wantKind(t, err, session.KindCapacityExceeded)
}

func TestSendInputKeysAndEOF(t *testing.T) {
	f := newFixture(t, false, Options{})
	ctx := context.Background()
	res := f.handle(t, "", Request{Kind: KindInvoke, Command: "cat", Interactive: true})
	id := res.Session.ID

	f.handle(t, "", Request{Kind: KindSendInput, SessionID: id, Data: "ab", Keys: []string{"Tab"}, Control: "c"})
	f.handle(t, "", Request{Kind: KindSendInput, SessionID: id, EOF: true})

	out, final := readAll(t, res.Subscription)
	if out != "ab\t\x03" {
		t.Fatalf("output = %q", out)
	}
	if final.State != session.StateCompleted {
		t.Fatalf("final state = %q", final.State)
	}

	_, err := f.d.Handle(ctx, "", Request{Kind: KindSendInput, SessionID: id, Data: "late"})
	wantKind(t, err, session.KindInvalidState)
	_, err = f.d.Handle(ctx, "", Request{Kind: KindSendInput, SessionID: "missing", Data: "x"})
	wantKind(t, err, session.KindNotFound)
}

func TestCancelWaitsForTerminalState(t *testing.T) {
	f := newFixture(t, false, Options{})
	res := f.handle(t, "", Request{Kind: KindInvoke, Command: "sleep 30"})
	res.Subscription.Close()

	got := f.handle(t, "", Request{Kind: KindCancel, SessionID: res.Session.ID})
	if got.Session.State != session.StateCancelled {
		t.Fatalf("state = %q, want %q", got.Session.State, session.StateCancelled)
	}

	again := f.handle(t, "", Request{Kind: KindCancel, SessionID: res.Session.ID})
	if again.Session.State != session.StateCancelled {
		t.Fatalf("second cancel state = %q", again.Session.State)
	}
	if !again.Session.EndedAt.Equal(*got.Session.EndedAt) {
		t.Fatalf("ended at moved from %v to %v", got.Session.EndedAt, again.Session.EndedAt)
	}
}

func TestReadPagesThroughEvents(t *testing.T) {
	f := newFixture(t, false, Options{})
	res := f.handle(t, "", Request{Kind: KindInvoke, Command: "sh -c 'echo one; sleep 0.1; echo two'"})
	readAll(t, res.Subscription)

	first := f.handle(t, "", Request{Kind: KindRead, SessionID: res.Session.ID, Limit: 1})
	if len(first.Events) != 1 || first.Events[0].Seq != 1 {
		t.Fatalf("first page = %+v", first.Events)
	}

	rest := f.handle(t, "", Request{Kind: KindRead, SessionID: res.Session.ID, After: 1})
	if len(rest.Events) == 0 {
		t.Fatal("second page is empty")
	}
	last := rest.Events[len(rest.Events)-1]
	if !last.Final() || last.Seq != rest.Session.LastSeq {
		t.Fatalf("last event = %+v, last seq %d", last, rest.Session.LastSeq)
	}
}

func TestListFiltersByOwner(t *testing.T) {
	f := newFixture(t, false, Options{})
	for _, owner := range []string{"alice", "bob", "alice"} {
		f.handle(t, owner, Request{Kind: KindInvoke, Command: "true"}).Subscription.Close()
	}

	if mine := f.handle(t, "alice", Request{Kind: KindList}); len(mine.Sessions) != 2 {
		t.Fatalf("own sessions = %d, want 2", len(mine.Sessions))
	}
	if all := f.handle(t, "alice", Request{Kind: KindList, All: true}); len(all.Sessions) != 3 {
		t.Fatalf("all sessions = %d, want 3", len(all.Sessions))
	}
}

func TestAttachResumesFromCursor(t *testing.T) {
	f := newFixture(t, false, Options{})
	res := f.handle(t, "", Request{Kind: KindInvoke, Command: "sh -c 'echo one; sleep 0.1; echo two'"})
	if full, _ := readAll(t, res.Subscription); full != "one\ntwo\n" {
		t.Fatalf("output = %q", full)
	}

	att := f.handle(t, "", Request{Kind: KindAttach, SessionID: res.Session.ID, After: 1})
	out, final := readAll(t, att.Subscription)
	if out != "two\n" || !final.Final() {
		t.Fatalf("resumed output = %q, final %+v", out, final)
	}
}

func TestRemoveAndQueryHistory(t *testing.T) {
	f := newFixture(t, true, Options{})
	ctx := context.Background()
	res := f.handle(t, "alice", Request{Kind: KindInvoke, Command: "echo hi"})
	readAll(t, res.Subscription)
	id := res.Session.ID

	if live := f.handle(t, "", Request{Kind: KindQuery, SessionID: id}); live.Session.State != session.StateCompleted {
		t.Fatalf("state = %q", live.Session.State)
	}
	f.handle(t, "", Request{Kind: KindRemove, SessionID: id})

	_, err := f.d.Handle(ctx, "", Request{Kind: KindRead, SessionID: id})
	wantKind(t, err, session.KindNotFound)

	// The final history write happens after the terminal event.
	var got *Result
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err = f.d.Handle(ctx, "", Request{Kind: KindQuery, SessionID: id})
		if err == nil && got.Session.State == session.StateCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history never showed the completed session: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got.Session.Owner != "alice" || got.Session.Descriptor.Command != "echo" {
		t.Fatalf("history session = %+v", got.Session)
	}
	if got.Session.ExitCode == nil || *got.Session.ExitCode != 0 {
		t.Fatalf("exit code = %v, want 0", got.Session.ExitCode)
	}

	_, err = f.d.Handle(ctx, "", Request{Kind: KindQuery, SessionID: "missing"})
	wantKind(t, err, session.KindNotFound)
}

func TestAuditLogRecordsMutatingRequests(t *testing.T) {
	f := newFixture(t, true, Options{})
	ctx := context.Background()
	res := f.handle(t, "alice", Request{Kind: KindInvoke, RequestID: "r1", Command: "cat", Interactive: true})
	defer res.Subscription.Close()
	id := res.Session.ID

	f.handle(t, "alice", Request{Kind: KindQuery, SessionID: id})
	f.handle(t, "alice", Request{Kind: KindCancel, SessionID: id})
	if _, err := f.d.Handle(ctx, "alice", Request{Kind: KindSendInput, SessionID: id, Data: "x"}); err == nil {
		t.Fatal("input to a cancelled session succeeded")
	}

	cmds, err := f.db.Commands().ListBySession(ctx, id, 10)
	if err != nil {
		t.Fatalf("ListBySession() error = %v", err)
	}
	if len(cmds) != 3 {
		t.Fatalf("audit rows = %d, want 3", len(cmds))
	}

	byOp := map[string]*db.SessionCommand{}
	for _, c := range cmds {
		byOp[c.Op] = c
	}
	invoke, ok := byOp[KindInvoke]
	if !ok {
		t.Fatalf("no invoke row in %v", byOp)
	}
	if invoke.Status != db.CommandSucceeded || !strings.Contains(invoke.PayloadJSON, `"request_id":"r1"`) {
		t.Fatalf("invoke row = %+v", invoke)
	}
	if !strings.Contains(byOp[KindCancel].ResultJSON, `"cancelled"`) {
		t.Fatalf("cancel result = %s", byOp[KindCancel].ResultJSON)
	}
	if in := byOp[KindSendInput]; in.Status != db.CommandFailed || in.Error == "" {
		t.Fatalf("send_input row = %+v, want failed with an error", in)
	}
}

type requestLog struct {
	mu       sync.Mutex
	outcomes []string
}

func (l *requestLog) RequestHandled(kind, outcome string, _ time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, kind+":"+outcome)
}

func TestEveryRequestHasOneOutcome(t *testing.T) {
	obs := &requestLog{}
	f := newFixture(t, false, Options{Observer: obs})
	ctx := context.Background()

	_, _ = f.d.Handle(ctx, "", Request{Kind: KindQuery})
	_, _ = f.d.Handle(ctx, "", Request{Kind: KindQuery, SessionID: "missing"})
	_, _ = f.d.Handle(ctx, "", Request{Kind: KindList})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	want := []string{
		"query:invalid_request",
		"query:not_found",
		"list:ok",
	}
	if !reflect.DeepEqual(obs.outcomes, want) {
		t.Fatalf("outcomes = %v, want %v", obs.outcomes, want)
	}
}

func TestExecReusesShell(t *testing.T) {
	f := newFixture(t, false, Options{ExecTimeout: 5 * time.Second})
	ctx := context.Background()

	first := f.handle(t, "alice", Request{Kind: KindExec, Command: "cd /tmp && X=42"})
	if first.Session == nil || first.Session.Descriptor.Tool != ShellTool {
		t.Fatalf("exec session = %+v, want the %s tool", first.Session, ShellTool)
	}

	second := f.handle(t, "alice", Request{Kind: KindExec, Command: "echo $X $PWD"})
	if second.Session.ID != first.Session.ID {
		t.Fatalf("second exec ran in %s, want %s", second.Session.ID, first.Session.ID)
	}
	if !strings.Contains(second.Output, "42 /tmp\n") || !strings.HasSuffix(second.Output, "$ ") {
		t.Fatalf("output %q", second.Output)
	}

	other := f.handle(t, "bob", Request{Kind: KindExec, Command: "echo ${X:-unset}"})
	if other.Session.ID == first.Session.ID {
		t.Fatal("bob shares alice's shell")
	}
	if !strings.Contains(other.Output, "unset\n") {
		t.Fatalf("output %q", other.Output)
	}

	restarted := f.handle(t, "alice", Request{Kind: KindExec, Command: "echo ${X:-fresh}", Restart: true})
	if restarted.Session.ID == first.Session.ID {
		t.Fatal("restart reused the old shell")
	}
	if !strings.Contains(restarted.Output, "fresh\n") {
		t.Fatalf("output %q", restarted.Output)
	}

	f.d.Release("alice")
	s, err := f.sessions.Get(restarted.Session.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	snap, err := s.Wait(waitCtx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if snap.State != session.StateCancelled {
		t.Fatalf("released shell state = %q, want %q", snap.State, session.StateCancelled)
	}
}

func TestExecTimeoutKeepsPartialOutput(t *testing.T) {
	f := newFixture(t, false, Options{})
	ctx := context.Background()

	res, err := f.d.Handle(ctx, "", Request{Kind: KindExec, Command: "echo started; sleep 5", TimeoutMS: 300})
	wantKind(t, err, session.KindExecTimeout)
	if res == nil {
		t.Fatal("timed out exec returned no result")
	}
	if !strings.Contains(res.Output, "started\n") || res.Session.State != session.StateRunning {
		t.Fatalf("output %q state %q", res.Output, res.Session.State)
	}

	// The shell is interrupted and usable again.
	f.handle(t, "", Request{Kind: KindSendInput, SessionID: res.Session.ID, Control: "c"})
	time.Sleep(300 * time.Millisecond)
	next := f.handle(t, "", Request{Kind: KindExec, Command: "echo again", TimeoutMS: 5000})
	if !strings.Contains(next.Output, "again\n") {
		t.Fatalf("output %q", next.Output)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{invalidf("bad"), KindInvalidRequest},
		{ErrRateLimited, KindRateLimited},
		{ErrUnauthorized, KindUnauthorized},
		{session.ErrNotFound, session.KindNotFound},
		{proc.ErrStreamClosed, session.KindStreamClosed},
		{errors.New("boom"), session.KindInternal},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
