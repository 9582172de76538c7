package registry

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

var builtinTools = []string{"gdb", "pwndbg", "python3", "sh", "shell"}

func TestNewRegistryCreatesDefaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tools")
	r, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	got := r.List()
	if len(got) != len(builtinTools) {
		t.Fatalf("len(List()) = %d, want %d", len(got), len(builtinTools))
	}
	for i, id := range builtinTools {
		if got[i].ID != id {
			t.Fatalf("List()[%d].ID = %q, want %q", i, got[i].ID, id)
		}
		if _, err := os.Stat(filepath.Join(dir, id+".yaml")); err != nil {
			t.Fatalf("default file missing for %q: %v", id, err)
		}
	}
}

func TestNewRegistryWithoutDirServesBuiltins(t *testing.T) {
	r, err := NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	shell := r.Get("shell")
	if shell == nil {
		t.Fatal("expected built-in shell profile")
	}
	if !shell.PTY || !shell.Interactive {
		t.Fatalf("shell profile = %#v, want pty and interactive", shell)
	}
	if shell.Env["PS1"] != "$ " || shell.Env["TERM"] != "dumb" {
		t.Fatalf("shell env = %#v", shell.Env)
	}
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if err := r.Watch(context.Background()); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
}

func TestNewRegistryKeepsExistingProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "only.yaml", "id: only\ncommand: /bin/true\n")

	r, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	got := r.List()
	if len(got) != 1 || got[0].ID != "only" || got[0].Name != "only" {
		t.Fatalf("List() = %#v", got)
	}
}

func TestNewRegistryValidationFailure(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad id", "id: Bad_Tool\ncommand: run\n"},
		{"missing command", "id: empty\ncommand: \"\"\n"},
		{"unbalanced quote", "id: quoted\ncommand: \"sh -c 'echo\"\n"},
		{"negative timeout", "id: neg\ncommand: run\ntimeout_ms: -1\n"},
		{"not yaml", "id: [unterminated\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeProfile(t, dir, "bad.yaml", tt.content)
			if _, err := NewRegistry(dir); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestDuplicateIDsAreRejected(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "a.yaml", "id: dup\ncommand: a\n")
	writeProfile(t, dir, "b.yml", "id: dup\ncommand: b\n")
	if _, err := NewRegistry(dir); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestReloadKeepsProfilesOnError(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "tool.yaml", "id: tool\nname: First\ncommand: run\n")
	r, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	writeProfile(t, dir, "tool.yaml", "id: tool\nname: Second\ncommand: run\n")
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if got := r.Get("tool"); got == nil || got.Name != "Second" {
		t.Fatalf("after reload = %#v", got)
	}

	writeProfile(t, dir, "tool.yaml", "id: tool\ncommand: \"\"\n")
	if err := r.Reload(); err == nil {
		t.Fatalf("expected reload error")
	}
	if got := r.Get("tool"); got == nil || got.Name != "Second" {
		t.Fatalf("after failed reload = %#v", got)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r, err := NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	p := r.Get("shell")
	p.Env["PS1"] = "> "
	p.ReadyMarkers[0] = "> "
	if got := r.Get("shell"); got.Env["PS1"] != "$ " || got.ReadyMarkers[0] != "$ " {
		t.Fatalf("registry profile was mutated: %#v", got)
	}
	if r.Get("missing") != nil {
		t.Fatal("expected nil for unknown tool")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "tool.yaml", "id: tool\ncommand: run\n")
	r, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("Watch() error = %v", err)
		}
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeProfile(t, dir, "extra.yaml", "id: extra\ncommand: other\n")

	deadline := time.Now().Add(5 * time.Second)
	for r.Get("extra") == nil {
		if time.Now().After(deadline) {
			t.Fatalf("profile not picked up, have %d profiles", len(r.List()))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestProfileDescriptor(t *testing.T) {
	p := &Profile{
		ID:           "argv",
		Command:      `python3 -c "import sys; print(sys.argv)"`,
		Args:         []string{"one"},
		Env:          map[string]string{"B": "2", "A": "1"},
		PTY:          true,
		Interactive:  true,
		ReadyMarkers: []string{">>> "},
		TimeoutMS:    1500,
	}
	d, err := p.Descriptor("two")
	if err != nil {
		t.Fatalf("Descriptor() error = %v", err)
	}
	if d.Tool != "argv" || d.Command != "python3" {
		t.Fatalf("descriptor = %#v", d)
	}
	wantArgs := []string{"-c", "import sys; print(sys.argv)", "one", "two"}
	if !reflect.DeepEqual(d.Args, wantArgs) {
		t.Fatalf("Args = %#v, want %#v", d.Args, wantArgs)
	}
	if !reflect.DeepEqual(d.Env, []string{"A=1", "B=2"}) {
		t.Fatalf("Env = %#v", d.Env)
	}
	if d.Timeout != 1500*time.Millisecond {
		t.Fatalf("Timeout = %v", d.Timeout)
	}
	if !d.PTY || !d.Interactive || d.ReadyMarkers[0] != ">>> " {
		t.Fatalf("descriptor = %#v", d)
	}
}

func TestShellProfileDescriptor(t *testing.T) {
	r, err := NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	d, err := r.Get("shell").Descriptor()
	if err != nil {
		t.Fatalf("Descriptor() error = %v", err)
	}
	if d.Command != "bash" || !reflect.DeepEqual(d.Args, []string{"--norc", "--noprofile"}) {
		t.Fatalf("shell descriptor = %s %v", d.Command, d.Args)
	}
}

func writeProfile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}
