package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"

	"github.com/user/agterm/configs"
)

const reloadDebounce = 250 * time.Millisecond

var toolIDPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Registry holds the tool profiles. Profiles come from a directory of YAML
// files, or from the built-in set when no directory is configured.
type Registry struct {
	dir   string
	tools map[string]*Profile
	mu    sync.RWMutex
}

// NewRegistry loads the profiles in dir, seeding it with the built-in
// profiles when it holds none. An empty dir serves the built-in profiles.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{
		dir:   strings.TrimSpace(dir),
		tools: make(map[string]*Profile),
	}
	if r.dir == "" {
		loaded, err := loadFS(configs.ToolDefaults, "tools")
		if err != nil {
			return nil, err
		}
		r.tools = loaded
		return r, nil
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tools dir: %w", err)
	}
	if err := ensureDefaults(r.dir); err != nil {
		return nil, err
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Get(id string) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.tools[id]
	if !ok {
		return nil
	}
	return cloneProfile(p)
}

func (r *Registry) List() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Profile, 0, len(r.tools))
	for _, p := range r.tools {
		result = append(result, cloneProfile(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Reload re-reads the tools directory. On error the current profiles stay
// in place.
func (r *Registry) Reload() error {
	if r.dir == "" {
		return nil
	}
	loaded, err := loadFS(os.DirFS(r.dir), ".")
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.tools = loaded
	r.mu.Unlock()
	return nil
}

// Watch reloads the profiles whenever the tools directory changes, until ctx
// is done. It returns immediately for the built-in set.
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch tools dir: %w", err)
	}
	defer w.Close()
	if err := w.Add(r.dir); err != nil {
		return fmt.Errorf("watch tools dir: %w", err)
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isProfileFile(ev.Name) {
				continue
			}
			// Editors write in bursts.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := r.Reload(); err != nil {
				slog.Warn("tool profiles not reloaded", "dir", r.dir, "error", err)
				continue
			}
			slog.Info("tool profiles reloaded", "dir", r.dir, "count", len(r.List()))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("tools dir watcher error", "error", err)
		}
	}
}

func ensureDefaults(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read tools dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && isProfileFile(entry.Name()) {
			return nil
		}
	}

	defaults, err := fs.ReadDir(configs.ToolDefaults, "tools")
	if err != nil {
		return fmt.Errorf("read embedded defaults: %w", err)
	}
	for _, entry := range defaults {
		content, err := configs.ToolDefaults.ReadFile("tools/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read embedded default %q: %w", entry.Name(), err)
		}
		dst := filepath.Join(dir, entry.Name())
		if err := os.WriteFile(dst, content, 0o644); err != nil {
			return fmt.Errorf("write default %q: %w", dst, err)
		}
	}
	return nil
}

func isProfileFile(name string) bool {
	name = strings.ToLower(filepath.Base(name))
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func loadFS(fsys fs.FS, dir string) (map[string]*Profile, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read tools dir: %w", err)
	}

	loaded := make(map[string]*Profile)
	for _, entry := range entries {
		if entry.IsDir() || !isProfileFile(entry.Name()) {
			continue
		}
		p, err := loadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if _, exists := loaded[p.ID]; exists {
			return nil, fmt.Errorf("duplicate tool id %q", p.ID)
		}
		loaded[p.ID] = p
	}
	return loaded, nil
}

func loadFile(fsys fs.FS, name string) (*Profile, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read tool profile %q: %w", name, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse tool profile %q: %w", name, err)
	}
	if err := validate(&p); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &p, nil
}

func validate(p *Profile) error {
	if err := validateID(p.ID); err != nil {
		return err
	}
	if strings.TrimSpace(p.Name) == "" {
		p.Name = p.ID
	}
	argv, err := shellquote.Split(p.Command)
	if err != nil {
		return fmt.Errorf("command: %w", err)
	}
	if len(argv) == 0 {
		return errors.New("command is required")
	}
	if p.TimeoutMS < 0 {
		return errors.New("timeout_ms must not be negative")
	}
	return nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id is required")
	}
	if !toolIDPattern.MatchString(id) {
		return errors.New("id must be lowercase alphanumeric with hyphens")
	}
	return nil
}

func cloneProfile(p *Profile) *Profile {
	if p == nil {
		return nil
	}
	out := *p
	out.Args = append([]string(nil), p.Args...)
	out.ReadyMarkers = append([]string(nil), p.ReadyMarkers...)
	if p.Env != nil {
		out.Env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			out.Env[k] = v
		}
	}
	return &out
}
