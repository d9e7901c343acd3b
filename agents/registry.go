package agents

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/arctek/foundry/internal/errs"
)

// Registry holds the agent descriptors for a project. Builtins are always
// present; project-local YAML files under the agents directory are layered on
// top at load time. Duplicate names are refused.
type Registry struct {
	mu     sync.RWMutex
	dir    string
	logger *slog.Logger
	agents map[string]Descriptor
}

// NewRegistry creates a registry backed by dir. Call Load before use.
func NewRegistry(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:    dir,
		logger: logger,
		agents: make(map[string]Descriptor),
	}
}

// Load installs the builtin descriptors and reads project-local YAML files.
// A file whose name collides with an already loaded descriptor is refused.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents = make(map[string]Descriptor)
	for _, d := range Builtins() {
		r.agents[d.Name] = d
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.KindIO, err, "failed to read agents directory")
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	seen := make(map[string]string) // descriptor name -> file
	for _, name := range names {
		path := filepath.Join(r.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return errs.Wrap(errs.KindIO, err, fmt.Sprintf("failed to read agent file %s", name))
		}
		var d Descriptor
		if err := yaml.Unmarshal(data, &d); err != nil {
			return errs.Wrap(errs.KindSchema, err, fmt.Sprintf("failed to parse agent file %s", name))
		}
		if d.Name == "" {
			return errs.Newf(errs.KindSchema, "agent file %s has no name", name)
		}
		if prev, dup := seen[d.Name]; dup {
			return errs.Newf(errs.KindConflict, "duplicate agent %q defined in %s and %s", d.Name, prev, name)
		}
		seen[d.Name] = name
		r.agents[d.Name] = d
		r.logger.Debug("agent loaded", "name", d.Name, "file", name)
	}
	return nil
}

// Get returns the descriptor with the given name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.agents[name]
	return d, ok
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.agents))
	for _, d := range r.agents {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Create registers a new descriptor. When persist is set the descriptor is
// written as YAML with a markdown sidecar describing the agent for downstream
// tools. An existing name is a conflict.
func (r *Registry) Create(d Descriptor, persist bool) (Descriptor, error) {
	if strings.TrimSpace(d.Name) == "" {
		return Descriptor{}, errs.New(errs.KindValidation, "agent name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[d.Name]; exists {
		return Descriptor{}, errs.Newf(errs.KindConflict, "agent %q already exists", d.Name)
	}

	if persist {
		if err := os.MkdirAll(r.dir, 0755); err != nil {
			return Descriptor{}, errs.Wrap(errs.KindIO, err, "failed to create agents directory")
		}
		data, err := yaml.Marshal(d)
		if err != nil {
			return Descriptor{}, errs.Wrap(errs.KindIO, err, "failed to serialize agent")
		}
		if err := os.WriteFile(filepath.Join(r.dir, d.Name+".yaml"), data, 0644); err != nil {
			return Descriptor{}, errs.Wrap(errs.KindIO, err, "failed to write agent file")
		}
		if err := os.WriteFile(filepath.Join(r.dir, d.Name+".md"), []byte(sidecarMarkdown(d)), 0644); err != nil {
			return Descriptor{}, errs.Wrap(errs.KindIO, err, "failed to write agent sidecar")
		}
	}

	r.agents[d.Name] = d
	r.logger.Info("agent created", "name", d.Name, "persisted", persist)
	return d, nil
}

// sidecarMarkdown renders the human-readable companion file for a descriptor.
func sidecarMarkdown(d Descriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s %s\n\n", d.Emoji, d.DisplayName)
	if d.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", d.Description)
	}
	if d.Language != "" {
		fmt.Fprintf(&b, "- Language: %s\n", d.Language)
	}
	if len(d.Frameworks) > 0 {
		fmt.Fprintf(&b, "- Frameworks: %s\n", strings.Join(d.Frameworks, ", "))
	}
	if len(d.Tools) > 0 {
		fmt.Fprintf(&b, "- Tools: %s\n", strings.Join(d.Tools, ", "))
	}
	if d.TestFramework != "" {
		fmt.Fprintf(&b, "- Test framework: %s\n", d.TestFramework)
	}
	return b.String()
}
