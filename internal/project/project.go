// Package project models the compile targets known to the server.
//
// A Project is immutable for the lifetime of a build generation; when any of
// its inputs changes the Workspace is replaced as a whole and the generation
// counter moves forward.
package project

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnknownProject is returned when a name is not part of the workspace.
	ErrUnknownProject = errors.New("unknown project")
)

// Project is one compilable module.
type Project struct {
	Name         string
	Sources      []string // ordered source inputs
	Dependencies []string // ordered dependency project names
	OutputDir    string   // where promoted artifacts live
	Command      []string // optional backend command, see compiler.Command
}

// Clone returns a deep copy so callers cannot mutate workspace state.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Sources = slices.Clone(p.Sources)
	cp.Dependencies = slices.Clone(p.Dependencies)
	cp.Command = slices.Clone(p.Command)
	return &cp
}

// SourceSnapshot captures one source input as read at request time.
type SourceSnapshot struct {
	Path    string
	Digest  Digest
	Content []byte
}

// SourceReader loads the contents of a source path.
type SourceReader func(path string) ([]byte, error)

// ReadSources snapshots every source of p in order. A nil reader uses os.ReadFile.
func ReadSources(p *Project, read SourceReader) ([]SourceSnapshot, error) {
	if p == nil {
		return nil, fmt.Errorf("missing project")
	}
	if read == nil {
		read = os.ReadFile
	}
	out := make([]SourceSnapshot, 0, len(p.Sources))
	for _, path := range p.Sources {
		data, err := read(path)
		if err != nil {
			return nil, fmt.Errorf("project %q: failed to read source %q: %w", p.Name, path, err)
		}
		out = append(out, SourceSnapshot{
			Path:    path,
			Digest:  DigestBytes(data),
			Content: data,
		})
	}
	return out, nil
}

// Workspace holds the projects of the current build generation.
// Thread-safe for concurrent access.
type Workspace struct {
	mu         sync.RWMutex
	generation uint64
	projects   map[string]*Project
	names      []string
}

// NewWorkspace validates projects and returns generation 1.
func NewWorkspace(projects []Project) (*Workspace, error) {
	w := &Workspace{}
	if err := w.Replace(projects); err != nil {
		return nil, err
	}
	return w, nil
}

// Replace installs a new build generation. On error the previous one stays.
func (w *Workspace) Replace(projects []Project) error {
	byName := make(map[string]*Project, len(projects))
	names := make([]string, 0, len(projects))
	for i := range projects {
		p := projects[i].Clone()
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return fmt.Errorf("project #%d has no name", i+1)
		}
		if _, dup := byName[p.Name]; dup {
			return fmt.Errorf("duplicate project %q", p.Name)
		}
		byName[p.Name] = p
		names = append(names, p.Name)
	}
	for _, name := range names {
		p := byName[name]
		seen := make(map[string]struct{}, len(p.Dependencies))
		for _, dep := range p.Dependencies {
			if dep == p.Name {
				return fmt.Errorf("project %q depends on itself", p.Name)
			}
			if _, ok := byName[dep]; !ok {
				return fmt.Errorf("project %q depends on %w %q", p.Name, ErrUnknownProject, dep)
			}
			if _, dup := seen[dep]; dup {
				return fmt.Errorf("project %q lists dependency %q twice", p.Name, dep)
			}
			seen[dep] = struct{}{}
		}
	}
	sort.Strings(names)

	w.mu.Lock()
	w.projects = byName
	w.names = names
	w.generation++
	w.mu.Unlock()
	return nil
}

// Generation returns the current build generation counter.
func (w *Workspace) Generation() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.generation
}

// Project returns a copy of the named project.
func (w *Workspace) Project(name string) (*Project, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.projects[name]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Names returns project names sorted.
func (w *Workspace) Names() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return slices.Clone(w.names)
}

// Snapshot returns copies of all projects (sorted by name) together with the
// generation they belong to.
func (w *Workspace) Snapshot() ([]*Project, uint64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Project, 0, len(w.names))
	for _, name := range w.names {
		out = append(out, w.projects[name].Clone())
	}
	return out, w.generation
}
