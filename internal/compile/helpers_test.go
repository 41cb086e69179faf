package compile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"buildd/internal/compiler"
	"buildd/internal/diag"
	"buildd/internal/project"
)

const testWait = 5 * time.Second

// fakeCompiler records invocations and can hold a project's compilation on a
// gate between two groups of diagnostics.
type fakeCompiler struct {
	mu      sync.Mutex
	calls   map[string]int
	inputs  map[string]*compiler.Input
	before  map[string][]diag.Diagnostic
	after   map[string][]diag.Diagnostic
	gates   map[string]chan struct{}
	errs    map[string]error
	started chan string
}

func newFakeCompiler() *fakeCompiler {
	return &fakeCompiler{
		calls:   make(map[string]int),
		inputs:  make(map[string]*compiler.Input),
		before:  make(map[string][]diag.Diagnostic),
		after:   make(map[string][]diag.Diagnostic),
		gates:   make(map[string]chan struct{}),
		errs:    make(map[string]error),
		started: make(chan string, 64),
	}
}

func (f *fakeCompiler) gate(name string) chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[name] = ch
	f.mu.Unlock()
	return ch
}

func (f *fakeCompiler) ungate(name string) {
	f.mu.Lock()
	delete(f.gates, name)
	f.mu.Unlock()
}

func (f *fakeCompiler) set(fn func(f *fakeCompiler)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeCompiler) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeCompiler) input(name string) *compiler.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[name]
}

func (f *fakeCompiler) Compile(ctx context.Context, in *compiler.Input, r diag.Reporter) (compiler.Output, error) {
	name := in.Project.Name
	f.mu.Lock()
	f.calls[name]++
	n := f.calls[name]
	f.inputs[name] = in
	before, after, gate, err := f.before[name], f.after[name], f.gates[name], f.errs[name]
	f.mu.Unlock()

	select {
	case f.started <- name:
	default:
	}
	for _, d := range before {
		r.Report(d)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return compiler.Output{}, ctx.Err()
		}
	}
	for _, d := range after {
		r.Report(d)
	}
	if err != nil {
		return compiler.Output{}, err
	}
	return compiler.Output{Artifacts: &compiler.Artifacts{
		Dir:    in.Project.OutputDir,
		Digest: project.DigestBytes(fmt.Appendf(nil, "%s#%d", name, n)),
	}}, nil
}

func warning(file, msg string) diag.Diagnostic {
	return diag.Diagnostic{File: file, Range: diag.PointRange(diag.Position{Line: 1, Column: 1}), Severity: diag.SevWarning, Message: msg}
}

func errorDiag(file, msg string) diag.Diagnostic {
	return diag.Diagnostic{File: file, Range: diag.PointRange(diag.Position{Line: 1, Column: 1}), Severity: diag.SevError, Message: msg}
}

type testProject struct {
	name    string
	sources int
	deps    []string
}

func proj(name string, sources int, deps ...string) testProject {
	return testProject{name: name, sources: sources, deps: deps}
}

// newWorkspace writes sources for every project under a temp dir.
func newWorkspace(t *testing.T, specs ...testProject) *project.Workspace {
	t.Helper()
	dir := t.TempDir()
	projects := make([]project.Project, 0, len(specs))
	for _, sp := range specs {
		p := project.Project{
			Name:         sp.name,
			Dependencies: sp.deps,
			OutputDir:    filepath.Join(dir, "out", sp.name),
		}
		for i := range sp.sources {
			path := filepath.Join(dir, sp.name, fmt.Sprintf("src%d.txt", i))
			writeFile(t, path, fmt.Sprintf("%s source %d\n", sp.name, i))
			p.Sources = append(p.Sources, path)
		}
		projects = append(projects, p)
	}
	ws, err := project.NewWorkspace(projects)
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	return ws
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func sourceOf(t *testing.T, ws *project.Workspace, name string, i int) string {
	t.Helper()
	p, ok := ws.Project(name)
	if !ok || i >= len(p.Sources) {
		t.Fatalf("no source %d for %s", i, name)
	}
	return p.Sources[i]
}

func newTestScheduler(t *testing.T, ws *project.Workspace, c compiler.Compiler, policy Policy) *Scheduler {
	t.Helper()
	s, err := New(Options{Workspace: ws, Compiler: c, Policy: policy, Jobs: 4})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testWait)
		defer cancel()
		if err := s.Close(ctx); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return s
}

func mustCompile(t *testing.T, s *Scheduler, name string, opts CompileOptions) *Handle {
	t.Helper()
	h, err := s.Compile(context.Background(), name, opts)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return h
}

func awaitOK(t *testing.T, h *Handle) Result {
	t.Helper()
	res, err := h.AwaitTimeout(testWait)
	if err != nil {
		t.Fatalf("await %s: %v", h.Project(), err)
	}
	return res
}

func waitReady(t *testing.T, h *Handle) *Unit {
	t.Helper()
	select {
	case <-h.Ready():
	case <-time.After(testWait):
		t.Fatalf("handle for %s never became ready", h.Project())
	}
	if err := h.Err(); err != nil {
		t.Fatalf("request for %s failed: %v", h.Project(), err)
	}
	return h.Unit()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitStarted(t *testing.T, f *fakeCompiler, name string) {
	t.Helper()
	for {
		select {
		case got := <-f.started:
			if got == name {
				return
			}
		case <-time.After(testWait):
			t.Fatalf("compiler never started %s", name)
		}
	}
}

func collect(t *testing.T, h *Handle) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	var events []Event
	if err := h.Stream(ctx, func(ev Event) error {
		events = append(events, ev)
		return nil
	}); err != nil {
		t.Fatalf("stream %s: %v", h.Project(), err)
	}
	return events
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}
