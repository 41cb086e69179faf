package statecache

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"buildd/internal/compile"
	"buildd/internal/compiler"
	"buildd/internal/diag"
	"buildd/internal/fingerprint"
	"buildd/internal/project"
)

func state(unit string, status compile.Status, messages ...string) compile.LastState {
	fp := fingerprint.Fingerprint(project.DigestBytes([]byte(unit)))
	events := []compile.Event{{Kind: compile.EventStart, Project: "app", Unit: unit, Description: "Compiling app (1 source)"}}
	errs := 0
	for _, msg := range messages {
		sev := diag.SevWarning
		if status == compile.StatusFailed {
			sev = diag.SevError
			errs++
		}
		events = append(events, compile.Event{
			Kind:       compile.EventDiagnostic,
			Project:    "app",
			Unit:       unit,
			Seq:        len(events),
			Diagnostic: diag.Diagnostic{File: "a.txt", Range: diag.PointRange(diag.Position{Line: 3, Column: 1}), Severity: sev, Message: msg},
		})
	}
	res := compile.Result{
		Project:     "app",
		Unit:        unit,
		Fingerprint: fp,
		Status:      status,
		Errors:      errs,
		Message:     "done",
		Artifacts:   &compiler.Artifacts{Dir: "/out/app", Digest: project.DigestBytes([]byte("out")), Files: []string{"a.txt"}},
	}
	events = append(events, compile.Event{Kind: compile.EventFinish, Project: "app", Unit: unit, Seq: len(events), Status: status, Errors: errs, Message: "done"})
	return compile.LastState{Fingerprint: fp, Result: res, Events: events}
}

func openTemp(t *testing.T) *Disk {
	t.Helper()
	d, err := OpenDir(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return d
}

func TestDiskRoundTrip(t *testing.T) {
	d := openTemp(t)
	if _, ok := d.Get("app"); ok {
		t.Fatalf("empty cache returned a state")
	}
	in := state("u1", compile.StatusSucceeded, "careful")
	if err := d.Put("app", in); err != nil {
		t.Fatalf("put: %v", err)
	}
	out, ok := d.Get("app")
	if !ok {
		t.Fatalf("state not found after put")
	}
	if out.Fingerprint != in.Fingerprint || out.Result.Unit != "u1" || out.Result.Status != compile.StatusSucceeded {
		t.Fatalf("result mismatch: %+v", out.Result)
	}
	if len(out.Events) != 3 || out.Events[1].Diagnostic != in.Events[1].Diagnostic {
		t.Fatalf("events mismatch: %v", out.Events)
	}
	if out.Result.Artifacts == nil || out.Result.Artifacts.Digest != in.Result.Artifacts.Digest {
		t.Fatalf("artifacts mismatch: %+v", out.Result.Artifacts)
	}
}

func TestDiskKeepsLastSuccessAcrossFailures(t *testing.T) {
	d := openTemp(t)
	if err := d.Put("app", state("good", compile.StatusSucceeded)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := d.Put("app", state("bad", compile.StatusFailed, "boom")); err != nil {
		t.Fatalf("put: %v", err)
	}
	last, _ := d.Get("app")
	success, ok := d.LastSuccess("app")
	if last.Result.Unit != "bad" || !ok || success.Result.Unit != "good" {
		t.Fatalf("last=%s success=%s", last.Result.Unit, success.Result.Unit)
	}
}

func TestDiskIgnoresOtherSchema(t *testing.T) {
	d := openTemp(t)
	p := &Payload{Schema: schemaVersion + 1, Project: "app"}
	if err := d.write(d.pathFor("app"), p); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok, err := d.Load("app"); ok || err != nil {
		t.Fatalf("foreign schema must read as absent: %v %v", ok, err)
	}
}

func TestDiskDetectsCorruption(t *testing.T) {
	d := openTemp(t)
	st := state("u1", compile.StatusSucceeded, "x")
	p := &Payload{Schema: schemaVersion, Project: "app", EventCount: 99, Last: &st}
	if err := d.write(d.pathFor("app"), p); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := d.Load("app"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}

	if err := os.WriteFile(d.pathFor("app"), []byte("not msgpack at all"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok := d.Get("app"); ok {
		t.Fatalf("garbage decoded as state")
	}
	// a corrupt record is overwritten by the next put
	if err := d.Put("app", state("u2", compile.StatusSucceeded)); err != nil {
		t.Fatalf("put over corrupt record: %v", err)
	}
	if st, ok := d.Get("app"); !ok || st.Result.Unit != "u2" {
		t.Fatalf("state after repair: %+v", st.Result)
	}
}

func TestDiskDropAll(t *testing.T) {
	d := openTemp(t)
	if err := d.DropAll(); err != nil {
		t.Fatalf("drop empty: %v", err)
	}
	if err := d.Put("app", state("u1", compile.StatusSucceeded)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := d.DropAll(); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, ok := d.Get("app"); ok {
		t.Fatalf("state survived DropAll")
	}
	if err := d.Put("app", state("u2", compile.StatusSucceeded)); err != nil {
		t.Fatalf("put after drop: %v", err)
	}
}

func TestOpenUsesXDGCacheHome(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", base)
	d, err := Open("buildd")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if d.Dir() != filepath.Join(base, "buildd") {
		t.Fatalf("dir = %s", d.Dir())
	}
}

func TestLayeredWarmsFromDisk(t *testing.T) {
	d := openTemp(t)
	first := NewLayered(d)
	if err := first.Put("app", state("good", compile.StatusSucceeded)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := first.Put("app", state("bad", compile.StatusFailed, "boom")); err != nil {
		t.Fatalf("put: %v", err)
	}

	// a fresh process over the same directory
	second := NewLayered(d)
	success, ok := second.LastSuccess("app")
	if !ok || success.Result.Unit != "good" {
		t.Fatalf("last success not restored: %+v", success.Result)
	}
	last, ok := second.Get("app")
	if !ok || last.Result.Unit != "bad" || last.Result.Errors != 1 {
		t.Fatalf("last state not restored: %+v", last.Result)
	}
	if _, ok := second.Get("other"); ok {
		t.Fatalf("unknown project has state")
	}
}

func TestLayeredPutOnColdMemoryKeepsDiskSuccess(t *testing.T) {
	d := openTemp(t)
	if err := NewLayered(d).Put("app", state("good", compile.StatusSucceeded)); err != nil {
		t.Fatalf("put: %v", err)
	}

	l := NewLayered(d)
	if err := l.Put("app", state("bad", compile.StatusFailed, "boom")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if success, ok := l.LastSuccess("app"); !ok || success.Result.Unit != "good" {
		t.Fatalf("failure on a cold layer hid the last success: %+v %v", success.Result, ok)
	}
	if last, ok := l.Get("app"); !ok || last.Result.Unit != "bad" {
		t.Fatalf("last state = %+v %v", last.Result, ok)
	}
}

func TestLayeredWarmNeverOverwritesNewerPut(t *testing.T) {
	d := openTemp(t)
	if err := NewLayered(d).Put("app", state("old", compile.StatusSucceeded)); err != nil {
		t.Fatalf("put: %v", err)
	}

	for i := range 50 {
		l := NewLayered(d)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			l.Get("app")
		}()
		go func() {
			defer wg.Done()
			if err := l.Put("app", state("new", compile.StatusSucceeded)); err != nil {
				t.Errorf("put: %v", err)
			}
		}()
		wg.Wait()
		if last, ok := l.Get("app"); !ok || last.Result.Unit != "new" {
			t.Fatalf("round %d: warm-up replaced the newer state with %+v", i, last.Result)
		}
		// следующий раунд снова начинает со старого состояния на диске
		if err := d.Put("app", state("old", compile.StatusSucceeded)); err != nil {
			t.Fatalf("reset: %v", err)
		}
	}
}

func TestLayeredDropAll(t *testing.T) {
	l := NewLayered(openTemp(t))
	if err := l.Put("app", state("u1", compile.StatusSucceeded)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := l.DropAll(); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, ok := l.LastSuccess("app"); ok {
		t.Fatalf("state survived DropAll")
	}
}

func TestLayeredBacksScheduler(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "app", "main.txt")
	if err := os.MkdirAll(filepath.Dir(src), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(src, []byte("hello\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ws, err := project.NewWorkspace([]project.Project{{Name: "app", Sources: []string{src}, OutputDir: filepath.Join(dir, "out")}})
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	disk := openTemp(t)

	run := func() compile.Result {
		s, err := compile.New(compile.Options{Workspace: ws, Compiler: compiler.Builtin{}, State: NewLayered(disk)})
		if err != nil {
			t.Fatalf("scheduler: %v", err)
		}
		defer func() { _ = s.Close(t.Context()) }()
		h, err := s.Compile(t.Context(), "app", compile.CompileOptions{})
		if err != nil {
			t.Fatalf("compile: %v", err)
		}
		res, err := h.AwaitTimeout(5 * time.Second)
		if err != nil {
			t.Fatalf("await: %v", err)
		}
		return res
	}

	if res := run(); !res.Succeeded() || res.NoOp {
		t.Fatalf("first run: %+v", res)
	}
	// second server instance: unchanged sources are a no-op thanks to disk state
	if res := run(); !res.NoOp {
		t.Fatalf("restart lost the last known state: %+v", res)
	}
}
