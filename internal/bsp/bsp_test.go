package bsp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"buildd/internal/compile"
	"buildd/internal/compiler"
	"buildd/internal/diag"
	"buildd/internal/project"
	"buildd/internal/session"
	"buildd/internal/testkit"
	"buildd/internal/trace"
)

const testWait = 5 * time.Second

func TestJSONRPCFramingMultipleMessages(t *testing.T) {
	var buf bytes.Buffer
	msg1 := []byte(`{"jsonrpc":"2.0","method":"one"}`)
	msg2 := []byte(`{"jsonrpc":"2.0","method":"two"}`)

	if err := writeMessage(&buf, msg1); err != nil {
		t.Fatalf("write message 1: %v", err)
	}
	if err := writeMessage(&buf, msg2); err != nil {
		t.Fatalf("write message 2: %v", err)
	}

	reader := bufio.NewReader(bytes.NewReader(buf.Bytes()))
	got1, err := readMessage(reader)
	if err != nil {
		t.Fatalf("read message 1: %v", err)
	}
	got2, err := readMessage(reader)
	if err != nil {
		t.Fatalf("read message 2: %v", err)
	}
	if string(got1) != string(msg1) || string(got2) != string(msg2) {
		t.Fatalf("unexpected messages: %s / %s", got1, got2)
	}
}

func TestReadMessageRequiresContentLength(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("X-Other: 1\r\n\r\n{}"))
	if _, err := readMessage(r); err == nil {
		t.Fatalf("expected missing Content-Length error")
	}
}

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in, network, address string
	}{
		{"unix:/tmp/b.sock", "unix", "/tmp/b.sock"},
		{"tcp:127.0.0.1:7000", "tcp", "127.0.0.1:7000"},
		{"/run/buildd.sock", "unix", "/run/buildd.sock"},
		{"buildd.sock", "unix", "buildd.sock"},
		{"localhost:7000", "tcp", "localhost:7000"},
	}
	for _, tc := range cases {
		network, address, err := ParseAddress(tc.in)
		if err != nil || network != tc.network || address != tc.address {
			t.Fatalf("ParseAddress(%q) = %q %q %v", tc.in, network, address, err)
		}
	}
	for _, bad := range []string{"", "unix:", "tcp:"} {
		if _, _, err := ParseAddress(bad); err == nil {
			t.Fatalf("ParseAddress(%q) accepted", bad)
		}
	}
}

func TestEventWireRoundTrip(t *testing.T) {
	events := []compile.Event{
		{Kind: compile.EventStart, Project: "app", Unit: "u", Seq: 0, Description: "Compiling app (2 sources)"},
		{Kind: compile.EventDiagnostic, Project: "app", Unit: "u", Seq: 1, Diagnostic: diag.Diagnostic{
			File: "a.txt", Range: diag.Range{Start: diag.Position{Line: 2, Column: 3}, End: diag.Position{Line: 2, Column: 9}},
			Severity: diag.SevWarning, Code: "W1", Message: "careful",
		}},
		{Kind: compile.EventFinish, Project: "app", Unit: "u", Seq: 2, Status: compile.StatusFailed, Errors: 1, Warnings: 1, Message: "compilation failed for app"},
	}
	for _, ev := range events {
		info := EventToWire(ev)
		kind, ok := parseKind(info.Kind)
		if !ok {
			t.Fatalf("kind %q not parsed", info.Kind)
		}
		got, err := EventFromWire(kind, info)
		if err != nil {
			t.Fatalf("from wire: %v", err)
		}
		if !reflect.DeepEqual(got, ev) {
			t.Fatalf("round trip:\n%+v\n%+v", got, ev)
		}
	}
}

// gatedCompiler wraps Builtin and holds runs of one project until release
// is closed.
type gatedCompiler struct {
	hold    string
	release chan struct{}
}

func newGated(hold string) *gatedCompiler {
	return &gatedCompiler{hold: hold, release: make(chan struct{})}
}

func (g *gatedCompiler) Compile(ctx context.Context, in *compiler.Input, r diag.Reporter) (compiler.Output, error) {
	if in.Project.Name == g.hold {
		select {
		case <-g.release:
		case <-ctx.Done():
			return compiler.Output{}, ctx.Err()
		}
	}
	return compiler.Builtin{}.Compile(ctx, in, r)
}

func newWorkspace(t *testing.T) *project.Workspace {
	t.Helper()
	dir := t.TempDir()
	write := func(rel, content string) string {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		return path
	}
	ws, err := project.NewWorkspace([]project.Project{
		{Name: "lib", Sources: []string{write("lib/a.txt", "#warning lib is old\n")}, OutputDir: filepath.Join(dir, "out/lib")},
		{
			Name:         "app",
			Sources:      []string{write("app/a.txt", "main\n"), write("app/b.txt", "#info generated\n")},
			Dependencies: []string{"lib"},
			OutputDir:    filepath.Join(dir, "out/app"),
		},
	})
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	return ws
}

func newScheduler(t *testing.T, ws *project.Workspace, c compiler.Compiler) *compile.Scheduler {
	t.Helper()
	return newSchedulerWithPolicy(t, ws, c, compile.Policy{})
}

func newSchedulerWithPolicy(t *testing.T, ws *project.Workspace, c compiler.Compiler, policy compile.Policy) *compile.Scheduler {
	t.Helper()
	s, err := compile.New(compile.Options{Workspace: ws, Compiler: c, Policy: policy})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testWait)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

type served struct {
	client   *Client
	err      error
	finished chan struct{}
}

func serve(t *testing.T, s *compile.Scheduler) *served {
	t.Helper()
	return serveWith(t, s, ServerOptions{Workspace: s.Workspace(), Version: "test"})
}

func serveWith(t *testing.T, s *compile.Scheduler, opts ServerOptions) *served {
	t.Helper()
	srvConn, cliConn := net.Pipe()
	sv := &served{finished: make(chan struct{})}
	srv := NewServer(srvConn, srvConn, session.NewLocal(s, nil), opts)
	go func() {
		defer close(sv.finished)
		sv.err = srv.Run(context.Background())
		_ = srvConn.Close()
	}()
	sv.client = NewClient(cliConn)
	t.Cleanup(func() {
		_ = sv.client.Close()
		select {
		case <-sv.finished:
		case <-time.After(testWait):
			t.Errorf("server did not stop")
		}
	})
	return sv
}

func initialized(t *testing.T, s *compile.Scheduler) *Client {
	t.Helper()
	c := serve(t, s).client
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	res, err := c.Initialize(ctx, "test-client", "0")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if res.Session == "" || !reflect.DeepEqual(res.Targets, []string{"app", "lib"}) {
		t.Fatalf("initialize result %+v", res)
	}
	return c
}

// recorder collects events delivered on the client reader goroutine.
type recorder struct {
	mu     sync.Mutex
	events []compile.Event
}

func (r *recorder) add(ev compile.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) forProject(name string) []compile.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []compile.Event
	for _, ev := range r.events {
		if ev.Project == name {
			out = append(out, ev)
		}
	}
	return out
}

func TestCompileStreamsEventsAndResult(t *testing.T) {
	s := newScheduler(t, newWorkspace(t), compiler.Builtin{})
	c := initialized(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	var rec recorder
	res, err := c.Compile(ctx, []string{"app"}, 0, rec.add)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if res.StatusCode != StatusOK || len(res.Results) != 1 {
		t.Fatalf("result %+v", res)
	}
	r := res.Results[0]
	if r.Target != "app" || r.Status != "succeeded" || r.Unit == "" || r.Error != "" {
		t.Fatalf("target result %+v", r)
	}

	app := rec.forProject("app")
	if len(app) != 3 || app[0].Description != "Compiling app (2 sources)" || app[1].Diagnostic.Message != "generated" {
		t.Fatalf("app events %v", app)
	}
	if lib := rec.forProject("lib"); len(lib) != 3 || lib[1].Diagnostic.Severity != diag.SevWarning {
		t.Fatalf("dependency events not forwarded: %v", lib)
	}
	rec.mu.Lock()
	for _, log := range testkit.ByUnit(rec.events) {
		if err := testkit.CheckEventLog(log); err != nil {
			t.Fatalf("streamed log of %s: %v", log[0].Project, err)
		}
	}
	rec.mu.Unlock()

	last, err := c.LastDiagnostics(ctx, "app")
	if err != nil || !last.Known || last.Result.Unit != r.Unit {
		t.Fatalf("last diagnostics %+v %v", last, err)
	}
	replayed, err := last.CompileEvents()
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !reflect.DeepEqual(replayed, app) {
		t.Fatalf("replay differs from stream:\n%v\n%v", replayed, app)
	}

	targets, err := c.List(ctx)
	if err != nil || len(targets) != 2 || targets[0].Name != "app" || targets[0].Sources != 2 {
		t.Fatalf("list %+v %v", targets, err)
	}

	// unchanged: the second request is a no-op
	res, err = c.Compile(ctx, []string{"app"}, 0, nil)
	if err != nil || !res.Results[0].NoOp || res.Results[0].Message != "no-op compilation" {
		t.Fatalf("second compile %+v %v", res, err)
	}
}

func TestRequestsBeforeInitializeAreRejected(t *testing.T) {
	s := newScheduler(t, newWorkspace(t), compiler.Builtin{})
	c := serve(t, s).client
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	_, err := c.Compile(ctx, []string{"app"}, 0, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != codeNotInitialized {
		t.Fatalf("expected not-initialized error, got %v", err)
	}
}

func TestUnknownTargetAndBadParams(t *testing.T) {
	s := newScheduler(t, newWorkspace(t), compiler.Builtin{})
	c := initialized(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	res, err := c.Compile(ctx, []string{"nope", "lib"}, 0, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if res.StatusCode != StatusError || res.Results[0].Error == "" || res.Results[1].Status != "succeeded" {
		t.Fatalf("result %+v", res)
	}

	var rpcErr *RPCError
	if _, err := c.Compile(ctx, nil, 0, nil); !errors.As(err, &rpcErr) || rpcErr.Code != codeInvalidParams {
		t.Fatalf("empty targets: %v", err)
	}
	if _, err := c.LastDiagnostics(ctx, "nope"); !errors.As(err, &rpcErr) || rpcErr.Code != codeInvalidParams {
		t.Fatalf("unknown target diagnostics: %v", err)
	}
	last, err := c.LastDiagnostics(ctx, "app")
	if err != nil || last.Known {
		t.Fatalf("never compiled target: %+v %v", last, err)
	}
}

func TestTwoClientsShareOneUnit(t *testing.T) {
	gc := newGated("lib")
	s := newScheduler(t, newWorkspace(t), gc)
	a, b := initialized(t, s), initialized(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	type outcome struct {
		res CompileResult
		err error
	}
	results := make(chan outcome, 2)
	for _, c := range []*Client{a, b} {
		go func() {
			res, err := c.Compile(ctx, []string{"lib"}, 0, nil)
			results <- outcome{res, err}
		}()
	}
	waitFor(t, func() bool { return s.Stats().Attaches >= 1 })
	close(gc.release)

	first, second := <-results, <-results
	if first.err != nil || second.err != nil {
		t.Fatalf("compile errors: %v %v", first.err, second.err)
	}
	if first.res.Results[0].Unit != second.res.Results[0].Unit {
		t.Fatalf("clients got different units")
	}
}

func TestTimeoutIsReportedPerRequest(t *testing.T) {
	gc := newGated("lib")
	s := newScheduler(t, newWorkspace(t), gc)
	c := initialized(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	res, err := c.Compile(ctx, []string{"lib"}, 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	r := res.Results[0]
	if res.StatusCode != StatusError || !strings.Contains(r.Error, "timed out") {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if s.Stats().Timeouts == 0 {
		t.Fatalf("timeout not counted")
	}
	close(gc.release)
}

func TestTimeoutKeepsUnitUnderCancelOnLastDetach(t *testing.T) {
	gc := newGated("lib")
	s := newSchedulerWithPolicy(t, newWorkspace(t), gc, compile.Policy{CancelOnLastDetach: true})
	c := initialized(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	res, err := c.Compile(ctx, []string{"lib"}, 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if r := res.Results[0]; !strings.Contains(r.Error, "timed out") {
		t.Fatalf("expected a timeout, got %+v", r)
	}

	close(gc.release)
	deadline := time.Now().Add(testWait)
	for {
		st, ok, err := s.LastDiagnostics("lib")
		if err != nil {
			t.Fatalf("last diagnostics: %v", err)
		}
		if ok {
			if st.Result.Status != compile.StatusSucceeded {
				t.Fatalf("unit ended %s after a caller timeout", st.Result.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("unit never finished after a caller timeout")
		}
		time.Sleep(time.Millisecond)
	}
	if stats := s.Stats(); stats.Cancellations != 0 || stats.Timeouts == 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestTraceServesUnitSpans(t *testing.T) {
	ring := trace.NewRing(512, trace.LevelDetail)
	s, err := compile.New(compile.Options{Workspace: newWorkspace(t), Compiler: compiler.Builtin{}, Tracer: ring})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	c := serveWith(t, s, ServerOptions{Workspace: s.Workspace(), Version: "test", Trace: ring}).client
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	if _, err := c.Initialize(ctx, "test", "0"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	res, err := c.Compile(ctx, []string{"app"}, 0, nil)
	if err != nil || res.StatusCode != StatusOK {
		t.Fatalf("compile: %+v %v", res, err)
	}
	unit := res.Results[0].Unit

	var got TraceResult
	deadline := time.Now().Add(testWait)
	for {
		got, err = c.Trace(ctx, TraceParams{Target: "app"})
		if err != nil {
			t.Fatalf("trace: %v", err)
		}
		if hasUnitEnd(got.Events, unit) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("unit span of %s never served: %+v", unit, got)
		}
		time.Sleep(time.Millisecond)
	}
	if !got.Enabled {
		t.Fatalf("trace reported disabled")
	}
	for _, ev := range got.Events {
		if ev.Project != "app" {
			t.Fatalf("filter leaked %+v", ev)
		}
	}
	if last, _ := c.Trace(ctx, TraceParams{Unit: unit, Limit: 1}); len(last.Events) != 1 || last.Events[0].Unit != unit {
		t.Fatalf("unit filter with limit = %+v", last)
	}
	if _, err := c.Trace(ctx, TraceParams{Target: "nope"}); err == nil {
		t.Fatalf("unknown target accepted")
	}
}

func hasUnitEnd(events []trace.Event, unit string) bool {
	for _, ev := range events {
		if ev.Scope == trace.ScopeUnit && ev.Kind == trace.KindEnd && ev.Unit == unit {
			return true
		}
	}
	return false
}

func TestTraceWithoutRingIsDisabled(t *testing.T) {
	c := initialized(t, newScheduler(t, newWorkspace(t), compiler.Builtin{}))
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	got, err := c.Trace(ctx, TraceParams{})
	if err != nil || got.Enabled || got.Events == nil || len(got.Events) != 0 {
		t.Fatalf("trace without ring = %+v %v", got, err)
	}
}

func TestShutdownThenExit(t *testing.T) {
	s := newScheduler(t, newWorkspace(t), compiler.Builtin{})
	sv := serve(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	if _, err := sv.client.Initialize(ctx, "test", "0"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := sv.client.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-sv.finished:
	case <-time.After(testWait):
		t.Fatalf("server kept running after exit")
	}
	if !errors.Is(sv.err, ErrExit) {
		t.Fatalf("run returned %v", sv.err)
	}
}

func TestServeOverTCP(t *testing.T) {
	s := newScheduler(t, newWorkspace(t), compiler.Builtin{})
	ln, err := Listen("tcp:127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- Serve(ctx, ln, s, ServerOptions{Workspace: s.Workspace()}) }()

	dctx, dcancel := context.WithTimeout(context.Background(), testWait)
	defer dcancel()
	c, err := Dial(dctx, "tcp:"+ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := c.Initialize(dctx, "test", "0"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	res, err := c.Compile(dctx, []string{"app"}, 0, nil)
	if err != nil || res.StatusCode != StatusOK {
		t.Fatalf("compile: %+v %v", res, err)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(testWait):
		t.Fatalf("serve did not stop")
	}
	if _, err := c.List(dctx); err == nil {
		t.Fatalf("connection survived server stop")
	}
	_ = c.Close()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}
