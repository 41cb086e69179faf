package compile

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"buildd/internal/compiler"
	"buildd/internal/diag"
	"buildd/internal/observ"
	"buildd/internal/project"
	"buildd/internal/trace"
)

// Options configure a Scheduler. Workspace and Compiler are required.
type Options struct {
	Workspace *project.Workspace
	Compiler  compiler.Compiler
	State     StateStore // default: NewMemoryState()
	Table     *Table     // default: a private table
	Policy    Policy
	Jobs      int // concurrent compiler invocations, default GOMAXPROCS
	Reader    project.SourceReader
	Logger    *log.Logger
	Tracer    trace.Tracer
}

// CompileOptions are per request.
type CompileOptions struct {
	// Timeout bounds how long Await and Next wait, counted from Compile.
	// Zero means no limit. It never affects the unit.
	Timeout time.Duration
	// Progress receives the events of dependency units in log order per
	// unit. Calls are serialized. Root unit events come from the Handle.
	Progress func(Event)
	// Timer, if set, records plan phases.
	Timer *observ.Timer
}

// Scheduler turns compile requests into units, in dependency order.
type Scheduler struct {
	ws        *project.Workspace
	compiler  compiler.Compiler
	state     StateStore
	table     *Table
	ownsTable bool
	policy    Policy
	jobs      *semaphore.Weighted
	read      project.SourceReader
	log       *log.Logger
	tracer    trace.Tracer

	ctx     context.Context
	stop    context.CancelFunc
	drivers sync.WaitGroup

	mu     sync.Mutex
	latest map[string]*Unit
	closed bool

	counters counters
}

// New creates a scheduler. Close releases it.
func New(opts Options) (*Scheduler, error) {
	if opts.Workspace == nil {
		return nil, fmt.Errorf("scheduler: missing workspace")
	}
	if opts.Compiler == nil {
		return nil, fmt.Errorf("scheduler: missing compiler")
	}
	s := &Scheduler{
		ws:       opts.Workspace,
		compiler: opts.Compiler,
		state:    opts.State,
		table:    opts.Table,
		policy:   opts.Policy,
		read:     opts.Reader,
		log:      opts.Logger,
		tracer:   opts.Tracer,
		latest:   make(map[string]*Unit),
	}
	if s.state == nil {
		s.state = NewMemoryState()
	}
	if s.table == nil {
		s.table = NewTable()
		s.ownsTable = true
	}
	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}
	s.jobs = semaphore.NewWeighted(int64(jobs))
	if s.log == nil {
		s.log = log.New(io.Discard)
	}
	if s.tracer == nil {
		s.tracer = trace.Nop
	}
	s.ctx, s.stop = context.WithCancel(context.Background())
	return s, nil
}

// Workspace returns the workspace the scheduler compiles.
func (s *Scheduler) Workspace() *project.Workspace { return s.ws }

// Policy returns the execution policy.
func (s *Scheduler) Policy() Policy { return s.policy }

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	st := s.counters.snapshot()
	st.Live = s.table.Len()
	return st
}

// Compile requests compilation of name and returns at once. Dependencies are
// resolved in the background; the handle becomes Ready when the root unit is
// attached. Cancelling ctx is the same as Handle.Cancel.
func (s *Scheduler) Compile(ctx context.Context, name string, opts CompileOptions) (*Handle, error) {
	if _, ok := s.ws.Project(name); !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownProject, name)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.drivers.Add(1)
	s.mu.Unlock()

	tracer := trace.FromContext(ctx)
	if tracer == trace.Nop {
		tracer = s.tracer
	}
	driveCtx, stopDriver := context.WithCancel(s.ctx)
	driveCtx = trace.WithTracer(driveCtx, tracer)
	driveCtx = trace.WithSpan(driveCtx, trace.SpanFrom(ctx))

	h := newHandle(name, s.table, &s.counters, opts.Timeout, stopDriver)
	h.watch(ctx)
	go s.drive(driveCtx, h, name, opts)
	return h, nil
}

func (s *Scheduler) drive(ctx context.Context, h *Handle, name string, opts CompileOptions) {
	defer s.drivers.Done()
	defer h.stopDriver()

	tracer := trace.FromContext(ctx)
	span := trace.Begin(tracer, trace.ScopePlan, "plan", trace.SpanFrom(ctx), trace.Subject{Project: name})
	ctx = trace.WithSpan(ctx, span.ID())

	u, err := s.resolve(ctx, name, opts)
	if err != nil {
		switch {
		case h.isCancelled():
			err = ErrCancelled
		case s.ctx.Err() != nil:
			err = ErrClosed
		default:
			s.log.Error("compile request failed", "project", name, "handle", h.id, "err", err)
		}
		span.With("error", err.Error()).End("")
		h.fail(err)
		return
	}
	span.Bind(u.ID(), u.Fingerprint().Short()).End("attached")
	h.attach(u)
}

// Subscribe returns the live event stream of the project's running unit or,
// when nothing runs, a replay of its last terminal unit.
func (s *Scheduler) Subscribe(name string) (*Subscription, error) {
	if _, ok := s.ws.Project(name); !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownProject, name)
	}
	s.mu.Lock()
	u := s.latest[name]
	s.mu.Unlock()
	if u != nil && !u.Status().IsTerminal() {
		return u.Subscribe(), nil
	}
	if st, ok := s.state.Get(name); ok {
		return Replay(st.Events), nil
	}
	if u != nil {
		return u.Subscribe(), nil
	}
	return Replay(nil), nil
}

// LastDiagnostics returns the last known state of a project: the event log
// of its most recent succeeded or failed unit.
func (s *Scheduler) LastDiagnostics(name string) (LastState, bool, error) {
	if _, ok := s.ws.Project(name); !ok {
		return LastState{}, false, fmt.Errorf("%w %q", ErrUnknownProject, name)
	}
	st, ok := s.state.Get(name)
	return st, ok, nil
}

// Close stops accepting requests, aborts running units and waits for the
// background work, or for ctx.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stop()
	waited := make(chan struct{})
	go func() {
		s.drivers.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.ownsTable {
		return s.table.Close(ctx)
	}
	return nil
}

// job is the snapshot a unit body compiles.
type job struct {
	project      *project.Project
	sources      []project.SourceSnapshot
	dependencies []compiler.Dependency
	failedDep    string
	previous     LastState
	hasPrevious  bool
}

func (s *Scheduler) work(j *job) work {
	name := j.project.Name
	return func(ctx context.Context, u *Unit) (outcome, error) {
		desc := startDescription(name, len(j.sources))

		if j.hasPrevious && j.previous.Fingerprint == u.Fingerprint() {
			u.begin(desc)
			s.counters.noOps.Add(1)
			return outcome{noOp: true, message: MessageNoOp, artifacts: j.previous.Result.Artifacts}, nil
		}

		if j.failedDep != "" && s.policy.OnDependencyFailure == DependencyFail {
			u.begin(desc)
			diag.ReportError(u, "", diag.Range{}, dependencyFailedDiagnostic(j.failedDep))
			return outcome{failed: true, message: dependencyFailedMessage(j.failedDep)}, nil
		}

		if err := s.jobs.Acquire(ctx, 1); err != nil {
			return outcome{}, err
		}
		defer s.jobs.Release(1)

		u.begin(desc)
		s.counters.compilerRuns.Add(1)
		in := &compiler.Input{
			Project:      j.project,
			Sources:      j.sources,
			Dependencies: j.dependencies,
		}
		if j.hasPrevious {
			in.Previous = j.previous.Result.Artifacts
		}
		out, err := s.compiler.Compile(ctx, in, u)
		if err != nil {
			return outcome{}, err
		}
		if err := ctx.Err(); err != nil {
			return outcome{}, err
		}
		if u.errorCount() > 0 {
			return outcome{failed: true, message: failedMessage(name)}, nil
		}
		return outcome{message: compiledMessage(name), artifacts: out.Artifacts}, nil
	}
}

func (s *Scheduler) persist(name string, st LastState) {
	if err := s.state.Put(name, st); err != nil {
		s.log.Warn("failed to store last known state", "project", name, "unit", st.Result.Unit, "err", err)
	}
}

func (s *Scheduler) unitTerminal(u *Unit) {
	res, _ := u.Result()
	if res.Status == StatusCancelled {
		s.counters.cancellations.Add(1)
	}
	logf := s.log.Info
	if res.Status != StatusSucceeded {
		logf = s.log.Warn
	}
	logf("unit finished",
		"project", res.Project,
		"unit", res.Unit,
		"status", res.Status,
		"errors", res.Errors,
		"warnings", res.Warnings,
		"message", res.Message,
		"duration", res.Duration.Round(time.Millisecond))
}
