package compile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"buildd/internal/compiler"
	"buildd/internal/diag"
	"buildd/internal/fingerprint"
	"buildd/internal/trace"
)

// outcome is what a unit body hands back when it ran to completion.
type outcome struct {
	failed    bool
	noOp      bool
	message   string
	artifacts *compiler.Artifacts
}

// work is the body of a unit. It calls begin before emitting anything and
// reports diagnostics through the unit. A non-nil error aborts the unit.
type work func(ctx context.Context, u *Unit) (outcome, error)

// unitParams is everything needed to create a unit.
type unitParams struct {
	fingerprint        fingerprint.Fingerprint
	project            string
	generation         uint64
	previous           *compiler.Artifacts
	cancelOnLastDetach bool
	run                work
	persist            func(LastState) // not called for cancelled units
	terminal           func(*Unit)     // after the unit left the table
	tracer             trace.Tracer
	parentSpan         uint64
}

// Unit is one logical compilation run shared by every caller that attached to
// it. Only the unit's own worker appends events or moves the state.
type Unit struct {
	id                 string
	fp                 fingerprint.Fingerprint
	project            string
	generation         uint64
	previous           *compiler.Artifacts
	created            time.Time
	cancelOnLastDetach bool

	ctx    context.Context
	cancel context.CancelFunc
	bc     *Broadcaster
	done   chan struct{}

	run      work
	persist  func(LastState)
	terminal func(*Unit)
	tracer   trace.Tracer
	parent   uint64 // plan span that created the unit
	span     uint64 // set by the worker before run

	mu       sync.Mutex
	status   Status
	result   Result
	counts   diag.Counts
	attached int // changed only under the table shard lock
}

func newUnit(parent context.Context, p unitParams) *Unit {
	ctx, cancel := context.WithCancel(parent)
	tracer := p.tracer
	if tracer == nil {
		tracer = trace.Nop
	}
	return &Unit{
		id:                 uuid.NewString(),
		fp:                 p.fingerprint,
		project:            p.project,
		generation:         p.generation,
		previous:           p.previous,
		created:            time.Now(),
		cancelOnLastDetach: p.cancelOnLastDetach,
		ctx:                ctx,
		cancel:             cancel,
		bc:                 NewBroadcaster(),
		done:               make(chan struct{}),
		run:                p.run,
		persist:            p.persist,
		terminal:           p.terminal,
		tracer:             tracer,
		parent:             p.parentSpan,
		status:             StatusPending,
	}
}

func (u *Unit) ID() string                           { return u.id }
func (u *Unit) Project() string                      { return u.project }
func (u *Unit) Fingerprint() fingerprint.Fingerprint { return u.fp }
func (u *Unit) Generation() uint64                   { return u.generation }

// Done is closed once the unit is terminal and its result is set.
func (u *Unit) Done() <-chan struct{} { return u.done }

// Status returns the current state.
func (u *Unit) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

// Result returns the terminal result; ok is false while the unit runs.
func (u *Unit) Result() (Result, bool) {
	select {
	case <-u.done:
	default:
		return Result{}, false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.result, true
}

// Subscribe returns a replay-then-live view of the unit's events.
func (u *Unit) Subscribe() *Subscription { return u.bc.Subscribe() }

// Events returns a copy of the events recorded so far.
func (u *Unit) Events() []Event { return u.bc.Events() }

// Attached returns the number of callers currently attached.
func (u *Unit) Attached() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.attached
}

// Abort cancels the underlying compiler invocation. The unit ends Cancelled
// unless it already finished.
func (u *Unit) Abort() { u.cancel() }

func (u *Unit) aborting() bool { return u.ctx.Err() != nil }

// begin moves Pending -> Running and records the start event.
func (u *Unit) begin(description string) {
	u.mu.Lock()
	if err := validateTransition(u.status, StatusRunning); err != nil {
		u.mu.Unlock()
		panic(fmt.Errorf("unit %s (%s): %w", u.id, u.project, err))
	}
	u.status = StatusRunning
	u.mu.Unlock()
	u.emit(Event{Kind: EventStart, Description: description})
}

// Report implements diag.Reporter for the compiler of this unit.
func (u *Unit) Report(d diag.Diagnostic) {
	u.mu.Lock()
	if u.status != StatusRunning {
		u.mu.Unlock()
		return
	}
	u.counts.Add(d)
	u.mu.Unlock()
	u.emit(Event{Kind: EventDiagnostic, Diagnostic: d})
}

func (u *Unit) emit(ev Event) {
	ev.Project = u.project
	ev.Unit = u.id
	if ev, ok := u.bc.Append(ev); ok && u.tracer.Enabled() {
		trace.Point(u.tracer, trace.ScopeEvent, ev.Kind.String(), ev.String(), u.span, u.subject())
	}
}

func (u *Unit) subject() trace.Subject {
	return trace.Subject{Project: u.project, Unit: u.id, Fingerprint: u.fp.Short()}
}

// execute runs the unit body on the unit's worker and drives the unit to its
// terminal state. Order: result, last known state, finish event + state +
// close, table removal.
func (u *Unit) execute(t *Table) {
	defer t.wg.Done()
	span := trace.Begin(u.tracer, trace.ScopeUnit, "unit", u.parent, u.subject())
	u.span = span.ID()

	t.enterWorker(u)
	var (
		out outcome
		err error
	)
	if err = u.ctx.Err(); err == nil {
		out, err = u.run(u.ctx, u)
	}
	if err == nil && u.ctx.Err() != nil {
		err = u.ctx.Err()
	}
	t.leaveWorker(u)

	res := u.resultFor(out, err)
	u.finish(res)
	span.With("status", res.Status.String()).End(res.Message)

	t.release(u)
	if u.terminal != nil {
		u.terminal(u)
	}
	u.cancel()
}

func (u *Unit) resultFor(out outcome, err error) Result {
	u.mu.Lock()
	defer u.mu.Unlock()
	res := Result{
		Project:     u.project,
		Unit:        u.id,
		Fingerprint: u.fp,
		Errors:      u.counts.Errors,
		Warnings:    u.counts.Warnings,
		Artifacts:   u.previous,
		Duration:    time.Since(u.created),
	}
	switch {
	case err != nil:
		res.Status = StatusCancelled
		res.Message = MessageCancelled
	case out.failed || u.counts.Errors > 0:
		res.Status = StatusFailed
		res.Message = out.message
	default:
		res.Status = StatusSucceeded
		res.Message = out.message
		res.NoOp = out.noOp
		if out.artifacts != nil {
			res.Artifacts = out.artifacts
		}
	}
	if res.Message == "" {
		res.Message = res.Status.String()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		res.Message = fmt.Sprintf("%s: %v", MessageCancelled, err)
	}
	return res
}

func (u *Unit) finish(res Result) {
	u.mu.Lock()
	if err := validateTransition(u.status, res.Status); err != nil {
		u.mu.Unlock()
		panic(fmt.Errorf("unit %s (%s): %w", u.id, u.project, err))
	}
	u.mu.Unlock()

	fin := Event{
		Kind:     EventFinish,
		Project:  u.project,
		Unit:     u.id,
		Errors:   res.Errors,
		Warnings: res.Warnings,
		Message:  res.Message,
		Status:   res.Status,
	}
	if u.persist != nil && res.Status != StatusCancelled {
		events := u.bc.Events()
		fin.Seq = len(events)
		u.persist(LastState{Fingerprint: u.fp, Result: res, Events: append(events, fin)})
	}
	u.emit(fin)

	u.mu.Lock()
	u.status = res.Status
	u.result = res
	u.mu.Unlock()
	u.bc.Close()
	close(u.done)
}

func (u *Unit) errorCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts.Errors
}
