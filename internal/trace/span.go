package trace

import (
	"maps"
	"sync/atomic"
	"time"
)

var (
	lastSeq  atomic.Uint64
	lastSpan atomic.Uint64
)

// NextSeq returns a process-wide increasing sequence number.
func NextSeq() uint64 { return lastSeq.Add(1) }

// Span is one open operation: a plan resolution or a unit run.
type Span struct {
	tracer  Tracer
	id      uint64
	parent  uint64
	scope   Scope
	name    string
	subject Subject
	started time.Time
	extra   map[string]string
}

// Begin opens a span under parent (0 for a root span). A disabled tracer or a
// scope above the level yields an inert span with ID 0.
func Begin(t Tracer, scope Scope, name string, parent uint64, subject Subject) *Span {
	if t == nil || !t.Enabled() || !t.Level().ShouldEmit(scope) {
		return &Span{}
	}
	s := &Span{
		tracer:  t,
		id:      lastSpan.Add(1),
		parent:  parent,
		scope:   scope,
		name:    name,
		subject: subject,
		started: time.Now(),
	}
	t.Emit(s.event(KindBegin, s.started, ""))
	return s
}

func (s *Span) live() bool { return s != nil && s.tracer != nil }

// Bind records the unit a span ended up with; the end event carries it.
func (s *Span) Bind(unit, fingerprint string) *Span {
	if s.live() {
		s.subject.Unit = unit
		s.subject.Fingerprint = fingerprint
	}
	return s
}

// With adds a key to the end event.
func (s *Span) With(key, value string) *Span {
	if !s.live() {
		return s
	}
	if s.extra == nil {
		s.extra = make(map[string]string, 2)
	}
	s.extra[key] = value
	return s
}

// End closes the span and returns its duration. Calling End twice emits twice.
func (s *Span) End(detail string) time.Duration {
	if !s.live() {
		return 0
	}
	now := time.Now()
	ev := s.event(KindEnd, now, detail)
	ev.Elapsed = now.Sub(s.started)
	ev.Extra = maps.Clone(s.extra)
	s.tracer.Emit(ev)
	return ev.Elapsed
}

// ID is 0 for an inert span.
func (s *Span) ID() uint64 {
	if s == nil {
		return 0
	}
	return s.id
}

func (s *Span) event(kind Kind, at time.Time, detail string) *Event {
	return &Event{
		Time:     at,
		Seq:      NextSeq(),
		Kind:     kind,
		Scope:    s.scope,
		SpanID:   s.id,
		ParentID: s.parent,
		Name:     s.name,
		Subject:  s.subject,
		Detail:   detail,
	}
}

// Point emits an instant event under parent.
func Point(t Tracer, scope Scope, name, detail string, parent uint64, subject Subject) {
	if t == nil || !t.Enabled() || !t.Level().ShouldEmit(scope) {
		return
	}
	t.Emit(&Event{
		Time:     time.Now(),
		Seq:      NextSeq(),
		Kind:     KindPoint,
		Scope:    scope,
		ParentID: parent,
		Name:     name,
		Subject:  subject,
		Detail:   detail,
	})
}
