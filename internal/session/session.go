// Package session is the capability a client gets from the build server:
// request compilations, follow a project's events and read its last known
// state. Local serves it in-process; internal/bsp serves the same calls over
// a connection.
package session

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"buildd/internal/compile"
)

// ErrClosed is returned by calls on a closed session.
var ErrClosed = errors.New("session: closed")

// Session is one client's view of the scheduler.
type Session interface {
	ID() string
	Compile(ctx context.Context, name string, opts compile.CompileOptions) (*compile.Handle, error)
	Subscribe(name string) (*compile.Subscription, error)
	LastDiagnostics(name string) (compile.LastState, bool, error)
	Close() error
}

// Local is a Session bound directly to a scheduler. Close cancels every
// handle the session still holds.
type Local struct {
	id    string
	sched *compile.Scheduler
	log   *log.Logger

	mu      sync.Mutex
	handles map[string]*compile.Handle
	subs    map[*compile.Subscription]struct{}
	closed  bool
}

var _ Session = (*Local)(nil)

// NewLocal opens a session on sched. A nil logger discards.
func NewLocal(sched *compile.Scheduler, logger *log.Logger) *Local {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	id := uuid.NewString()
	l := &Local{
		id:      id,
		sched:   sched,
		log:     logger.With("session", id),
		handles: make(map[string]*compile.Handle),
		subs:    make(map[*compile.Subscription]struct{}),
	}
	l.log.Debug("session opened")
	return l
}

func (l *Local) ID() string { return l.id }

// Logger returns the session's logger.
func (l *Local) Logger() *log.Logger { return l.log }

// Compile starts or joins the compilation of name. The handle stays
// tracked until its unit is terminal or the session closes.
func (l *Local) Compile(ctx context.Context, name string, opts compile.CompileOptions) (*compile.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	h, err := l.sched.Compile(ctx, name, opts)
	if err != nil {
		l.log.Warn("compile rejected", "project", name, "err", err)
		return nil, err
	}
	l.handles[h.ID()] = h
	l.log.Debug("compile requested", "project", name, "handle", h.ID())
	go l.forget(h)
	return h, nil
}

// forget drops h once it can no longer produce anything.
func (l *Local) forget(h *compile.Handle) {
	<-h.Ready()
	if u := h.Unit(); u != nil {
		<-u.Done()
	}
	l.mu.Lock()
	delete(l.handles, h.ID())
	l.mu.Unlock()
}

// Subscribe follows name's current or last unit.
func (l *Local) Subscribe(name string) (*compile.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	sub, err := l.sched.Subscribe(name)
	if err != nil {
		return nil, err
	}
	l.subs[sub] = struct{}{}
	return sub, nil
}

// LastDiagnostics returns the last known state of name.
func (l *Local) LastDiagnostics(name string) (compile.LastState, bool, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return compile.LastState{}, false, ErrClosed
	}
	return l.sched.LastDiagnostics(name)
}

// Pending returns the number of handles still tracked.
func (l *Local) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

// Close detaches the session from everything it still follows.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	handles := make([]*compile.Handle, 0, len(l.handles))
	for _, h := range l.handles {
		handles = append(handles, h)
	}
	subs := make([]*compile.Subscription, 0, len(l.subs))
	for sub := range l.subs {
		subs = append(subs, sub)
	}
	l.handles = make(map[string]*compile.Handle)
	l.subs = make(map[*compile.Subscription]struct{})
	l.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	for _, sub := range subs {
		sub.Close()
	}
	l.log.Debug("session closed", "cancelled", len(handles))
	return nil
}
