package compile

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle is one caller's attachment to the unit of its root project. Its
// timeout and cancellation are local: they never change what other callers
// of the same unit observe.
type Handle struct {
	id       string
	project  string
	table    *Table
	counters *counters
	deadline time.Time

	ready      chan struct{}
	cancelled  chan struct{}
	cancelOnce sync.Once
	stopDriver context.CancelFunc

	mu        sync.Mutex
	stopAfter func() bool // unregisters the caller context hook
	unit      *Unit
	sub       *Subscription
	err       error
	settled   bool
}

func newHandle(name string, table *Table, c *counters, timeout time.Duration, stopDriver context.CancelFunc) *Handle {
	h := &Handle{
		id:         uuid.NewString(),
		project:    name,
		table:      table,
		counters:   c,
		ready:      make(chan struct{}),
		cancelled:  make(chan struct{}),
		stopDriver: stopDriver,
	}
	if timeout > 0 {
		h.deadline = time.Now().Add(timeout)
	}
	return h
}

func (h *Handle) ID() string      { return h.id }
func (h *Handle) Project() string { return h.project }

// Ready is closed once the root unit is attached or the request failed.
func (h *Handle) Ready() <-chan struct{} { return h.ready }

// Unit returns the attached root unit, nil before Ready.
func (h *Handle) Unit() *Unit {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unit
}

// Err returns the request-level error, if the request failed before a unit
// was attached.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) isCancelled() bool {
	select {
	case <-h.cancelled:
		return true
	default:
		return false
	}
}

// attach binds the handle to its root unit. The table already counted the
// attachment.
func (h *Handle) attach(u *Unit) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.settled {
		h.table.Detach(u, false)
		return
	}
	h.settled = true
	if h.isCancelled() {
		h.table.Detach(u, true)
		h.err = ErrCancelled
		close(h.ready)
		return
	}
	h.unit = u
	h.sub = u.Subscribe()
	close(h.ready)
}

func (h *Handle) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.settled {
		return
	}
	h.settled = true
	h.err = err
	close(h.ready)
}

// Cancel detaches this caller. The unit is aborted only when this was its
// last caller and the scheduler policy cancels on last detach.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() {
		close(h.cancelled)
		if h.stopDriver != nil {
			h.stopDriver()
		}
		h.mu.Lock()
		u, sub := h.unit, h.sub
		h.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		if u != nil {
			h.table.Detach(u, true)
		}
	})
}

// Release detaches this caller without aborting anything. The request driver
// and the unit keep running for other callers and the last known state, even
// under cancel-on-last-detach. A caller that gave up after a timeout releases.
func (h *Handle) Release() {
	h.cancelOnce.Do(func() {
		close(h.cancelled)
		h.release()
		h.mu.Lock()
		u, sub := h.unit, h.sub
		if !h.settled {
			// attach later sees settled and detaches non-explicitly
			h.settled = true
			h.err = ErrCancelled
			close(h.ready)
		}
		h.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		if u != nil {
			h.table.Detach(u, false)
		}
	})
}

func (h *Handle) watch(ctx context.Context) {
	stop := context.AfterFunc(ctx, h.Cancel)
	h.mu.Lock()
	h.stopAfter = stop
	h.mu.Unlock()
}

// release drops the caller context hook once the unit is terminal.
func (h *Handle) release() {
	h.mu.Lock()
	stop := h.stopAfter
	h.stopAfter = nil
	h.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (h *Handle) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.deadline.IsZero() {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, h.deadline)
}

func (h *Handle) waitErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		h.counters.timeouts.Add(1)
		return ErrTimedOut
	}
	return ctx.Err()
}

func (h *Handle) waitReady(ctx context.Context) (*Unit, *Subscription, error) {
	if h.isCancelled() {
		return nil, nil, ErrCancelled
	}
	select {
	case <-h.ready:
	case <-h.cancelled:
		return nil, nil, ErrCancelled
	case <-ctx.Done():
		return nil, nil, h.waitErr(ctx)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, nil, h.err
	}
	return h.unit, h.sub, nil
}

// Await blocks until the unit is terminal, the request timeout passes
// (ErrTimedOut) or ctx is done. Timing out leaves the handle attached, so a
// later wait still observes the result.
func (h *Handle) Await(ctx context.Context) (Result, error) {
	ctx, cancel := h.withDeadline(ctx)
	defer cancel()
	return h.await(ctx)
}

// AwaitTimeout waits at most d from now. The request timeout does not apply,
// which is how a caller that timed out waits again.
func (h *Handle) AwaitTimeout(d time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return h.await(ctx)
}

func (h *Handle) await(ctx context.Context) (Result, error) {
	u, _, err := h.waitReady(ctx)
	if err != nil {
		return Result{}, err
	}
	select {
	case <-u.Done():
	case <-h.cancelled:
		return Result{}, ErrCancelled
	case <-ctx.Done():
		return Result{}, h.waitErr(ctx)
	}
	if h.isCancelled() {
		return Result{}, ErrCancelled
	}
	h.release()
	res, _ := u.Result()
	if res.Status == StatusCancelled {
		return res, ErrUnitCancelled
	}
	return res, nil
}

// Next returns the root unit's next event. It returns io.EOF after the
// finish event.
func (h *Handle) Next(ctx context.Context) (Event, error) {
	ctx, cancel := h.withDeadline(ctx)
	defer cancel()
	_, sub, err := h.waitReady(ctx)
	if err != nil {
		return Event{}, err
	}
	ev, err := sub.Next(ctx)
	switch {
	case err == nil:
		return ev, nil
	case errors.Is(err, io.EOF):
		h.release()
		return ev, err
	case errors.Is(err, ErrDetached):
		return Event{}, ErrCancelled
	case ctx.Err() != nil:
		return Event{}, h.waitErr(ctx)
	}
	return Event{}, err
}

// Stream calls fn for every event of the root unit until the finish event.
func (h *Handle) Stream(ctx context.Context, fn func(Event) error) error {
	for {
		ev, err := h.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
