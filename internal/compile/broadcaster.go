package compile

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
)

// ErrDetached is returned by Subscription.Next after Close.
var ErrDetached = errors.New("subscription detached")

// Broadcaster is the ordered event log of one unit. Append delivers to every
// attached subscription in registration order; Subscribe replays the log
// before any live event. Append never waits for a subscriber.
type Broadcaster struct {
	mu     sync.Mutex
	log    []Event
	subs   []*Subscription
	closed bool
}

// NewBroadcaster returns an empty open log.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Append stamps ev with its position, records it and delivers it. It returns
// false when the log is already closed; the event is dropped then.
func (b *Broadcaster) Append(ev Event) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ev, false
	}
	ev.Seq = len(b.log)
	b.log = append(b.log, ev)
	for _, s := range b.subs {
		s.push(ev)
	}
	return ev, true
}

// Subscribe attaches a new subscription that first sees every recorded event.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := newSubscription(b, slices.Clone(b.log))
	if b.closed {
		s.closed = true
		return s
	}
	b.subs = append(b.subs, s)
	return s
}

// Close marks the log complete. Subscriptions drain what they hold and then
// return io.EOF.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		s.finish()
	}
	b.subs = nil
}

// Events returns a copy of the log.
func (b *Broadcaster) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.log)
}

// Len returns the number of recorded events.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.log)
}

// Subscribers returns the number of attached live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.subs {
		if cur == s {
			b.subs = slices.Delete(b.subs, i, i+1)
			return
		}
	}
}

// Subscription is one subscriber's view of a unit log. It owns an unbounded
// queue, so a slow reader never holds up the unit or other readers.
type Subscription struct {
	b      *Broadcaster
	notify chan struct{}

	mu       sync.Mutex
	queue    []Event
	closed   bool // no more events will arrive
	detached bool
}

func newSubscription(b *Broadcaster, replay []Event) *Subscription {
	return &Subscription{
		b:      b,
		notify: make(chan struct{}, 1),
		queue:  replay,
	}
}

// Replay returns a closed subscription over a fixed list of events.
func Replay(events []Event) *Subscription {
	s := newSubscription(nil, slices.Clone(events))
	s.closed = true
	return s
}

// push runs under the broadcaster lock.
func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the next event in log order. It returns io.EOF once the log
// is closed and fully consumed, ErrDetached after Close, or ctx's error.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if s.detached {
			s.mu.Unlock()
			return Event{}, ErrDetached
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Event{}, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Close unregisters the subscription. Pending events are discarded.
func (s *Subscription) Close() {
	if s.b != nil {
		s.b.remove(s)
	}
	s.mu.Lock()
	s.detached = true
	s.queue = nil
	s.mu.Unlock()
	s.signal()
}
