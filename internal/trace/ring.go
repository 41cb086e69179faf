package trace

import "sync"

// Ring keeps the most recent events in memory. A running server answers
// buildd/trace from it, so a slow or stuck unit can be inspected without
// restarting with a stream sink.
type Ring struct {
	mu    sync.Mutex
	buf   []Event
	next  int // write position
	count int
	level Level
}

// NewRing keeps up to capacity events (4096 when capacity <= 0).
func NewRing(capacity int, level Level) *Ring {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Ring{buf: make([]Event, capacity), level: level}
}

func (r *Ring) Emit(ev *Event) {
	if ev.Kind != KindHeartbeat && !r.level.ShouldEmit(ev.Scope) {
		return
	}
	r.mu.Lock()
	r.buf[r.next] = *ev
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// Recent returns the last limit events matching f, oldest first. limit <= 0
// returns every match still in the ring.
func (r *Ring) Recent(f Filter, limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, min(r.count, max(limit, 0)))
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := range r.count {
		ev := &r.buf[(start+i)%len(r.buf)]
		if f.Match(ev) {
			out = append(out, *ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Len is the number of stored events.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *Ring) Flush() error  { return nil }
func (r *Ring) Close() error  { return nil }
func (r *Ring) Level() Level  { return r.level }
func (r *Ring) Enabled() bool { return r.level > LevelOff }
