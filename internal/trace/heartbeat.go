package trace

import (
	"sync"
	"time"
)

// Heartbeat emits a server-scope event every interval with the scheduler
// state in its detail. A unit that stays in "live" across many beats without
// a matching unit end is a stuck compiler invocation.
type Heartbeat struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// StartHeartbeat returns nil when t is disabled or interval <= 0; Stop on a
// nil Heartbeat is fine.
func StartHeartbeat(t Tracer, interval time.Duration, status func() string) *Heartbeat {
	if t == nil || !t.Enabled() || interval <= 0 {
		return nil
	}
	h := &Heartbeat{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case now := <-ticker.C:
				detail := ""
				if status != nil {
					detail = status()
				}
				t.Emit(&Event{Time: now, Seq: NextSeq(), Kind: KindHeartbeat, Scope: ScopeServer, Name: "heartbeat", Detail: detail})
			}
		}
	}()
	return h
}

// Stop ends the heartbeat and waits for its goroutine.
func (h *Heartbeat) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() { close(h.stop) })
	<-h.done
}
