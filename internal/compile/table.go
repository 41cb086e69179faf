package compile

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"buildd/internal/fingerprint"
)

const tableShards = 32

type tableShard struct {
	mu      sync.Mutex
	units   map[fingerprint.Fingerprint]*Unit
	workers map[fingerprint.Fingerprint]int
}

// Table maps a fingerprint to its live unit. It is the only serialization
// point between callers: AcquireOrAttach and the removal of a terminal unit
// are atomic per fingerprint.
type Table struct {
	shards [tableShards]tableShard
	wg     sync.WaitGroup
}

// NewTable returns an empty table.
func NewTable() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i].units = make(map[fingerprint.Fingerprint]*Unit)
		t.shards[i].workers = make(map[fingerprint.Fingerprint]int)
	}
	return t
}

func (t *Table) shardFor(fp fingerprint.Fingerprint) *tableShard {
	h := fnv.New32a()
	_, _ = h.Write(fp[:])
	return &t.shards[h.Sum32()%tableShards]
}

// AcquireOrAttach returns the live unit for fp, attaching the caller to it.
// When there is none, create is called exactly once, the new unit is
// registered and its worker started. A unit that is being aborted is waited
// out so the caller gets a fresh one.
func (t *Table) AcquireOrAttach(fp fingerprint.Fingerprint, create func() *Unit) (*Unit, bool) {
	sh := t.shardFor(fp)
	for {
		sh.mu.Lock()
		if u, ok := sh.units[fp]; ok && !u.Status().IsTerminal() {
			if u.aborting() {
				sh.mu.Unlock()
				<-u.done
				continue
			}
			u.mu.Lock()
			u.attached++
			u.mu.Unlock()
			sh.mu.Unlock()
			return u, false
		}
		u := create()
		if u.fp != fp {
			sh.mu.Unlock()
			panic(fmt.Errorf("unit %s created for %s under %s", u.id, u.fp.Short(), fp.Short()))
		}
		u.attached = 1
		sh.units[fp] = u
		t.wg.Add(1)
		sh.mu.Unlock()
		go u.execute(t)
		return u, true
	}
}

// Detach removes one caller from u. An explicit detach of the last caller
// aborts the unit when its policy says so. Reports whether it did.
func (t *Table) Detach(u *Unit, explicit bool) bool {
	sh := t.shardFor(u.fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	u.mu.Lock()
	if u.attached > 0 {
		u.attached--
	}
	last := u.attached == 0
	terminal := u.status.IsTerminal()
	u.mu.Unlock()
	if explicit && last && !terminal && u.cancelOnLastDetach {
		u.cancel()
		return true
	}
	return false
}

// Live returns the non-terminal unit for fp, if any.
func (t *Table) Live(fp fingerprint.Fingerprint) (*Unit, bool) {
	sh := t.shardFor(fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	u, ok := sh.units[fp]
	if !ok || u.Status().IsTerminal() {
		return nil, false
	}
	return u, true
}

// Len returns the number of registered units.
func (t *Table) Len() int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		n += len(sh.units)
		sh.mu.Unlock()
	}
	return n
}

// release drops u, but only if the table still holds this very unit.
func (t *Table) release(u *Unit) {
	sh := t.shardFor(u.fp)
	sh.mu.Lock()
	if cur, ok := sh.units[u.fp]; ok && cur == u {
		delete(sh.units, u.fp)
	}
	sh.mu.Unlock()
}

// Два воркера на один fingerprint одновременно — нарушение инварианта, падаем.
func (t *Table) enterWorker(u *Unit) {
	sh := t.shardFor(u.fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.workers[u.fp]++
	if n := sh.workers[u.fp]; n > 1 {
		panic(fmt.Errorf("compile: %d concurrent workers for fingerprint %s (project %s)", n, u.fp.Short(), u.project))
	}
}

func (t *Table) leaveWorker(u *Unit) {
	sh := t.shardFor(u.fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.workers[u.fp]--; sh.workers[u.fp] <= 0 {
		delete(sh.workers, u.fp)
	}
}

// Close aborts every live unit and waits for their workers, or for ctx.
func (t *Table) Close(ctx context.Context) error {
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for _, u := range sh.units {
			u.cancel()
		}
		sh.mu.Unlock()
	}
	waited := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
