package statecache

import (
	"sync"

	"buildd/internal/compile"
)

// Layered serves reads from memory and writes through to disk, so a
// restarted server still knows the last state of every project.
type Layered struct {
	// mu orders disk warm-ups against Put, so a warm-up never replaces a
	// newer terminal state with what disk held before it.
	mu   sync.Mutex
	mem  *compile.MemoryState
	disk *Disk
}

var _ compile.StateStore = (*Layered)(nil)

// NewLayered puts an in-memory layer over disk.
func NewLayered(disk *Disk) *Layered {
	return &Layered{mem: compile.NewMemoryState(), disk: disk}
}

// Disk returns the backing store.
func (l *Layered) Disk() *Disk { return l.disk }

func (l *Layered) Get(name string) (compile.LastState, bool) {
	if st, ok := l.mem.Get(name); ok {
		return st, true
	}
	if !l.warm(name) {
		return compile.LastState{}, false
	}
	return l.mem.Get(name)
}

func (l *Layered) LastSuccess(name string) (compile.LastState, bool) {
	if st, ok := l.mem.LastSuccess(name); ok {
		return st, true
	}
	if _, ok := l.mem.Get(name); ok {
		// память уже знает проект, а успеха не было
		return compile.LastState{}, false
	}
	if !l.warm(name) {
		return compile.LastState{}, false
	}
	return l.mem.LastSuccess(name)
}

// Put writes to memory first; the disk error is returned but the memory
// layer stays authoritative.
func (l *Layered) Put(name string, st compile.LastState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.mem.Get(name); !ok {
		// память холодная: сначала подтянуть прошлый успех с диска
		l.warmLocked(name)
	}
	if err := l.mem.Put(name, st); err != nil {
		return err
	}
	return l.disk.Put(name, st)
}

// DropAll forgets both layers.
func (l *Layered) DropAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mem.Drop()
	return l.disk.DropAll()
}

// warm fills memory from disk for a project memory does not know yet.
func (l *Layered) warm(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.mem.Get(name); ok {
		// Put успел раньше: память новее диска
		return true
	}
	return l.warmLocked(name)
}

func (l *Layered) warmLocked(name string) bool {
	p, ok, err := l.disk.Load(name)
	if err != nil || !ok {
		return false
	}
	if p.Success != nil {
		_ = l.mem.Put(name, *p.Success)
	}
	if p.Last != nil && (p.Success == nil || p.Last.Result.Unit != p.Success.Result.Unit) {
		_ = l.mem.Put(name, *p.Last)
	}
	return p.Last != nil || p.Success != nil
}
