package compile

import (
	"sync"
	"time"

	"buildd/internal/compiler"
	"buildd/internal/fingerprint"
)

// Result is the terminal value of a unit, shared by every attached caller.
type Result struct {
	Project     string
	Unit        string
	Fingerprint fingerprint.Fingerprint
	Status      Status
	Errors      int
	Warnings    int
	NoOp        bool
	Message     string
	// Artifacts of this run, or the previous successful ones when the run
	// was a no-op, failed or was cancelled.
	Artifacts *compiler.Artifacts
	Duration  time.Duration
}

// Succeeded is a shortcut for Status == StatusSucceeded.
func (r Result) Succeeded() bool { return r.Status == StatusSucceeded }

// LastState is what a project remembers about its most recent terminal unit.
type LastState struct {
	Fingerprint fingerprint.Fingerprint
	Result      Result
	Events      []Event
}

// StateStore keeps the last known state of every project. Put is called
// exactly once per terminal unit, by that unit, before it leaves the table.
type StateStore interface {
	// Get returns the last terminal state (succeeded or failed).
	Get(project string) (LastState, bool)
	// LastSuccess returns the last succeeded state.
	LastSuccess(project string) (LastState, bool)
	Put(project string, st LastState) error
}

type stateEntry struct {
	last    *LastState
	success *LastState
}

// MemoryState is the in-process StateStore.
type MemoryState struct {
	mu        sync.RWMutex
	byProject map[string]stateEntry
}

// NewMemoryState returns an empty store.
func NewMemoryState() *MemoryState {
	return &MemoryState{byProject: make(map[string]stateEntry)}
}

func (m *MemoryState) Get(project string) (LastState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec := m.byProject[project]
	if rec.last == nil {
		return LastState{}, false
	}
	return *rec.last, true
}

func (m *MemoryState) LastSuccess(project string) (LastState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec := m.byProject[project]
	if rec.success == nil {
		return LastState{}, false
	}
	return *rec.success, true
}

func (m *MemoryState) Put(project string, st LastState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.byProject[project]
	cp := st
	rec.last = &cp
	if st.Result.Status == StatusSucceeded {
		rec.success = &cp
	}
	m.byProject[project] = rec
	return nil
}

// Drop forgets everything.
func (m *MemoryState) Drop() {
	m.mu.Lock()
	m.byProject = make(map[string]stateEntry)
	m.mu.Unlock()
}
