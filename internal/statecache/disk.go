package statecache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fortio.org/safecast"
	"github.com/vmihailenco/msgpack/v5"

	"buildd/internal/compile"
	"buildd/internal/project"
)

// Current schema version - increment when payload format changes
const schemaVersion uint16 = 1

// ErrCorrupt reports a payload that decoded but does not describe itself
// consistently.
var ErrCorrupt = errors.New("statecache: corrupt payload")

// Disk хранит последнее известное состояние проектов на диске, по файлу на
// проект. Thread-safe for concurrent access.
type Disk struct {
	mu  sync.RWMutex
	dir string
}

// Payload is the on-disk record of one project.
type Payload struct {
	// Schema version for safe invalidation when format changes
	Schema  uint16
	Project string

	// Events in Last, checked on load
	EventCount uint32

	Last    *compile.LastState
	Success *compile.LastState

	Written time.Time
}

// Open returns the disk cache at $XDG_CACHE_HOME/<app> (~/.cache/<app> when
// unset).
func Open(app string) (*Disk, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		base = filepath.Join(home, ".cache")
	}
	return OpenDir(filepath.Join(base, app))
}

// OpenDir returns a disk cache rooted at dir, creating it.
func OpenDir(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Disk{dir: dir}, nil
}

// Dir returns the cache root.
func (c *Disk) Dir() string { return c.dir }

func (c *Disk) pathFor(name string) string {
	key := project.DigestBytes([]byte(name))
	// подкаталог "state", чтобы DropAll не трогал соседей
	return filepath.Join(c.dir, "state", hex.EncodeToString(key[:])+".mp")
}

// Get returns the last terminal state stored for name.
func (c *Disk) Get(name string) (compile.LastState, bool) {
	p, ok, err := c.Load(name)
	if err != nil || !ok || p.Last == nil {
		return compile.LastState{}, false
	}
	return *p.Last, true
}

// LastSuccess returns the last succeeded state stored for name.
func (c *Disk) LastSuccess(name string) (compile.LastState, bool) {
	p, ok, err := c.Load(name)
	if err != nil || !ok || p.Success == nil {
		return compile.LastState{}, false
	}
	return *p.Success, true
}

// Put records st as the last state of name, and as its last success when the
// unit succeeded.
func (c *Disk) Put(name string, st compile.LastState) error {
	if c == nil {
		return nil
	}
	count, err := safecast.Conv[uint32](len(st.Events))
	if err != nil {
		return fmt.Errorf("statecache: %s: %w", name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, _, err := c.load(name)
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return err
	}
	next := &Payload{
		Schema:     schemaVersion,
		Project:    name,
		EventCount: count,
		Last:       &st,
		Success:    prev.Success,
		Written:    time.Now().UTC(),
	}
	if st.Result.Status == compile.StatusSucceeded {
		next.Success = &st
	}
	return c.write(c.pathFor(name), next)
}

func (c *Disk) write(path string, p *Payload) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), "tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := msgpack.NewEncoder(f).Encode(p); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	// Атомарная замена
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Load reads the raw record of name. A record from another schema version
// reads as absent.
func (c *Disk) Load(name string) (Payload, bool, error) {
	if c == nil {
		return Payload{}, false, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.load(name)
}

func (c *Disk) load(name string) (Payload, bool, error) {
	f, err := os.Open(c.pathFor(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Payload{}, false, nil
		}
		return Payload{}, false, err
	}
	defer f.Close()

	var p Payload
	if err := msgpack.NewDecoder(f).Decode(&p); err != nil {
		return Payload{}, false, fmt.Errorf("%w: %s: %w", ErrCorrupt, name, err)
	}
	if p.Schema != schemaVersion {
		return Payload{}, false, nil
	}
	if p.Project != name {
		return Payload{}, false, fmt.Errorf("%w: %s stored under %s", ErrCorrupt, p.Project, name)
	}
	if p.Last != nil && int(p.EventCount) != len(p.Last.Events) {
		return Payload{}, false, fmt.Errorf("%w: %s: %d events, header says %d", ErrCorrupt, name, len(p.Last.Events), p.EventCount)
	}
	return p, true, nil
}

// DropAll invalidates the cache.
func (c *Disk) DropAll() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := filepath.Join(c.dir, "state")
	// переименуем каталог, затем удалим
	old := dir + ".old-" + time.Now().Format("20060102150405.000000000")
	if err := os.Rename(dir, old); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return os.RemoveAll(old)
}
