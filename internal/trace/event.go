package trace

import (
	"fmt"
	"time"
)

// Kind is the type of a trace event.
type Kind uint8

const (
	KindBegin Kind = iota + 1 // span opened
	KindEnd                   // span closed, Elapsed is set
	KindPoint                 // instant event
	KindHeartbeat
)

var kindNames = [...]string{KindBegin: "begin", KindEnd: "end", KindPoint: "point", KindHeartbeat: "heartbeat"}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return "unknown"
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	for i, name := range kindNames {
		if name != "" && name == string(b) {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown trace kind %q", b)
}

// Scope is the granularity of an event; lower values are coarser.
type Scope uint8

const (
	ScopeServer Scope = iota + 1 // server lifetime, heartbeats
	ScopePlan                    // dependency resolution of one request
	ScopeUnit                    // one compile unit run
	ScopeEvent                   // single unit events
)

var scopeNames = [...]string{ScopeServer: "server", ScopePlan: "plan", ScopeUnit: "unit", ScopeEvent: "event"}

func (s Scope) String() string {
	if int(s) < len(scopeNames) && scopeNames[s] != "" {
		return scopeNames[s]
	}
	return "unknown"
}

func (s Scope) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Scope) UnmarshalText(b []byte) error {
	for i, name := range scopeNames {
		if name != "" && name == string(b) {
			*s = Scope(i)
			return nil
		}
	}
	return fmt.Errorf("unknown trace scope %q", b)
}

// Subject ties an event to the build it belongs to. Fields stay empty when
// not known yet, e.g. a plan span before its unit is attached.
type Subject struct {
	Project     string `json:"project,omitempty"`
	Unit        string `json:"unit,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"` // short form
}

// Event is one trace record. It is also the wire form served by buildd/trace.
type Event struct {
	Time     time.Time `json:"time"`
	Seq      uint64    `json:"seq"`
	Kind     Kind      `json:"kind"`
	Scope    Scope     `json:"scope"`
	SpanID   uint64    `json:"span_id,omitempty"`
	ParentID uint64    `json:"parent_id,omitempty"`
	Name     string    `json:"name"`
	Subject
	Detail  string            `json:"detail,omitempty"`
	Elapsed time.Duration     `json:"elapsed_ns,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// Filter selects events by subject; empty fields match everything.
type Filter struct {
	Project string
	Unit    string
}

func (f Filter) Match(ev *Event) bool {
	if f.Project != "" && ev.Project != f.Project {
		return false
	}
	if f.Unit != "" && ev.Unit != f.Unit {
		return false
	}
	return true
}
