package compile

import (
	"fmt"

	"buildd/internal/diag"
)

// EventKind tells which fields of an Event are meaningful.
type EventKind uint8

const (
	EventStart EventKind = iota + 1
	EventDiagnostic
	EventFinish
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventDiagnostic:
		return "diagnostic"
	case EventFinish:
		return "finish"
	}
	return "unknown"
}

// Event is one entry of a unit's log. Events are immutable once appended and
// Seq is their position in the log.
type Event struct {
	Kind    EventKind
	Project string
	Unit    string
	Seq     int

	// start
	Description string

	// diagnostic
	Diagnostic diag.Diagnostic

	// finish
	Errors   int
	Warnings int
	Message  string
	Status   Status
}

func (e Event) String() string {
	switch e.Kind {
	case EventStart:
		return e.Description
	case EventDiagnostic:
		return e.Diagnostic.String()
	case EventFinish:
		return fmt.Sprintf("%s (%d errors, %d warnings)", e.Message, e.Errors, e.Warnings)
	}
	return "unknown event"
}

// Finish messages.
const (
	MessageNoOp      = "no-op compilation"
	MessageCancelled = "compilation cancelled"
)

func startDescription(name string, sources int) string {
	if sources == 1 {
		return fmt.Sprintf("Compiling %s (1 source)", name)
	}
	return fmt.Sprintf("Compiling %s (%d sources)", name, sources)
}

func compiledMessage(name string) string { return "compiled " + name }

func failedMessage(name string) string { return "compilation failed for " + name }

func dependencyFailedMessage(dep string) string { return "dependency " + dep + " failed" }

func dependencyFailedDiagnostic(dep string) string {
	return fmt.Sprintf("dependency module %q has errors", dep)
}
