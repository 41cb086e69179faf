// Package testkit holds checks shared by tests of packages that consume
// compile units.
package testkit

import (
	"fmt"

	"buildd/internal/compile"
	"buildd/internal/diag"
)

// CheckEventLog runs the invariants every complete unit log satisfies:
// 1) the first event is the only start and the last is the only finish
// 2) all events belong to one unit and project, with Seq equal to position
// 3) the finish counts match the diagnostic events
func CheckEventLog(events []compile.Event) error {
	if len(events) < 2 {
		return fmt.Errorf("log has %d events, want at least start and finish", len(events))
	}
	first, last := events[0], events[len(events)-1]
	if first.Kind != compile.EventStart {
		return fmt.Errorf("first event is %s, want start", first.Kind)
	}
	if last.Kind != compile.EventFinish {
		return fmt.Errorf("last event is %s, want finish", last.Kind)
	}

	var counts diag.Counts
	for i, ev := range events {
		if ev.Unit != first.Unit || ev.Project != first.Project {
			return fmt.Errorf("event %d belongs to %s/%s, log is %s/%s", i, ev.Project, ev.Unit, first.Project, first.Unit)
		}
		if ev.Seq != i {
			return fmt.Errorf("event %d has seq %d", i, ev.Seq)
		}
		switch {
		case i > 0 && ev.Kind == compile.EventStart:
			return fmt.Errorf("second start at %d", i)
		case i < len(events)-1 && ev.Kind == compile.EventFinish:
			return fmt.Errorf("finish at %d before the end", i)
		case ev.Kind == compile.EventDiagnostic:
			counts.Add(ev.Diagnostic)
		}
	}
	if counts.Errors != last.Errors || counts.Warnings != last.Warnings {
		return fmt.Errorf("finish reports %d errors, %d warnings; log has %d, %d",
			last.Errors, last.Warnings, counts.Errors, counts.Warnings)
	}
	return nil
}

// ByUnit splits an interleaved stream into per-unit logs, keeping the order
// in which units first appear.
func ByUnit(events []compile.Event) [][]compile.Event {
	index := make(map[string]int)
	var out [][]compile.Event
	for _, ev := range events {
		i, ok := index[ev.Unit]
		if !ok {
			i = len(out)
			index[ev.Unit] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], ev)
	}
	return out
}
