package observ

import (
	"strings"
	"testing"
)

func TestTimerReportKeepsPhaseOrder(t *testing.T) {
	tm := NewTimer()
	a := tm.Begin("plan")
	b := tm.Begin("batch 0")
	tm.End(b, "2 units")
	tm.End(a, "")
	tm.End(42, "ignored")

	rep := tm.Report()
	if len(rep.Phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(rep.Phases))
	}
	if rep.Phases[0].Name != "plan" || rep.Phases[1].Note != "2 units" {
		t.Fatalf("unexpected phases: %+v", rep.Phases)
	}
	if rep.WallMS < rep.Phases[1].DurationMS {
		t.Fatalf("wall time %v shorter than a phase %v", rep.WallMS, rep.Phases[1].DurationMS)
	}
	if s := tm.Summary(); !strings.Contains(s, "batch 0") || !strings.Contains(s, "// 2 units") {
		t.Fatalf("summary missing phases:\n%s", s)
	}
}

func TestNilTimerIsInert(t *testing.T) {
	var tm *Timer
	tm.End(tm.Begin("x"), "")
	if len(tm.Report().Phases) != 0 {
		t.Fatalf("nil timer must report nothing")
	}
}
