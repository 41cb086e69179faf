package diag

import "testing"

func TestBagLimitAndCounts(t *testing.T) {
	bag := NewBag(2)
	if !bag.Add(Diagnostic{File: "a.txt", Severity: SevWarning, Message: "w"}) {
		t.Fatal("first add rejected")
	}
	if !bag.Add(Diagnostic{File: "a.txt", Severity: SevError, Message: "e"}) {
		t.Fatal("second add rejected")
	}
	if bag.Add(Diagnostic{File: "a.txt", Severity: SevError, Message: "dropped"}) {
		t.Fatal("expected limit to reject third diagnostic")
	}
	if bag.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", bag.Dropped())
	}
	counts := bag.Counts()
	if counts.Errors != 1 || counts.Warnings != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if !bag.HasErrors() {
		t.Fatal("expected HasErrors")
	}
}

func TestBagSortIsDeterministic(t *testing.T) {
	bag := NewBag(0)
	bag.Add(Diagnostic{File: "b.txt", Range: PointRange(Position{Line: 1}), Severity: SevWarning, Message: "b"})
	bag.Add(Diagnostic{File: "a.txt", Range: PointRange(Position{Line: 3}), Severity: SevWarning, Message: "late"})
	bag.Add(Diagnostic{File: "a.txt", Range: PointRange(Position{Line: 3}), Severity: SevError, Message: "err"})
	bag.Add(Diagnostic{File: "a.txt", Range: PointRange(Position{Line: 1}), Severity: SevInfo, Message: "first"})
	bag.Sort()

	got := make([]string, 0, bag.Len())
	for _, d := range bag.Items() {
		got = append(got, d.Message)
	}
	want := []string{"first", "err", "late", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestDedupReporterSuppressesRepeats(t *testing.T) {
	bag := NewBag(0)
	r := NewDedupReporter(BagReporter{Bag: bag})
	d := Diagnostic{File: "x.txt", Range: PointRange(Position{Line: 2, Column: 4}), Severity: SevError, Message: "boom"}
	r.Report(d)
	r.Report(d)
	d.Message = "other"
	r.Report(d)
	if bag.Len() != 2 {
		t.Fatalf("bag len = %d, want 2", bag.Len())
	}
}

func TestParseSeverity(t *testing.T) {
	cases := map[string]Severity{
		"error":   SevError,
		"Warning": SevWarning,
		"warn":    SevWarning,
		"note":    SevInfo,
	}
	for in, want := range cases {
		got, err := ParseSeverity(in)
		if err != nil {
			t.Fatalf("ParseSeverity(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseSeverity(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseSeverity("panic"); err == nil {
		t.Fatal("expected error for unknown severity")
	}
}

func TestDiagnosticString(t *testing.T) {
	pos, err := NewPosition(12, 5)
	if err != nil {
		t.Fatalf("NewPosition: %v", err)
	}
	d := Diagnostic{File: "src/a.txt", Range: PointRange(pos), Severity: SevError, Message: "boom"}
	if got, want := d.String(), "src/a.txt:12:5: error: boom"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if _, err := NewPosition(-1, 0); err == nil {
		t.Fatal("expected negative line to be rejected")
	}
}
