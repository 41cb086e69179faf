package diag

// Reporter — минимальный контракт получения диагностик от компилятора.
// Реализации: BagReporter (кладёт в Bag), ReporterFunc, DedupReporter.
type Reporter interface {
	Report(d Diagnostic)
}

// ReporterFunc adapts a plain function to Reporter.
type ReporterFunc func(d Diagnostic)

func (f ReporterFunc) Report(d Diagnostic) {
	if f == nil {
		return
	}
	f(d)
}

// BagReporter — адаптер, который пишет в *Bag.
type BagReporter struct{ Bag *Bag }

func (r BagReporter) Report(d Diagnostic) {
	if r.Bag == nil {
		return
	}
	r.Bag.Add(d)
}

// ReportError is a shortcut for SevError diagnostics.
func ReportError(r Reporter, file string, rng Range, msg string) {
	if r == nil {
		return
	}
	r.Report(Diagnostic{File: file, Range: rng, Severity: SevError, Message: msg})
}

// ReportWarning is a shortcut for SevWarning diagnostics.
func ReportWarning(r Reporter, file string, rng Range, msg string) {
	if r == nil {
		return
	}
	r.Report(Diagnostic{File: file, Range: rng, Severity: SevWarning, Message: msg})
}

// Counts aggregates diagnostics by severity.
type Counts struct {
	Errors   int
	Warnings int
	Infos    int
}

// Add counts d.
func (c *Counts) Add(d Diagnostic) {
	switch d.Severity {
	case SevError:
		c.Errors++
	case SevWarning:
		c.Warnings++
	default:
		c.Infos++
	}
}
