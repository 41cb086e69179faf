package diag

import (
	"fmt"

	"fortio.org/safecast"
)

// Position is a 1-based line/column location in a source file.
// Zero values mean "unknown".
type Position struct {
	Line   uint32
	Column uint32
}

// Range covers [Start, End] inside a single file.
type Range struct {
	Start Position
	End   Position
}

// Diagnostic is a single finding reported by a compiler run.
type Diagnostic struct {
	File     string
	Range    Range
	Severity Severity
	Code     string
	Message  string
}

// NewPosition converts int coordinates (as parsed from tool output) into a Position.
func NewPosition(line, column int) (Position, error) {
	l, err := safecast.Conv[uint32](line)
	if err != nil {
		return Position{}, fmt.Errorf("line %d: %w", line, err)
	}
	c, err := safecast.Conv[uint32](column)
	if err != nil {
		return Position{}, fmt.Errorf("column %d: %w", column, err)
	}
	return Position{Line: l, Column: c}, nil
}

// PointRange returns a zero-width range at pos.
func PointRange(pos Position) Range {
	return Range{Start: pos, End: pos}
}

// String renders the diagnostic in the conventional "file:line:col: severity: msg" form.
func (d Diagnostic) String() string {
	loc := d.File
	if loc == "" {
		loc = "<unknown>"
	}
	if d.Range.Start.Line > 0 {
		loc = fmt.Sprintf("%s:%d", loc, d.Range.Start.Line)
		if d.Range.Start.Column > 0 {
			loc = fmt.Sprintf("%s:%d", loc, d.Range.Start.Column)
		}
	}
	msg := d.Message
	if d.Code != "" {
		msg = fmt.Sprintf("%s [%s]", msg, d.Code)
	}
	return fmt.Sprintf("%s: %s: %s", loc, d.Severity.Label(), msg)
}
