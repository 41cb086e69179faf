package diagfmt

import (
	"encoding/json"
	"io"

	"buildd/internal/diag"
)

// LocationJSON is the position part of DiagnosticJSON.
type LocationJSON struct {
	File      string `json:"file"`
	StartLine uint32 `json:"start_line,omitempty"`
	StartCol  uint32 `json:"start_col,omitempty"`
	EndLine   uint32 `json:"end_line,omitempty"`
	EndCol    uint32 `json:"end_col,omitempty"`
}

// DiagnosticJSON is one diagnostic in machine-readable output.
type DiagnosticJSON struct {
	Severity string       `json:"severity"`
	Code     string       `json:"code,omitempty"`
	Message  string       `json:"message"`
	Location LocationJSON `json:"location"`
}

// DiagnosticsOutput is the top-level JSON document for one project.
type DiagnosticsOutput struct {
	Project     string           `json:"project,omitempty"`
	Status      string           `json:"status,omitempty"`
	Errors      int              `json:"errors"`
	Warnings    int              `json:"warnings"`
	Diagnostics []DiagnosticJSON `json:"diagnostics"`
	Truncated   int              `json:"truncated,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// BuildDiagnosticsOutput converts items; counts cover every item even when
// Max truncates the list.
func BuildDiagnosticsOutput(items []diag.Diagnostic, opts JSONOpts) DiagnosticsOutput {
	out := DiagnosticsOutput{Diagnostics: make([]DiagnosticJSON, 0, len(items))}
	for i, d := range items {
		switch d.Severity {
		case diag.SevError:
			out.Errors++
		case diag.SevWarning:
			out.Warnings++
		}
		if opts.Max > 0 && i >= opts.Max {
			out.Truncated++
			continue
		}
		out.Diagnostics = append(out.Diagnostics, DiagnosticJSON{
			Severity: d.Severity.Label(),
			Code:     d.Code,
			Message:  d.Message,
			Location: LocationJSON{
				File:      displayPath(d.File, opts.PathMode, opts.Root),
				StartLine: d.Range.Start.Line,
				StartCol:  d.Range.Start.Column,
				EndLine:   d.Range.End.Line,
				EndCol:    d.Range.End.Column,
			},
		})
	}
	return out
}

// JSON writes outputs as an indented JSON array.
func JSON(w io.Writer, outputs []DiagnosticsOutput) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(outputs)
}
