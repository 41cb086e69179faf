package bsp

import (
	"fmt"

	"fortio.org/safecast"

	"buildd/internal/compile"
	"buildd/internal/diag"
	"buildd/internal/trace"
)

// Methods and notifications.
const (
	MethodInitialize      = "initialize"
	MethodInitialized     = "build/initialized"
	MethodShutdown        = "shutdown"
	MethodExit            = "exit"
	MethodCompile         = "buildTarget/compile"
	MethodLastDiagnostics = "buildTarget/lastDiagnostics"
	MethodList            = "buildTarget/list"
	MethodTrace           = "buildd/trace"

	NotifyTaskStart          = "build/taskStart"
	NotifyPublishDiagnostics = "build/publishDiagnostics"
	NotifyTaskFinish         = "build/taskFinish"
)

// StatusCode summarises a compile request.
type StatusCode int

const (
	StatusOK        StatusCode = 1
	StatusError     StatusCode = 2
	StatusCancelled StatusCode = 3
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

type InitializeParams struct {
	ClientName string `json:"displayName"`
	Version    string `json:"version"`
	RootURI    string `json:"rootUri,omitempty"`
}

type InitializeResult struct {
	ServerName string   `json:"displayName"`
	Version    string   `json:"version"`
	Session    string   `json:"session"`
	Targets    []string `json:"targets"`
}

type CompileParams struct {
	Targets   []string `json:"targets"`
	TimeoutMS int64    `json:"timeoutMs,omitempty"`
	OriginID  string   `json:"originId,omitempty"`
}

type CompileResult struct {
	OriginID   string         `json:"originId,omitempty"`
	StatusCode StatusCode     `json:"statusCode"`
	Results    []TargetResult `json:"results"`
}

// TargetResult is the outcome of one requested target. Error is set when
// the request itself failed (timeout, cycle, unknown target); the unit
// fields are then empty unless the unit was known.
type TargetResult struct {
	Target      string `json:"target"`
	Unit        string `json:"unit,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Status      string `json:"status,omitempty"`
	Message     string `json:"message,omitempty"`
	Errors      int    `json:"errors"`
	Warnings    int    `json:"warnings"`
	NoOp        bool   `json:"noOp,omitempty"`
	Error       string `json:"error,omitempty"`
}

type TargetParams struct {
	Target string `json:"target"`
}

type LastDiagnosticsResult struct {
	Target string       `json:"target"`
	Known  bool         `json:"known"`
	Result TargetResult `json:"result"`
	Events []EventInfo  `json:"events"`
}

// TraceParams selects recent trace events; empty fields match everything.
type TraceParams struct {
	Target string `json:"target,omitempty"`
	Unit   string `json:"unit,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// TraceResult is empty with Enabled=false when the server keeps no ring.
type TraceResult struct {
	Enabled bool          `json:"enabled"`
	Events  []trace.Event `json:"events"`
}

type ListResult struct {
	Targets []Target `json:"targets"`
}

type Target struct {
	Name         string   `json:"name"`
	Dependencies []string `json:"dependencies,omitempty"`
	Sources      int      `json:"sources"`
	Command      []string `json:"command,omitempty"`
}

type Position struct {
	Line      uint32 `json:"line"`
	Character uint32 `json:"character"`
}

type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Diagnostic uses LSP severities: 1 error, 2 warning, 3 information.
type Diagnostic struct {
	File     string `json:"file,omitempty"`
	Range    Range  `json:"range"`
	Severity int    `json:"severity"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
}

// EventInfo carries one compile event. The notification method tells its
// kind; LastDiagnosticsResult keeps it in Kind.
type EventInfo struct {
	OriginID   string      `json:"originId,omitempty"`
	Kind       string      `json:"kind,omitempty"`
	Target     string      `json:"target"`
	Unit       string      `json:"unit"`
	Seq        int         `json:"seq"`
	Message    string      `json:"message,omitempty"`
	Diagnostic *Diagnostic `json:"diagnostic,omitempty"`
	Status     string      `json:"status,omitempty"`
	Errors     int         `json:"errors,omitempty"`
	Warnings   int         `json:"warnings,omitempty"`
}

func severityToWire(s diag.Severity) int {
	switch s {
	case diag.SevError:
		return 1
	case diag.SevWarning:
		return 2
	}
	return 3
}

func severityFromWire(v int) diag.Severity {
	switch v {
	case 1:
		return diag.SevError
	case 2:
		return diag.SevWarning
	}
	return diag.SevInfo
}

func diagnosticToWire(d diag.Diagnostic) *Diagnostic {
	return &Diagnostic{
		File: d.File,
		Range: Range{
			Start: Position{Line: d.Range.Start.Line, Character: d.Range.Start.Column},
			End:   Position{Line: d.Range.End.Line, Character: d.Range.End.Column},
		},
		Severity: severityToWire(d.Severity),
		Code:     d.Code,
		Message:  d.Message,
	}
}

func diagnosticFromWire(d *Diagnostic) diag.Diagnostic {
	if d == nil {
		return diag.Diagnostic{}
	}
	return diag.Diagnostic{
		File: d.File,
		Range: diag.Range{
			Start: diag.Position{Line: d.Range.Start.Line, Column: d.Range.Start.Character},
			End:   diag.Position{Line: d.Range.End.Line, Column: d.Range.End.Character},
		},
		Severity: severityFromWire(d.Severity),
		Code:     d.Code,
		Message:  d.Message,
	}
}

// eventMethod returns the notification that carries ev.
func eventMethod(k compile.EventKind) string {
	switch k {
	case compile.EventStart:
		return NotifyTaskStart
	case compile.EventDiagnostic:
		return NotifyPublishDiagnostics
	}
	return NotifyTaskFinish
}

func kindFromMethod(method string) (compile.EventKind, bool) {
	switch method {
	case NotifyTaskStart:
		return compile.EventStart, true
	case NotifyPublishDiagnostics:
		return compile.EventDiagnostic, true
	case NotifyTaskFinish:
		return compile.EventFinish, true
	}
	return 0, false
}

// EventToWire converts a compile event for the wire.
func EventToWire(ev compile.Event) EventInfo {
	info := EventInfo{
		Kind:   ev.Kind.String(),
		Target: ev.Project,
		Unit:   ev.Unit,
		Seq:    ev.Seq,
	}
	switch ev.Kind {
	case compile.EventStart:
		info.Message = ev.Description
	case compile.EventDiagnostic:
		info.Diagnostic = diagnosticToWire(ev.Diagnostic)
	case compile.EventFinish:
		info.Message = ev.Message
		info.Status = ev.Status.String()
		info.Errors = ev.Errors
		info.Warnings = ev.Warnings
	}
	return info
}

// EventFromWire is the inverse of EventToWire.
func EventFromWire(kind compile.EventKind, info EventInfo) (compile.Event, error) {
	ev := compile.Event{
		Kind:    kind,
		Project: info.Target,
		Unit:    info.Unit,
		Seq:     info.Seq,
	}
	switch kind {
	case compile.EventStart:
		ev.Description = info.Message
	case compile.EventDiagnostic:
		if info.Diagnostic == nil {
			return ev, fmt.Errorf("diagnostic event %d of %s has no diagnostic", info.Seq, info.Unit)
		}
		ev.Diagnostic = diagnosticFromWire(info.Diagnostic)
	case compile.EventFinish:
		st, err := compile.ParseStatus(info.Status)
		if err != nil {
			return ev, err
		}
		ev.Status = st
		ev.Message = info.Message
		ev.Errors = info.Errors
		ev.Warnings = info.Warnings
	default:
		return ev, fmt.Errorf("unknown event kind %d", kind)
	}
	return ev, nil
}

func parseKind(s string) (compile.EventKind, bool) {
	for _, k := range []compile.EventKind{compile.EventStart, compile.EventDiagnostic, compile.EventFinish} {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

func resultToWire(res compile.Result) TargetResult {
	return TargetResult{
		Target:      res.Project,
		Unit:        res.Unit,
		Fingerprint: res.Fingerprint.Short(),
		Status:      res.Status.String(),
		Message:     res.Message,
		Errors:      res.Errors,
		Warnings:    res.Warnings,
		NoOp:        res.NoOp,
	}
}

func timeoutFromWire(ms int64) (uint32, error) {
	return safecast.Conv[uint32](ms)
}
