// Package diag defines the diagnostic model shared by compiler backends and
// the compile server core.
//
// # Data model
//
// Diagnostic is the central record: file, 1-based Range, Severity (Info,
// Warning, Error), an optional tool-specific Code and a human message.
// Diagnostics are plain values so they can be appended to a unit's event log,
// replayed to late subscribers and persisted in the state cache unchanged.
//
// # Emitting diagnostics
//
// Backends report through a Reporter. BagReporter collects into a Bag (with an
// optional limit), DedupReporter filters repeats coming from tools that print
// the same finding on several streams, and ReporterFunc adapts a closure; the
// compile core uses it to turn every report into a diagnostic event.
//
// Package diag performs no IO and no formatting beyond Diagnostic.String.
package diag
