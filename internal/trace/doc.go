// Package trace records what the build server does, per compile request and
// per compile unit.
//
// Every event carries a Subject (project, unit id, short fingerprint), so the
// trace of one unit can be pulled out of a busy server. Spans cover plan
// resolution of a request and each unit run; unit events are points under
// their unit span at LevelDebug. A Heartbeat adds periodic scheduler state.
//
// Sinks: StreamTracer writes text or NDJSON as events happen; Ring keeps the
// most recent events and backs the buildd/trace request, which
// `buildd trace <project>` prints. New combines them by StorageMode.
//
//	buildd serve --trace=- --trace-level=detail --trace-mode=both
//	buildd trace app --limit 50
package trace
