// Package compile is the deduplication and broadcast engine of the build
// server.
//
// A compile request for a project is resolved by the Scheduler into a plan
// over the project's dependency closure. Every project of the plan is mapped
// through its fingerprint to a Unit in the Table: equal fingerprints share
// one Unit, so the compiler runs at most once per fingerprint no matter how
// many callers asked. Each Unit records its events in a Broadcaster which
// replays the log to late subscribers before delivering live events, giving
// every caller the same stream. Callers hold a Handle with their own
// timeout and cancellation.
package compile
