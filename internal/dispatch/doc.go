// Package dispatch routes profile requests to per-key sequential workers.
//
// The Dispatcher owns the only state shared across workers: a mutex-guarded
// registry mapping profile key to its live worker. Enqueue never blocks the
// caller; each worker drains an unbounded queue one request at a time and
// exits after an idle timeout, deregistering itself under the same mutex
// that guards enqueue so a racing request either lands in the live worker
// or spawns a fresh one.
package dispatch
