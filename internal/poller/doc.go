// Package poller keeps a downstream channel in sync with one remote
// subject by polling it.
//
// A [Scheduler] owns a single timer. Each tick fetches the subject's current
// state, compares it with the last published state through a
// [Deduplicator], publishes only real changes, and feeds the outcome into a
// [CircuitBreaker]. When the breaker opens, polling is disabled in the
// [StateStore] and one notification is sent; it stays off until an explicit
// Enable.
//
// Scheduled ticks and manual refreshes share a [Guard], so at most one
// fetch for the subject is ever in flight. The next tick is armed only
// after the previous cycle has fully resolved.
package poller
