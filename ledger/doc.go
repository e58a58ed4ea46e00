// Package ledger provides ReminderLedger implementations: an in-memory
// ledger for development and tests, and a Redis-backed ledger for production
// where multiple scheduler processes run concurrently.
//
// Both enforce record-before-send: a claim is durably pending before any
// notification is attempted, so a crash between claiming and sending leaves
// a detectable pending record instead of silently permitting a duplicate. A
// pending claim that never resolves becomes stale after a configurable
// timeout and is retry-eligible again.
//
// Failure finalization is two-tiered: a retryable failure releases the tuple
// immediately for the next tick, while a permanent failure parks it until an
// operator clears the record, so a dead address or a tampered envelope is
// surfaced once instead of re-attempted on every poll.
package ledger
