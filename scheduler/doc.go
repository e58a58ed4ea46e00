// Package scheduler decides, per secret and per tick, whether a switch is on
// time, due for a reminder, or due for disclosure, and carries out the
// resulting actions.
//
// # Derived State
//
// The classification is never stored. Each tick recomputes it from the
// secret's deadline, check-in period, status, and the current time:
//
//   - StateDisclosureDue when now has reached NextCheckIn.
//   - StateReminderDue, with the due kinds, when now is inside a configured
//     offset window before the deadline. Offsets are either absolute
//     durations or percentages of the current period length; the period is
//     threaded in from the secret under evaluation on every calculation,
//     never read from a default.
//   - StateOnTime otherwise.
//
// Only active secrets are evaluated; paused and triggered secrets are
// skipped entirely.
//
// # Concurrency
//
// Ticks may run concurrently across secrets, across overlapping invocations,
// and across processes. Every side effect is therefore guarded twice: the
// reminder ledger's atomic claims make each dispatch (including the
// disclosure action itself) happen at most once per period, and the secret
// store's compare-and-swap updates keep per-secret transitions linearizable
// against owner check-ins. Disclosure is two durable steps - claim pending,
// then mark complete - so a crash between decrypt and notify re-sends on the
// next tick rather than silently losing the disclosure (at-least-once
// delivery).
package scheduler
