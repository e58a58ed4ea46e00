// Package interfaces defines the core model and the contracts between the
// components of the dead man's switch service, without implementation details.
//
// The central entity is Secret: a record describing one armed switch. The
// secret itself never reaches the server in reconstructable form - the owner
// splits it on their own device and submits exactly one share, which the
// server keeps sealed under authenticated encryption. The remaining contracts
// cover the collaborators the disclosure core consumes:
//
//   - SecretStore persists Secret records and supports atomic conditional
//     updates keyed by secret id, so overlapping scheduler ticks and check-ins
//     cannot interleave into an inconsistent state.
//   - ReminderLedger is the idempotency guard for reminder and disclosure
//     dispatch: exactly one concurrent caller wins a claim for a given
//     (secret, kind, period) tuple.
//   - Notifier delivers reminders to the owner and disclosed shares to the
//     recipients. Retry policy for transient failures is the notifier's
//     concern; permanent failures are reported via ErrPermanentDelivery.
//   - KeyProvider supplies the 256-bit envelope key. The key must never be
//     derived from data stored alongside the ciphertext.
package interfaces
