package interfaces

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSecretNotFound is returned when no secret exists for the given id.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrVersionConflict is returned by SecretStore.Update when the record
	// was modified since it was read. Callers reload and decide whether to
	// retry; an overlapping check-in or disclosure already won.
	ErrVersionConflict = errors.New("secret was modified concurrently")

	// ErrAlreadyClaimed is returned by ReminderLedger.TryClaim when another
	// caller holds the claim for the same (secret, kind, period) tuple.
	// This is expected and benign under concurrency, not a failure.
	ErrAlreadyClaimed = errors.New("reminder already claimed for this period")
)

// SecretStore persists Secret records. Implementations must make Update an
// atomic compare-and-swap on Secret.Version, since scheduler ticks may run in
// multiple processes concurrently with owner check-ins.
type SecretStore interface {
	// Create persists a new secret. Fails if the id already exists.
	Create(ctx context.Context, secret *Secret) error

	// Get returns the secret with the given id, or ErrSecretNotFound.
	Get(ctx context.Context, id SecretID) (*Secret, error)

	// Update persists the secret if and only if the stored Version matches
	// secret.Version, then increments it. Returns ErrVersionConflict
	// otherwise.
	Update(ctx context.Context, secret *Secret) error

	// ListActive returns all secrets with StatusActive.
	ListActive(ctx context.Context) ([]*Secret, error)

	// ListDue returns all active secrets whose NextCheckIn is at or before
	// now, i.e. the disclosure-due set.
	ListDue(ctx context.Context, now time.Time) ([]*Secret, error)

	// Close releases any underlying resources.
	Close() error
}

// ClaimStatus is the lifecycle state of a ledger claim.
type ClaimStatus string

const (
	ClaimPending ClaimStatus = "pending"
	ClaimSent    ClaimStatus = "sent"
	ClaimFailed  ClaimStatus = "failed"
)

// Claim is a won ledger claim. It is handed back to MarkSent or MarkFailed
// to finalize the dispatch it guards.
type Claim struct {
	ID          string
	SecretID    SecretID
	Kind        ReminderKind
	PeriodStart time.Time
	ClaimedAt   time.Time
}

// ReminderLedger prevents duplicate dispatch when the scheduler runs
// concurrently or repeatedly. TryClaim has insert-with-uniqueness semantics:
// exactly one concurrent caller wins for a given tuple, and the claim is
// durably pending before any notification is attempted (record-before-send).
//
// The claim key includes the period start (derived from LastCheckIn), so a
// fresh check-in makes the same kind claimable again for the new period
// instead of being suppressed by a stale record.
type ReminderLedger interface {
	// TryClaim atomically claims (secretID, kind, periodStart). Returns
	// ErrAlreadyClaimed when a non-failed claim for the tuple exists. A
	// pending claim older than the ledger's staleness timeout is treated
	// as abandoned and may be re-claimed.
	TryClaim(ctx context.Context, secretID SecretID, kind ReminderKind, periodStart time.Time) (*Claim, error)

	// MarkSent finalizes a claim after the notification succeeded.
	MarkSent(ctx context.Context, claim *Claim) error

	// MarkFailed finalizes a claim after the notification failed. When
	// retryable is true the tuple becomes immediately claimable again;
	// otherwise the failure is recorded for an operator to resolve.
	MarkFailed(ctx context.Context, claim *Claim, retryable bool) error

	// Close releases any underlying resources.
	Close() error
}

// ErrPermanentDelivery wraps notifier failures that will not succeed on
// retry (e.g. a rejected address). Transient failures are returned as plain
// errors and retried by the dispatch layer.
var ErrPermanentDelivery = errors.New("permanent delivery failure")

// Notifier delivers reminder and disclosure notifications. Implementations
// own their timeout and retry policy for transient failures.
type Notifier interface {
	// NotifyReminder warns the owner that the check-in deadline approaches.
	NotifyReminder(ctx context.Context, secret *Secret, kind ReminderKind, deadline time.Time) error

	// NotifyDisclosure delivers the disclosed plaintext share (hex encoded)
	// to a single recipient. Called once per recipient.
	NotifyDisclosure(ctx context.Context, secret *Secret, recipient Recipient, shareHex string) error
}

// KeyProvider supplies the 256-bit symmetric key sealing the server share.
// Rotation policy is out of scope; the contract only requires that the key is
// never derived from data stored alongside the ciphertext.
type KeyProvider interface {
	EnvelopeKey() ([]byte, error)
}
