package interfaces

import (
	"errors"
	"fmt"
	"time"
)

// SecretID is the opaque, immutable identifier of a Secret.
type SecretID string

// String returns the identifier as a plain string.
func (id SecretID) String() string {
	return string(id)
}

// SecretStatus describes the scheduling state of a switch.
type SecretStatus string

const (
	// StatusActive marks a switch that is armed and evaluated on every
	// scheduler tick. It is the only status eligible for reminders and
	// disclosure.
	StatusActive SecretStatus = "active"

	// StatusPaused suspends scheduling without deleting any data. No
	// reminders fire and no disclosure happens while paused.
	StatusPaused SecretStatus = "paused"

	// StatusTriggered is terminal: the server share has been disclosed to
	// the recipients and the switch will never fire again.
	StatusTriggered SecretStatus = "triggered"
)

// Valid reports whether the status is one of the known values.
func (s SecretStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusTriggered:
		return true
	}
	return false
}

// ReminderKind names a configured reminder offset, e.g. "24h" or "50pct".
// The kind is part of the ledger claim key, so two offsets must never share
// a kind.
type ReminderKind string

// KindDisclosure is the reserved ledger kind used to make the disclosure
// action itself idempotent across overlapping scheduler ticks.
const KindDisclosure ReminderKind = "disclosure"

// Recipient is one contact the disclosed share fans out to. At least one of
// Email and Phone must be set.
type Recipient struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Validate checks that the recipient is addressable.
func (r Recipient) Validate() error {
	if r.Email == "" && r.Phone == "" {
		return errors.New("recipient needs an email or a phone number")
	}
	return nil
}

// EncryptedShare is the sealed server share as persisted: AES-256-GCM
// ciphertext with its nonce and authentication tag stored as separate fields.
// None of the three is useful alone.
type EncryptedShare struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	AuthTag    []byte `json:"auth_tag"`
}

// Secret is one armed dead man's switch. LastCheckIn and NextCheckIn are
// mutated only by a successful check-in or by the scheduler performing
// disclosure; NextCheckIn is always LastCheckIn plus the check-in period in
// fixed millisecond arithmetic, never calendar rollovers.
type Secret struct {
	ID      SecretID `json:"id"`
	OwnerID string   `json:"owner_id"`
	Title   string   `json:"title"`

	// ThresholdK and TotalSharesN record the split parameters the owner
	// used on their device. Invariant: 2 <= ThresholdK <= TotalSharesN.
	ThresholdK   int `json:"threshold_k"`
	TotalSharesN int `json:"total_shares_n"`

	// ServerShare is the single sealed share the server retains. A nil
	// value means the owner permanently disarmed the switch; the secret
	// can then never be reconstructed server-side.
	ServerShare *EncryptedShare `json:"server_share,omitempty"`

	CheckInPeriodDays int       `json:"check_in_period_days"`
	LastCheckIn       time.Time `json:"last_check_in"`
	NextCheckIn       time.Time `json:"next_check_in"`

	Status      SecretStatus `json:"status"`
	TriggeredAt *time.Time   `json:"triggered_at,omitempty"`

	Recipients []Recipient `json:"recipients"`

	// Version is the optimistic concurrency token for conditional updates.
	// Stores reject an update whose Version does not match the persisted
	// record.
	Version uint64 `json:"version"`
}

// Validate checks the structural invariants of a secret record.
func (s *Secret) Validate() error {
	if s.ID == "" {
		return errors.New("secret id is required")
	}
	if s.OwnerID == "" {
		return errors.New("owner id is required")
	}
	if s.ThresholdK < 2 {
		return fmt.Errorf("threshold must be at least 2, got %d", s.ThresholdK)
	}
	if s.ThresholdK > s.TotalSharesN {
		return fmt.Errorf("threshold %d exceeds total shares %d", s.ThresholdK, s.TotalSharesN)
	}
	if s.TotalSharesN > 255 {
		return fmt.Errorf("total shares %d exceeds 255", s.TotalSharesN)
	}
	if s.CheckInPeriodDays < 1 {
		return fmt.Errorf("check-in period must be at least one day, got %d", s.CheckInPeriodDays)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("unknown status %q", s.Status)
	}
	if len(s.Recipients) == 0 {
		return errors.New("at least one recipient is required")
	}
	for i, r := range s.Recipients {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("recipient %d: %w", i, err)
		}
	}
	return nil
}

// Clone returns a deep copy, so callers can mutate a secret without
// aliasing store-internal state.
func (s *Secret) Clone() *Secret {
	dup := *s
	if s.ServerShare != nil {
		share := EncryptedShare{
			Ciphertext: append([]byte(nil), s.ServerShare.Ciphertext...),
			IV:         append([]byte(nil), s.ServerShare.IV...),
			AuthTag:    append([]byte(nil), s.ServerShare.AuthTag...),
		}
		dup.ServerShare = &share
	}
	if s.TriggeredAt != nil {
		t := *s.TriggeredAt
		dup.TriggeredAt = &t
	}
	dup.Recipients = append([]Recipient(nil), s.Recipients...)
	return &dup
}
