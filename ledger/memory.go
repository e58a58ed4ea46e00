package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keyfall/keyfall/interfaces"
)

// DefaultStaleTimeout is how long a pending claim blocks the tuple before it
// is treated as abandoned. The exact policy is a tunable, not a contract.
const DefaultStaleTimeout = 15 * time.Minute

type memoryRecord struct {
	claimID   string
	status    interfaces.ClaimStatus
	claimedAt time.Time
	sentAt    time.Time
}

// MemoryLedger is an in-process ReminderLedger guarded by a mutex. Suitable
// for development and tests; it cannot coordinate across processes.
type MemoryLedger struct {
	mu           sync.Mutex
	records      map[string]*memoryRecord
	staleTimeout time.Duration
	now          func() time.Time
}

var _ interfaces.ReminderLedger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty in-memory ledger. A non-positive
// staleTimeout falls back to DefaultStaleTimeout.
func NewMemoryLedger(staleTimeout time.Duration) *MemoryLedger {
	if staleTimeout <= 0 {
		staleTimeout = DefaultStaleTimeout
	}
	return &MemoryLedger{
		records:      make(map[string]*memoryRecord),
		staleTimeout: staleTimeout,
		now:          time.Now,
	}
}

// WithNow overrides the time source, for tests.
func (l *MemoryLedger) WithNow(now func() time.Time) *MemoryLedger {
	l.now = now
	return l
}

func claimKey(secretID interfaces.SecretID, kind interfaces.ReminderKind, periodStart time.Time) string {
	// The period boundary is part of the key so a fresh check-in re-arms
	// the same kind for the next period.
	return fmt.Sprintf("%s|%s|%d", secretID, kind, periodStart.UnixMilli())
}

// TryClaim implements interfaces.ReminderLedger.
func (l *MemoryLedger) TryClaim(ctx context.Context, secretID interfaces.SecretID, kind interfaces.ReminderKind, periodStart time.Time) (*interfaces.Claim, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := claimKey(secretID, kind, periodStart)

	if rec, ok := l.records[key]; ok {
		switch rec.status {
		case interfaces.ClaimSent:
			return nil, interfaces.ErrAlreadyClaimed
		case interfaces.ClaimPending:
			if now.Sub(rec.claimedAt) < l.staleTimeout {
				return nil, interfaces.ErrAlreadyClaimed
			}
			// Stale pending claim: the previous claimant crashed.
		case interfaces.ClaimFailed:
			// Permanent failures park the tuple for manual resolution;
			// retryable failures were deleted on MarkFailed and never
			// reach this branch.
			return nil, interfaces.ErrAlreadyClaimed
		}
	}

	claim := &interfaces.Claim{
		ID:          uuid.NewString(),
		SecretID:    secretID,
		Kind:        kind,
		PeriodStart: periodStart,
		ClaimedAt:   now,
	}
	l.records[key] = &memoryRecord{
		claimID:   claim.ID,
		status:    interfaces.ClaimPending,
		claimedAt: now,
	}
	return claim, nil
}

// MarkSent implements interfaces.ReminderLedger.
func (l *MemoryLedger) MarkSent(ctx context.Context, claim *interfaces.Claim) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := claimKey(claim.SecretID, claim.Kind, claim.PeriodStart)
	rec, ok := l.records[key]
	if !ok || rec.claimID != claim.ID {
		return fmt.Errorf("ledger: claim %s no longer owns %s", claim.ID, key)
	}
	rec.status = interfaces.ClaimSent
	rec.sentAt = l.now()
	return nil
}

// MarkFailed implements interfaces.ReminderLedger.
func (l *MemoryLedger) MarkFailed(ctx context.Context, claim *interfaces.Claim, retryable bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := claimKey(claim.SecretID, claim.Kind, claim.PeriodStart)
	rec, ok := l.records[key]
	if !ok || rec.claimID != claim.ID {
		return fmt.Errorf("ledger: claim %s no longer owns %s", claim.ID, key)
	}
	if retryable {
		delete(l.records, key)
		return nil
	}
	rec.status = interfaces.ClaimFailed
	return nil
}

// Close implements interfaces.ReminderLedger.
func (l *MemoryLedger) Close() error {
	return nil
}
