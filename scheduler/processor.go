package scheduler

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/keyfall/keyfall/envelope"
	"github.com/keyfall/keyfall/interfaces"
	"github.com/keyfall/keyfall/metrics"
)

// ErrNotActive is returned by CheckIn when the secret is paused or already
// triggered.
var ErrNotActive = errors.New("scheduler: secret is not active")

// errSuperseded marks a disclosure aborted because a concurrent check-in or
// status change committed after the snapshot under evaluation was taken.
var errSuperseded = errors.New("scheduler: disclosure superseded by a concurrent update")

// casAttempts bounds optimistic update retries for a single operation.
const casAttempts = 3

// Processor carries out the actions an Evaluation calls for: dispatching
// reminders and performing disclosure. All side effects go through the
// ledger's claims and the store's conditional updates, so Process is safe to
// invoke concurrently for the same secret from overlapping ticks.
type Processor struct {
	store    interfaces.SecretStore
	ledger   interfaces.ReminderLedger
	notifier interfaces.Notifier
	keys     interfaces.KeyProvider
	policy   Policy
	log      *slog.Logger
	now      func() time.Time
}

// NewProcessor wires a processor from its collaborators.
func NewProcessor(store interfaces.SecretStore, ledger interfaces.ReminderLedger, notifier interfaces.Notifier, keys interfaces.KeyProvider, policy Policy, log *slog.Logger) *Processor {
	return &Processor{
		store:    store,
		ledger:   ledger,
		notifier: notifier,
		keys:     keys,
		policy:   policy,
		log:      log,
		now:      time.Now,
	}
}

// WithNow overrides the time source, for tests.
func (p *Processor) WithNow(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Process evaluates one secret and performs whatever its state calls for.
// Losing a claim to a concurrent invocation is not an error.
func (p *Processor) Process(ctx context.Context, secret *interfaces.Secret) error {
	now := p.now()
	eval := p.policy.Evaluate(secret, now)

	switch eval.State {
	case StateSkipped, StateOnTime:
		return nil
	case StateReminderDue:
		var errs []error
		for _, kind := range eval.DueKinds {
			if err := p.dispatchReminder(ctx, secret, kind, eval.Deadline); err != nil {
				errs = append(errs, fmt.Errorf("reminder %q: %w", kind, err))
			}
		}
		return errors.Join(errs...)
	case StateDisclosureDue:
		return p.disclose(ctx, secret, now)
	default:
		return nil
	}
}

// dispatchReminder claims, sends, and finalizes one reminder kind for the
// current period. The claim is written before the send, so a crash in
// between leaves a pending record rather than permitting a duplicate.
func (p *Processor) dispatchReminder(ctx context.Context, secret *interfaces.Secret, kind interfaces.ReminderKind, deadline time.Time) error {
	claim, err := p.ledger.TryClaim(ctx, secret.ID, kind, secret.LastCheckIn)
	if errors.Is(err, interfaces.ErrAlreadyClaimed) {
		metrics.ClaimConflicts.Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("claiming: %w", err)
	}

	if err := p.notifier.NotifyReminder(ctx, secret, kind, deadline); err != nil {
		retryable := !errors.Is(err, interfaces.ErrPermanentDelivery)
		if markErr := p.ledger.MarkFailed(ctx, claim, retryable); markErr != nil {
			p.log.Error("Failed to record reminder failure", "secret", secret.ID, "kind", kind, "err", markErr)
		}
		metrics.RemindersFailed.WithLabelValues(string(kind)).Inc()
		return fmt.Errorf("notifying: %w", err)
	}

	if err := p.ledger.MarkSent(ctx, claim); err != nil {
		// The reminder went out; a lost finalization at worst re-sends
		// after the staleness timeout.
		p.log.Error("Failed to finalize reminder claim", "secret", secret.ID, "kind", kind, "err", err)
	}
	metrics.RemindersSent.WithLabelValues(string(kind)).Inc()
	p.log.Info("Reminder dispatched", "secret", secret.ID, "kind", kind, "deadline", deadline)
	return nil
}

// disclose performs the terminal disclosure: open the sealed share, fan it
// out to every recipient, then transition the secret to triggered. The
// ledger claim makes the whole action idempotent across overlapping ticks,
// and the claim-pending/mark-complete split means a crash mid-way re-sends
// rather than losing the disclosure.
func (p *Processor) disclose(ctx context.Context, secret *interfaces.Secret, now time.Time) error {
	claim, err := p.ledger.TryClaim(ctx, secret.ID, interfaces.KindDisclosure, secret.LastCheckIn)
	if errors.Is(err, interfaces.ErrAlreadyClaimed) {
		metrics.ClaimConflicts.Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("claiming disclosure: %w", err)
	}

	// The snapshot may predate a check-in or status change that already
	// committed. Re-read and re-evaluate before opening anything: a
	// committed check-in always wins over a stale tick.
	current, err := p.store.Get(ctx, secret.ID)
	if err != nil {
		p.releaseClaim(ctx, secret.ID, claim)
		return fmt.Errorf("reloading before disclosure: %w", err)
	}
	if current.Status != interfaces.StatusActive ||
		now.Before(current.NextCheckIn) ||
		!current.LastCheckIn.Equal(secret.LastCheckIn) {
		// The claim belongs to a closed period; release it and move on.
		p.releaseClaim(ctx, secret.ID, claim)
		p.log.Info("Disclosure superseded by a concurrent update",
			"secret", secret.ID, "status", current.Status, "next_check_in", current.NextCheckIn)
		return nil
	}
	*secret = *current

	if secret.ServerShare == nil {
		// Disarmed switches hold nothing to disclose. Reaching this
		// point means the record was disarmed without being paused.
		p.releaseClaim(ctx, secret.ID, claim)
		p.log.Error("Disclosure due but switch is disarmed", "secret", secret.ID)
		return nil
	}

	key, err := p.keys.EnvelopeKey()
	if err != nil {
		p.releaseClaim(ctx, secret.ID, claim)
		return fmt.Errorf("obtaining envelope key: %w", err)
	}

	share, err := envelope.Open(secret.ServerShare.Ciphertext, secret.ServerShare.IV, secret.ServerShare.AuthTag, key)
	if err != nil {
		// Tampered ciphertext or wrong key: a data-integrity emergency,
		// never retried with the same ciphertext.
		metrics.EnvelopeAuthFailures.Inc()
		p.log.Error("SECURITY: sealed share failed authentication", "secret", secret.ID, "err", err)
		if markErr := p.ledger.MarkFailed(ctx, claim, false); markErr != nil {
			p.log.Error("Failed to record disclosure failure", "secret", secret.ID, "err", markErr)
		}
		return fmt.Errorf("opening server share: %w", err)
	}
	shareHex := hex.EncodeToString(share)

	delivered := 0
	var deliveryErrs []error
	for _, recipient := range secret.Recipients {
		if err := p.notifier.NotifyDisclosure(ctx, secret, recipient, shareHex); err != nil {
			p.log.Error("Disclosure delivery failed",
				"secret", secret.ID, "recipient", recipient.Name,
				"permanent", errors.Is(err, interfaces.ErrPermanentDelivery), "err", err)
			deliveryErrs = append(deliveryErrs, err)
			continue
		}
		delivered++
	}

	if delivered == 0 {
		// No delivery path succeeded; keep the switch active and let a
		// later tick retry the whole disclosure.
		p.releaseClaim(ctx, secret.ID, claim)
		return fmt.Errorf("disclosing %s: %w", secret.ID, errors.Join(deliveryErrs...))
	}

	if err := p.transitionTriggered(ctx, secret, now); err != nil {
		p.releaseClaim(ctx, secret.ID, claim)
		if errors.Is(err, errSuperseded) {
			p.log.Warn("Disclosure delivered but a concurrent check-in kept the switch active",
				"secret", secret.ID)
			return nil
		}
		return err
	}

	if err := p.ledger.MarkSent(ctx, claim); err != nil {
		p.log.Error("Failed to finalize disclosure claim", "secret", secret.ID, "err", err)
	}
	metrics.DisclosuresCompleted.Inc()
	p.log.Info("Disclosure completed",
		"secret", secret.ID, "recipients", delivered, "failed", len(deliveryErrs))
	return nil
}

// transitionTriggered moves the secret to its terminal state with a
// conditional update. Losing the race to another invocation that already
// triggered it is success; losing it to a check-in or pause is errSuperseded,
// never a forced trigger over the newer record.
func (p *Processor) transitionTriggered(ctx context.Context, secret *interfaces.Secret, now time.Time) error {
	current := secret
	for attempt := 0; attempt < casAttempts; attempt++ {
		current.Status = interfaces.StatusTriggered
		current.TriggeredAt = &now

		err := p.store.Update(ctx, current)
		if err == nil {
			*secret = *current
			return nil
		}
		if !errors.Is(err, interfaces.ErrVersionConflict) {
			return fmt.Errorf("recording trigger: %w", err)
		}

		reloaded, getErr := p.store.Get(ctx, secret.ID)
		if getErr != nil {
			return fmt.Errorf("reloading after conflict: %w", getErr)
		}
		if reloaded.Status == interfaces.StatusTriggered {
			*secret = *reloaded
			return nil
		}
		if reloaded.Status != interfaces.StatusActive || now.Before(reloaded.NextCheckIn) {
			*secret = *reloaded
			return errSuperseded
		}
		current = reloaded
	}
	return interfaces.ErrVersionConflict
}

// releaseClaim returns a claim to the ledger so a later tick can retry the
// tuple. Failures are logged; at worst the claim sits pending until the
// staleness timeout.
func (p *Processor) releaseClaim(ctx context.Context, id interfaces.SecretID, claim *interfaces.Claim) {
	if err := p.ledger.MarkFailed(ctx, claim, true); err != nil {
		p.log.Error("Failed to release disclosure claim", "secret", id, "err", err)
	}
}

// CheckIn resets the deadline clock for an active secret. Retries the
// conditional update on conflicts with overlapping ticks; returns the
// updated record.
func (p *Processor) CheckIn(ctx context.Context, id interfaces.SecretID, now time.Time) (*interfaces.Secret, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		secret, err := p.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if secret.Status != interfaces.StatusActive {
			return nil, fmt.Errorf("%w: status is %s", ErrNotActive, secret.Status)
		}

		ApplyCheckIn(secret, now)
		err = p.store.Update(ctx, secret)
		if err == nil {
			p.log.Info("Check-in recorded", "secret", id, "next_check_in", secret.NextCheckIn)
			return secret, nil
		}
		if !errors.Is(err, interfaces.ErrVersionConflict) {
			return nil, fmt.Errorf("recording check-in: %w", err)
		}
	}
	return nil, interfaces.ErrVersionConflict
}
