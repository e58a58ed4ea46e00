package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfall/keyfall/config"
	"github.com/keyfall/keyfall/envelope"
	"github.com/keyfall/keyfall/interfaces"
	"github.com/keyfall/keyfall/ledger"
	"github.com/keyfall/keyfall/storage"
)

func defaultTestPolicy() (Policy, error) {
	return PolicyFromRules([]config.ReminderRule{
		{Kind: "24h", Style: "absolute", Before: 24 * time.Hour},
		{Kind: "50pct", Style: "percent", PercentElapsed: 50},
	})
}

// recordingNotifier captures every call and can fail on demand. onDisclose,
// when set, runs once before the first disclosure delivery, to interleave a
// concurrent update at that exact point.
type recordingNotifier struct {
	mu          sync.Mutex
	reminders   []interfaces.ReminderKind
	disclosures []string // recipient names, in delivery order
	shares      []string
	reminderErr error
	discloseErr map[string]error // keyed by recipient name
	onDisclose  func()
}

func (n *recordingNotifier) NotifyReminder(_ context.Context, _ *interfaces.Secret, kind interfaces.ReminderKind, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.reminderErr != nil {
		return n.reminderErr
	}
	n.reminders = append(n.reminders, kind)
	return nil
}

func (n *recordingNotifier) NotifyDisclosure(_ context.Context, _ *interfaces.Secret, recipient interfaces.Recipient, shareHex string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.onDisclose != nil {
		hook := n.onDisclose
		n.onDisclose = nil
		hook()
	}
	if err := n.discloseErr[recipient.Name]; err != nil {
		return err
	}
	n.disclosures = append(n.disclosures, recipient.Name)
	n.shares = append(n.shares, shareHex)
	return nil
}

func (n *recordingNotifier) reminderCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.reminders)
}

type processorFixture struct {
	store     *storage.MemoryStore
	ledger    *ledger.MemoryLedger
	notifier  *recordingNotifier
	key       envelope.StaticKey
	processor *Processor
	now       time.Time
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()

	key := make([]byte, envelope.KeySize)
	_, err := io.ReadFull(rand.Reader, key)
	require.NoError(t, err)

	policy, err := defaultTestPolicy()
	require.NoError(t, err)

	f := &processorFixture{
		store:    storage.NewMemoryStore(),
		ledger:   ledger.NewMemoryLedger(ledger.DefaultStaleTimeout),
		notifier: &recordingNotifier{discloseErr: map[string]error{}},
		key:      envelope.StaticKey(key),
		now:      time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	f.processor = NewProcessor(f.store, f.ledger, f.notifier, f.key, policy, slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithNow(func() time.Time { return f.now })
	return f
}

// seed creates an active 7-day secret whose sealed share is the given
// plaintext, checked in at the fixture's current instant.
func (f *processorFixture) seed(t *testing.T, share []byte) *interfaces.Secret {
	t.Helper()
	return f.seedID(t, "sec-1", share)
}

func (f *processorFixture) seedID(t *testing.T, id interfaces.SecretID, share []byte) *interfaces.Secret {
	t.Helper()

	ciphertext, iv, tag, err := envelope.Seal(share, f.key)
	require.NoError(t, err)

	secret := &interfaces.Secret{
		ID:                id,
		OwnerID:           "owner-1",
		Title:             "estate instructions",
		ThresholdK:        2,
		TotalSharesN:      3,
		ServerShare:       &interfaces.EncryptedShare{Ciphertext: ciphertext, IV: iv, AuthTag: tag},
		CheckInPeriodDays: 7,
		Status:            interfaces.StatusActive,
		Recipients: []interfaces.Recipient{
			{Name: "alice", Email: "alice@example.com"},
			{Name: "bob", Phone: "+15550100"},
		},
	}
	ApplyCheckIn(secret, f.now)
	require.NoError(t, f.store.Create(context.Background(), secret))
	return secret
}

func (f *processorFixture) reload(t *testing.T, id interfaces.SecretID) *interfaces.Secret {
	t.Helper()
	secret, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return secret
}

func TestProcessDisclosureEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t)
	share := []byte{0xde, 0xad, 0xbe, 0xef, 0x01}
	secret := f.seed(t, share)

	// Eight days past the last check-in of a 7-day switch.
	f.now = f.now.Add(8 * 24 * time.Hour)

	require.NoError(t, f.processor.Process(ctx, f.reload(t, secret.ID)))

	stored := f.reload(t, secret.ID)
	assert.Equal(t, interfaces.StatusTriggered, stored.Status)
	require.NotNil(t, stored.TriggeredAt)
	assert.Equal(t, f.now, *stored.TriggeredAt)

	require.Len(t, f.notifier.disclosures, 2, "every recipient receives the share")
	assert.Equal(t, []string{"alice", "bob"}, f.notifier.disclosures)
	assert.Equal(t, hex.EncodeToString(share), f.notifier.shares[0], "recipients get the plaintext share, hex encoded")

	// A second pass sees the terminal status and does nothing.
	require.NoError(t, f.processor.Process(ctx, stored))
	assert.Len(t, f.notifier.disclosures, 2, "disclosure is idempotent")
}

func TestProcessDisclosureIdempotentUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t)
	secret := f.seed(t, []byte("split-me"))
	f.now = f.now.Add(8 * 24 * time.Hour)

	// Overlapping ticks evaluate the same stale snapshot. The ledger claim
	// lets exactly one perform the fan-out.
	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snapshot := f.reload(t, secret.ID)
			snapshot.Status = interfaces.StatusActive // force re-evaluation of a stale view
			_ = f.processor.Process(ctx, snapshot)
		}()
	}
	wg.Wait()

	assert.Len(t, f.notifier.disclosures, 2, "each recipient is notified exactly once")
	assert.Equal(t, interfaces.StatusTriggered, f.reload(t, secret.ID).Status)
}

func TestProcessReminderDispatchedOncePerPeriod(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t)
	secret := f.seed(t, []byte("share"))

	// 6.5 days into a 7-day period: past the 50% mark and inside the final
	// 24 hours, so both kinds are due.
	f.now = f.now.Add(6*24*time.Hour + 12*time.Hour)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.processor.Process(ctx, f.reload(t, secret.ID)))
	}

	assert.Equal(t, 2, f.notifier.reminderCount(),
		"24h and 50pct each fire once no matter how many ticks observe them")
	assert.Equal(t, interfaces.StatusActive, f.reload(t, secret.ID).Status)
}

func TestCheckInReArmsReminders(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t)
	secret := f.seed(t, []byte("share"))

	f.now = f.now.Add(4 * 24 * time.Hour)
	require.NoError(t, f.processor.Process(ctx, f.reload(t, secret.ID)))
	sentBefore := f.notifier.reminderCount()
	require.Positive(t, sentBefore)

	updated, err := f.processor.CheckIn(ctx, secret.ID, f.now)
	require.NoError(t, err)
	assert.Equal(t, f.now, updated.LastCheckIn)
	assert.Equal(t, f.now.Add(7*24*time.Hour), updated.NextCheckIn)

	// Immediately after a check-in nothing is due.
	require.NoError(t, f.processor.Process(ctx, f.reload(t, secret.ID)))
	assert.Equal(t, sentBefore, f.notifier.reminderCount())

	// Four days into the fresh period the same kinds fire again: the claim
	// key includes the period start, so the old claims do not suppress them.
	f.now = f.now.Add(4 * 24 * time.Hour)
	require.NoError(t, f.processor.Process(ctx, f.reload(t, secret.ID)))
	assert.Equal(t, sentBefore*2, f.notifier.reminderCount())
}

func TestCheckInRejectedForInactiveSecret(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t)
	secret := f.seed(t, []byte("share"))

	paused := f.reload(t, secret.ID)
	paused.Status = interfaces.StatusPaused
	require.NoError(t, f.store.Update(ctx, paused))

	_, err := f.processor.CheckIn(ctx, secret.ID, f.now)
	assert.ErrorIs(t, err, ErrNotActive)

	_, err = f.processor.CheckIn(ctx, "missing", f.now)
	assert.ErrorIs(t, err, interfaces.ErrSecretNotFound)
}

func TestProcessReminderTransientFailureRetries(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t)
	secret := f.seed(t, []byte("share"))
	f.now = f.now.Add(4 * 24 * time.Hour)

	f.notifier.reminderErr = fmt.Errorf("smtp: connection refused")
	err := f.processor.Process(ctx, f.reload(t, secret.ID))
	require.Error(t, err)
	assert.Zero(t, f.notifier.reminderCount())

	// The failed claims were released, so the next tick succeeds.
	f.notifier.reminderErr = nil
	require.NoError(t, f.processor.Process(ctx, f.reload(t, secret.ID)))
	assert.Equal(t, 1, f.notifier.reminderCount(),
		"only the 50%% mark is past at four days into a seven-day period")
}

func TestProcessDisclosurePartialDeliveryStillTriggers(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t)
	secret := f.seed(t, []byte("share"))
	f.now = f.now.Add(8 * 24 * time.Hour)

	f.notifier.discloseErr["bob"] = fmt.Errorf("%w: number disconnected", interfaces.ErrPermanentDelivery)

	require.NoError(t, f.processor.Process(ctx, f.reload(t, secret.ID)))
	assert.Equal(t, []string{"alice"}, f.notifier.disclosures)
	assert.Equal(t, interfaces.StatusTriggered, f.reload(t, secret.ID).Status,
		"reaching at least one recipient completes the disclosure")
}

func TestProcessDisclosureTotalDeliveryFailureKeepsSwitchActive(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t)
	secret := f.seed(t, []byte("share"))
	f.now = f.now.Add(8 * 24 * time.Hour)

	f.notifier.discloseErr["alice"] = errors.New("gateway timeout")
	f.notifier.discloseErr["bob"] = errors.New("gateway timeout")

	err := f.processor.Process(ctx, f.reload(t, secret.ID))
	require.Error(t, err)
	assert.Equal(t, interfaces.StatusActive, f.reload(t, secret.ID).Status,
		"an undelivered disclosure stays pending for the next tick")

	// Delivery recovers; the released claim lets the next tick finish.
	f.notifier.discloseErr = map[string]error{}
	require.NoError(t, f.processor.Process(ctx, f.reload(t, secret.ID)))
	assert.Equal(t, interfaces.StatusTriggered, f.reload(t, secret.ID).Status)
}

func TestProcessDisclosureTamperedShareNeverDisclosed(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t)
	secret := f.seed(t, []byte("share"))
	f.now = f.now.Add(8 * 24 * time.Hour)

	// Corrupt the stored ciphertext out from under the processor.
	stored := f.reload(t, secret.ID)
	stored.ServerShare.Ciphertext[0] ^= 0x01
	require.NoError(t, f.store.Update(ctx, stored))

	err := f.processor.Process(ctx, f.reload(t, secret.ID))
	require.ErrorIs(t, err, envelope.ErrAuthenticationFailed)
	assert.Empty(t, f.notifier.disclosures, "nothing is sent when authentication fails")
	assert.Equal(t, interfaces.StatusActive, f.reload(t, secret.ID).Status)

	// The permanent failure record parks the tuple: later ticks do not
	// re-open the tampered envelope, they wait for an operator.
	require.NoError(t, f.processor.Process(ctx, f.reload(t, secret.ID)))
	assert.Empty(t, f.notifier.disclosures)
}

func TestProcessStaleSnapshotAfterCheckInDoesNotDisclose(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t)
	secret := f.seed(t, []byte("share"))
	f.now = f.now.Add(8 * 24 * time.Hour)

	// A tick lists the overdue secret, then the owner's check-in commits
	// before the tick gets around to it.
	snapshot := f.reload(t, secret.ID)
	_, err := f.processor.CheckIn(ctx, secret.ID, f.now)
	require.NoError(t, err)

	require.NoError(t, f.processor.Process(ctx, snapshot))

	assert.Empty(t, f.notifier.disclosures, "a committed check-in wins over a stale snapshot")
	stored := f.reload(t, secret.ID)
	assert.Equal(t, interfaces.StatusActive, stored.Status)
	assert.Equal(t, f.now.Add(7*24*time.Hour), stored.NextCheckIn)

	// The fresh period runs its normal course afterwards.
	f.now = f.now.Add(8 * 24 * time.Hour)
	require.NoError(t, f.processor.Process(ctx, f.reload(t, secret.ID)))
	assert.Equal(t, interfaces.StatusTriggered, f.reload(t, secret.ID).Status)
}

func TestProcessCheckInDuringDeliveryIsNotForcedToTriggered(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t)
	secret := f.seed(t, []byte("share"))
	f.now = f.now.Add(8 * 24 * time.Hour)

	// The owner's check-in commits between the disclosure fan-out and the
	// status transition. The trigger must not be forced over it.
	f.notifier.onDisclose = func() {
		owner, err := f.store.Get(ctx, secret.ID)
		require.NoError(t, err)
		ApplyCheckIn(owner, f.now)
		require.NoError(t, f.store.Update(ctx, owner))
	}

	require.NoError(t, f.processor.Process(ctx, f.reload(t, secret.ID)))

	stored := f.reload(t, secret.ID)
	assert.Equal(t, interfaces.StatusActive, stored.Status)
	assert.Nil(t, stored.TriggeredAt)
	assert.Equal(t, f.now.Add(7*24*time.Hour), stored.NextCheckIn)
}

func TestProcessReminderPermanentFailureNotRetried(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t)
	secret := f.seed(t, []byte("share"))
	f.now = f.now.Add(4 * 24 * time.Hour)

	f.notifier.reminderErr = fmt.Errorf("%w: mailbox gone", interfaces.ErrPermanentDelivery)
	err := f.processor.Process(ctx, f.reload(t, secret.ID))
	require.Error(t, err)
	assert.Zero(t, f.notifier.reminderCount())

	// Unlike a transient failure, the parked tuple stays parked even after
	// delivery recovers; resolution is an operator action.
	f.notifier.reminderErr = nil
	require.NoError(t, f.processor.Process(ctx, f.reload(t, secret.ID)))
	assert.Zero(t, f.notifier.reminderCount())
}

func TestProcessDisclosureDisarmedSecretIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t)
	secret := f.seed(t, []byte("share"))
	f.now = f.now.Add(8 * 24 * time.Hour)

	stored := f.reload(t, secret.ID)
	stored.ServerShare = nil
	require.NoError(t, f.store.Update(ctx, stored))

	require.NoError(t, f.processor.Process(ctx, f.reload(t, secret.ID)))
	assert.Empty(t, f.notifier.disclosures)
}
