package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfall/keyfall/interfaces"
)

func testSecret(id string, nextCheckIn time.Time, status interfaces.SecretStatus) *interfaces.Secret {
	now := nextCheckIn.Add(-7 * 24 * time.Hour)
	return &interfaces.Secret{
		ID:                interfaces.SecretID(id),
		OwnerID:           "owner-1",
		Title:             "test switch",
		ThresholdK:        2,
		TotalSharesN:      3,
		ServerShare:       &interfaces.EncryptedShare{Ciphertext: []byte{1}, IV: make([]byte, 12), AuthTag: make([]byte, 16)},
		CheckInPeriodDays: 7,
		LastCheckIn:       now,
		NextCheckIn:       nextCheckIn,
		Status:            status,
		Recipients:        []interfaces.Recipient{{Name: "r", Email: "r@example.com"}},
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	deadline := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	secret := testSecret("s1", deadline, interfaces.StatusActive)
	require.NoError(t, store.Create(ctx, secret))
	assert.EqualValues(t, 1, secret.Version, "create assigns the initial version")

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, secret.ID, got.ID)
	assert.Equal(t, deadline, got.NextCheckIn)

	// Mutating the returned copy must not leak into the store.
	got.Title = "mutated"
	again, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "test switch", again.Title)

	err = store.Create(ctx, testSecret("s1", deadline, interfaces.StatusActive))
	assert.Error(t, err, "duplicate id must be rejected")

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrSecretNotFound)
}

func TestMemoryStore_UpdateIsCompareAndSwap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	deadline := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	secret := testSecret("s1", deadline, interfaces.StatusActive)
	require.NoError(t, store.Create(ctx, secret))

	// Two readers load the same version; only the first writer wins.
	first, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	second, err := store.Get(ctx, "s1")
	require.NoError(t, err)

	first.LastCheckIn = deadline
	first.NextCheckIn = deadline.Add(7 * 24 * time.Hour)
	require.NoError(t, store.Update(ctx, first))

	second.Status = interfaces.StatusTriggered
	err = store.Update(ctx, second)
	assert.ErrorIs(t, err, interfaces.ErrVersionConflict, "a stale version must not overwrite a newer write")

	// After reloading, the second writer can proceed.
	reloaded, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, first.NextCheckIn, reloaded.NextCheckIn, "the winning write is visible")
}

func TestMemoryStore_ListDueAndActive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, testSecret("overdue", now.Add(-time.Hour), interfaces.StatusActive)))
	require.NoError(t, store.Create(ctx, testSecret("exactly-due", now, interfaces.StatusActive)))
	require.NoError(t, store.Create(ctx, testSecret("on-time", now.Add(time.Hour), interfaces.StatusActive)))
	require.NoError(t, store.Create(ctx, testSecret("paused", now.Add(-time.Hour), interfaces.StatusPaused)))
	triggered := testSecret("triggered", now.Add(-time.Hour), interfaces.StatusTriggered)
	trigAt := now.Add(-time.Minute)
	triggered.TriggeredAt = &trigAt
	require.NoError(t, store.Create(ctx, triggered))

	due, err := store.ListDue(ctx, now)
	require.NoError(t, err)
	dueIDs := make([]string, 0, len(due))
	for _, s := range due {
		dueIDs = append(dueIDs, string(s.ID))
	}
	assert.ElementsMatch(t, []string{"overdue", "exactly-due"}, dueIDs,
		"only active secrets at or past the deadline are due; paused and triggered are skipped")

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 3, "paused and triggered secrets are not active")
}
