package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/keyfall/keyfall/interfaces"
)

// DefaultRetention is how long sent and permanently failed claim records are
// kept, and therefore how long they block their tuple. The period boundary
// in the key already prevents cross-period collisions.
const DefaultRetention = 90 * 24 * time.Hour

// tryClaimScript claims the key unless any record holds it. Pending records
// carry a TTL equal to the staleness timeout, so an abandoned claim simply
// expires and the SET succeeds again. Sent and permanently failed records
// block for their retention; a failed one is cleared by an operator deleting
// the key once the underlying cause is resolved.
var tryClaimScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	redis.call('SET', KEYS[1], 'pending|' .. ARGV[1], 'PX', ARGV[2])
	return 1
`)

// finalizeScript transitions a pending record to its terminal state only if
// the caller still owns it.
var finalizeScript = redis.NewScript(`
	local current = redis.call('GET', KEYS[1])
	if current ~= 'pending|' .. ARGV[1] then
		return 0
	end
	if ARGV[2] == 'delete' then
		redis.call('DEL', KEYS[1])
	else
		redis.call('SET', KEYS[1], ARGV[2] .. '|' .. ARGV[1], 'PX', ARGV[3])
	end
	return 1
`)

// RedisLedger is a ReminderLedger backed by Redis SET-NX semantics, safe for
// concurrent scheduler processes.
type RedisLedger struct {
	client       *redis.Client
	staleTimeout time.Duration
	retention    time.Duration
}

var _ interfaces.ReminderLedger = (*RedisLedger)(nil)

// NewRedisLedger connects to Redis and verifies the connection. Non-positive
// durations fall back to the package defaults.
func NewRedisLedger(options *redis.Options, staleTimeout, retention time.Duration) (*RedisLedger, error) {
	if staleTimeout <= 0 {
		staleTimeout = DefaultStaleTimeout
	}
	if retention <= 0 {
		retention = DefaultRetention
	}

	client := redis.NewClient(options)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ledger: connecting to redis: %w", err)
	}

	return &RedisLedger{client: client, staleTimeout: staleTimeout, retention: retention}, nil
}

func (l *RedisLedger) key(secretID interfaces.SecretID, kind interfaces.ReminderKind, periodStart time.Time) string {
	return fmt.Sprintf("claim:%s:%s:%d", secretID, kind, periodStart.UnixMilli())
}

// TryClaim implements interfaces.ReminderLedger.
func (l *RedisLedger) TryClaim(ctx context.Context, secretID interfaces.SecretID, kind interfaces.ReminderKind, periodStart time.Time) (*interfaces.Claim, error) {
	claim := &interfaces.Claim{
		ID:          uuid.NewString(),
		SecretID:    secretID,
		Kind:        kind,
		PeriodStart: periodStart,
		ClaimedAt:   time.Now(),
	}

	won, err := tryClaimScript.Run(ctx, l.client,
		[]string{l.key(secretID, kind, periodStart)},
		claim.ID, l.staleTimeout.Milliseconds(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("ledger: claiming: %w", err)
	}
	if won == 0 {
		return nil, interfaces.ErrAlreadyClaimed
	}
	return claim, nil
}

// MarkSent implements interfaces.ReminderLedger.
func (l *RedisLedger) MarkSent(ctx context.Context, claim *interfaces.Claim) error {
	return l.finalize(ctx, claim, string(interfaces.ClaimSent))
}

// MarkFailed implements interfaces.ReminderLedger.
func (l *RedisLedger) MarkFailed(ctx context.Context, claim *interfaces.Claim, retryable bool) error {
	if retryable {
		return l.finalize(ctx, claim, "delete")
	}
	return l.finalize(ctx, claim, string(interfaces.ClaimFailed))
}

func (l *RedisLedger) finalize(ctx context.Context, claim *interfaces.Claim, state string) error {
	ok, err := finalizeScript.Run(ctx, l.client,
		[]string{l.key(claim.SecretID, claim.Kind, claim.PeriodStart)},
		claim.ID, state, l.retention.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("ledger: finalizing claim: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("ledger: claim %s expired or was superseded", claim.ID)
	}
	return nil
}

// Close implements interfaces.ReminderLedger.
func (l *RedisLedger) Close() error {
	return l.client.Close()
}
