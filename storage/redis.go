package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keyfall/keyfall/interfaces"
)

const (
	secretKeyPrefix = "secret:"
	activeSetKey    = "secrets:active"
	deadlineZSetKey = "secrets:deadlines"

	// casRetries bounds optimistic transaction retries under contention.
	casRetries = 3
)

// RedisStore is the production SecretStore. Conditional updates run inside
// WATCH transactions keyed by the secret, so concurrent check-ins and
// disclosure transitions for the same secret serialize cleanly.
type RedisStore struct {
	client *redis.Client
}

var _ interfaces.SecretStore = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(options *redis.Options) (*RedisStore, error) {
	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("storage: connecting to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func secretKey(id interfaces.SecretID) string {
	return secretKeyPrefix + string(id)
}

// Create implements interfaces.SecretStore.
func (s *RedisStore) Create(ctx context.Context, secret *interfaces.Secret) error {
	if err := secret.Validate(); err != nil {
		return fmt.Errorf("storage: invalid secret: %w", err)
	}

	stored := secret.Clone()
	stored.Version = 1
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("storage: encoding secret: %w", err)
	}

	ok, err := s.client.SetNX(ctx, secretKey(secret.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("storage: writing secret: %w", err)
	}
	if !ok {
		return fmt.Errorf("storage: secret %s already exists", secret.ID)
	}

	if stored.Status == interfaces.StatusActive {
		if err := s.indexActive(ctx, stored); err != nil {
			return err
		}
	}
	secret.Version = stored.Version
	return nil
}

// Get implements interfaces.SecretStore.
func (s *RedisStore) Get(ctx context.Context, id interfaces.SecretID) (*interfaces.Secret, error) {
	data, err := s.client.Get(ctx, secretKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, interfaces.ErrSecretNotFound
		}
		return nil, fmt.Errorf("storage: reading secret: %w", err)
	}
	return decodeSecret(data)
}

// Update implements interfaces.SecretStore. Runs as an optimistic WATCH
// transaction: the write aborts if the record changed after it was read, and
// a version mismatch surfaces as ErrVersionConflict.
func (s *RedisStore) Update(ctx context.Context, secret *interfaces.Secret) error {
	key := secretKey(secret.ID)
	var committed uint64

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return interfaces.ErrSecretNotFound
			}
			return err
		}
		stored, err := decodeSecret(data)
		if err != nil {
			return err
		}
		if stored.Version != secret.Version {
			return interfaces.ErrVersionConflict
		}

		next := secret.Clone()
		next.Version = stored.Version + 1
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("storage: encoding secret: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			if next.Status == interfaces.StatusActive {
				pipe.SAdd(ctx, activeSetKey, string(next.ID))
				pipe.ZAdd(ctx, deadlineZSetKey, redis.Z{
					Score:  float64(next.NextCheckIn.UnixMilli()),
					Member: string(next.ID),
				})
			} else {
				pipe.SRem(ctx, activeSetKey, string(next.ID))
				pipe.ZRem(ctx, deadlineZSetKey, string(next.ID))
			}
			return nil
		})
		if err != nil {
			return err
		}
		committed = next.Version
		return nil
	}

	for i := 0; i < casRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			secret.Version = committed
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return interfaces.ErrVersionConflict
}

// ListActive implements interfaces.SecretStore.
func (s *RedisStore) ListActive(ctx context.Context) ([]*interfaces.Secret, error) {
	ids, err := s.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: listing active ids: %w", err)
	}
	return s.fetchAll(ctx, ids)
}

// ListDue implements interfaces.SecretStore.
func (s *RedisStore) ListDue(ctx context.Context, now time.Time) ([]*interfaces.Secret, error) {
	ids, err := s.client.ZRangeByScore(ctx, deadlineZSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: querying deadline index: %w", err)
	}
	return s.fetchAll(ctx, ids)
}

func (s *RedisStore) fetchAll(ctx context.Context, ids []string) ([]*interfaces.Secret, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = secretKeyPrefix + id
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: fetching secrets: %w", err)
	}

	secrets := make([]*interfaces.Secret, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Index entry without a record: removed concurrently.
			continue
		}
		secret, err := decodeSecret([]byte(raw))
		if err != nil {
			return nil, err
		}
		secrets = append(secrets, secret)
	}
	return secrets, nil
}

func (s *RedisStore) indexActive(ctx context.Context, secret *interfaces.Secret) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, activeSetKey, string(secret.ID))
		pipe.ZAdd(ctx, deadlineZSetKey, redis.Z{
			Score:  float64(secret.NextCheckIn.UnixMilli()),
			Member: string(secret.ID),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: indexing secret: %w", err)
	}
	return nil
}

// Close implements interfaces.SecretStore.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeSecret(data []byte) (*interfaces.Secret, error) {
	var secret interfaces.Secret
	if err := json.Unmarshal(data, &secret); err != nil {
		return nil, fmt.Errorf("storage: decoding secret: %w", err)
	}
	return &secret, nil
}
