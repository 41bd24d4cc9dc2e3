package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes for routing state in Redis.
const (
	cursorKeyPrefix   = "relaypool:cursor:"
	lastUsedKeyPrefix = "relaypool:lastused:"
	failoverKeyPrefix = "relaypool:failover:"
)

// lastUsedTTL bounds how long idle account stamps are kept.
const lastUsedTTL = 24 * time.Hour

// RedisStateStore shares routing state across nodes through Redis.
type RedisStateStore struct {
	client *redis.Client
}

// NewRedisStateStore constructs a RedisStateStore over an existing client.
func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// NextCursor atomically advances the round-robin pointer via INCR.
func (s *RedisStateStore) NextCursor(ctx context.Context, groupID uint64, serviceType string) (uint64, error) {
	if s == nil || s.client == nil {
		return 0, errors.New("store: nil redis client")
	}
	key := fmt.Sprintf("%s%d:%s", cursorKeyPrefix, groupID, serviceType)
	value, errIncr := s.client.Incr(ctx, key).Result()
	if errIncr != nil {
		return 0, fmt.Errorf("store: advance cursor: %w", errIncr)
	}
	return uint64(value), nil
}

// TouchAccount stamps the account as used at the given time.
func (s *RedisStateStore) TouchAccount(ctx context.Context, accountID uint64, at time.Time) error {
	if s == nil || s.client == nil {
		return errors.New("store: nil redis client")
	}
	key := fmt.Sprintf("%s%d", lastUsedKeyPrefix, accountID)
	if errSet := s.client.Set(ctx, key, at.UnixMilli(), lastUsedTTL).Err(); errSet != nil {
		return fmt.Errorf("store: touch account: %w", errSet)
	}
	return nil
}

// LastUsed returns the account's last-used stamp, zero when unknown.
func (s *RedisStateStore) LastUsed(ctx context.Context, accountID uint64) (time.Time, error) {
	if s == nil || s.client == nil {
		return time.Time{}, errors.New("store: nil redis client")
	}
	key := fmt.Sprintf("%s%d", lastUsedKeyPrefix, accountID)
	millis, errGet := s.client.Get(ctx, key).Int64()
	if errGet != nil {
		if errors.Is(errGet, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("store: load last used: %w", errGet)
	}
	return time.UnixMilli(millis), nil
}

// LoadFailoverState returns the failover state, zero value when absent.
func (s *RedisStateStore) LoadFailoverState(ctx context.Context, groupID uint64, serviceType string) (FailoverState, error) {
	if s == nil || s.client == nil {
		return FailoverState{}, errors.New("store: nil redis client")
	}
	key := fmt.Sprintf("%s%d:%s", failoverKeyPrefix, groupID, serviceType)
	payload, errGet := s.client.Get(ctx, key).Bytes()
	if errGet != nil {
		if errors.Is(errGet, redis.Nil) {
			return FailoverState{}, nil
		}
		return FailoverState{}, fmt.Errorf("store: load failover state: %w", errGet)
	}
	var state FailoverState
	if errUnmarshal := json.Unmarshal(payload, &state); errUnmarshal != nil {
		return FailoverState{}, fmt.Errorf("store: decode failover state: %w", errUnmarshal)
	}
	return state, nil
}

// SaveFailoverState stores the failover state with the given expiry.
func (s *RedisStateStore) SaveFailoverState(ctx context.Context, groupID uint64, serviceType string, state FailoverState, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return errors.New("store: nil redis client")
	}
	payload, errMarshal := json.Marshal(state)
	if errMarshal != nil {
		return fmt.Errorf("store: encode failover state: %w", errMarshal)
	}
	key := fmt.Sprintf("%s%d:%s", failoverKeyPrefix, groupID, serviceType)
	if errSet := s.client.Set(ctx, key, payload, ttl).Err(); errSet != nil {
		return fmt.Errorf("store: save failover state: %w", errSet)
	}
	return nil
}

// Ensure RedisStateStore implements StateStore.
var _ StateStore = (*RedisStateStore)(nil)
