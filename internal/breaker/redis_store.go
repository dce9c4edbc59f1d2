package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"einvoice-gateway/internal/domain"
)

const (
	redisKeyPrefix  = "einvoice:breaker:"
	redisIndexKey   = "einvoice:breakers"
	maxWatchRetries = 100
)

// RedisStore keeps breaker records as JSON strings, one key per service.
// Updates use WATCH/MULTI so concurrent workers never lose a transition.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) GetBreaker(ctx context.Context, serviceName string) (domain.CircuitBreakerState, error) {
	return s.read(ctx, s.client, serviceName)
}

func (s *RedisStore) UpdateBreaker(ctx context.Context, serviceName string, fn func(*domain.CircuitBreakerState) error) (domain.CircuitBreakerState, error) {
	key := redisKeyPrefix + serviceName
	var result domain.CircuitBreakerState

	txf := func(tx *redis.Tx) error {
		st, err := s.read(ctx, tx, serviceName)
		if err != nil {
			return err
		}
		if err := fn(&st); err != nil {
			result = st
			return err
		}
		raw, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal breaker: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			pipe.SAdd(ctx, redisIndexKey, serviceName)
			return nil
		})
		if err == nil {
			result = st
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return result, err
	}
	return result, fmt.Errorf("update breaker %s: too much contention", serviceName)
}

func (s *RedisStore) ListBreakers(ctx context.Context) ([]domain.CircuitBreakerState, error) {
	names, err := s.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list breakers: %w", err)
	}
	sort.Strings(names)
	out := make([]domain.CircuitBreakerState, 0, len(names))
	for _, name := range names {
		st, err := s.read(ctx, s.client, name)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *RedisStore) read(ctx context.Context, c redis.Cmdable, serviceName string) (domain.CircuitBreakerState, error) {
	raw, err := c.Get(ctx, redisKeyPrefix+serviceName).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.NewClosedBreaker(serviceName, time.Time{}), nil
	}
	if err != nil {
		return domain.CircuitBreakerState{}, fmt.Errorf("get breaker %s: %w", serviceName, err)
	}
	var st domain.CircuitBreakerState
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.CircuitBreakerState{}, fmt.Errorf("decode breaker %s: %w", serviceName, err)
	}
	return st, nil
}
