package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bsm/redislock"

	"einvoice-gateway/internal/domain"
)

type Unlock func(ctx context.Context) error

type Locker interface {
	Lock(ctx context.Context, name string) (Unlock, error)
}

// NopLocker relies on the store's atomic reservation alone; concurrent
// duplicates then observe IdempotencyPendingError instead of waiting.
type NopLocker struct{}

func (NopLocker) Lock(context.Context, string) (Unlock, error) {
	return func(context.Context) error { return nil }, nil
}

// RedisLocker makes concurrent duplicates wait for the holder instead of
// failing fast. Lock gives up after Wait and reports the key as pending.
type RedisLocker struct {
	client *redislock.Client
	TTL    time.Duration
	Wait   time.Duration
	Retry  time.Duration
}

func NewRedisLocker(client redislock.RedisClient) *RedisLocker {
	return &RedisLocker{
		client: redislock.New(client),
		TTL:    30 * time.Second,
		Wait:   10 * time.Second,
		Retry:  100 * time.Millisecond,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, name string) (Unlock, error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.Wait)
	defer cancel()

	lock, err := l.client.Obtain(waitCtx, name, l.TTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.Retry),
	})
	if errors.Is(err, redislock.ErrNotObtained) || (err != nil && waitCtx.Err() != nil && ctx.Err() == nil) {
		tenantID, key := splitLockName(name)
		return nil, &domain.IdempotencyPendingError{TenantID: tenantID, Key: key}
	}
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return err
		}
		return nil
	}, nil
}

func splitLockName(name string) (string, string) {
	parts := strings.SplitN(strings.TrimPrefix(name, "idem:"), ":", 2)
	if len(parts) != 2 {
		return "", name
	}
	return parts[0], parts[1]
}
