package idempotency_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"einvoice-gateway/internal/domain"
	"einvoice-gateway/internal/idempotency"
	"einvoice-gateway/internal/storage"
)

func TestCanonicalHashIgnoresFormatting(t *testing.T) {
	a := map[string]any{
		"invoice_number": "INV-1",
		"total_amount":   100.5,
		"lines":          []any{map[string]any{"qty": 2, "price": 10}},
		"issued_at":      "2025-01-20T17:00:00+08:00",
	}
	raw := []byte(`{"issued_at":"2025-01-20T09:00:00Z","lines":[{"price":10.00,"qty":2.0}],"total_amount":100.50,"invoice_number":"INV-1"}`)
	var b map[string]any
	require.NoError(t, json.Unmarshal(raw, &b))

	ha, err := idempotency.CanonicalHash(a)
	require.NoError(t, err)
	hb, err := idempotency.CanonicalHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)

	b["total_amount"] = 100.51
	hc, err := idempotency.CanonicalHash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestCanonicalizeSortsKeys(t *testing.T) {
	out, err := idempotency.Canonicalize(map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1}`, string(out))
}

func newGuard(t *testing.T) (*idempotency.Guard, *time.Time) {
	t.Helper()
	now := time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC)
	g := idempotency.NewGuard(storage.NewMemoryStore(), nil, nil)
	g.Now = func() time.Time { return now }
	g.ReservationTTL = time.Minute
	return g, &now
}

func TestCheckOrReserveLifecycle(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()
	payload := map[string]any{"invoice_number": "INV-1", "total_amount": "10.00"}

	out, err := g.CheckOrReserve(ctx, "tenant-a", "key-1", payload, "")
	require.NoError(t, err)
	assert.True(t, out.IsNew)

	_, err = g.CheckOrReserve(ctx, "tenant-a", "key-1", payload, "")
	var pending *domain.IdempotencyPendingError
	require.ErrorAs(t, err, &pending)

	require.NoError(t, g.Complete(ctx, "tenant-a", "key-1", "doc-1", map[string]string{"invoice_id": "doc-1"}))

	out, err = g.CheckOrReserve(ctx, "tenant-a", "key-1", payload, "")
	require.NoError(t, err)
	assert.False(t, out.IsNew)
	assert.Equal(t, "doc-1", out.ResultRef)
	assert.JSONEq(t, `{"invoice_id":"doc-1"}`, string(out.Result))
}

func TestCheckOrReserveConflict(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	_, err := g.CheckOrReserve(ctx, "tenant-a", "key-1", map[string]any{"total_amount": 10}, "")
	require.NoError(t, err)

	_, err = g.CheckOrReserve(ctx, "tenant-a", "key-1", map[string]any{"total_amount": 11}, "")
	var conflict *domain.IdempotencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "key-1", conflict.Key)
	assert.False(t, domain.IsRetryable(err))
}

func TestKeysAreScopedByTenant(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	a, err := g.CheckOrReserve(ctx, "tenant-a", "key-1", map[string]any{"n": 1}, "")
	require.NoError(t, err)
	b, err := g.CheckOrReserve(ctx, "tenant-b", "key-1", map[string]any{"n": 2}, "")
	require.NoError(t, err)
	assert.True(t, a.IsNew)
	assert.True(t, b.IsNew)
}

func TestFailedReservationResumesDocument(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()
	payload := map[string]any{"n": 1}

	_, err := g.CheckOrReserve(ctx, "tenant-a", "key-1", payload, "")
	require.NoError(t, err)
	require.NoError(t, g.Fail(ctx, "tenant-a", "key-1", "doc-9"))

	out, err := g.CheckOrReserve(ctx, "tenant-a", "key-1", payload, "")
	require.NoError(t, err)
	assert.True(t, out.IsNew)
	assert.Equal(t, "doc-9", out.ResultRef)

	rec, err := g.Get(ctx, "tenant-a", "key-1")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyPending, rec.Status)
}

func TestStalePendingReservationIsTakenOver(t *testing.T) {
	g, now := newGuard(t)
	ctx := context.Background()
	payload := map[string]any{"n": 1}

	first, err := g.CheckOrReserve(ctx, "tenant-a", "key-1", payload, "doc-1")
	require.NoError(t, err)
	assert.True(t, first.IsNew)
	assert.Empty(t, first.ResultRef, "a fresh reservation has nothing to resume")

	*now = now.Add(2 * time.Minute)
	out, err := g.CheckOrReserve(ctx, "tenant-a", "key-1", payload, "doc-2")
	require.NoError(t, err)
	assert.True(t, out.IsNew)
	assert.Equal(t, "doc-1", out.ResultRef, "the crashed holder's document is resumed")
}

func TestConcurrentReservationHasOneOwner(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	const callers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	owners := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := g.CheckOrReserve(ctx, "tenant-a", "key-1", map[string]any{"n": 1}, "")
			if err == nil && out.IsNew {
				mu.Lock()
				owners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, owners)
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLockerSerializesHolders(t *testing.T) {
	_, client := setupTestRedis(t)
	locker := idempotency.NewRedisLocker(client)
	locker.Wait = 200 * time.Millisecond
	locker.Retry = 20 * time.Millisecond
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "idem:tenant-a:key-1")
	require.NoError(t, err)

	_, err = locker.Lock(ctx, "idem:tenant-a:key-1")
	var pending *domain.IdempotencyPendingError
	require.ErrorAs(t, err, &pending)
	assert.Equal(t, "tenant-a", pending.TenantID)
	assert.Equal(t, "key-1", pending.Key)

	require.NoError(t, unlock(ctx))

	unlock, err = locker.Lock(ctx, "idem:tenant-a:key-1")
	require.NoError(t, err)
	require.NoError(t, unlock(ctx))
}

func TestGuardLockWaitsForRelease(t *testing.T) {
	_, client := setupTestRedis(t)
	locker := idempotency.NewRedisLocker(client)
	locker.Retry = 10 * time.Millisecond
	g := idempotency.NewGuard(storage.NewMemoryStore(), locker, nil)
	ctx := context.Background()

	release, err := g.Lock(ctx, "tenant-a", "key-1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		second, err := g.Lock(ctx, "tenant-a", "key-1")
		if err == nil {
			second()
		}
		close(acquired)
	}()

	time.Sleep(50 * time.Millisecond)
	release()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second holder never acquired the lock")
	}
}
