package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"einvoice-gateway/internal/domain"
)

// MemoryStore implements every repository in process. It backs the test
// suites and STORAGE_BACKEND=memory; a single mutex gives the same
// conditional-write guarantees the Postgres store gets from row locks.
type MemoryStore struct {
	mu sync.Mutex

	events      []domain.DocumentEvent
	heads       map[string]domain.DocumentState
	queue       map[string]domain.QueueItem
	deadLetters map[string]domain.DeadLetterItem
	idempotency map[string]domain.IdempotencyRecord
	breakers    map[string]domain.CircuitBreakerState
	seq         int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		heads:       make(map[string]domain.DocumentState),
		queue:       make(map[string]domain.QueueItem),
		deadLetters: make(map[string]domain.DeadLetterItem),
		idempotency: make(map[string]domain.IdempotencyRecord),
		breakers:    make(map[string]domain.CircuitBreakerState),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// ---- event store ----

func (m *MemoryStore) LastEvent(_ context.Context, documentID string) (*domain.DocumentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].DocumentID == documentID {
			ev := m.events[i]
			return &ev, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, ev domain.DocumentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	head, exists := m.heads[ev.DocumentID]
	switch {
	case ev.PreviousState == nil && exists:
		return &domain.StaleStateError{DocumentID: ev.DocumentID}
	case ev.PreviousState != nil && (!exists || head != *ev.PreviousState):
		return &domain.StaleStateError{DocumentID: ev.DocumentID, Expected: ev.PreviousState}
	}

	m.seq++
	ev.Seq = m.seq
	m.events = append(m.events, ev)
	m.heads[ev.DocumentID] = ev.NewState
	return nil
}

func (m *MemoryStore) ListDocumentEvents(_ context.Context, documentID string, limit, offset int) ([]domain.DocumentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DocumentEvent, 0)
	for _, ev := range m.events {
		if ev.DocumentID == documentID {
			out = append(out, ev)
		}
	}
	return paginate(out, limit, offset), nil
}

func (m *MemoryStore) CountDocumentEvents(_ context.Context, documentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.DocumentID == documentID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) QueryEvents(_ context.Context, filter domain.EventFilter) ([]domain.DocumentEvent, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	types := make(map[domain.EventType]bool, len(filter.EventTypes))
	for _, t := range filter.EventTypes {
		types[t] = true
	}
	matched := make([]domain.DocumentEvent, 0)
	for _, ev := range m.events {
		if filter.TenantID != "" && ev.TenantID != filter.TenantID {
			continue
		}
		if filter.DocumentID != "" && ev.DocumentID != filter.DocumentID {
			continue
		}
		if len(types) > 0 && !types[ev.EventType] {
			continue
		}
		if filter.Actor != "" && ev.Actor != filter.Actor {
			continue
		}
		if filter.From != nil && ev.OccurredAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && ev.OccurredAt.After(*filter.To) {
			continue
		}
		matched = append(matched, ev)
	}
	return paginate(matched, filter.Limit, filter.Offset), len(matched), nil
}

// UpdateEvent and DeleteEvent exist so the append-only guarantee can be
// exercised against both stores; they always refuse.
func (m *MemoryStore) UpdateEvent(context.Context, domain.DocumentEvent) error {
	return domain.ErrEventStoreAppendOnly
}

func (m *MemoryStore) DeleteEvent(context.Context, string) error {
	return domain.ErrEventStoreAppendOnly
}

// ---- work queue ----

func (m *MemoryStore) InsertQueueItem(_ context.Context, item domain.QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queue[item.ID]; ok {
		return fmt.Errorf("queue item %s already exists", item.ID)
	}
	m.queue[item.ID] = item
	return nil
}

func (m *MemoryStore) GetQueueItem(_ context.Context, id string) (domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.queue[id]
	if !ok {
		return domain.QueueItem{}, domain.ErrQueueItemNotFound
	}
	return item, nil
}

func (m *MemoryStore) NextPendingQueueItem(_ context.Context, now time.Time) (*domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *domain.QueueItem
	for _, item := range m.queue {
		if item.Status != domain.QueuePending || item.EligibleAt().After(now) {
			continue
		}
		if best == nil || lessQueued(item, *best) {
			candidate := item
			best = &candidate
		}
	}
	return best, nil
}

func lessQueued(a, b domain.QueueItem) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() < b.Priority.Rank()
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (m *MemoryStore) ClaimQueueItem(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.queue[id]
	if !ok || item.Status != domain.QueuePending {
		return false, nil
	}
	item.Status = domain.QueueProcessing
	item.StartedAt = &now
	item.UpdatedAt = now
	m.queue[id] = item
	return true, nil
}

func (m *MemoryStore) CompleteQueueItem(_ context.Context, id string, result json.RawMessage, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, err := m.claimedLocked(id)
	if err != nil {
		return err
	}
	item.Status = domain.QueueCompleted
	item.CompletedAt = &now
	item.ResultPayload = result
	item.UpdatedAt = now
	m.queue[id] = item
	return nil
}

func (m *MemoryStore) RescheduleQueueItem(_ context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string, now time.Time, claimedBefore *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, err := m.claimedBeforeLocked(id, claimedBefore)
	if err != nil {
		return err
	}
	item.Status = domain.QueuePending
	item.RetryCount = retryCount
	item.NextRetryAt = &nextRetryAt
	item.LastError = &lastError
	item.StartedAt = nil
	item.UpdatedAt = now
	m.queue[id] = item
	return nil
}

func (m *MemoryStore) FailQueueItem(_ context.Context, id string, retryCount int, lastError string, now time.Time, claimedBefore *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, err := m.claimedBeforeLocked(id, claimedBefore)
	if err != nil {
		return err
	}
	item.Status = domain.QueueFailed
	item.RetryCount = retryCount
	item.LastError = &lastError
	item.NextRetryAt = nil
	item.CompletedAt = &now
	item.UpdatedAt = now
	m.queue[id] = item
	return nil
}

func (m *MemoryStore) claimedLocked(id string) (domain.QueueItem, error) {
	item, ok := m.queue[id]
	if !ok {
		return domain.QueueItem{}, domain.ErrQueueItemNotFound
	}
	if item.Status != domain.QueueProcessing {
		return domain.QueueItem{}, domain.ErrQueueItemNotClaimed
	}
	return item, nil
}

func (m *MemoryStore) claimedBeforeLocked(id string, before *time.Time) (domain.QueueItem, error) {
	item, err := m.claimedLocked(id)
	if err != nil {
		return item, err
	}
	if before != nil && (item.StartedAt == nil || !item.StartedAt.Before(*before)) {
		return domain.QueueItem{}, domain.ErrQueueItemNotClaimed
	}
	return item, nil
}

func (m *MemoryStore) ListQueueItems(_ context.Context, filter domain.QueueFilter) ([]domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make(map[domain.QueueStatus]bool, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses[s] = true
	}
	promoted := make(map[string]bool, len(m.deadLetters))
	for _, dl := range m.deadLetters {
		promoted[dl.OriginalQueueID] = true
	}

	out := make([]domain.QueueItem, 0)
	for _, item := range m.queue {
		if filter.TenantID != "" && item.TenantID != filter.TenantID {
			continue
		}
		if filter.DocumentID != "" && item.DocumentID != filter.DocumentID {
			continue
		}
		if len(statuses) > 0 && !statuses[item.Status] {
			continue
		}
		if filter.StartedBefore != nil && (item.StartedAt == nil || !item.StartedAt.Before(*filter.StartedBefore)) {
			continue
		}
		if filter.WithoutDeadLetter && promoted[item.ID] {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) InsertDeadLetter(_ context.Context, dl domain.DeadLetterItem) (domain.DeadLetterItem, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.deadLetters[dl.OriginalQueueID]; ok {
		return existing, false, nil
	}
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	m.deadLetters[dl.OriginalQueueID] = dl
	return dl, true, nil
}

func (m *MemoryStore) ListDeadLetters(_ context.Context, tenantID string, limit int) ([]domain.DeadLetterItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DeadLetterItem, 0)
	for _, dl := range m.deadLetters {
		if tenantID != "" && dl.TenantID != tenantID {
			continue
		}
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) PurgeCompletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, item := range m.queue {
		if item.Status != domain.QueueCompleted || item.CompletedAt == nil {
			continue
		}
		if item.CompletedAt.Before(cutoff) {
			delete(m.queue, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) QueueStats(_ context.Context, tenantID string) (domain.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := domain.QueueStats{TenantID: tenantID, Counts: emptyCounts()}
	var total time.Duration
	var completed int
	for _, item := range m.queue {
		if tenantID != "" && item.TenantID != tenantID {
			continue
		}
		stats.Counts[item.Status]++
		if item.Status == domain.QueueCompleted && item.StartedAt != nil && item.CompletedAt != nil {
			total += item.CompletedAt.Sub(*item.StartedAt)
			completed++
		}
	}
	if completed > 0 {
		stats.AvgProcessingSeconds = total.Seconds() / float64(completed)
	}
	for _, dl := range m.deadLetters {
		if tenantID == "" || dl.TenantID == tenantID {
			stats.DeadLetters++
		}
	}
	return stats, nil
}

// ---- idempotency ----

func idemKey(tenantID, key string) string {
	return tenantID + "\x00" + key
}

func (m *MemoryStore) ReserveIdempotencyKey(_ context.Context, rec domain.IdempotencyRecord) (*domain.IdempotencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idemKey(rec.TenantID, rec.Key)
	if existing, ok := m.idempotency[k]; ok {
		return &existing, false, nil
	}
	rec.Status = domain.IdempotencyPending
	m.idempotency[k] = rec
	return nil, true, nil
}

func (m *MemoryStore) ReacquireIdempotencyKey(_ context.Context, tenantID, key string, staleBefore, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idemKey(tenantID, key)
	rec, ok := m.idempotency[k]
	if !ok {
		return false, nil
	}
	reclaimable := rec.Status == domain.IdempotencyFailed ||
		(rec.Status == domain.IdempotencyPending && rec.UpdatedAt.Before(staleBefore))
	if !reclaimable {
		return false, nil
	}
	rec.Status = domain.IdempotencyPending
	rec.UpdatedAt = now
	m.idempotency[k] = rec
	return true, nil
}

func (m *MemoryStore) CompleteIdempotencyKey(_ context.Context, tenantID, key, resultRef string, result json.RawMessage, now time.Time) error {
	return m.finishIdempotency(tenantID, key, domain.IdempotencyCompleted, resultRef, result, now)
}

func (m *MemoryStore) FailIdempotencyKey(_ context.Context, tenantID, key, resultRef string, now time.Time) error {
	return m.finishIdempotency(tenantID, key, domain.IdempotencyFailed, resultRef, nil, now)
}

func (m *MemoryStore) finishIdempotency(tenantID, key string, status domain.IdempotencyStatus, resultRef string, result json.RawMessage, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idemKey(tenantID, key)
	rec, ok := m.idempotency[k]
	if !ok {
		return domain.ErrIdempotencyNotFound
	}
	rec.Status = status
	if resultRef != "" {
		rec.ResultRef = resultRef
	}
	if result != nil {
		rec.Result = result
	}
	rec.UpdatedAt = now
	m.idempotency[k] = rec
	return nil
}

func (m *MemoryStore) GetIdempotencyKey(_ context.Context, tenantID, key string) (domain.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idempotency[idemKey(tenantID, key)]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyNotFound
	}
	return rec, nil
}

// ---- circuit breakers ----

func (m *MemoryStore) GetBreaker(_ context.Context, serviceName string) (domain.CircuitBreakerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.breakers[serviceName]; ok {
		return st, nil
	}
	return domain.NewClosedBreaker(serviceName, time.Time{}), nil
}

func (m *MemoryStore) UpdateBreaker(_ context.Context, serviceName string, fn func(*domain.CircuitBreakerState) error) (domain.CircuitBreakerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.breakers[serviceName]
	if !ok {
		st = domain.NewClosedBreaker(serviceName, time.Time{})
	}
	if err := fn(&st); err != nil {
		return st, err
	}
	m.breakers[serviceName] = st
	return st, nil
}

func (m *MemoryStore) ListBreakers(context.Context) ([]domain.CircuitBreakerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.CircuitBreakerState, 0, len(m.breakers))
	for _, st := range m.breakers {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceName < out[j].ServiceName })
	return out, nil
}

func emptyCounts() map[domain.QueueStatus]int {
	return map[domain.QueueStatus]int{
		domain.QueuePending:    0,
		domain.QueueProcessing: 0,
		domain.QueueCompleted:  0,
		domain.QueueFailed:     0,
	}
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
