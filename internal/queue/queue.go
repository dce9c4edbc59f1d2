package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"einvoice-gateway/internal/domain"
	"einvoice-gateway/internal/logging"
	"einvoice-gateway/internal/metrics"
)

// Store persists queue rows. ClaimQueueItem is the exclusivity point: it must
// flip PENDING to PROCESSING in one conditional write and report whether this
// caller won. Complete/Reschedule/Fail only apply to PROCESSING rows and
// return domain.ErrQueueItemNotClaimed otherwise. A non-nil claimedBefore
// further limits Reschedule/Fail to rows whose started_at is earlier.
// InsertDeadLetter is keyed by the original queue id and returns the existing
// row when one is present.
type Store interface {
	InsertQueueItem(ctx context.Context, item domain.QueueItem) error
	GetQueueItem(ctx context.Context, id string) (domain.QueueItem, error)
	NextPendingQueueItem(ctx context.Context, now time.Time) (*domain.QueueItem, error)
	ClaimQueueItem(ctx context.Context, id string, now time.Time) (bool, error)
	CompleteQueueItem(ctx context.Context, id string, result json.RawMessage, now time.Time) error
	RescheduleQueueItem(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string, now time.Time, claimedBefore *time.Time) error
	FailQueueItem(ctx context.Context, id string, retryCount int, lastError string, now time.Time, claimedBefore *time.Time) error
	ListQueueItems(ctx context.Context, filter domain.QueueFilter) ([]domain.QueueItem, error)
	InsertDeadLetter(ctx context.Context, dl domain.DeadLetterItem) (domain.DeadLetterItem, bool, error)
	ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]domain.DeadLetterItem, error)
	PurgeCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	QueueStats(ctx context.Context, tenantID string) (domain.QueueStats, error)
}

// Notifier is told about every new dead letter.
type Notifier interface {
	PublishDeadLetter(ctx context.Context, dl domain.DeadLetterItem) error
}

type Config struct {
	MaxRetries int
	Backoff    Backoff
}

type Queue struct {
	Store    Store
	Notifier Notifier
	Logger   logrus.FieldLogger
	Now      func() time.Time
	Config   Config
}

func New(store Store, cfg Config, logger logrus.FieldLogger) *Queue {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Queue{
		Store:  store,
		Logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
		Config: cfg,
	}
}

type EnqueueOptions struct {
	Priority    domain.Priority
	ScheduledAt *time.Time
	MaxRetries  int
}

func (q *Queue) Enqueue(ctx context.Context, documentID, tenantID, operationType string, opts EnqueueOptions) (string, error) {
	if documentID == "" || tenantID == "" || operationType == "" {
		return "", &domain.ValidationError{Errors: []string{"enqueue: document_id, tenant_id and operation_type are required"}}
	}
	priority := opts.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	if !domain.ValidPriority(priority) {
		return "", &domain.ValidationError{Errors: []string{fmt.Sprintf("priority: unknown %q", priority)}}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.Config.MaxRetries
	}

	now := q.now()
	scheduledAt := now
	if opts.ScheduledAt != nil {
		scheduledAt = opts.ScheduledAt.UTC()
	}

	item := domain.QueueItem{
		ID:            newQueueID(),
		DocumentID:    documentID,
		TenantID:      tenantID,
		OperationType: operationType,
		Priority:      priority,
		Status:        domain.QueuePending,
		ScheduledAt:   scheduledAt,
		MaxRetries:    maxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := q.Store.InsertQueueItem(ctx, item); err != nil {
		return "", fmt.Errorf("insert queue item: %w", err)
	}
	q.Logger.WithFields(logrus.Fields{
		"queue_id":    item.ID,
		"tenant_id":   tenantID,
		"document_id": documentID,
		"priority":    priority,
	}).Debug("queue item enqueued")
	return item.ID, nil
}

// GetNextPending returns the highest-priority eligible item without claiming
// it, or nil when nothing is due.
func (q *Queue) GetNextPending(ctx context.Context) (*domain.QueueItem, error) {
	item, err := q.Store.NextPendingQueueItem(ctx, q.now())
	if err != nil {
		return nil, fmt.Errorf("next pending: %w", err)
	}
	return item, nil
}

// MarkAsProcessing claims the item. Exactly one concurrent caller gets true.
func (q *Queue) MarkAsProcessing(ctx context.Context, id string) (bool, error) {
	ok, err := q.Store.ClaimQueueItem(ctx, id, q.now())
	if err != nil {
		return false, fmt.Errorf("claim queue item: %w", err)
	}
	return ok, nil
}

func (q *Queue) MarkAsCompleted(ctx context.Context, id string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal queue result: %w", err)
	}
	if err := q.Store.CompleteQueueItem(ctx, id, raw, q.now()); err != nil {
		return fmt.Errorf("complete queue item %s: %w", id, err)
	}
	metrics.QueueOutcomes.WithLabelValues("completed").Inc()
	return nil
}

// MarkAsFailed records a failed attempt. Retryability is decided by the
// caller; the queue never inspects the error. The item returns to PENDING
// with a backoff delay while retries remain, otherwise it becomes FAILED.
func (q *Queue) MarkAsFailed(ctx context.Context, id string, cause string, retryable bool) (domain.QueueItem, error) {
	return q.markFailed(ctx, id, cause, retryable, nil)
}

func (q *Queue) markFailed(ctx context.Context, id string, cause string, retryable bool, claimedBefore *time.Time) (domain.QueueItem, error) {
	item, err := q.Store.GetQueueItem(ctx, id)
	if err != nil {
		return domain.QueueItem{}, fmt.Errorf("load queue item %s: %w", id, err)
	}
	if item.Status != domain.QueueProcessing || !claimedEarlier(item, claimedBefore) {
		return item, fmt.Errorf("fail queue item %s: %w", id, domain.ErrQueueItemNotClaimed)
	}

	now := q.now()
	next := item.RetryCount + 1
	fields := logrus.Fields{
		"queue_id":    id,
		"tenant_id":   item.TenantID,
		"document_id": item.DocumentID,
		"retry_count": next,
		"max_retries": item.MaxRetries,
	}

	if retryable && next < item.MaxRetries {
		at := now.Add(q.Config.Backoff.Delay(next))
		if err := q.Store.RescheduleQueueItem(ctx, id, next, at, cause, now, claimedBefore); err != nil {
			return item, fmt.Errorf("reschedule queue item %s: %w", id, err)
		}
		metrics.QueueOutcomes.WithLabelValues("retried").Inc()
		q.Logger.WithFields(fields).WithField("next_retry_at", at).Info("queue item rescheduled")
		item.Status = domain.QueuePending
		item.RetryCount = next
		item.NextRetryAt = &at
		item.LastError = &cause
		item.StartedAt = nil
		item.UpdatedAt = now
		return item, nil
	}

	if err := q.Store.FailQueueItem(ctx, id, next, cause, now, claimedBefore); err != nil {
		return item, fmt.Errorf("fail queue item %s: %w", id, err)
	}
	metrics.QueueOutcomes.WithLabelValues("failed").Inc()
	q.Logger.WithFields(fields).WithField("retryable", retryable).Warn("queue item failed")
	item.Status = domain.QueueFailed
	item.RetryCount = next
	item.NextRetryAt = nil
	item.LastError = &cause
	item.CompletedAt = &now
	item.UpdatedAt = now
	return item, nil
}

// Release hands a claimed item back to PENDING without spending a retry. It
// becomes eligible again at retryAt. Used when the attempt never reached the
// authority.
func (q *Queue) Release(ctx context.Context, id string, retryAt time.Time, cause string) (domain.QueueItem, error) {
	item, err := q.Store.GetQueueItem(ctx, id)
	if err != nil {
		return domain.QueueItem{}, fmt.Errorf("load queue item %s: %w", id, err)
	}
	if item.Status != domain.QueueProcessing {
		return item, fmt.Errorf("release queue item %s: %w", id, domain.ErrQueueItemNotClaimed)
	}
	now := q.now()
	if retryAt.Before(now) {
		retryAt = now
	}
	if err := q.Store.RescheduleQueueItem(ctx, id, item.RetryCount, retryAt, cause, now, nil); err != nil {
		return item, fmt.Errorf("release queue item %s: %w", id, err)
	}
	metrics.QueueOutcomes.WithLabelValues("released").Inc()
	q.Logger.WithFields(logrus.Fields{
		"queue_id":      id,
		"tenant_id":     item.TenantID,
		"document_id":   item.DocumentID,
		"retry_count":   item.RetryCount,
		"next_retry_at": retryAt,
	}).Info("queue item released")
	item.Status = domain.QueuePending
	item.NextRetryAt = &retryAt
	item.LastError = &cause
	item.StartedAt = nil
	item.UpdatedAt = now
	return item, nil
}

// MoveToDLQ copies a FAILED item into the dead-letter store. The queue row is
// left as it is. Calling it twice yields the same dead letter.
func (q *Queue) MoveToDLQ(ctx context.Context, id string) (domain.DeadLetterItem, error) {
	item, err := q.Store.GetQueueItem(ctx, id)
	if err != nil {
		return domain.DeadLetterItem{}, fmt.Errorf("load queue item %s: %w", id, err)
	}
	if item.Status != domain.QueueFailed {
		return domain.DeadLetterItem{}, fmt.Errorf("queue item %s is %s: %w", id, item.Status, domain.ErrQueueItemNotFailed)
	}

	reason := "retries exhausted"
	if item.LastError != nil && *item.LastError != "" {
		reason = *item.LastError
	}
	errCtx, err := json.Marshal(map[string]any{
		"last_error":     reason,
		"retry_count":    item.RetryCount,
		"max_retries":    item.MaxRetries,
		"priority":       item.Priority,
		"operation_type": item.OperationType,
		"scheduled_at":   item.ScheduledAt,
		"started_at":     item.StartedAt,
		"failed_at":      item.CompletedAt,
	})
	if err != nil {
		return domain.DeadLetterItem{}, fmt.Errorf("marshal error context: %w", err)
	}

	dl, created, err := q.Store.InsertDeadLetter(ctx, domain.DeadLetterItem{
		ID:              newQueueID(),
		OriginalQueueID: item.ID,
		DocumentID:      item.DocumentID,
		TenantID:        item.TenantID,
		OperationType:   item.OperationType,
		Reason:          reason,
		RetryCount:      item.RetryCount,
		ErrorContext:    errCtx,
		CreatedAt:       q.now(),
	})
	if err != nil {
		return domain.DeadLetterItem{}, fmt.Errorf("insert dead letter: %w", err)
	}
	if !created {
		return dl, nil
	}

	metrics.DeadLetters.Inc()
	q.Logger.WithFields(logrus.Fields{
		"queue_id":    item.ID,
		"tenant_id":   item.TenantID,
		"document_id": item.DocumentID,
		"reason":      reason,
	}).Warn("queue item moved to dead-letter queue")
	if q.Notifier != nil {
		if err := q.Notifier.PublishDeadLetter(ctx, dl); err != nil {
			q.Logger.WithField("queue_id", item.ID).WithError(err).Warn("publish dead letter failed")
		}
	}
	return dl, nil
}

// PurgeOldItems deletes COMPLETED items finished more than retentionDays ago.
func (q *Queue) PurgeOldItems(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 0 {
		return 0, &domain.ValidationError{Errors: []string{"retention_days: must not be negative"}}
	}
	cutoff := q.now().AddDate(0, 0, -retentionDays)
	n, err := q.Store.PurgeCompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge completed items: %w", err)
	}
	if n > 0 {
		q.Logger.WithFields(logrus.Fields{"removed": n, "cutoff": cutoff}).Info("purged completed queue items")
	}
	return n, nil
}

// GetQueueStats reports counts by status. An empty tenantID covers all tenants.
func (q *Queue) GetQueueStats(ctx context.Context, tenantID string) (domain.QueueStats, error) {
	stats, err := q.Store.QueueStats(ctx, tenantID)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	label := tenantID
	if label == "" {
		label = "all"
	}
	for status, n := range stats.Counts {
		metrics.QueueDepth.WithLabelValues(label, string(status)).Set(float64(n))
	}
	return stats, nil
}

// ReapStale returns PROCESSING items whose claim is older than staleAfter to
// the retry path, as if the crashed holder had reported a retryable failure.
func (q *Queue) ReapStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := q.now().Add(-staleAfter)
	items, err := q.Store.ListQueueItems(ctx, domain.QueueFilter{
		Statuses:      []domain.QueueStatus{domain.QueueProcessing},
		StartedBefore: &cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale items: %w", err)
	}

	reaped := 0
	for _, item := range items {
		// A row reclaimed since the listing has a fresh started_at and is left alone.
		updated, err := q.markFailed(ctx, item.ID, "processing lease expired", true, &cutoff)
		if errors.Is(err, domain.ErrQueueItemNotClaimed) {
			continue
		}
		if err != nil {
			return reaped, err
		}
		reaped++
		metrics.QueueOutcomes.WithLabelValues("reaped").Inc()
		if updated.Status == domain.QueueFailed {
			if _, err := q.MoveToDLQ(ctx, item.ID); err != nil {
				return reaped, err
			}
		}
	}
	return reaped, nil
}

// PromoteFailed dead-letters FAILED items that have no dead letter yet.
func (q *Queue) PromoteFailed(ctx context.Context, limit int) (int, error) {
	items, err := q.Store.ListQueueItems(ctx, domain.QueueFilter{
		Statuses:          []domain.QueueStatus{domain.QueueFailed},
		WithoutDeadLetter: true,
		Limit:             limit,
	})
	if err != nil {
		return 0, fmt.Errorf("list failed items: %w", err)
	}
	promoted := 0
	for _, item := range items {
		if _, err := q.MoveToDLQ(ctx, item.ID); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

func (q *Queue) ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]domain.DeadLetterItem, error) {
	return q.Store.ListDeadLetters(ctx, tenantID, limit)
}

func (q *Queue) ListItems(ctx context.Context, filter domain.QueueFilter) ([]domain.QueueItem, error) {
	return q.Store.ListQueueItems(ctx, filter)
}

func (q *Queue) Get(ctx context.Context, id string) (domain.QueueItem, error) {
	return q.Store.GetQueueItem(ctx, id)
}

func claimedEarlier(item domain.QueueItem, before *time.Time) bool {
	return before == nil || (item.StartedAt != nil && item.StartedAt.Before(*before))
}

func (q *Queue) now() time.Time {
	if q.Now == nil {
		return time.Now().UTC()
	}
	return q.Now()
}

func newQueueID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
