package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"einvoice-gateway/internal/domain"
)

// pqRestrictViolation is raised by the append-only trigger on document_events.
const pqRestrictViolation = "23001"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ---- event store ----

const eventColumns = `seq, id, tenant_id, document_id, event_type, previous_state, new_state,
	actor, actor_type, event_data, correlation_id, occurred_at`

func scanEvent(row rowScanner) (domain.DocumentEvent, error) {
	var (
		ev            domain.DocumentEvent
		previous      sql.NullString
		correlationID sql.NullString
		data          []byte
	)
	if err := row.Scan(
		&ev.Seq,
		&ev.ID,
		&ev.TenantID,
		&ev.DocumentID,
		&ev.EventType,
		&previous,
		&ev.NewState,
		&ev.Actor,
		&ev.ActorType,
		&data,
		&correlationID,
		&ev.OccurredAt,
	); err != nil {
		return domain.DocumentEvent{}, err
	}
	if previous.Valid {
		ev.PreviousState = domain.StatePtr(domain.DocumentState(previous.String))
	}
	if correlationID.Valid {
		ev.CorrelationID = &correlationID.String
	}
	ev.EventData = data
	ev.OccurredAt = ev.OccurredAt.UTC()
	return ev, nil
}

func (s *PostgresStore) LastEvent(ctx context.Context, documentID string) (*domain.DocumentEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM document_events
		WHERE document_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, documentID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// AppendEvent moves document_heads and appends the event in one transaction.
// The head row is the concurrency guard: a first event may only insert it, a
// later event may only update it while current_state still equals
// ev.PreviousState.
func (s *PostgresStore) AppendEvent(ctx context.Context, ev domain.DocumentEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var res sql.Result
	if ev.PreviousState == nil {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO document_heads (document_id, tenant_id, current_state, event_count, last_event_id, updated_at)
			VALUES ($1, $2, $3, 1, $4, $5)
			ON CONFLICT (document_id) DO NOTHING
		`, ev.DocumentID, ev.TenantID, ev.NewState, ev.ID, ev.OccurredAt)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE document_heads
			SET current_state = $3, event_count = event_count + 1, last_event_id = $4, updated_at = $5
			WHERE document_id = $1 AND current_state = $2
		`, ev.DocumentID, *ev.PreviousState, ev.NewState, ev.ID, ev.OccurredAt)
	}
	if err != nil {
		return fmt.Errorf("advance document head: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return &domain.StaleStateError{DocumentID: ev.DocumentID, Expected: ev.PreviousState}
	}

	var previous any
	if ev.PreviousState != nil {
		previous = string(*ev.PreviousState)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO document_events (id, tenant_id, document_id, event_type, previous_state, new_state,
			actor, actor_type, event_data, correlation_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11)
	`, ev.ID, ev.TenantID, ev.DocumentID, ev.EventType, previous, ev.NewState,
		ev.Actor, ev.ActorType, jsonOrEmpty(ev.EventData), ev.CorrelationID, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) ListDocumentEvents(ctx context.Context, documentID string, limit, offset int) ([]domain.DocumentEvent, error) {
	q := `SELECT ` + eventColumns + ` FROM document_events WHERE document_id = $1 ORDER BY seq ASC`
	q, args := appendPaging(q, []any{documentID}, limit, offset)
	return s.queryEvents(ctx, q, args...)
}

func (s *PostgresStore) CountDocumentEvents(ctx context.Context, documentID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_events WHERE document_id = $1`, documentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) QueryEvents(ctx context.Context, filter domain.EventFilter) ([]domain.DocumentEvent, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if filter.DocumentID != "" {
		add("document_id = $%d", filter.DocumentID)
	}
	if len(filter.EventTypes) > 0 {
		types := make([]string, 0, len(filter.EventTypes))
		for _, t := range filter.EventTypes {
			types = append(types, string(t))
		}
		add("event_type = ANY($%d)", pq.Array(types))
	}
	if filter.Actor != "" {
		add("actor = $%d", filter.Actor)
	}
	if filter.From != nil {
		add("occurred_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("occurred_at <= $%d", *filter.To)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_events`+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}
	q, pagedArgs := appendPaging(`SELECT `+eventColumns+` FROM document_events`+cond+` ORDER BY seq ASC`, args, filter.Limit, filter.Offset)
	events, err := s.queryEvents(ctx, q, pagedArgs...)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (s *PostgresStore) queryEvents(ctx context.Context, query string, args ...any) ([]domain.DocumentEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.DocumentEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// UpdateEvent and DeleteEvent go through to the database so the trigger,
// not application code, enforces immutability.
func (s *PostgresStore) UpdateEvent(ctx context.Context, ev domain.DocumentEvent) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE document_events SET event_data = $2::jsonb, new_state = $3 WHERE id = $1
	`, ev.ID, jsonOrEmpty(ev.EventData), ev.NewState)
	return appendOnlyError(err)
}

func (s *PostgresStore) DeleteEvent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM document_events WHERE id = $1`, id)
	return appendOnlyError(err)
}

func appendOnlyError(err error) error {
	if err == nil {
		// No row matched the id.
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && (pqErr.Code == pqRestrictViolation || pqErr.Code == "42501") {
		return fmt.Errorf("%w: %s", domain.ErrEventStoreAppendOnly, pqErr.Message)
	}
	return err
}

// ---- work queue ----

const queueColumns = `id, document_id, tenant_id, operation_type, priority, status, scheduled_at,
	started_at, completed_at, retry_count, max_retries, next_retry_at, last_error, result_payload,
	created_at, updated_at`

func scanQueueItem(row rowScanner) (domain.QueueItem, error) {
	var (
		item                              domain.QueueItem
		startedAt, completedAt, nextRetry sql.NullTime
		lastError                         sql.NullString
		result                            []byte
	)
	if err := row.Scan(
		&item.ID,
		&item.DocumentID,
		&item.TenantID,
		&item.OperationType,
		&item.Priority,
		&item.Status,
		&item.ScheduledAt,
		&startedAt,
		&completedAt,
		&item.RetryCount,
		&item.MaxRetries,
		&nextRetry,
		&lastError,
		&result,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return domain.QueueItem{}, err
	}
	item.StartedAt = timePtr(startedAt)
	item.CompletedAt = timePtr(completedAt)
	item.NextRetryAt = timePtr(nextRetry)
	if lastError.Valid {
		item.LastError = &lastError.String
	}
	if len(result) > 0 {
		item.ResultPayload = result
	}
	return item, nil
}

func (s *PostgresStore) InsertQueueItem(ctx context.Context, item domain.QueueItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submission_queue (id, document_id, tenant_id, operation_type, priority, status,
			scheduled_at, retry_count, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, item.ID, item.DocumentID, item.TenantID, item.OperationType, item.Priority, item.Status,
		item.ScheduledAt, item.RetryCount, item.MaxRetries, item.CreatedAt, item.UpdatedAt)
	return err
}

func (s *PostgresStore) GetQueueItem(ctx context.Context, id string) (domain.QueueItem, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.QueueItem{}, domain.ErrQueueItemNotFound
	}
	item, err := scanQueueItem(s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM submission_queue WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueItem{}, domain.ErrQueueItemNotFound
	}
	return item, err
}

func (s *PostgresStore) NextPendingQueueItem(ctx context.Context, now time.Time) (*domain.QueueItem, error) {
	item, err := scanQueueItem(s.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+`
		FROM submission_queue
		WHERE status = 'PENDING'
		  AND GREATEST(scheduled_at, COALESCE(next_retry_at, scheduled_at)) <= $1
		ORDER BY CASE priority WHEN 'HIGH' THEN 0 WHEN 'NORMAL' THEN 1 ELSE 2 END,
		         scheduled_at, created_at, id
		LIMIT 1
	`, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ClaimQueueItem is the compare-and-set PENDING to PROCESSING; concurrent
// callers serialize on the row lock and only one sees a row affected.
func (s *PostgresStore) ClaimQueueItem(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE submission_queue
		SET status = 'PROCESSING', started_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'PENDING'
	`, id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *PostgresStore) CompleteQueueItem(ctx context.Context, id string, result json.RawMessage, now time.Time) error {
	return s.updateClaimed(ctx, id, `
		UPDATE submission_queue
		SET status = 'COMPLETED', completed_at = $2, result_payload = $3::jsonb, updated_at = $2
		WHERE id = $1 AND status = 'PROCESSING'
	`, id, now, nullJSON(result))
}

func (s *PostgresStore) RescheduleQueueItem(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string, now time.Time, claimedBefore *time.Time) error {
	return s.updateClaimed(ctx, id, `
		UPDATE submission_queue
		SET status = 'PENDING', retry_count = $2, next_retry_at = $3, last_error = $4,
		    started_at = NULL, updated_at = $5
		WHERE id = $1 AND status = 'PROCESSING'
		  AND ($6::timestamptz IS NULL OR started_at < $6)
	`, id, retryCount, nextRetryAt, lastError, now, nullTime(claimedBefore))
}

func (s *PostgresStore) FailQueueItem(ctx context.Context, id string, retryCount int, lastError string, now time.Time, claimedBefore *time.Time) error {
	return s.updateClaimed(ctx, id, `
		UPDATE submission_queue
		SET status = 'FAILED', retry_count = $2, last_error = $3, next_retry_at = NULL,
		    completed_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'PROCESSING'
		  AND ($5::timestamptz IS NULL OR started_at < $5)
	`, id, retryCount, lastError, now, nullTime(claimedBefore))
}

// updateClaimed runs a PROCESSING-guarded update and tells a missing row
// apart from one that is no longer claimed.
func (s *PostgresStore) updateClaimed(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetQueueItem(ctx, id); err != nil {
		return err
	}
	return domain.ErrQueueItemNotClaimed
}

func (s *PostgresStore) ListQueueItems(ctx context.Context, filter domain.QueueFilter) ([]domain.QueueItem, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.TenantID != "" {
		add("q.tenant_id = $%d", filter.TenantID)
	}
	if filter.DocumentID != "" {
		add("q.document_id = $%d", filter.DocumentID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		add("q.status = ANY($%d)", pq.Array(statuses))
	}
	if filter.StartedBefore != nil {
		add("q.started_at < $%d", *filter.StartedBefore)
	}
	if filter.WithoutDeadLetter {
		where = append(where, "NOT EXISTS (SELECT 1 FROM dead_letter_queue d WHERE d.original_queue_id = q.id)")
	}

	query := `SELECT ` + prefixColumns("q.", queueColumns) + ` FROM submission_queue q`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY q.created_at, q.id"
	query, args = appendPaging(query, args, filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.QueueItem, 0)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const deadLetterColumns = `id, original_queue_id, document_id, tenant_id, operation_type, reason,
	retry_count, error_context, created_at`

func scanDeadLetter(row rowScanner) (domain.DeadLetterItem, error) {
	var dl domain.DeadLetterItem
	var errorContext []byte
	if err := row.Scan(
		&dl.ID,
		&dl.OriginalQueueID,
		&dl.DocumentID,
		&dl.TenantID,
		&dl.OperationType,
		&dl.Reason,
		&dl.RetryCount,
		&errorContext,
		&dl.CreatedAt,
	); err != nil {
		return domain.DeadLetterItem{}, err
	}
	dl.ErrorContext = errorContext
	return dl, nil
}

// InsertDeadLetter returns the existing row with created=false when the
// queue item was already dead-lettered.
func (s *PostgresStore) InsertDeadLetter(ctx context.Context, dl domain.DeadLetterItem) (domain.DeadLetterItem, bool, error) {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	inserted, err := scanDeadLetter(s.db.QueryRowContext(ctx, `
		INSERT INTO dead_letter_queue (id, original_queue_id, document_id, tenant_id, operation_type,
			reason, retry_count, error_context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
		ON CONFLICT (original_queue_id) DO NOTHING
		RETURNING `+deadLetterColumns,
		dl.ID, dl.OriginalQueueID, dl.DocumentID, dl.TenantID, dl.OperationType,
		dl.Reason, dl.RetryCount, jsonOrEmpty(dl.ErrorContext), dl.CreatedAt))
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.DeadLetterItem{}, false, err
	}
	existing, err := scanDeadLetter(s.db.QueryRowContext(ctx, `
		SELECT `+deadLetterColumns+` FROM dead_letter_queue WHERE original_queue_id = $1
	`, dl.OriginalQueueID))
	if err != nil {
		return domain.DeadLetterItem{}, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]domain.DeadLetterItem, error) {
	query, args := appendPaging(`
		SELECT `+deadLetterColumns+`
		FROM dead_letter_queue
		WHERE ($1::text = '' OR tenant_id = $1)
		ORDER BY created_at ASC`, []any{tenantID}, limit, 0)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.DeadLetterItem, 0)
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *PostgresStore) PurgeCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM submission_queue
		WHERE status = 'COMPLETED' AND completed_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) QueueStats(ctx context.Context, tenantID string) (domain.QueueStats, error) {
	stats := domain.QueueStats{TenantID: tenantID, Counts: emptyCounts()}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM submission_queue
		WHERE ($1::text = '' OR tenant_id = $1)
		GROUP BY status
	`, tenantID)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var status domain.QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		stats.Counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM (completed_at - started_at)))
		FROM submission_queue
		WHERE status = 'COMPLETED' AND started_at IS NOT NULL AND completed_at IS NOT NULL
		  AND ($1::text = '' OR tenant_id = $1)
	`, tenantID).Scan(&avg); err != nil {
		return stats, fmt.Errorf("average processing time: %w", err)
	}
	stats.AvgProcessingSeconds = avg.Float64

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dead_letter_queue WHERE ($1::text = '' OR tenant_id = $1)
	`, tenantID).Scan(&stats.DeadLetters); err != nil {
		return stats, fmt.Errorf("count dead letters: %w", err)
	}
	return stats, nil
}

// ---- idempotency ----

const idempotencyColumns = `tenant_id, key, canonical_hash, status, result_ref, result, created_at, updated_at`

func scanIdempotency(row rowScanner) (domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	var resultRef sql.NullString
	var result []byte
	if err := row.Scan(
		&rec.TenantID,
		&rec.Key,
		&rec.CanonicalHash,
		&rec.Status,
		&resultRef,
		&result,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	rec.ResultRef = resultRef.String
	if len(result) > 0 {
		rec.Result = result
	}
	return rec, nil
}

func (s *PostgresStore) ReserveIdempotencyKey(ctx context.Context, rec domain.IdempotencyRecord) (*domain.IdempotencyRecord, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (tenant_id, key, canonical_hash, status, result_ref, created_at, updated_at)
		VALUES ($1, $2, $3, 'PENDING', NULLIF($4, ''), $5, $6)
		ON CONFLICT (tenant_id, key) DO NOTHING
	`, rec.TenantID, rec.Key, rec.CanonicalHash, rec.ResultRef, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return nil, false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, false, err
	} else if n == 1 {
		return nil, true, nil
	}
	existing, err := s.GetIdempotencyKey(ctx, rec.TenantID, rec.Key)
	if err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

func (s *PostgresStore) ReacquireIdempotencyKey(ctx context.Context, tenantID, key string, staleBefore, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = 'PENDING', updated_at = $4
		WHERE tenant_id = $1 AND key = $2
		  AND (status = 'FAILED' OR (status = 'PENDING' AND updated_at < $3))
	`, tenantID, key, staleBefore, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *PostgresStore) CompleteIdempotencyKey(ctx context.Context, tenantID, key, resultRef string, result json.RawMessage, now time.Time) error {
	return s.finishIdempotency(ctx, tenantID, key, domain.IdempotencyCompleted, resultRef, result, now)
}

func (s *PostgresStore) FailIdempotencyKey(ctx context.Context, tenantID, key, resultRef string, now time.Time) error {
	return s.finishIdempotency(ctx, tenantID, key, domain.IdempotencyFailed, resultRef, nil, now)
}

func (s *PostgresStore) finishIdempotency(ctx context.Context, tenantID, key string, status domain.IdempotencyStatus, resultRef string, result json.RawMessage, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $3,
		    result_ref = COALESCE(NULLIF($4, ''), result_ref),
		    result = COALESCE($5::jsonb, result),
		    updated_at = $6
		WHERE tenant_id = $1 AND key = $2
	`, tenantID, key, status, resultRef, nullJSON(result), now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrIdempotencyNotFound
	}
	return nil
}

func (s *PostgresStore) GetIdempotencyKey(ctx context.Context, tenantID, key string) (domain.IdempotencyRecord, error) {
	rec, err := scanIdempotency(s.db.QueryRowContext(ctx, `
		SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE tenant_id = $1 AND key = $2
	`, tenantID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyNotFound
	}
	return rec, err
}

// ---- circuit breakers ----

const breakerColumns = `service_name, state, failure_count, success_count, last_failure_at,
	opened_at, trial_started_at, updated_at`

func scanBreaker(row rowScanner) (domain.CircuitBreakerState, error) {
	var (
		st                            domain.CircuitBreakerState
		lastFailure, opened, trialled sql.NullTime
	)
	if err := row.Scan(
		&st.ServiceName,
		&st.State,
		&st.FailureCount,
		&st.SuccessCount,
		&lastFailure,
		&opened,
		&trialled,
		&st.UpdatedAt,
	); err != nil {
		return domain.CircuitBreakerState{}, err
	}
	st.LastFailureAt = timePtr(lastFailure)
	st.OpenedAt = timePtr(opened)
	st.TrialStartedAt = timePtr(trialled)
	return st, nil
}

func (s *PostgresStore) GetBreaker(ctx context.Context, serviceName string) (domain.CircuitBreakerState, error) {
	st, err := scanBreaker(s.db.QueryRowContext(ctx, `
		SELECT `+breakerColumns+` FROM circuit_breakers WHERE service_name = $1
	`, serviceName))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewClosedBreaker(serviceName, time.Time{}), nil
	}
	return st, err
}

// UpdateBreaker serializes writers on the service row with SELECT ... FOR
// UPDATE. The row is created CLOSED on first use.
func (s *PostgresStore) UpdateBreaker(ctx context.Context, serviceName string, fn func(*domain.CircuitBreakerState) error) (domain.CircuitBreakerState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.CircuitBreakerState{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO circuit_breakers (service_name, state, updated_at)
		VALUES ($1, 'CLOSED', NOW())
		ON CONFLICT (service_name) DO NOTHING
	`, serviceName); err != nil {
		return domain.CircuitBreakerState{}, err
	}
	st, err := scanBreaker(tx.QueryRowContext(ctx, `
		SELECT `+breakerColumns+` FROM circuit_breakers WHERE service_name = $1 FOR UPDATE
	`, serviceName))
	if err != nil {
		return domain.CircuitBreakerState{}, err
	}
	if err := fn(&st); err != nil {
		return st, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE circuit_breakers
		SET state = $2, failure_count = $3, success_count = $4, last_failure_at = $5,
		    opened_at = $6, trial_started_at = $7, updated_at = $8
		WHERE service_name = $1
	`, serviceName, st.State, st.FailureCount, st.SuccessCount, st.LastFailureAt,
		st.OpenedAt, st.TrialStartedAt, st.UpdatedAt); err != nil {
		return domain.CircuitBreakerState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CircuitBreakerState{}, err
	}
	return st, nil
}

func (s *PostgresStore) ListBreakers(ctx context.Context) ([]domain.CircuitBreakerState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+breakerColumns+` FROM circuit_breakers ORDER BY service_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.CircuitBreakerState, 0)
	for rows.Next() {
		st, err := scanBreaker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ---- helpers ----

func appendPaging(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func jsonOrEmpty(b json.RawMessage) string {
	if len(b) == 0 {
		return "{}"
	}
	return string(b)
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
