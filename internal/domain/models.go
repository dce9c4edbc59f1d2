package domain

import (
	"encoding/json"
	"time"
)

type DocumentEvent struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq,omitempty"`
	TenantID      string          `json:"tenant_id"`
	DocumentID    string          `json:"document_id"`
	EventType     EventType       `json:"event_type"`
	PreviousState *DocumentState  `json:"previous_state"`
	NewState      DocumentState   `json:"new_state"`
	Actor         string          `json:"actor"`
	ActorType     ActorType       `json:"actor_type"`
	EventData     json.RawMessage `json:"event_data,omitempty"`
	CorrelationID *string         `json:"correlation_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

type DocumentStateView struct {
	DocumentID   string          `json:"document_id"`
	TenantID     string          `json:"tenant_id"`
	CurrentState DocumentState   `json:"current_state"`
	EventCount   int             `json:"event_count"`
	Timeline     []DocumentEvent `json:"timeline"`
}

type EventFilter struct {
	TenantID   string
	DocumentID string
	EventTypes []EventType
	Actor      string
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

type EventPage struct {
	Events []DocumentEvent `json:"events"`
	Total  int             `json:"total"`
}

type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// Rank orders priorities for polling; lower ranks are served first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

func ValidPriority(p Priority) bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

type QueueStatus string

const (
	QueuePending    QueueStatus = "PENDING"
	QueueProcessing QueueStatus = "PROCESSING"
	QueueCompleted  QueueStatus = "COMPLETED"
	QueueFailed     QueueStatus = "FAILED"
)

const OperationSubmit = "SUBMIT"

type QueueItem struct {
	ID            string          `json:"id"`
	DocumentID    string          `json:"document_id"`
	TenantID      string          `json:"tenant_id"`
	OperationType string          `json:"operation_type"`
	Priority      Priority        `json:"priority"`
	Status        QueueStatus     `json:"status"`
	ScheduledAt   time.Time       `json:"scheduled_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	ResultPayload json.RawMessage `json:"result_payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// EligibleAt is the earliest instant a PENDING item may be handed out.
func (q QueueItem) EligibleAt() time.Time {
	if q.NextRetryAt != nil && q.NextRetryAt.After(q.ScheduledAt) {
		return *q.NextRetryAt
	}
	return q.ScheduledAt
}

type DeadLetterItem struct {
	ID              string          `json:"id"`
	OriginalQueueID string          `json:"original_queue_id"`
	DocumentID      string          `json:"document_id"`
	TenantID        string          `json:"tenant_id"`
	OperationType   string          `json:"operation_type"`
	Reason          string          `json:"reason"`
	RetryCount      int             `json:"retry_count"`
	ErrorContext    json.RawMessage `json:"error_context"`
	CreatedAt       time.Time       `json:"created_at"`
}

type QueueStats struct {
	TenantID             string              `json:"tenant_id"`
	Counts               map[QueueStatus]int `json:"counts"`
	AvgProcessingSeconds float64             `json:"avg_processing_seconds"`
	DeadLetters          int                 `json:"dead_letters"`
}

type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "PENDING"
	IdempotencyCompleted IdempotencyStatus = "COMPLETED"
	IdempotencyFailed    IdempotencyStatus = "FAILED"
)

type IdempotencyRecord struct {
	TenantID      string            `json:"tenant_id"`
	Key           string            `json:"key"`
	CanonicalHash string            `json:"canonical_hash"`
	Status        IdempotencyStatus `json:"status"`
	ResultRef     string            `json:"result_ref,omitempty"`
	Result        json.RawMessage   `json:"result,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "CLOSED"
	BreakerOpen     BreakerStatus = "OPEN"
	BreakerHalfOpen BreakerStatus = "HALF_OPEN"
)

type CircuitBreakerState struct {
	ServiceName    string        `json:"service_name"`
	State          BreakerStatus `json:"state"`
	FailureCount   int           `json:"failure_count"`
	SuccessCount   int           `json:"success_count"`
	LastFailureAt  *time.Time    `json:"last_failure_at,omitempty"`
	OpenedAt       *time.Time    `json:"opened_at,omitempty"`
	TrialStartedAt *time.Time    `json:"trial_started_at,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func NewClosedBreaker(serviceName string, now time.Time) CircuitBreakerState {
	return CircuitBreakerState{ServiceName: serviceName, State: BreakerClosed, UpdatedAt: now}
}

type QueueFilter struct {
	TenantID          string
	DocumentID        string
	Statuses          []QueueStatus
	StartedBefore     *time.Time
	WithoutDeadLetter bool
	Limit             int
}
