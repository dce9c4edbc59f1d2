package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDocumentNotFound     = errors.New("document not found")
	ErrQueueItemNotFound    = errors.New("queue item not found")
	ErrDeadLetterNotFound   = errors.New("dead letter not found")
	ErrIdempotencyNotFound  = errors.New("idempotency key not found")
	ErrQueueItemNotFailed   = errors.New("queue item is not in FAILED status")
	ErrQueueItemNotClaimed  = errors.New("queue item is not in PROCESSING status")
	ErrEventStoreAppendOnly = errors.New("document events are append-only")
)

type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed"
	}
	return "validation failed: " + strings.Join(e.Errors, "; ")
}

type InvalidTransitionError struct {
	DocumentID string
	From       *DocumentState
	To         DocumentState
}

func (e *InvalidTransitionError) Error() string {
	from := "(none)"
	if e.From != nil {
		from = string(*e.From)
	}
	return fmt.Sprintf("invalid transition for document %s: %s -> %s", e.DocumentID, from, e.To)
}

// StaleStateError is returned by a store when a conditional append lost a race:
// the document's head no longer matches the expected previous state.
type StaleStateError struct {
	DocumentID string
	Expected   *DocumentState
}

func (e *StaleStateError) Error() string {
	expected := "(none)"
	if e.Expected != nil {
		expected = string(*e.Expected)
	}
	return fmt.Sprintf("stale state for document %s: expected head %s", e.DocumentID, expected)
}

type IdempotencyConflictError struct {
	TenantID string
	Key      string
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q already used with a different payload", e.Key)
}

type IdempotencyPendingError struct {
	TenantID string
	Key      string
}

func (e *IdempotencyPendingError) Error() string {
	return fmt.Sprintf("idempotency key %q is still being processed", e.Key)
}

type CircuitOpenError struct {
	ServiceName string
	RetryAt     time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s until %s", e.ServiceName, e.RetryAt.UTC().Format(time.RFC3339))
}

type TimeoutError struct {
	Operation string
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %v", e.Operation, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// RejectionError is a business verdict from the tax authority. Transient
// rejections (throttling, maintenance windows) may be retried.
type RejectionError struct {
	Code      string
	Reason    string
	Transient bool
}

func (e *RejectionError) Error() string {
	if e.Code == "" {
		return "authority rejected document: " + e.Reason
	}
	return fmt.Sprintf("authority rejected document (%s): %s", e.Code, e.Reason)
}

// PermanentError marks a failure that retrying cannot fix until an operator
// intervenes, such as rejected credentials.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// IsRetryable is the single retry classification used when routing failed
// submissions back to the queue.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		validationErr *ValidationError
		transitionErr *InvalidTransitionError
		conflictErr   *IdempotencyConflictError
		rejectionErr  *RejectionError
		openErr       *CircuitOpenError
		timeoutErr    *TimeoutError
		permanentErr  *PermanentError
	)
	switch {
	case errors.As(err, &validationErr), errors.As(err, &transitionErr), errors.As(err, &conflictErr), errors.As(err, &permanentErr):
		return false
	case errors.As(err, &rejectionErr):
		return rejectionErr.Transient
	case errors.As(err, &openErr), errors.As(err, &timeoutErr):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}
