package eventstore

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

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	defaultMaxAttempts  = 3
)

// Store is the append-only ledger. AppendEvent must be a conditional write:
// it succeeds only while the document's head still equals ev.PreviousState,
// otherwise it returns *domain.StaleStateError and persists nothing.
type Store interface {
	LastEvent(ctx context.Context, documentID string) (*domain.DocumentEvent, error)
	AppendEvent(ctx context.Context, ev domain.DocumentEvent) error
	ListDocumentEvents(ctx context.Context, documentID string, limit, offset int) ([]domain.DocumentEvent, error)
	CountDocumentEvents(ctx context.Context, documentID string) (int, error)
	QueryEvents(ctx context.Context, filter domain.EventFilter) ([]domain.DocumentEvent, int, error)
}

// Notifier receives every event after it has been durably appended.
type Notifier interface {
	PublishEvent(ctx context.Context, ev domain.DocumentEvent) error
}

type Service struct {
	Store       Store
	Notifier    Notifier
	Logger      logrus.FieldLogger
	Now         func() time.Time
	MaxAttempts int
}

func NewService(store Store, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		Store:       store,
		Logger:      logger,
		Now:         func() time.Time { return time.Now().UTC() },
		MaxAttempts: defaultMaxAttempts,
	}
}

type EmitInput struct {
	TenantID      string
	DocumentID    string
	EventType     domain.EventType
	NewState      domain.DocumentState
	Actor         string
	ActorType     domain.ActorType
	EventData     any
	CorrelationID string
}

// Emit checks the transition against the document's last event and appends.
// A refused transition leaves the log untouched. Lost races are re-read and
// re-checked up to MaxAttempts times.
func (s *Service) Emit(ctx context.Context, in EmitInput) (domain.DocumentEvent, error) {
	if err := validateEmit(in); err != nil {
		return domain.DocumentEvent{}, err
	}
	data, err := marshalEventData(in.EventData)
	if err != nil {
		return domain.DocumentEvent{}, err
	}

	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		last, err := s.Store.LastEvent(ctx, in.DocumentID)
		if err != nil {
			return domain.DocumentEvent{}, fmt.Errorf("load last event: %w", err)
		}

		var previous *domain.DocumentState
		occurredAt := s.now()
		if last != nil {
			if last.TenantID != in.TenantID {
				return domain.DocumentEvent{}, fmt.Errorf("document %s: %w", in.DocumentID, domain.ErrDocumentNotFound)
			}
			previous = domain.StatePtr(last.NewState)
			if occurredAt.Before(last.OccurredAt) {
				occurredAt = last.OccurredAt
			}
		}

		if !domain.IsValidTransition(previous, in.NewState) {
			metrics.TransitionsRefused.WithLabelValues(string(in.NewState)).Inc()
			return domain.DocumentEvent{}, &domain.InvalidTransitionError{DocumentID: in.DocumentID, From: previous, To: in.NewState}
		}

		ev := domain.DocumentEvent{
			ID:            newEventID(),
			TenantID:      in.TenantID,
			DocumentID:    in.DocumentID,
			EventType:     in.EventType,
			PreviousState: previous,
			NewState:      in.NewState,
			Actor:         in.Actor,
			ActorType:     in.ActorType,
			EventData:     data,
			OccurredAt:    occurredAt,
		}
		if in.CorrelationID != "" {
			correlationID := in.CorrelationID
			ev.CorrelationID = &correlationID
		}

		err = s.Store.AppendEvent(ctx, ev)
		var stale *domain.StaleStateError
		if errors.As(err, &stale) {
			metrics.StaleStateRetries.Inc()
			lastErr = err
			continue
		}
		if err != nil {
			return domain.DocumentEvent{}, fmt.Errorf("append event: %w", err)
		}

		metrics.EventsEmitted.WithLabelValues(string(ev.EventType)).Inc()
		s.Logger.WithFields(logrus.Fields{
			"tenant_id":   ev.TenantID,
			"document_id": ev.DocumentID,
			"event_type":  ev.EventType,
			"new_state":   ev.NewState,
		}).Debug("document event appended")
		s.publish(ctx, ev)
		return ev, nil
	}
	return domain.DocumentEvent{}, lastErr
}

// RebuildState replays the document's full log. The log is the only source
// consulted; no cached status is trusted over it.
func (s *Service) RebuildState(ctx context.Context, documentID string) (domain.DocumentStateView, error) {
	events, err := s.Store.ListDocumentEvents(ctx, documentID, 0, 0)
	if err != nil {
		return domain.DocumentStateView{}, fmt.Errorf("list events: %w", err)
	}
	if len(events) == 0 {
		return domain.DocumentStateView{}, fmt.Errorf("document %s: %w", documentID, domain.ErrDocumentNotFound)
	}

	var current *domain.DocumentState
	for _, ev := range events {
		if !domain.IsValidTransition(current, ev.NewState) {
			return domain.DocumentStateView{}, fmt.Errorf("replay document %s: event %s: %w", documentID, ev.ID,
				&domain.InvalidTransitionError{DocumentID: documentID, From: current, To: ev.NewState})
		}
		current = domain.StatePtr(ev.NewState)
	}

	return domain.DocumentStateView{
		DocumentID:   documentID,
		TenantID:     events[0].TenantID,
		CurrentState: *current,
		EventCount:   len(events),
		Timeline:     events,
	}, nil
}

func (s *Service) GetHistory(ctx context.Context, documentID string, limit, offset int) (domain.EventPage, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	total, err := s.Store.CountDocumentEvents(ctx, documentID)
	if err != nil {
		return domain.EventPage{}, fmt.Errorf("count events: %w", err)
	}
	if total == 0 {
		return domain.EventPage{}, fmt.Errorf("document %s: %w", documentID, domain.ErrDocumentNotFound)
	}
	events, err := s.Store.ListDocumentEvents(ctx, documentID, limit, offset)
	if err != nil {
		return domain.EventPage{}, fmt.Errorf("list events: %w", err)
	}
	return domain.EventPage{Events: events, Total: total}, nil
}

func (s *Service) Query(ctx context.Context, filter domain.EventFilter) (domain.EventPage, error) {
	if filter.TenantID == "" {
		return domain.EventPage{}, &domain.ValidationError{Errors: []string{"tenant_id: required"}}
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultHistoryLimit
	}
	if filter.Limit > maxHistoryLimit {
		filter.Limit = maxHistoryLimit
	}
	events, total, err := s.Store.QueryEvents(ctx, filter)
	if err != nil {
		return domain.EventPage{}, fmt.Errorf("query events: %w", err)
	}
	if events == nil {
		events = []domain.DocumentEvent{}
	}
	return domain.EventPage{Events: events, Total: total}, nil
}

// CurrentState is a convenience over RebuildState for callers that only need
// the state itself.
func (s *Service) CurrentState(ctx context.Context, documentID string) (domain.DocumentState, error) {
	view, err := s.RebuildState(ctx, documentID)
	if err != nil {
		return "", err
	}
	return view.CurrentState, nil
}

func (s *Service) publish(ctx context.Context, ev domain.DocumentEvent) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.PublishEvent(ctx, ev); err != nil {
		s.Logger.WithFields(logrus.Fields{
			"document_id": ev.DocumentID,
			"event_id":    ev.ID,
		}).WithError(err).Warn("publish document event failed")
	}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

func validateEmit(in EmitInput) error {
	failed := make([]string, 0)
	if in.TenantID == "" {
		failed = append(failed, "tenant_id: required")
	}
	if in.DocumentID == "" {
		failed = append(failed, "document_id: required")
	}
	if !domain.ValidEventType(in.EventType) {
		failed = append(failed, fmt.Sprintf("event_type: unknown %q", in.EventType))
	}
	if !domain.ValidDocumentState(in.NewState) {
		failed = append(failed, fmt.Sprintf("new_state: unknown %q", in.NewState))
	}
	if in.Actor == "" {
		failed = append(failed, "actor: required")
	}
	if !domain.ValidActorType(in.ActorType) {
		failed = append(failed, fmt.Sprintf("actor_type: unknown %q", in.ActorType))
	}
	if len(failed) > 0 {
		return &domain.ValidationError{Errors: failed}
	}
	return nil
}

func marshalEventData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("event data is not valid json")
		}
		return json.RawMessage(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal event data: %w", err)
		}
		return b, nil
	}
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
