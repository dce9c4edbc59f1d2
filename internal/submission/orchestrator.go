package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"einvoice-gateway/internal/authority"
	"einvoice-gateway/internal/breaker"
	"einvoice-gateway/internal/domain"
	"einvoice-gateway/internal/eventstore"
	"einvoice-gateway/internal/idempotency"
	"einvoice-gateway/internal/logging"
	"einvoice-gateway/internal/metrics"
	"einvoice-gateway/internal/queue"
)

const (
	defaultServiceName    = "tax-authority"
	defaultBatchSize      = 10
	defaultStrandedAfter  = 10 * time.Minute
	defaultStrandedWindow = 7 * 24 * time.Hour
	systemActor           = "submission-worker"
)

// Validator checks the business content of an invoice payload.
type Validator interface {
	Validate(ctx context.Context, payload map[string]any) domain.BusinessValidationResult
}

type ValidatorFunc func(payload map[string]any) domain.BusinessValidationResult

func (f ValidatorFunc) Validate(_ context.Context, payload map[string]any) domain.BusinessValidationResult {
	return f(payload)
}

// Formatter maps a stored payload to the document the authority expects.
type Formatter interface {
	Format(ctx context.Context, tenantID, documentID string, payload map[string]any) (json.RawMessage, error)
}

// PassthroughFormatter submits the payload as received.
type PassthroughFormatter struct{}

func (PassthroughFormatter) Format(_ context.Context, _ string, _ string, payload map[string]any) (json.RawMessage, error) {
	return json.Marshal(payload)
}

type Config struct {
	ServiceName string
	BatchSize   int
	// StrandedAfter is how long a VALIDATED document may sit without a queue
	// item before RetryFailedInvoices enqueues it. Only documents validated
	// within StrandedWindow are considered.
	StrandedAfter  time.Duration
	StrandedWindow time.Duration
}

type Orchestrator struct {
	Events    *eventstore.Service
	Guard     *idempotency.Guard
	Queue     *queue.Queue
	Breaker   *breaker.Breaker
	Authority authority.Client
	Validator Validator
	Formatter Formatter
	Logger    logrus.FieldLogger
	Config    Config

	NewDocumentID func() string
	Now           func() time.Time
}

type Deps struct {
	Events    *eventstore.Service
	Guard     *idempotency.Guard
	Queue     *queue.Queue
	Breaker   *breaker.Breaker
	Authority authority.Client
	Validator Validator
	Formatter Formatter
}

func New(deps Deps, cfg Config, logger logrus.FieldLogger) *Orchestrator {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.StrandedAfter <= 0 {
		cfg.StrandedAfter = defaultStrandedAfter
	}
	if cfg.StrandedWindow <= 0 {
		cfg.StrandedWindow = defaultStrandedWindow
	}
	if deps.Validator == nil {
		deps.Validator = ValidatorFunc(domain.ValidateInvoicePayload)
	}
	if deps.Formatter == nil {
		deps.Formatter = PassthroughFormatter{}
	}
	return &Orchestrator{
		Events:        deps.Events,
		Guard:         deps.Guard,
		Queue:         deps.Queue,
		Breaker:       deps.Breaker,
		Authority:     deps.Authority,
		Validator:     deps.Validator,
		Formatter:     deps.Formatter,
		Logger:        logger,
		Config:        cfg,
		NewDocumentID: newDocumentID,
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

// createdData is stored on the CREATED event; queued submissions read the
// payload back from it.
type createdData struct {
	Payload        map[string]any  `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Priority       domain.Priority `json:"priority,omitempty"`
}

// ProcessInvoice validates, records and submits one invoice. Authority
// rejections are reported through the result with a nil error; the document
// then sits in REJECTED.
func (o *Orchestrator) ProcessInvoice(ctx context.Context, req domain.InvoiceRequest) (domain.ProcessResult, error) {
	if err := domain.ValidateRequest(req); err != nil {
		return domain.ProcessResult{}, err
	}
	if res := o.Validator.Validate(ctx, req.Payload); !res.IsValid {
		return domain.ProcessResult{}, &domain.ValidationError{Errors: res.Errors}
	}

	log := o.Logger.WithFields(logrus.Fields{
		"tenant_id":       req.TenantID,
		"idempotency_key": req.IdempotencyKey,
		"correlation_id":  req.CorrelationID,
	})

	// The id is fixed before reserving so the reservation always names the
	// document a takeover has to resume.
	documentID := req.DocumentID
	if documentID == "" {
		documentID = o.NewDocumentID()
	}
	resuming := false
	if req.IdempotencyKey != "" {
		release, err := o.Guard.Lock(ctx, req.TenantID, req.IdempotencyKey)
		defer release()
		if err != nil {
			return domain.ProcessResult{}, err
		}
		outcome, err := o.Guard.CheckOrReserve(ctx, req.TenantID, req.IdempotencyKey, req.Payload, documentID)
		if err != nil {
			return domain.ProcessResult{}, err
		}
		if !outcome.IsNew {
			return o.cachedResult(ctx, outcome), nil
		}
		if outcome.ResultRef != "" {
			documentID, resuming = outcome.ResultRef, true
		}
	}
	log = log.WithField("document_id", documentID)

	result, owned, err := o.processDocument(ctx, req, documentID, resuming)
	if err != nil {
		if req.IdempotencyKey != "" {
			ref := ""
			if owned {
				ref = documentID
			}
			if failErr := o.Guard.Fail(ctx, req.TenantID, req.IdempotencyKey, ref); failErr != nil {
				log.WithError(failErr).Error("release idempotency key failed")
			}
		}
		return domain.ProcessResult{}, err
	}

	if req.IdempotencyKey != "" {
		if err := o.Guard.Complete(ctx, req.TenantID, req.IdempotencyKey, documentID, result); err != nil {
			log.WithError(err).Error("complete idempotency key failed")
		}
	}
	log.WithFields(logrus.Fields{"status": result.Status, "queued": result.Queued}).Info("invoice processed")
	return result, nil
}

// processDocument reports owned=true once documentID holds a document this
// call created or resumed, so a failed attempt can be resumed later.
func (o *Orchestrator) processDocument(ctx context.Context, req domain.InvoiceRequest, documentID string, resuming bool) (domain.ProcessResult, bool, error) {
	state, owned, err := o.prepareDocument(ctx, req, documentID, resuming)
	if err != nil {
		return domain.ProcessResult{}, owned, err
	}
	if state != domain.StateValidated {
		// A resumed document already got past submission.
		success := state == domain.StateSubmitted || state == domain.StateAccepted
		return domain.ProcessResult{Success: success, InvoiceID: documentID, Status: state}, owned, nil
	}

	if !req.Async {
		open, err := o.Breaker.IsOpen(ctx, o.Config.ServiceName)
		if err != nil {
			return domain.ProcessResult{}, owned, fmt.Errorf("check circuit breaker: %w", err)
		}
		if !open {
			result, err := o.submitNow(ctx, req, documentID)
			return result, owned, err
		}
	}
	result, err := o.enqueue(ctx, req.TenantID, documentID, req.Priority, "")
	return result, owned, err
}

// prepareDocument drives the document to VALIDATED, creating it when needed,
// and returns the state it ends in.
func (o *Orchestrator) prepareDocument(ctx context.Context, req domain.InvoiceRequest, documentID string, resuming bool) (domain.DocumentState, bool, error) {
	state := domain.DocumentState("")
	if resuming {
		view, err := o.Document(ctx, req.TenantID, documentID)
		switch {
		case errors.Is(err, domain.ErrDocumentNotFound):
		case err != nil:
			return "", false, err
		default:
			state = view.CurrentState
		}
	}

	if state == "" {
		_, err := o.Events.Emit(ctx, eventstore.EmitInput{
			TenantID:   req.TenantID,
			DocumentID: documentID,
			EventType:  domain.EventCreated,
			NewState:   domain.StateDraft,
			Actor:      req.Actor,
			ActorType:  req.ActorType,
			EventData: createdData{
				Payload:        req.Payload,
				IdempotencyKey: req.IdempotencyKey,
				Priority:       req.Priority,
			},
			CorrelationID: req.CorrelationID,
		})
		if err != nil {
			return "", false, err
		}
		state = domain.StateDraft
	}

	if state == domain.StateDraft {
		_, err := o.Events.Emit(ctx, eventstore.EmitInput{
			TenantID:      req.TenantID,
			DocumentID:    documentID,
			EventType:     domain.EventValidated,
			NewState:      domain.StateValidated,
			Actor:         req.Actor,
			ActorType:     req.ActorType,
			EventData:     map[string]any{"validation": "passed"},
			CorrelationID: req.CorrelationID,
		})
		if err != nil {
			return "", true, err
		}
		state = domain.StateValidated
	}
	return state, true, nil
}

func (o *Orchestrator) submitNow(ctx context.Context, req domain.InvoiceRequest, documentID string) (domain.ProcessResult, error) {
	resp, err := o.submit(ctx, req.TenantID, documentID, req.Payload)
	if err == nil {
		state, err := o.recordSubmission(ctx, req.TenantID, documentID, resp, req.Actor, req.ActorType, req.CorrelationID)
		if err != nil {
			return domain.ProcessResult{}, err
		}
		return domain.ProcessResult{Success: true, InvoiceID: documentID, Status: state, ReferenceID: resp.ReferenceID}, nil
	}

	var rejection *domain.RejectionError
	if errors.As(err, &rejection) && !rejection.Transient {
		if err := o.recordRejection(ctx, req.TenantID, documentID, rejection, req.Actor, req.ActorType, req.CorrelationID); err != nil {
			return domain.ProcessResult{}, err
		}
		return domain.ProcessResult{
			Success:   false,
			InvoiceID: documentID,
			Status:    domain.StateRejected,
			Message:   rejection.Error(),
		}, nil
	}

	// An open circuit means the authority was never called, so the invoice is
	// queued even without FallbackToQueue.
	var open *domain.CircuitOpenError
	if req.FallbackToQueue || errors.As(err, &open) {
		o.Logger.WithFields(logrus.Fields{
			"tenant_id":   req.TenantID,
			"document_id": documentID,
		}).WithError(err).Warn("synchronous submission failed; falling back to queue")
		return o.enqueue(ctx, req.TenantID, documentID, req.Priority, err.Error())
	}
	return domain.ProcessResult{}, fmt.Errorf("submit document %s: %w", documentID, err)
}

func (o *Orchestrator) enqueue(ctx context.Context, tenantID, documentID string, priority domain.Priority, reason string) (domain.ProcessResult, error) {
	queueID, err := o.Queue.Enqueue(ctx, documentID, tenantID, domain.OperationSubmit, queue.EnqueueOptions{Priority: priority})
	if err != nil {
		return domain.ProcessResult{}, err
	}
	msg := "queued for submission"
	if reason != "" {
		msg = "queued after failed submission: " + reason
	}
	return domain.ProcessResult{
		Success:   true,
		InvoiceID: documentID,
		Status:    domain.StateValidated,
		Queued:    true,
		QueueID:   queueID,
		Message:   msg,
	}, nil
}

// submit sends the document through the circuit breaker.
func (o *Orchestrator) submit(ctx context.Context, tenantID, documentID string, payload map[string]any) (authority.SubmitResponse, error) {
	doc, err := o.Formatter.Format(ctx, tenantID, documentID, payload)
	if err != nil {
		return authority.SubmitResponse{}, &domain.ValidationError{Errors: []string{"format: " + err.Error()}}
	}

	var resp authority.SubmitResponse
	start := time.Now()
	err = o.Breaker.Execute(ctx, o.Config.ServiceName, func(ctx context.Context) error {
		var callErr error
		resp, callErr = o.Authority.Submit(ctx, authority.SubmitRequest{
			TenantID:   tenantID,
			DocumentID: documentID,
			Document:   doc,
		})
		return callErr
	})
	metrics.SubmissionDuration.WithLabelValues(submissionOutcome(err)).Observe(time.Since(start).Seconds())
	return resp, err
}

func (o *Orchestrator) recordSubmission(ctx context.Context, tenantID, documentID string, resp authority.SubmitResponse, actor string, actorType domain.ActorType, correlationID string) (domain.DocumentState, error) {
	data := map[string]any{"reference_id": resp.ReferenceID, "authority_status": resp.Status}
	if _, err := o.Events.Emit(ctx, eventstore.EmitInput{
		TenantID:      tenantID,
		DocumentID:    documentID,
		EventType:     domain.EventSubmitted,
		NewState:      domain.StateSubmitted,
		Actor:         actor,
		ActorType:     actorType,
		EventData:     data,
		CorrelationID: correlationID,
	}); err != nil {
		return "", err
	}
	if resp.Status != authority.StatusAccepted {
		return domain.StateSubmitted, nil
	}
	if _, err := o.Events.Emit(ctx, eventstore.EmitInput{
		TenantID:      tenantID,
		DocumentID:    documentID,
		EventType:     domain.EventAccepted,
		NewState:      domain.StateAccepted,
		Actor:         actor,
		ActorType:     actorType,
		EventData:     data,
		CorrelationID: correlationID,
	}); err != nil {
		return "", err
	}
	return domain.StateAccepted, nil
}

// recordRejection appends SUBMITTED then REJECTED: the authority received the
// document and refused it.
func (o *Orchestrator) recordRejection(ctx context.Context, tenantID, documentID string, rejection *domain.RejectionError, actor string, actorType domain.ActorType, correlationID string) error {
	data := map[string]any{"code": rejection.Code, "reason": rejection.Reason}
	if _, err := o.Events.Emit(ctx, eventstore.EmitInput{
		TenantID:      tenantID,
		DocumentID:    documentID,
		EventType:     domain.EventSubmitted,
		NewState:      domain.StateSubmitted,
		Actor:         actor,
		ActorType:     actorType,
		EventData:     map[string]any{"authority_status": authority.StatusRejected},
		CorrelationID: correlationID,
	}); err != nil {
		return err
	}
	_, err := o.Events.Emit(ctx, eventstore.EmitInput{
		TenantID:      tenantID,
		DocumentID:    documentID,
		EventType:     domain.EventRejected,
		NewState:      domain.StateRejected,
		Actor:         actor,
		ActorType:     actorType,
		EventData:     data,
		CorrelationID: correlationID,
	})
	return err
}

// cachedResult replays a completed idempotent call. The stored result is
// returned with its status refreshed from the event log.
func (o *Orchestrator) cachedResult(ctx context.Context, outcome idempotency.Outcome) domain.ProcessResult {
	var result domain.ProcessResult
	if len(outcome.Result) > 0 {
		if err := json.Unmarshal(outcome.Result, &result); err != nil {
			o.Logger.WithError(err).Warn("decode cached idempotent result failed")
		}
	}
	if result.InvoiceID == "" {
		result.InvoiceID = outcome.ResultRef
	}
	if result.InvoiceID != "" {
		if state, err := o.Events.CurrentState(ctx, result.InvoiceID); err == nil {
			result.Status = state
		}
	}
	result.Cached = true
	return result
}

func submissionOutcome(err error) string {
	if err == nil {
		return "success"
	}
	var (
		rejection *domain.RejectionError
		open      *domain.CircuitOpenError
		timeout   *domain.TimeoutError
	)
	switch {
	case errors.As(err, &rejection):
		return "rejected"
	case errors.As(err, &open):
		return "circuit_open"
	case errors.As(err, &timeout):
		return "timeout"
	}
	return "error"
}

func (o *Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now().UTC()
	}
	return o.Now()
}

func newDocumentID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
