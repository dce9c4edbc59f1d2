package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"einvoice-gateway/internal/domain"
	"einvoice-gateway/internal/eventstore"
	"einvoice-gateway/internal/queue"
)

// RunResult summarizes one ProcessQueue pass. Released items were handed back
// untouched because the circuit opened.
type RunResult struct {
	Claimed      int `json:"claimed"`
	Completed    int `json:"completed"`
	Skipped      int `json:"skipped"`
	Retried      int `json:"retried"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
	Released     int `json:"released"`
}

// errCircuitOpened stops a ProcessQueue pass once the breaker refuses calls.
var errCircuitOpened = errors.New("circuit opened during queue pass")

// ProcessQueue claims and handles up to BatchSize due items. Items another
// worker claims first are skipped. Nothing is claimed while the authority's
// circuit is open, and a pass stops at the first item the breaker refuses,
// so an outage does not burn retry budgets.
func (o *Orchestrator) ProcessQueue(ctx context.Context) (RunResult, error) {
	var res RunResult
	open, err := o.Breaker.IsOpen(ctx, o.Config.ServiceName)
	if err != nil {
		return res, err
	}
	if open {
		return res, nil
	}
	for polls := 0; res.Claimed < o.Config.BatchSize && polls < 2*o.Config.BatchSize; polls++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		item, err := o.Queue.GetNextPending(ctx)
		if err != nil {
			return res, err
		}
		if item == nil {
			break
		}
		won, err := o.Queue.MarkAsProcessing(ctx, item.ID)
		if err != nil {
			return res, err
		}
		if !won {
			continue
		}
		res.Claimed++
		if err := o.processItem(ctx, *item, &res); err != nil {
			if errors.Is(err, errCircuitOpened) {
				return res, nil
			}
			if errors.Is(err, domain.ErrQueueItemNotClaimed) {
				// Reaped while we held it; the retry path owns it now.
				o.Logger.WithField("queue_id", item.ID).Warn("queue item lost its claim during processing")
				continue
			}
			return res, err
		}
	}
	return res, nil
}

// processItem handles one claimed item. Only store failures are returned;
// submission failures are recorded on the item.
func (o *Orchestrator) processItem(ctx context.Context, item domain.QueueItem, res *RunResult) error {
	log := o.Logger.WithFields(logrus.Fields{
		"queue_id":    item.ID,
		"tenant_id":   item.TenantID,
		"document_id": item.DocumentID,
		"retry_count": item.RetryCount,
	})

	view, err := o.Events.RebuildState(ctx, item.DocumentID)
	if err != nil {
		if errors.Is(err, domain.ErrDocumentNotFound) {
			err = &domain.PermanentError{Err: err}
		}
		return o.failItem(ctx, item, err, res, log)
	}

	switch view.CurrentState {
	case domain.StateSubmitted, domain.StateAccepted, domain.StateRejected, domain.StateCancelled:
		// Already past submission; never call the authority twice.
		res.Skipped++
		log.WithField("state", view.CurrentState).Info("queue item completed without submission")
		return o.Queue.MarkAsCompleted(ctx, item.ID, map[string]any{"status": view.CurrentState, "skipped": true})
	case domain.StateDraft:
		if _, err := o.Events.Emit(ctx, eventstore.EmitInput{
			TenantID:   item.TenantID,
			DocumentID: item.DocumentID,
			EventType:  domain.EventValidated,
			NewState:   domain.StateValidated,
			Actor:      systemActor,
			ActorType:  domain.ActorSystem,
			EventData:  map[string]any{"validation": "passed", "queue_id": item.ID},
		}); err != nil {
			return o.failItem(ctx, item, err, res, log)
		}
	case domain.StateValidated:
	default:
		return o.failItem(ctx, item, &domain.InvalidTransitionError{
			DocumentID: item.DocumentID,
			From:       domain.StatePtr(view.CurrentState),
			To:         domain.StateSubmitted,
		}, res, log)
	}

	payload, correlationID, err := createdPayload(view.Timeline)
	if err != nil {
		return o.failItem(ctx, item, &domain.PermanentError{Err: err}, res, log)
	}
	if vr := o.Validator.Validate(ctx, payload); !vr.IsValid {
		return o.failItem(ctx, item, &domain.ValidationError{Errors: vr.Errors}, res, log)
	}

	resp, err := o.submit(ctx, item.TenantID, item.DocumentID, payload)
	var open *domain.CircuitOpenError
	if errors.As(err, &open) {
		return o.releaseItem(ctx, item, open, res, log)
	}
	if err == nil {
		state, err := o.recordSubmission(ctx, item.TenantID, item.DocumentID, resp, systemActor, domain.ActorSystem, correlationID)
		if err != nil {
			return o.failItem(ctx, item, err, res, log)
		}
		res.Completed++
		log.WithFields(logrus.Fields{"state": state, "reference_id": resp.ReferenceID}).Info("queued document submitted")
		return o.Queue.MarkAsCompleted(ctx, item.ID, map[string]any{"status": state, "reference_id": resp.ReferenceID})
	}

	var rejection *domain.RejectionError
	if errors.As(err, &rejection) && !rejection.Transient {
		if err := o.recordRejection(ctx, item.TenantID, item.DocumentID, rejection, systemActor, domain.ActorSystem, correlationID); err != nil {
			return o.failItem(ctx, item, err, res, log)
		}
		res.Completed++
		log.WithField("reason", rejection.Reason).Info("queued document rejected by authority")
		return o.Queue.MarkAsCompleted(ctx, item.ID, map[string]any{
			"status": domain.StateRejected,
			"code":   rejection.Code,
			"reason": rejection.Reason,
		})
	}
	return o.failItem(ctx, item, err, res, log)
}

func (o *Orchestrator) failItem(ctx context.Context, item domain.QueueItem, cause error, res *RunResult, log logrus.FieldLogger) error {
	updated, err := o.Queue.MarkAsFailed(ctx, item.ID, cause.Error(), domain.IsRetryable(cause))
	if err != nil {
		return err
	}
	if updated.Status != domain.QueueFailed {
		res.Retried++
		log.WithError(cause).Warn("queued submission failed; retry scheduled")
		return nil
	}
	res.Failed++
	log.WithError(cause).Error("queued submission failed permanently")
	if _, err := o.Queue.MoveToDLQ(ctx, item.ID); err != nil {
		return err
	}
	res.DeadLettered++
	return nil
}

// releaseItem returns an item the breaker refused to PENDING with its retry
// count untouched and ends the pass.
func (o *Orchestrator) releaseItem(ctx context.Context, item domain.QueueItem, open *domain.CircuitOpenError, res *RunResult, log logrus.FieldLogger) error {
	if _, err := o.Queue.Release(ctx, item.ID, open.RetryAt, open.Error()); err != nil {
		return err
	}
	res.Released++
	log.WithField("retry_at", open.RetryAt).Info("circuit open; queue item released")
	return errCircuitOpened
}

// RetryFailedInvoices re-enqueues documents whose last queue attempt FAILED
// while the document itself is still VALIDATED, typically after credentials
// or configuration were fixed. VALIDATED documents left without any queue
// item for longer than StrandedAfter, such as a synchronous submission that
// failed without fallback, are enqueued as well. Documents with live queue
// items are left alone. An empty tenantID covers all tenants.
func (o *Orchestrator) RetryFailedInvoices(ctx context.Context, tenantID string) (int, error) {
	failed, err := o.Queue.ListItems(ctx, domain.QueueFilter{
		TenantID: tenantID,
		Statuses: []domain.QueueStatus{domain.QueueFailed},
	})
	if err != nil {
		return 0, err
	}

	seen := make(map[string]bool, len(failed))
	retried := 0
	for _, item := range failed {
		if seen[item.DocumentID] {
			continue
		}
		seen[item.DocumentID] = true
		ok, err := o.requeueIfValidated(ctx, item.DocumentID, item.TenantID, item.Priority)
		if err != nil {
			return retried, err
		}
		if ok {
			retried++
		}
	}

	stranded, err := o.strandedDocuments(ctx, tenantID)
	if err != nil {
		return retried, err
	}
	for _, ev := range stranded {
		if seen[ev.DocumentID] {
			continue
		}
		seen[ev.DocumentID] = true
		ok, err := o.requeueIfValidated(ctx, ev.DocumentID, ev.TenantID, "")
		if err != nil {
			return retried, err
		}
		if ok {
			retried++
		}
	}

	if retried > 0 {
		o.Logger.WithFields(logrus.Fields{"tenant_id": tenantID, "retried": retried}).Info("failed invoices re-enqueued")
	}
	return retried, nil
}

// requeueIfValidated enqueues documentID when it is still VALIDATED and has
// no PENDING or PROCESSING item. An empty priority reuses the one recorded at
// creation.
func (o *Orchestrator) requeueIfValidated(ctx context.Context, documentID, tenantID string, priority domain.Priority) (bool, error) {
	active, err := o.Queue.ListItems(ctx, domain.QueueFilter{
		DocumentID: documentID,
		Statuses:   []domain.QueueStatus{domain.QueuePending, domain.QueueProcessing},
		Limit:      1,
	})
	if err != nil {
		return false, err
	}
	if len(active) > 0 {
		return false, nil
	}
	view, err := o.Events.RebuildState(ctx, documentID)
	if err != nil {
		if errors.Is(err, domain.ErrDocumentNotFound) {
			return false, nil
		}
		return false, err
	}
	if view.CurrentState != domain.StateValidated {
		return false, nil
	}
	if priority == "" {
		priority = createdPriority(view.Timeline)
	}
	if _, err := o.Queue.Enqueue(ctx, documentID, tenantID, domain.OperationSubmit, queue.EnqueueOptions{Priority: priority}); err != nil {
		return false, err
	}
	return true, nil
}

// strandedDocuments lists VALIDATED events recorded between StrandedWindow
// and StrandedAfter ago. A document may appear more than once.
func (o *Orchestrator) strandedDocuments(ctx context.Context, tenantID string) ([]domain.DocumentEvent, error) {
	now := o.now()
	from := now.Add(-o.Config.StrandedWindow)
	to := now.Add(-o.Config.StrandedAfter)
	const pageSize = 500

	var out []domain.DocumentEvent
	for offset := 0; ; offset += pageSize {
		events, _, err := o.Events.Store.QueryEvents(ctx, domain.EventFilter{
			TenantID:   tenantID,
			EventTypes: []domain.EventType{domain.EventValidated},
			From:       &from,
			To:         &to,
			Limit:      pageSize,
			Offset:     offset,
		})
		if err != nil {
			return nil, fmt.Errorf("list validated documents: %w", err)
		}
		out = append(out, events...)
		if len(events) < pageSize {
			return out, nil
		}
	}
}

// ApplyAuthorityDecision records a verdict the authority delivered after
// submission.
func (o *Orchestrator) ApplyAuthorityDecision(ctx context.Context, tenantID, documentID string, accepted bool, code, reason, actor string) (domain.DocumentEvent, error) {
	if _, err := o.Document(ctx, tenantID, documentID); err != nil {
		return domain.DocumentEvent{}, err
	}
	in := eventstore.EmitInput{
		TenantID:   tenantID,
		DocumentID: documentID,
		Actor:      actor,
		ActorType:  domain.ActorAPI,
		EventData:  map[string]any{"code": code, "reason": reason},
	}
	if accepted {
		in.EventType, in.NewState = domain.EventAccepted, domain.StateAccepted
	} else {
		in.EventType, in.NewState = domain.EventRejected, domain.StateRejected
	}
	return o.Events.Emit(ctx, in)
}

// Resubmit moves a REJECTED document back to VALIDATED, typically after the
// payload issue was fixed upstream, and queues it.
func (o *Orchestrator) Resubmit(ctx context.Context, tenantID, documentID, actor string, actorType domain.ActorType, priority domain.Priority) (domain.ProcessResult, error) {
	view, err := o.Document(ctx, tenantID, documentID)
	if err != nil {
		return domain.ProcessResult{}, err
	}
	if view.CurrentState != domain.StateRejected {
		return domain.ProcessResult{}, &domain.InvalidTransitionError{
			DocumentID: documentID,
			From:       domain.StatePtr(view.CurrentState),
			To:         domain.StateValidated,
		}
	}
	if _, err := o.Events.Emit(ctx, eventstore.EmitInput{
		TenantID:   tenantID,
		DocumentID: documentID,
		EventType:  domain.EventValidated,
		NewState:   domain.StateValidated,
		Actor:      actor,
		ActorType:  actorType,
		EventData:  map[string]any{"resubmission": true},
	}); err != nil {
		return domain.ProcessResult{}, err
	}
	return o.enqueue(ctx, tenantID, documentID, priority, "")
}

func (o *Orchestrator) Cancel(ctx context.Context, tenantID, documentID, actor string, actorType domain.ActorType, reason string) (domain.DocumentEvent, error) {
	if _, err := o.Document(ctx, tenantID, documentID); err != nil {
		return domain.DocumentEvent{}, err
	}
	return o.Events.Emit(ctx, eventstore.EmitInput{
		TenantID:   tenantID,
		DocumentID: documentID,
		EventType:  domain.EventCancelled,
		NewState:   domain.StateCancelled,
		Actor:      actor,
		ActorType:  actorType,
		EventData:  map[string]any{"reason": reason},
	})
}

// Document replays a document, hiding documents owned by other tenants.
func (o *Orchestrator) Document(ctx context.Context, tenantID, documentID string) (domain.DocumentStateView, error) {
	view, err := o.Events.RebuildState(ctx, documentID)
	if err != nil {
		return domain.DocumentStateView{}, err
	}
	if tenantID != "" && view.TenantID != tenantID {
		return domain.DocumentStateView{}, fmt.Errorf("document %s: %w", documentID, domain.ErrDocumentNotFound)
	}
	return view, nil
}

func createdPriority(timeline []domain.DocumentEvent) domain.Priority {
	for _, ev := range timeline {
		if ev.EventType != domain.EventCreated {
			continue
		}
		var data createdData
		if err := json.Unmarshal(ev.EventData, &data); err == nil {
			return data.Priority
		}
	}
	return ""
}

func createdPayload(timeline []domain.DocumentEvent) (map[string]any, string, error) {
	for _, ev := range timeline {
		if ev.EventType != domain.EventCreated {
			continue
		}
		var data createdData
		if err := json.Unmarshal(ev.EventData, &data); err != nil {
			return nil, "", fmt.Errorf("decode created event %s: %w", ev.ID, err)
		}
		if len(data.Payload) == 0 {
			return nil, "", fmt.Errorf("created event %s carries no payload", ev.ID)
		}
		correlationID := ""
		if ev.CorrelationID != nil {
			correlationID = *ev.CorrelationID
		}
		return data.Payload, correlationID, nil
	}
	return nil, "", errors.New("document has no CREATED event")
}
