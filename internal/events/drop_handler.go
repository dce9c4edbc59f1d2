package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"einvoice-gateway/internal/domain"
	"einvoice-gateway/internal/logging"
)

const dropActor = "erp-drop"

type ObjectReader interface {
	GetObject(ctx context.Context, objectKey string) ([]byte, error)
}

type InvoiceProcessor interface {
	ProcessInvoice(ctx context.Context, req domain.InvoiceRequest) (domain.ProcessResult, error)
}

// dropEnvelope is the optional wrapper an ERP may put around the invoice. A
// file without a "payload" member is treated as the bare invoice.
type dropEnvelope struct {
	Payload       map[string]any  `json:"payload"`
	DocumentID    string          `json:"document_id"`
	Priority      domain.Priority `json:"priority"`
	CorrelationID string          `json:"correlation_id"`
}

type DropHandler struct {
	Objects  ObjectReader
	Invoices InvoiceProcessor
	Logger   logrus.FieldLogger
}

func NewDropHandler(objects ObjectReader, invoices InvoiceProcessor, logger logrus.FieldLogger) *DropHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &DropHandler{Objects: objects, Invoices: invoices, Logger: logger}
}

// Handle queues the dropped invoice for asynchronous submission. The file
// name is the idempotency key, so redelivered notifications are harmless.
// Bad files are logged and skipped; only infrastructure errors are returned.
func (h *DropHandler) Handle(ctx context.Context, ev DropEvent) error {
	log := h.Logger.WithFields(logrus.Fields{
		"tenant_id":       ev.TenantID,
		"idempotency_key": ev.IdempotencyKey,
		"object_key":      ev.ObjectKey,
	})

	raw, err := h.Objects.GetObject(ctx, ev.ObjectKey)
	if err != nil {
		return fmt.Errorf("read drop %s: %w", ev.ObjectKey, err)
	}
	req, err := decodeDrop(raw)
	if err != nil {
		log.WithError(err).Warn("skipping unreadable drop")
		return nil
	}
	req.TenantID = ev.TenantID
	req.IdempotencyKey = ev.IdempotencyKey
	req.Actor = dropActor
	req.ActorType = domain.ActorSystem
	req.Async = true

	res, err := h.Invoices.ProcessInvoice(ctx, req)
	if err != nil {
		var (
			validationErr *domain.ValidationError
			conflictErr   *domain.IdempotencyConflictError
			pendingErr    *domain.IdempotencyPendingError
		)
		switch {
		case errors.As(err, &validationErr), errors.As(err, &conflictErr):
			log.WithError(err).Warn("drop refused")
			return nil
		case errors.As(err, &pendingErr):
			log.Info("drop already being processed")
			return nil
		}
		return err
	}
	log.WithFields(logrus.Fields{
		"document_id": res.InvoiceID,
		"queued":      res.Queued,
		"cached":      res.Cached,
	}).Info("drop accepted")
	return nil
}

func decodeDrop(raw []byte) (domain.InvoiceRequest, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return domain.InvoiceRequest{}, fmt.Errorf("decode drop: %w", err)
	}
	if _, wrapped := envelope["payload"]; !wrapped {
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return domain.InvoiceRequest{}, fmt.Errorf("decode drop: %w", err)
		}
		return domain.InvoiceRequest{Payload: payload}, nil
	}
	var env dropEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.InvoiceRequest{}, fmt.Errorf("decode drop envelope: %w", err)
	}
	return domain.InvoiceRequest{
		Payload:       env.Payload,
		DocumentID:    env.DocumentID,
		Priority:      env.Priority,
		CorrelationID: env.CorrelationID,
	}, nil
}
