package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"einvoice-gateway/internal/domain"
)

type fakeObjects map[string][]byte

func (f fakeObjects) GetObject(_ context.Context, key string) ([]byte, error) {
	b, ok := f[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return b, nil
}

type recordingProcessor struct {
	reqs []domain.InvoiceRequest
	err  error
}

func (p *recordingProcessor) ProcessInvoice(_ context.Context, req domain.InvoiceRequest) (domain.ProcessResult, error) {
	p.reqs = append(p.reqs, req)
	if p.err != nil {
		return domain.ProcessResult{}, p.err
	}
	return domain.ProcessResult{Success: true, InvoiceID: "doc-1", Queued: true}, nil
}

func TestDropHandlerQueuesBareInvoice(t *testing.T) {
	objects := fakeObjects{"tenant-a/erp-1.json": []byte(`{"invoice_number":"INV-1","total_amount":"10.00"}`)}
	proc := &recordingProcessor{}
	h := NewDropHandler(objects, proc, nil)

	err := h.Handle(context.Background(), DropEvent{TenantID: "tenant-a", IdempotencyKey: "erp-1", ObjectKey: "tenant-a/erp-1.json"})
	require.NoError(t, err)
	require.Len(t, proc.reqs, 1)
	req := proc.reqs[0]
	assert.Equal(t, "tenant-a", req.TenantID)
	assert.Equal(t, "erp-1", req.IdempotencyKey)
	assert.True(t, req.Async)
	assert.Equal(t, domain.ActorSystem, req.ActorType)
	assert.Equal(t, "INV-1", req.Payload["invoice_number"])
}

func TestDropHandlerReadsEnvelope(t *testing.T) {
	objects := fakeObjects{"t/k.json": []byte(`{"payload":{"invoice_number":"INV-2"},"priority":"HIGH","correlation_id":"batch-7"}`)}
	proc := &recordingProcessor{}
	h := NewDropHandler(objects, proc, nil)

	require.NoError(t, h.Handle(context.Background(), DropEvent{TenantID: "t", IdempotencyKey: "k", ObjectKey: "t/k.json"}))
	require.Len(t, proc.reqs, 1)
	assert.Equal(t, domain.PriorityHigh, proc.reqs[0].Priority)
	assert.Equal(t, "batch-7", proc.reqs[0].CorrelationID)
	assert.Equal(t, "INV-2", proc.reqs[0].Payload["invoice_number"])
}

func TestDropHandlerErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		procErr error
		wantErr bool
	}{
		{name: "malformed json is skipped", content: `{not json`},
		{name: "validation failure is skipped", content: `{}`, procErr: &domain.ValidationError{Errors: []string{"invoice.invoice_number_required"}}},
		{name: "conflict is skipped", content: `{"a":1}`, procErr: &domain.IdempotencyConflictError{TenantID: "t", Key: "k"}},
		{name: "pending is skipped", content: `{"a":1}`, procErr: &domain.IdempotencyPendingError{TenantID: "t", Key: "k"}},
		{name: "store failure stops the source", content: `{"a":1}`, procErr: errors.New("connection refused"), wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewDropHandler(fakeObjects{"t/k.json": []byte(tc.content)}, &recordingProcessor{err: tc.procErr}, nil)
			err := h.Handle(context.Background(), DropEvent{TenantID: "t", IdempotencyKey: "k", ObjectKey: "t/k.json"})
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}

	h := NewDropHandler(fakeObjects{}, &recordingProcessor{}, nil)
	assert.Error(t, h.Handle(context.Background(), DropEvent{ObjectKey: "missing.json"}))
}
