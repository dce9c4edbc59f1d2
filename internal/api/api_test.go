package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"einvoice-gateway/internal/authority"
	"einvoice-gateway/internal/breaker"
	"einvoice-gateway/internal/domain"
	"einvoice-gateway/internal/eventstore"
	"einvoice-gateway/internal/idempotency"
	"einvoice-gateway/internal/queue"
	"einvoice-gateway/internal/storage"
	"einvoice-gateway/internal/submission"
)

type stubAuthority struct {
	mu     sync.Mutex
	status string
	err    error
	calls  int
}

func (s *stubAuthority) Submit(_ context.Context, req authority.SubmitRequest) (authority.SubmitResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return authority.SubmitResponse{}, s.err
	}
	return authority.SubmitResponse{ReferenceID: "REF-" + req.DocumentID, Status: s.status}, nil
}

type stubArchive struct {
	keys   []string
	bodies [][]byte
}

func (a *stubArchive) PutExport(_ context.Context, key, _ string, content []byte) (string, error) {
	a.keys = append(a.keys, key)
	a.bodies = append(a.bodies, content)
	return key, nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type testServer struct {
	handler   *Handler
	router    http.Handler
	store     *storage.MemoryStore
	authority *stubAuthority
}

func newTestServer(t *testing.T, archive exportArchive) *testServer {
	t.Helper()
	store := storage.NewMemoryStore()
	auth := &stubAuthority{status: authority.StatusAccepted}
	orch := submission.New(submission.Deps{
		Events:    eventstore.NewService(store, nil),
		Guard:     idempotency.NewGuard(store, nil, nil),
		Queue:     queue.New(store, queue.Config{MaxRetries: 3, Backoff: queue.Backoff{Base: time.Millisecond, Max: time.Millisecond}}, nil),
		Breaker:   breaker.New(store, breaker.Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour}, nil),
		Authority: auth,
	}, submission.Config{ServiceName: "tax-authority"}, nil)

	deps := Deps{Orchestrator: orch, Store: store}
	if archive != nil {
		deps.Archive = archive
	}
	h := NewHandler(deps)
	h.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &testServer{handler: h, router: NewRouter(h), store: store, authority: auth}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func invoiceBody(number string) map[string]any {
	return map[string]any{
		"tenant_id":  "acme",
		"actor":      "erp-sync",
		"actor_type": "API",
		"payload": map[string]any{
			"invoice_number": number,
			"issue_date":     "2025-02-28",
			"currency":       "MYR",
			"total_amount":   "106.00",
			"tax_amount":     "6.00",
		},
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestProcessInvoiceAcceptsAndReplays(t *testing.T) {
	s := newTestServer(t, nil)
	headers := map[string]string{idempotencyHeader: "inv-1001", correlationHeader: "corr-9"}

	rec := s.do(t, http.MethodPost, "/v1/invoices", invoiceBody("INV-1001"), headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[domain.ProcessResult](t, rec)
	assert.True(t, first.Success)
	assert.Equal(t, domain.StateAccepted, first.Status)
	assert.NotEmpty(t, first.InvoiceID)

	rec = s.do(t, http.MethodPost, "/v1/invoices", invoiceBody("INV-1001"), headers)
	require.Equal(t, http.StatusOK, rec.Code)
	replay := decode[domain.ProcessResult](t, rec)
	assert.True(t, replay.Cached)
	assert.Equal(t, first.InvoiceID, replay.InvoiceID)
	assert.Equal(t, 1, s.authority.calls)

	rec = s.do(t, http.MethodPost, "/v1/invoices", invoiceBody("INV-2002"), headers)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "idempotency_conflict", decode[map[string]any](t, rec)["code"])

	rec = s.do(t, http.MethodGet, "/v1/documents/"+first.InvoiceID+"/history", nil, map[string]string{tenantHeader: "acme"})
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[domain.EventPage](t, rec)
	assert.Equal(t, 4, page.Total)
	for _, ev := range page.Events {
		require.NotNil(t, ev.CorrelationID)
		assert.Equal(t, "corr-9", *ev.CorrelationID)
	}
}

func TestProcessInvoiceRejectsBadInput(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/v1/invoices", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := invoiceBody("")
	rec = s.do(t, http.MethodPost, "/v1/invoices", body, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	details := decode[map[string]any](t, rec)["details"]
	assert.Contains(t, details, "invoice.invoice_number_required")
	assert.Zero(t, s.authority.calls)
}

func TestProcessInvoiceTenantFromHeader(t *testing.T) {
	s := newTestServer(t, nil)
	body := invoiceBody("INV-7")
	delete(body, "tenant_id")

	rec := s.do(t, http.MethodPost, "/v1/invoices", body, map[string]string{tenantHeader: "globex"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[domain.ProcessResult](t, rec)

	rec = s.do(t, http.MethodGet, "/v1/documents/"+res.InvoiceID+"/state", nil, map[string]string{tenantHeader: "globex"})
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[domain.DocumentStateView](t, rec)
	assert.Equal(t, domain.StateAccepted, view.CurrentState)

	rec = s.do(t, http.MethodGet, "/v1/documents/"+res.InvoiceID+"/state?tenant_id=acme", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAsyncInvoiceIsQueuedThenProcessed(t *testing.T) {
	s := newTestServer(t, nil)
	body := invoiceBody("INV-3003")
	body["async"] = true
	body["priority"] = "HIGH"

	rec := s.do(t, http.MethodPost, "/v1/invoices", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	res := decode[domain.ProcessResult](t, rec)
	assert.True(t, res.Queued)
	assert.NotEmpty(t, res.QueueID)

	rec = s.do(t, http.MethodGet, "/v1/queue/stats?tenant_id=acme", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[domain.QueueStats](t, rec)
	assert.Equal(t, 1, stats.Counts[domain.QueuePending])

	rec = s.do(t, http.MethodPost, "/v1/queue/process", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode[submission.RunResult](t, rec)
	assert.Equal(t, 1, run.Completed)

	rec = s.do(t, http.MethodGet, "/v1/documents/"+res.InvoiceID+"/state", nil, map[string]string{tenantHeader: "acme"})
	assert.Equal(t, domain.StateAccepted, decode[domain.DocumentStateView](t, rec).CurrentState)
}

func TestDocumentTransitions(t *testing.T) {
	s := newTestServer(t, nil)
	s.authority.status = authority.StatusSubmitted
	tenant := map[string]string{tenantHeader: "acme"}

	rec := s.do(t, http.MethodPost, "/v1/invoices", invoiceBody("INV-4004"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	id := decode[domain.ProcessResult](t, rec).InvoiceID

	rec = s.do(t, http.MethodPost, "/v1/documents/"+id+"/authority-decision", map[string]any{
		"accepted": false, "code": "E-TIN", "reason": "buyer tin invalid",
	}, tenant)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StateRejected, decode[domain.DocumentEvent](t, rec).NewState)

	rec = s.do(t, http.MethodPost, "/v1/documents/"+id+"/resubmit", map[string]any{"actor": "ops"}, tenant)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/v1/documents/"+id+"/cancel", map[string]any{"actor": "ops", "reason": "duplicate"}, tenant)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StateCancelled, decode[domain.DocumentEvent](t, rec).NewState)

	rec = s.do(t, http.MethodPost, "/v1/documents/"+id+"/cancel", map[string]any{"actor": "ops"}, tenant)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decode[map[string]any](t, rec)["code"])

	rec = s.do(t, http.MethodPost, "/v1/documents/"+id+"/resubmit", map[string]any{"actor": "ops"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditQueryAndExport(t *testing.T) {
	archive := &stubArchive{}
	s := newTestServer(t, archive)
	for _, n := range []string{"INV-1", "INV-2"} {
		rec := s.do(t, http.MethodPost, "/v1/invoices", invoiceBody(n), nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := s.do(t, http.MethodGet, "/v1/audit/events?tenant_id=acme&event_type=created,accepted", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 4, decode[domain.EventPage](t, rec).Total)

	rec = s.do(t, http.MethodGet, "/v1/audit/events?tenant_id=acme&event_type=SHIPPED", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/audit/events?tenant_id=acme&from=yesterday", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/audit/events", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "tenant is required")

	rec = s.do(t, http.MethodGet, "/v1/audit/export?tenant_id=acme&format=csv", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, eventstore.ExportCSV.ContentType(), rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "audit-acme-20250301T120000Z.csv")
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Len(t, lines, 9)

	rec = s.do(t, http.MethodGet, "/v1/audit/export?tenant_id=acme&format=pdf", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/audit/export/archive?tenant_id=acme&format=json", nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, archive.keys, 1)
	assert.Equal(t, "acme/exports/20250301T120000Z.json", archive.keys[0])
	assert.Equal(t, "acme/exports/20250301T120000Z.json", decode[map[string]any](t, rec)["object_key"])
}

func TestArchiveWithoutBucket(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/v1/audit/export/archive?tenant_id=acme", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestQueueFailuresReachDeadLetters(t *testing.T) {
	s := newTestServer(t, nil)
	s.authority.err = &domain.PermanentError{Err: errors.New("authority rejected credentials")}

	body := invoiceBody("INV-5005")
	body["async"] = true
	rec := s.do(t, http.MethodPost, "/v1/invoices", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	res := decode[domain.ProcessResult](t, rec)

	rec = s.do(t, http.MethodPost, "/v1/queue/process", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[submission.RunResult](t, rec).DeadLettered)

	rec = s.do(t, http.MethodGet, "/v1/dlq?tenant_id=acme", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dl := decode[struct {
		Items []domain.DeadLetterItem `json:"items"`
	}](t, rec)
	require.Len(t, dl.Items, 1)
	assert.Equal(t, res.QueueID, dl.Items[0].OriginalQueueID)

	rec = s.do(t, http.MethodPost, "/v1/queue/"+res.QueueID+"/dlq", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, dl.Items[0].ID, decode[domain.DeadLetterItem](t, rec).ID)

	s.authority.err = nil
	rec = s.do(t, http.MethodPost, "/v1/queue/retry-failed?tenant_id=acme", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["retried"])

	rec = s.do(t, http.MethodPost, "/v1/queue/00000000-0000-0000-0000-000000000000/dlq", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBreakerEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	s.authority.err = errors.New("connection refused")
	for _, n := range []string{"INV-1", "INV-2"} {
		body := invoiceBody(n)
		body["fallback_to_queue"] = true
		rec := s.do(t, http.MethodPost, "/v1/invoices", body, nil)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	}

	rec := s.do(t, http.MethodGet, "/v1/breakers", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Items []domain.CircuitBreakerState `json:"items"`
	}](t, rec)
	require.Len(t, list.Items, 1)
	assert.Equal(t, domain.BreakerOpen, list.Items[0].State)

	rec = s.do(t, http.MethodPost, "/v1/breakers/tax-authority/reset", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.BreakerClosed, decode[domain.CircuitBreakerState](t, rec).State)
}

func TestWriteErrorMapping(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	cases := []struct {
		name   string
		err    error
		status int
		header string
	}{
		{"circuit open", &domain.CircuitOpenError{ServiceName: "tax-authority", RetryAt: s.handler.now().Add(90 * time.Second)}, http.StatusServiceUnavailable, "90"},
		{"pending", &domain.IdempotencyPendingError{TenantID: "acme", Key: "k"}, http.StatusConflict, "1"},
		{"timeout", &domain.TimeoutError{Operation: "submit", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, ""},
		{"rejection", &domain.RejectionError{Code: "E-TIN", Reason: "bad tin"}, http.StatusUnprocessableEntity, ""},
		{"permanent", &domain.PermanentError{Err: errors.New("unauthorized")}, http.StatusBadGateway, ""},
		{"not failed", domain.ErrQueueItemNotFailed, http.StatusConflict, ""},
		{"unknown", errors.New("disk full"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.handler.writeError(rec, req, tc.err)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.header, rec.Header().Get("Retry-After"))
		})
	}
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", nil, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/readyz", nil, nil).Code)

	s.handler.store = stubPinger{err: errors.New("connection reset")}
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodGet, "/readyz", nil, nil).Code)

	rec := s.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
