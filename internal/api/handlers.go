package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"einvoice-gateway/internal/breaker"
	"einvoice-gateway/internal/domain"
	"einvoice-gateway/internal/eventstore"
	"einvoice-gateway/internal/logging"
	"einvoice-gateway/internal/queue"
	"einvoice-gateway/internal/storage"
	"einvoice-gateway/internal/submission"
)

const (
	tenantHeader      = "X-Tenant-ID"
	idempotencyHeader = "Idempotency-Key"
	correlationHeader = "X-Correlation-ID"
	maxBodyBytes      = 5 << 20
)

type pinger interface {
	Ping(ctx context.Context) error
}

type exportArchive interface {
	PutExport(ctx context.Context, objectKey, contentType string, content []byte) (string, error)
}

type Handler struct {
	orch    *submission.Orchestrator
	events  *eventstore.Service
	queue   *queue.Queue
	breaker *breaker.Breaker
	archive exportArchive
	store   pinger
	logger  logrus.FieldLogger
	now     func() time.Time
}

type Deps struct {
	Orchestrator *submission.Orchestrator
	Store        pinger
	// Archive is optional; without it the archive endpoint answers 503.
	Archive exportArchive
	Logger  logrus.FieldLogger
}

func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		orch:    deps.Orchestrator,
		events:  deps.Orchestrator.Events,
		queue:   deps.Orchestrator.Queue,
		breaker: deps.Orchestrator.Breaker,
		archive: deps.Archive,
		store:   deps.Store,
		logger:  logger,
		now:     time.Now,
	}
}

type transitionRequest struct {
	Actor     string           `json:"actor"`
	ActorType domain.ActorType `json:"actor_type"`
	Reason    string           `json:"reason,omitempty"`
	Priority  domain.Priority  `json:"priority,omitempty"`
}

type decisionRequest struct {
	Accepted bool   `json:"accepted"`
	Code     string `json:"code,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Actor    string `json:"actor"`
}

func (h *Handler) ProcessInvoice(w http.ResponseWriter, r *http.Request) {
	var req domain.InvoiceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TenantID == "" {
		req.TenantID = tenantID(r)
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get(idempotencyHeader))
	}
	if req.CorrelationID == "" {
		req.CorrelationID = r.Header.Get(correlationHeader)
	}
	if req.CorrelationID == "" {
		req.CorrelationID = middleware.GetReqID(r.Context())
	}
	if req.ActorType == "" {
		req.ActorType = domain.ActorAPI
	}

	res, err := h.orch.ProcessInvoice(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (h *Handler) DocumentState(w http.ResponseWriter, r *http.Request) {
	view, err := h.orch.Document(r.Context(), tenantID(r), chi.URLParam(r, "documentId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) DocumentHistory(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentId")
	if tenant := tenantID(r); tenant != "" {
		if _, err := h.orch.Document(r.Context(), tenant, documentID); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	q := r.URL.Query()
	page, err := h.events.GetHistory(r.Context(), documentID, queryInt(q.Get("limit")), queryInt(q.Get("offset")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) CancelDocument(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ev, err := h.orch.Cancel(r.Context(), tenantID(r), chi.URLParam(r, "documentId"), req.Actor, actorTypeOr(req.ActorType), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *Handler) ResubmitDocument(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tenant := tenantID(r)
	if tenant == "" {
		h.writeError(w, r, &domain.ValidationError{Errors: []string{"tenant_id: required"}})
		return
	}
	res, err := h.orch.Resubmit(r.Context(), tenant, chi.URLParam(r, "documentId"), req.Actor, actorTypeOr(req.ActorType), req.Priority)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) AuthorityDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Actor == "" {
		req.Actor = "tax-authority"
	}
	ev, err := h.orch.ApplyAuthorityDecision(r.Context(), tenantID(r), chi.URLParam(r, "documentId"), req.Accepted, req.Code, req.Reason, req.Actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *Handler) AuditEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	page, err := h.events.Query(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) AuditExport(w http.ResponseWriter, r *http.Request) {
	filter, format, body, ok := h.renderExport(w, r)
	if !ok {
		return
	}
	name := fmt.Sprintf("audit-%s-%s.%s", filter.TenantID, h.now().UTC().Format("20060102T150405Z"), format.Extension())
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) ArchiveExport(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "export archive is not configured"})
		return
	}
	filter, format, body, ok := h.renderExport(w, r)
	if !ok {
		return
	}
	key, err := h.archive.PutExport(r.Context(), storage.ExportKey(filter.TenantID, format.Extension(), h.now()), format.ContentType(), body)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("archive export: %w", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"object_key": key, "format": format, "bytes": len(body)})
}

func (h *Handler) renderExport(w http.ResponseWriter, r *http.Request) (domain.EventFilter, eventstore.ExportFormat, []byte, bool) {
	filter, err := eventFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return filter, "", nil, false
	}
	format, err := eventstore.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.writeError(w, r, err)
		return filter, "", nil, false
	}
	body, err := h.events.ExportAuditLog(r.Context(), filter, format)
	if err != nil {
		h.writeError(w, r, err)
		return filter, "", nil, false
	}
	return filter, format, body, true
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.GetQueueStats(r.Context(), tenantID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	res, err := h.orch.ProcessQueue(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.orch.RetryFailedInvoices(r.Context(), tenantID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"retried": n})
}

func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.ListDeadLetters(r.Context(), tenantID(r), queryInt(r.URL.Query().Get("limit")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) MoveToDLQ(w http.ResponseWriter, r *http.Request) {
	dl, err := h.queue.MoveToDLQ(r.Context(), chi.URLParam(r, "queueId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dl)
}

func (h *Handler) Breakers(w http.ResponseWriter, r *http.Request) {
	states, err := h.breaker.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": states})
}

func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	st, err := h.breaker.Reset(r.Context(), chi.URLParam(r, "service"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *domain.ValidationError
		transitionErr *domain.InvalidTransitionError
		conflictErr   *domain.IdempotencyConflictError
		pendingErr    *domain.IdempotencyPendingError
		openErr       *domain.CircuitOpenError
		timeoutErr    *domain.TimeoutError
		rejectionErr  *domain.RejectionError
		permanentErr  *domain.PermanentError
	)
	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "details": validationErr.Errors})
	case errors.As(err, &transitionErr):
		writeJSON(w, http.StatusConflict, map[string]any{"error": transitionErr.Error(), "code": "invalid_transition"})
	case errors.As(err, &conflictErr):
		writeJSON(w, http.StatusConflict, map[string]any{"error": conflictErr.Error(), "code": "idempotency_conflict"})
	case errors.As(err, &pendingErr):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusConflict, map[string]any{"error": pendingErr.Error(), "code": "idempotency_pending"})
	case errors.As(err, &openErr):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(openErr.RetryAt, h.now())))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": openErr.Error(), "code": "circuit_open"})
	case errors.Is(err, domain.ErrDocumentNotFound),
		errors.Is(err, domain.ErrQueueItemNotFound),
		errors.Is(err, domain.ErrDeadLetterNotFound),
		errors.Is(err, domain.ErrIdempotencyNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	case errors.Is(err, domain.ErrQueueItemNotFailed):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "code": "queue_item_not_failed"})
	case errors.As(err, &timeoutErr):
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{"error": timeoutErr.Error()})
	case errors.As(err, &rejectionErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": rejectionErr.Error(), "code": rejectionErr.Code})
	case errors.As(err, &permanentErr):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": permanentErr.Error()})
	default:
		h.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).WithError(err).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func retryAfterSeconds(at, now time.Time) int {
	secs := int(math.Ceil(at.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func tenantID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(tenantHeader)); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("tenant_id"))
}

func actorTypeOr(t domain.ActorType) domain.ActorType {
	if t == "" {
		return domain.ActorUser
	}
	return t
}

func eventFilter(r *http.Request) (domain.EventFilter, error) {
	q := r.URL.Query()
	filter := domain.EventFilter{
		TenantID:   tenantID(r),
		DocumentID: q.Get("document_id"),
		Actor:      q.Get("actor"),
		Limit:      queryInt(q.Get("limit")),
		Offset:     queryInt(q.Get("offset")),
	}
	for _, raw := range q["event_type"] {
		for _, t := range strings.Split(raw, ",") {
			et := domain.EventType(strings.ToUpper(strings.TrimSpace(t)))
			if et == "" {
				continue
			}
			if !domain.ValidEventType(et) {
				return filter, &domain.ValidationError{Errors: []string{fmt.Sprintf("event_type: unknown %q", t)}}
			}
			filter.EventTypes = append(filter.EventTypes, et)
		}
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, &domain.ValidationError{Errors: []string{name + ": must be RFC3339"}}
		}
		*dst = &ts
	}
	return filter, nil
}

func queryInt(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
