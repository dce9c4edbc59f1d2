package submission_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"einvoice-gateway/internal/authority"
	"einvoice-gateway/internal/breaker"
	"einvoice-gateway/internal/domain"
	"einvoice-gateway/internal/eventstore"
	"einvoice-gateway/internal/idempotency"
	"einvoice-gateway/internal/queue"
	"einvoice-gateway/internal/storage"
	"einvoice-gateway/internal/submission"
)

var errAuthorityDown = errors.New("authority unavailable")

// fakeAuthority answers with a queue of scripted outcomes, then with Default.
type fakeAuthority struct {
	mu      sync.Mutex
	calls   map[string]int
	script  []func(authority.SubmitRequest) (authority.SubmitResponse, error)
	Default func(authority.SubmitRequest) (authority.SubmitResponse, error)
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{
		calls:   make(map[string]int),
		Default: accept,
	}
}

func accept(req authority.SubmitRequest) (authority.SubmitResponse, error) {
	return authority.SubmitResponse{ReferenceID: "REF-" + req.DocumentID, Status: authority.StatusAccepted}, nil
}

func receive(req authority.SubmitRequest) (authority.SubmitResponse, error) {
	return authority.SubmitResponse{ReferenceID: "REF-" + req.DocumentID, Status: authority.StatusSubmitted}, nil
}

func unavailable(authority.SubmitRequest) (authority.SubmitResponse, error) {
	return authority.SubmitResponse{}, errAuthorityDown
}

func gatewayCircuitOpen(authority.SubmitRequest) (authority.SubmitResponse, error) {
	return authority.SubmitResponse{}, &domain.CircuitOpenError{ServiceName: "authority-gateway", RetryAt: time.Date(2025, 1, 20, 9, 5, 0, 0, time.UTC)}
}

func reject(authority.SubmitRequest) (authority.SubmitResponse, error) {
	return authority.SubmitResponse{}, &domain.RejectionError{Code: "E-TIN", Reason: "buyer tin invalid"}
}

func (f *fakeAuthority) Then(fn func(authority.SubmitRequest) (authority.SubmitResponse, error)) *fakeAuthority {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, fn)
	return f
}

func (f *fakeAuthority) SetDefault(fn func(authority.SubmitRequest) (authority.SubmitResponse, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Default = fn
}

func (f *fakeAuthority) Submit(_ context.Context, req authority.SubmitRequest) (authority.SubmitResponse, error) {
	f.mu.Lock()
	f.calls[req.DocumentID]++
	fn := f.Default
	if len(f.script) > 0 {
		fn = f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()
	return fn(req)
}

func (f *fakeAuthority) Calls(documentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[documentID]
}

func (f *fakeAuthority) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store     *storage.MemoryStore
	clock     *testClock
	authority *fakeAuthority
	events    *eventstore.Service
	queue     *queue.Queue
	breaker   *breaker.Breaker
	orch      *submission.Orchestrator
}

func newHarness() *harness {
	store := storage.NewMemoryStore()
	clock := &testClock{now: time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC)}
	auth := newFakeAuthority()

	events := eventstore.NewService(store, nil)
	events.Now = clock.Now

	guard := idempotency.NewGuard(store, nil, nil)
	guard.Now = clock.Now

	q := queue.New(store, queue.Config{
		MaxRetries: 3,
		Backoff:    queue.Backoff{Base: time.Second, Max: time.Minute},
	}, nil)
	q.Now = clock.Now

	b := breaker.New(store, breaker.Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute}, nil)
	b.Now = clock.Now

	orch := submission.New(submission.Deps{
		Events:    events,
		Guard:     guard,
		Queue:     q,
		Breaker:   b,
		Authority: auth,
	}, submission.Config{ServiceName: "authority", BatchSize: 10}, nil)
	orch.Now = clock.Now

	return &harness{store: store, clock: clock, authority: auth, events: events, queue: q, breaker: b, orch: orch}
}

func fakePayload() map[string]any {
	total := gofakeit.Price(10, 5000)
	return map[string]any{
		"invoice_number": fmt.Sprintf("INV-%d", gofakeit.Number(100000, 999999)),
		"issue_date":     gofakeit.Date().Format("2006-01-02"),
		"currency":       gofakeit.RandomString([]string{"MYR", "USD", "SGD", "EUR"}),
		"total_amount":   total,
		"tax_amount":     total * 0.06,
		"supplier":       map[string]any{"name": gofakeit.Company(), "tin": gofakeit.DigitN(12)},
		"buyer":          map[string]any{"name": gofakeit.Company(), "email": gofakeit.Email()},
	}
}

func fakeRequest(tenantID string) domain.InvoiceRequest {
	return domain.InvoiceRequest{
		TenantID:  tenantID,
		Actor:     gofakeit.Username(),
		ActorType: domain.ActorAPI,
		Payload:   fakePayload(),
	}
}

func (h *harness) state(documentID string) domain.DocumentState {
	state, err := h.events.CurrentState(context.Background(), documentID)
	if err != nil {
		return ""
	}
	return state
}

func (h *harness) eventTypes(documentID string) []domain.EventType {
	view, err := h.events.RebuildState(context.Background(), documentID)
	if err != nil {
		return nil
	}
	out := make([]domain.EventType, 0, len(view.Timeline))
	for _, ev := range view.Timeline {
		out = append(out, ev.EventType)
	}
	return out
}

func (h *harness) createdCount(tenantID string) int {
	page, err := h.events.Query(context.Background(), domain.EventFilter{
		TenantID:   tenantID,
		EventTypes: []domain.EventType{domain.EventCreated},
	})
	if err != nil {
		return -1
	}
	return page.Total
}
