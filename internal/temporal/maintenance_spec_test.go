package temporal

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/converter"
	"go.temporal.io/sdk/testsuite"

	"einvoice-gateway/internal/authority"
	"einvoice-gateway/internal/breaker"
	"einvoice-gateway/internal/domain"
	"einvoice-gateway/internal/eventstore"
	"einvoice-gateway/internal/idempotency"
	"einvoice-gateway/internal/queue"
	"einvoice-gateway/internal/storage"
	"einvoice-gateway/internal/submission"
)

type activityTrace struct {
	mu sync.Mutex

	startedOrder   []string
	completedOrder []string
}

func (t *activityTrace) recordStarted(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startedOrder = append(t.startedOrder, name)
}

func (t *activityTrace) recordCompleted(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completedOrder = append(t.completedOrder, name)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type acceptingAuthority struct{}

func (acceptingAuthority) Submit(_ context.Context, req authority.SubmitRequest) (authority.SubmitResponse, error) {
	return authority.SubmitResponse{ReferenceID: "REF-" + req.DocumentID, Status: authority.StatusAccepted}, nil
}

func asyncInvoice(number string) domain.InvoiceRequest {
	return domain.InvoiceRequest{
		TenantID:  "acme",
		Actor:     "erp-sync",
		ActorType: domain.ActorSystem,
		Async:     true,
		Payload: map[string]any{
			"invoice_number": number,
			"issue_date":     "2025-01-01",
			"currency":       "MYR",
			"total_amount":   "212.00",
		},
	}
}

var _ = Describe("QueueMaintenanceWorkflow against a live queue", func() {
	It("reaps, promotes, purges and re-enqueues in order", func() {
		ctx := context.Background()
		clk := &clock{now: time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)}
		store := storage.NewMemoryStore()

		events := eventstore.NewService(store, nil)
		events.Now = clk.Now
		guard := idempotency.NewGuard(store, nil, nil)
		guard.Now = clk.Now
		q := queue.New(store, queue.Config{MaxRetries: 3, Backoff: queue.Backoff{Base: time.Second, Max: time.Minute}}, nil)
		q.Now = clk.Now
		b := breaker.New(store, breaker.Config{FailureThreshold: 5, SuccessThreshold: 1, Timeout: time.Minute}, nil)
		b.Now = clk.Now
		orch := submission.New(submission.Deps{
			Events:    events,
			Guard:     guard,
			Queue:     q,
			Breaker:   b,
			Authority: acceptingAuthority{},
		}, submission.Config{}, nil)

		By("completing one queued submission that will age past retention")
		done, err := orch.ProcessInvoice(ctx, asyncInvoice("INV-OLD"))
		Expect(err).ToNot(HaveOccurred())
		run, err := orch.ProcessQueue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(run.Completed).To(Equal(1))

		By("leaving one claim held by a crashed worker")
		stale, err := orch.ProcessInvoice(ctx, asyncInvoice("INV-STALE"))
		Expect(err).ToNot(HaveOccurred())
		won, err := q.MarkAsProcessing(ctx, stale.QueueID)
		Expect(err).ToNot(HaveOccurred())
		Expect(won).To(BeTrue())

		By("failing one item permanently without dead-lettering it")
		failed, err := orch.ProcessInvoice(ctx, asyncInvoice("INV-FAILED"))
		Expect(err).ToNot(HaveOccurred())
		_, err = q.MarkAsProcessing(ctx, failed.QueueID)
		Expect(err).ToNot(HaveOccurred())
		item, err := q.MarkAsFailed(ctx, failed.QueueID, "authority rejected credentials", false)
		Expect(err).ToNot(HaveOccurred())
		Expect(item.Status).To(Equal(domain.QueueFailed))

		clk.Advance(40 * 24 * time.Hour)

		var suite testsuite.WorkflowTestSuite
		env := suite.NewTestWorkflowEnvironment()
		trace := &activityTrace{}
		env.SetOnActivityStartedListener(func(info *activity.Info, _ context.Context, _ converter.EncodedValues) {
			trace.recordStarted(info.ActivityType.Name)
		})
		env.SetOnActivityCompletedListener(func(info *activity.Info, _ converter.EncodedValue, _ error) {
			trace.recordCompleted(info.ActivityType.Name)
		})

		acts := &Activities{Queue: q, Invoices: orch}
		env.RegisterWorkflow(QueueMaintenanceWorkflow)
		env.RegisterActivity(acts.ReapStaleActivity)
		env.RegisterActivity(acts.PromoteFailedActivity)
		env.RegisterActivity(acts.PurgeOldItemsActivity)
		env.RegisterActivity(acts.RetryFailedInvoicesActivity)

		By("running one maintenance pass")
		env.ExecuteWorkflow(QueueMaintenanceWorkflow, MaintenanceInput{
			StaleAfter:    5 * time.Minute,
			RetentionDays: 30,
			RetryFailed:   true,
		})

		Expect(env.IsWorkflowCompleted()).To(BeTrue())
		Expect(env.GetWorkflowError()).ToNot(HaveOccurred())

		var result MaintenanceResult
		Expect(env.GetWorkflowResult(&result)).To(Succeed())
		Expect(result).To(Equal(MaintenanceResult{Reaped: 1, Promoted: 1, Purged: 1, Retried: 1}))

		expectedOrder := []string{
			"ReapStaleActivity",
			"PromoteFailedActivity",
			"PurgeOldItemsActivity",
			"RetryFailedInvoicesActivity",
		}
		Expect(trace.startedOrder).To(Equal(expectedOrder))
		Expect(trace.completedOrder).To(Equal(expectedOrder))

		By("validating the queue after maintenance")
		reaped, err := q.Get(ctx, stale.QueueID)
		Expect(err).ToNot(HaveOccurred())
		Expect(reaped.Status).To(Equal(domain.QueuePending))
		Expect(reaped.RetryCount).To(Equal(1))

		dead, err := q.ListDeadLetters(ctx, "acme", 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(dead).To(HaveLen(1))
		Expect(dead[0].OriginalQueueID).To(Equal(failed.QueueID))

		_, err = q.Get(ctx, done.QueueID)
		Expect(err).To(MatchError(domain.ErrQueueItemNotFound))

		pending, err := q.ListItems(ctx, domain.QueueFilter{
			DocumentID: failed.InvoiceID,
			Statuses:   []domain.QueueStatus{domain.QueuePending},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(pending).To(HaveLen(1))

		By("draining the queue once the reaped item's backoff has passed")
		clk.Advance(time.Minute)
		run, err = orch.ProcessQueue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(run.Completed).To(Equal(2))
		for _, id := range []string{stale.InvoiceID, failed.InvoiceID} {
			state, err := events.CurrentState(ctx, id)
			Expect(err).ToNot(HaveOccurred())
			Expect(state).To(Equal(domain.StateAccepted))
		}
	})
})
