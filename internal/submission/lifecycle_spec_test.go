package submission_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"einvoice-gateway/internal/domain"
)

var _ = Describe("Invoice lifecycle under an unreliable authority", Ordered, func() {
	var (
		h   *harness
		ctx context.Context
		ids []string
	)

	BeforeAll(func() {
		h = newHarness()
		ctx = context.Background()
		h.breaker.Config.FailureThreshold = 2
	})

	It("accepts a batch of invoices submitted while the authority is healthy", func() {
		for i := 0; i < 5; i++ {
			req := fakeRequest("tenant-lifecycle")
			req.IdempotencyKey = "batch-" + req.Payload["invoice_number"].(string)
			res, err := h.orch.ProcessInvoice(ctx, req)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Status).To(Equal(domain.StateAccepted))
			ids = append(ids, res.InvoiceID)
		}
		Expect(ids).To(HaveLen(5))
	})

	It("opens the circuit after consecutive outages and parks new work in the queue", func() {
		h.authority.SetDefault(unavailable)

		By("failing synchronous submissions with fallback enabled")
		for i := 0; i < 2; i++ {
			req := fakeRequest("tenant-lifecycle")
			req.FallbackToQueue = true
			res, err := h.orch.ProcessInvoice(ctx, req)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Queued).To(BeTrue())
			ids = append(ids, res.InvoiceID)
		}
		open, err := h.breaker.IsOpen(ctx, "authority")
		Expect(err).ToNot(HaveOccurred())
		Expect(open).To(BeTrue())

		By("queueing without calling the authority while open")
		calls := h.authority.TotalCalls()
		res, err := h.orch.ProcessInvoice(ctx, fakeRequest("tenant-lifecycle"))
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Queued).To(BeTrue())
		Expect(h.authority.TotalCalls()).To(Equal(calls))
		ids = append(ids, res.InvoiceID)

		stats, err := h.queue.GetQueueStats(ctx, "tenant-lifecycle")
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.Counts[domain.QueuePending]).To(Equal(3))
	})

	It("drains the queue once the authority recovers", func() {
		h.authority.SetDefault(accept)
		h.clock.Advance(2 * time.Minute)

		run, err := h.orch.ProcessQueue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(run.Completed).To(Equal(3))

		st, err := h.breaker.State(ctx, "authority")
		Expect(err).ToNot(HaveOccurred())
		Expect(st.State).To(Equal(domain.BreakerClosed))
	})

	It("leaves every document accepted with an ordered, gap-free history", func() {
		for _, id := range ids {
			Expect(h.state(id)).To(Equal(domain.StateAccepted))
			view, err := h.events.RebuildState(ctx, id)
			Expect(err).ToNot(HaveOccurred())
			Expect(view.Timeline[0].EventType).To(Equal(domain.EventCreated))
			Expect(view.Timeline[0].PreviousState).To(BeNil())
			for i := 1; i < len(view.Timeline); i++ {
				Expect(view.Timeline[i].PreviousState).ToNot(BeNil())
				Expect(*view.Timeline[i].PreviousState).To(Equal(view.Timeline[i-1].NewState))
			}
			Expect(h.authority.Calls(id)).To(BeNumerically("<=", 2))
		}
	})

	It("never dead-letters recoverable work", func() {
		dls, err := h.queue.ListDeadLetters(ctx, "tenant-lifecycle", 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(dls).To(BeEmpty())
	})
})
