//go:build system

package system_test

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	enumspb "go.temporal.io/api/enums/v1"

	"einvoice-gateway/internal/domain"
	"einvoice-gateway/internal/storage"
	appTemporal "einvoice-gateway/internal/temporal"
)

var _ = Describe("System blackbox happy path", Ordered, func() {
	var repoRoot string
	var cfg systemTestConfig
	var authority *fakeAuthority

	BeforeAll(func() {
		if os.Getenv("RUN_BLACKBOX_SYSTEM_TEST") != "1" {
			Skip("set RUN_BLACKBOX_SYSTEM_TEST=1 to run real blackbox system test")
		}

		cfg = loadSystemTestConfig()

		var err error
		repoRoot, err = findRepoRoot()
		Expect(err).ToNot(HaveOccurred())

		By("verifying required docker compose services (including worker) are already running")
		Expect(requireComposeServicesRunning(repoRoot, cfg.RequiredComposeServices)).To(Succeed())

		By("failing fast if infrastructure is unreachable")
		Expect(waitForPostgres(cfg.PostgresDSN, cfg.PreflightTimeout)).To(Succeed())
		Expect(waitForTemporal(cfg.TemporalAddress, cfg.TemporalNamespace, cfg.PreflightTimeout)).To(Succeed())
		Expect(waitForHTTPStatus(cfg.MinioReadyURL, 200, cfg.PreflightTimeout)).To(Succeed())
		Expect(storage.MigrateUp(cfg.PostgresDSN, filepath.Join(repoRoot, "migrations"))).To(Succeed())
		Expect(waitForHTTPStatus(strings.TrimRight(cfg.APIBaseURL, "/")+cfg.APIHealthPath, 200, cfg.PreflightTimeout)).To(Succeed())
		Expect(waitForHTTPStatus(strings.TrimRight(cfg.APIBaseURL, "/")+cfg.APIReadyPath, 200, cfg.PreflightTimeout)).To(Succeed())
		Expect(waitForWorkerPoller(cfg.TemporalAddress, cfg.TemporalNamespace, cfg.TemporalTaskQueue, cfg.WorkerPollerTimeout)).To(Succeed())

		By("standing up the fake tax authority")
		authority, err = startFakeAuthority(cfg.AuthorityListen)
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(authority.Close)
	})

	It("queues an invoice over HTTP and lets the worker submit it exactly once", func() {
		apiBaseURL := strings.TrimRight(cfg.APIBaseURL, "/")
		key := fmt.Sprintf("system-%d", time.Now().UnixNano())
		invoice := map[string]any{
			"actor":      "system-test",
			"actor_type": "API",
			"async":      true,
			"payload": map[string]any{
				"invoice_number": "SYS-" + key,
				"issue_date":     time.Now().UTC().Format("2006-01-02"),
				"currency":       "MYR",
				"total_amount":   "106.00",
			},
		}

		By("submitting the invoice exactly like an ERP would")
		status, queued, err := postInvoice(apiBaseURL, cfg.TenantID, key, invoice)
		Expect(err).ToNot(HaveOccurred())
		Expect(status).To(Equal(http.StatusAccepted))
		Expect(queued.Queued).To(BeTrue())
		Expect(queued.InvoiceID).ToNot(BeEmpty())
		Expect(queued.Status).To(Equal(domain.StateValidated))

		By("polling the document until the worker has submitted it")
		var last stateResponse
		Eventually(func() domain.DocumentState {
			var stateErr error
			last, stateErr = getState(apiBaseURL, cfg.TenantID, queued.InvoiceID)
			Expect(stateErr).ToNot(HaveOccurred())
			Expect(last.CurrentState).ToNot(Equal(domain.StateRejected))
			return last.CurrentState
		}, cfg.SubmissionTimeout, cfg.SubmissionPollPeriod).Should(Equal(domain.StateAccepted))
		Expect(last.TenantID).To(Equal(cfg.TenantID))
		Expect(last.EventCount).To(Equal(4))

		By("replaying the request with the same idempotency key")
		status, replay, err := postInvoice(apiBaseURL, cfg.TenantID, key, invoice)
		Expect(err).ToNot(HaveOccurred())
		Expect(status).To(Equal(http.StatusAccepted))
		Expect(replay.Cached).To(BeTrue())
		Expect(replay.InvoiceID).To(Equal(queued.InvoiceID))
		Expect(replay.Status).To(Equal(domain.StateAccepted))

		By("checking the authority saw a single submission keyed by the document")
		Expect(authority.idempotencyKeys(queued.InvoiceID)).To(Equal([]string{queued.InvoiceID}))

		By("verifying the event log and queue rows in Postgres")
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		Expect(err).ToNot(HaveOccurred())
		defer db.Close()
		Expect(db.Ping()).To(Succeed())

		eventTypes, err := fetchStringRows(db, `SELECT event_type FROM document_events WHERE document_id = $1 ORDER BY seq`, queued.InvoiceID)
		Expect(err).ToNot(HaveOccurred())
		Expect(eventTypes).To(Equal([]string{"CREATED", "VALIDATED", "SUBMITTED", "ACCEPTED"}))

		queueStatuses, err := fetchStringRows(db, `SELECT status FROM submission_queue WHERE document_id = $1`, queued.InvoiceID)
		Expect(err).ToNot(HaveOccurred())
		Expect(queueStatuses).To(Equal([]string{"COMPLETED"}))

		By("confirming the queue maintenance cron is scheduled in Temporal")
		temporalClient, err := dialTemporal(cfg.TemporalAddress, cfg.TemporalNamespace)
		Expect(err).ToNot(HaveOccurred())
		defer temporalClient.Close()

		desc, err := describeMaintenance(context.Background(), temporalClient, cfg.MaintenanceID)
		Expect(err).ToNot(HaveOccurred())
		Expect(desc.WorkflowType).To(Equal(appTemporal.QueueMaintenanceWorkflowName))
		Expect(desc.Status).To(Equal(enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING))
	})
})
