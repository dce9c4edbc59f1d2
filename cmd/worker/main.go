package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"einvoice-gateway/internal/app"
	"einvoice-gateway/internal/config"
	"einvoice-gateway/internal/logging"
	"einvoice-gateway/internal/submission"
	appTemporal "einvoice-gateway/internal/temporal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "json").WithError(err).Fatal("load config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	buildCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	a, err := app.Build(buildCtx, cfg, logger)
	cancel()
	if err != nil {
		logger.WithError(err).Fatal("wire components")
	}
	defer a.Close()

	temporalClient, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalAddress,
		Namespace: cfg.TemporalNamespace,
	})
	if err != nil {
		logger.WithError(err).Fatal("connect temporal")
	}
	defer temporalClient.Close()

	activities := &appTemporal.Activities{
		Queue:    a.Queue,
		Invoices: a.Orchestrator,
		Logger:   logger.WithField("component", "maintenance"),
	}

	w := worker.New(temporalClient, cfg.TemporalTaskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(appTemporal.QueueMaintenanceWorkflow, workflow.RegisterOptions{Name: appTemporal.QueueMaintenanceWorkflowName})
	w.RegisterActivity(activities.ReapStaleActivity)
	w.RegisterActivity(activities.PromoteFailedActivity)
	w.RegisterActivity(activities.PurgeOldItemsActivity)
	w.RegisterActivity(activities.RetryFailedInvoicesActivity)

	if err := startMaintenance(ctx, temporalClient, cfg, logger); err != nil {
		logger.WithError(err).Fatal("schedule queue maintenance")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		submission.RunWorker(ctx, a.Orchestrator, a.WorkerConfig(), logger.WithField("component", "queue-worker"))
	}()

	logger.WithField("task_queue", cfg.TemporalTaskQueue).Info("worker running")
	if err := w.Run(worker.InterruptCh()); err != nil {
		logger.WithError(err).Error("temporal worker stopped with error")
	}
	stop()
	wg.Wait()
}

// startMaintenance starts the cron workflow once per deployment; a running
// execution with the same id is left in place.
func startMaintenance(ctx context.Context, c client.Client, cfg config.Config, logger logrus.FieldLogger) error {
	workflowID := fmt.Sprintf("%s-queue-maintenance", cfg.WorkflowIDPrefix)
	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	_, err := c.ExecuteWorkflow(startCtx, client.StartWorkflowOptions{
		ID:           workflowID,
		TaskQueue:    cfg.TemporalTaskQueue,
		CronSchedule: cfg.MaintenanceCron,
	}, appTemporal.QueueMaintenanceWorkflowName, appTemporal.MaintenanceInput{
		StaleAfter:    cfg.QueueStaleAfter,
		RetentionDays: cfg.QueueRetentionDays,
		RetryFailed:   cfg.MaintenanceRetryFailed,
	})
	if err != nil {
		var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &alreadyStarted) {
			logger.WithField("workflow_id", workflowID).Info("queue maintenance already scheduled")
			return nil
		}
		return fmt.Errorf("start workflow %s: %w", workflowID, err)
	}
	logger.WithFields(logrus.Fields{"workflow_id": workflowID, "cron": cfg.MaintenanceCron}).Info("queue maintenance scheduled")
	return nil
}
