package temporal

import (
	"time"

	"go.temporal.io/sdk/workflow"
)

const QueueMaintenanceWorkflowName = "QueueMaintenanceWorkflow"

const (
	defaultStaleAfter   = 5 * time.Minute
	defaultPromoteLimit = 500
)

type MaintenanceInput struct {
	StaleAfter    time.Duration
	PromoteLimit  int
	RetentionDays int
	RetryFailed   bool
	// TenantID scopes the retry-failed step; empty covers every tenant.
	TenantID string
}

type MaintenanceResult struct {
	Reaped   int
	Promoted int
	Purged   int64
	Retried  int
}

// QueueMaintenanceWorkflow runs one maintenance pass: reap stale claims,
// dead-letter FAILED items, purge old COMPLETED items and, when asked,
// re-enqueue failed invoices. It is started on a cron schedule, so a failed
// step ends the run and the next tick starts over.
func QueueMaintenanceWorkflow(ctx workflow.Context, input MaintenanceInput) (MaintenanceResult, error) {
	if input.StaleAfter <= 0 {
		input.StaleAfter = defaultStaleAfter
	}
	if input.PromoteLimit <= 0 {
		input.PromoteLimit = defaultPromoteLimit
	}

	var result MaintenanceResult
	progress := MaintenanceProgress{Step: StepStarting}
	if err := workflow.SetQueryHandler(ctx, MaintenanceProgressQueryName, func() (MaintenanceProgress, error) {
		progress.Result = result
		return progress, nil
	}); err != nil {
		return result, err
	}
	logger := workflow.GetLogger(ctx)

	progress.Step = StepReapStale
	var reaped ReapStaleOutput
	if err := workflow.ExecuteActivity(mustActivityContext(ctx, ActivityPolicyReapStale), (*Activities).ReapStaleActivity, ReapStaleInput{
		StaleAfter: input.StaleAfter,
	}).Get(ctx, &reaped); err != nil {
		return result, err
	}
	result.Reaped = reaped.Reaped

	progress.Step = StepPromoteFailed
	var promoted PromoteFailedOutput
	if err := workflow.ExecuteActivity(mustActivityContext(ctx, ActivityPolicyPromoteFailed), (*Activities).PromoteFailedActivity, PromoteFailedInput{
		Limit: input.PromoteLimit,
	}).Get(ctx, &promoted); err != nil {
		return result, err
	}
	result.Promoted = promoted.Promoted

	if input.RetentionDays > 0 {
		progress.Step = StepPurgeOldItems
		var purged PurgeOldItemsOutput
		if err := workflow.ExecuteActivity(mustActivityContext(ctx, ActivityPolicyPurgeOldItems), (*Activities).PurgeOldItemsActivity, PurgeOldItemsInput{
			RetentionDays: input.RetentionDays,
		}).Get(ctx, &purged); err != nil {
			return result, err
		}
		result.Purged = purged.Purged
	}

	if input.RetryFailed {
		progress.Step = StepRetryFailed
		var retried RetryFailedInvoicesOutput
		if err := workflow.ExecuteActivity(mustActivityContext(ctx, ActivityPolicyRetryFailedInvoices), (*Activities).RetryFailedInvoicesActivity, RetryFailedInvoicesInput{
			TenantID: input.TenantID,
		}).Get(ctx, &retried); err != nil {
			return result, err
		}
		result.Retried = retried.Retried
	}

	progress.Step = StepDone
	logger.Info("queue maintenance finished",
		"reaped", result.Reaped,
		"promoted", result.Promoted,
		"purged", result.Purged,
		"retried", result.Retried)
	return result, nil
}
