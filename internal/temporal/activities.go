package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.temporal.io/sdk/temporal"

	"einvoice-gateway/internal/domain"
	"einvoice-gateway/internal/logging"
)

const errTypeInvalidInput = "InvalidInput"

// QueueMaintainer is the slice of the work queue the maintenance activities
// drive.
type QueueMaintainer interface {
	ReapStale(ctx context.Context, staleAfter time.Duration) (int, error)
	PromoteFailed(ctx context.Context, limit int) (int, error)
	PurgeOldItems(ctx context.Context, retentionDays int) (int64, error)
}

type FailedInvoiceRetrier interface {
	RetryFailedInvoices(ctx context.Context, tenantID string) (int, error)
}

type Activities struct {
	Queue    QueueMaintainer
	Invoices FailedInvoiceRetrier
	Logger   logrus.FieldLogger
}

type ReapStaleInput struct {
	StaleAfter time.Duration
}

type ReapStaleOutput struct {
	Reaped int
}

type PromoteFailedInput struct {
	Limit int
}

type PromoteFailedOutput struct {
	Promoted int
}

type PurgeOldItemsInput struct {
	RetentionDays int
}

type PurgeOldItemsOutput struct {
	Purged int64
}

type RetryFailedInvoicesInput struct {
	TenantID string
}

type RetryFailedInvoicesOutput struct {
	Retried int
}

func (a *Activities) ReapStaleActivity(ctx context.Context, input ReapStaleInput) (ReapStaleOutput, error) {
	if input.StaleAfter <= 0 {
		return ReapStaleOutput{}, invalidInput("stale_after must be positive")
	}
	n, err := a.Queue.ReapStale(ctx, input.StaleAfter)
	if err != nil {
		return ReapStaleOutput{}, classify("reap stale queue items", err)
	}
	if n > 0 {
		a.logger().WithFields(logrus.Fields{"reaped": n, "stale_after": input.StaleAfter}).Warn("reaped stale queue claims")
	}
	return ReapStaleOutput{Reaped: n}, nil
}

func (a *Activities) PromoteFailedActivity(ctx context.Context, input PromoteFailedInput) (PromoteFailedOutput, error) {
	if input.Limit < 0 {
		return PromoteFailedOutput{}, invalidInput("limit must not be negative")
	}
	n, err := a.Queue.PromoteFailed(ctx, input.Limit)
	if err != nil {
		return PromoteFailedOutput{}, classify("promote failed queue items", err)
	}
	if n > 0 {
		a.logger().WithField("promoted", n).Info("promoted failed queue items to the dead letter queue")
	}
	return PromoteFailedOutput{Promoted: n}, nil
}

func (a *Activities) PurgeOldItemsActivity(ctx context.Context, input PurgeOldItemsInput) (PurgeOldItemsOutput, error) {
	n, err := a.Queue.PurgeOldItems(ctx, input.RetentionDays)
	if err != nil {
		return PurgeOldItemsOutput{}, classify("purge queue items", err)
	}
	return PurgeOldItemsOutput{Purged: n}, nil
}

func (a *Activities) RetryFailedInvoicesActivity(ctx context.Context, input RetryFailedInvoicesInput) (RetryFailedInvoicesOutput, error) {
	if a.Invoices == nil {
		return RetryFailedInvoicesOutput{}, invalidInput("failed invoice retry is not configured on this worker")
	}
	n, err := a.Invoices.RetryFailedInvoices(ctx, input.TenantID)
	if err != nil {
		return RetryFailedInvoicesOutput{Retried: n}, classify("retry failed invoices", err)
	}
	return RetryFailedInvoicesOutput{Retried: n}, nil
}

func (a *Activities) logger() logrus.FieldLogger {
	if a.Logger == nil {
		return logging.Discard()
	}
	return a.Logger
}

func invalidInput(msg string) error {
	return temporal.NewNonRetryableApplicationError(msg, errTypeInvalidInput, nil)
}

// classify keeps store outages retryable and turns bad input into a
// non-retryable failure.
func classify(op string, err error) error {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		return temporal.NewNonRetryableApplicationError(fmt.Sprintf("%s: %v", op, err), errTypeInvalidInput, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
