package cli

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"einvoice-gateway/internal/app"
	"einvoice-gateway/internal/domain"
	"einvoice-gateway/internal/submission"
)

var queueStatuses = []domain.QueueStatus{
	domain.QueuePending,
	domain.QueueProcessing,
	domain.QueueCompleted,
	domain.QueueFailed,
}

func newQueueCommand(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the submission queue",
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show item counts per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				st, err := a.Queue.GetQueueStats(ctx, tenant)
				if err != nil {
					return err
				}
				return rt.printer(cmd).print(st, func() *Table {
					t := NewTable("STATUS", "COUNT")
					for _, s := range queueStatuses {
						t.AddRow(string(s), strconv.Itoa(st.Counts[s]))
					}
					t.AddRow("DEAD_LETTER", strconv.Itoa(st.DeadLetters))
					t.AddRow("AVG_PROCESSING_SEC", strconv.FormatFloat(st.AvgProcessingSeconds, 'f', 2, 64))
					return t
				})
			})
		},
	}
	stats.Flags().String("tenant", "", "limit counts to one tenant")

	process := &cobra.Command{
		Use:   "process",
		Short: "Run one processing pass over due items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Orchestrator.ProcessQueue(ctx)
				if err != nil {
					return err
				}
				return rt.printer(cmd).print(res, func() *Table {
					return runTable(res)
				})
			})
		},
	}

	reap := &cobra.Command{
		Use:   "reap",
		Short: "Release PROCESSING claims held longer than --stale-after",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			staleAfter, _ := cmd.Flags().GetDuration("stale-after")
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if staleAfter <= 0 {
					staleAfter = a.Config.QueueStaleAfter
				}
				n, err := a.Queue.ReapStale(ctx, staleAfter)
				if err != nil {
					return err
				}
				return printCount(rt, cmd, "reaped", int64(n))
			})
		},
	}
	reap.Flags().Duration("stale-after", 0, "claim age that counts as abandoned (default: QUEUE_STALE_AFTER_SEC)")

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete COMPLETED items older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			days, _ := cmd.Flags().GetInt("retention-days")
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("retention-days") {
					days = a.Config.QueueRetentionDays
				}
				n, err := a.Queue.PurgeOldItems(ctx, days)
				if err != nil {
					return err
				}
				return printCount(rt, cmd, "purged", n)
			})
		},
	}
	purge.Flags().Int("retention-days", 0, "keep completed items this many days (default: QUEUE_RETENTION_DAYS)")

	retry := &cobra.Command{
		Use:   "retry-failed",
		Short: "Re-enqueue validated invoices whose submissions failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Orchestrator.RetryFailedInvoices(ctx, tenant)
				if err != nil {
					return err
				}
				return printCount(rt, cmd, "retried", int64(n))
			})
		},
	}
	retry.Flags().String("tenant", "", "only retry this tenant's invoices")

	cmd.AddCommand(stats, process, reap, purge, retry)
	return cmd
}

func runTable(res submission.RunResult) *Table {
	t := NewTable("CLAIMED", "COMPLETED", "SKIPPED", "RETRIED", "FAILED", "DEAD_LETTERED", "RELEASED")
	t.AddRow(
		strconv.Itoa(res.Claimed),
		strconv.Itoa(res.Completed),
		strconv.Itoa(res.Skipped),
		strconv.Itoa(res.Retried),
		strconv.Itoa(res.Failed),
		strconv.Itoa(res.DeadLettered),
		strconv.Itoa(res.Released),
	)
	return t
}

func printCount(rt *Runtime, cmd *cobra.Command, key string, n int64) error {
	return rt.printer(cmd).print(map[string]int64{key: n}, func() *Table {
		t := NewTable(strings.ToUpper(key))
		t.AddRow(strconv.FormatInt(n, 10))
		return t
	})
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
