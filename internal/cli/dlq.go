package cli

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"einvoice-gateway/internal/app"
	"einvoice-gateway/internal/domain"
)

func newDLQCommand(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Work with dead-lettered queue items",
	}

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List dead letters",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			limit, _ := cmd.Flags().GetInt("limit")
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				items, err := a.Queue.ListDeadLetters(ctx, tenant, limit)
				if err != nil {
					return err
				}
				p := rt.printer(cmd)
				if len(items) == 0 {
					p.info("No dead letters")
					if p.format == formatTable {
						return nil
					}
				}
				return p.print(items, func() *Table {
					return deadLetterTable(items...)
				})
			})
		},
	}
	list.Flags().String("tenant", "", "only this tenant's dead letters")
	list.Flags().Int("limit", 50, "maximum rows")

	promote := &cobra.Command{
		Use:   "promote",
		Short: "Move every FAILED queue item into the dead-letter queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Queue.PromoteFailed(ctx, limit)
				if err != nil {
					return err
				}
				return printCount(rt, cmd, "promoted", int64(n))
			})
		},
	}
	promote.Flags().Int("limit", 500, "maximum items to move")

	move := &cobra.Command{
		Use:   "move <queue-id>",
		Short: "Dead-letter one FAILED queue item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				dl, err := a.Queue.MoveToDLQ(ctx, args[0])
				if err != nil {
					return err
				}
				return rt.printer(cmd).print(dl, func() *Table {
					return deadLetterTable(dl)
				})
			})
		},
	}

	cmd.AddCommand(list, promote, move)
	return cmd
}

func deadLetterTable(items ...domain.DeadLetterItem) *Table {
	t := NewTable("ID", "QUEUE_ID", "DOCUMENT", "TENANT", "RETRIES", "REASON", "CREATED")
	for _, it := range items {
		created := it.CreatedAt
		t.AddRow(it.ID, it.OriginalQueueID, it.DocumentID, it.TenantID,
			strconv.Itoa(it.RetryCount), it.Reason, formatTime(&created))
	}
	return t
}
