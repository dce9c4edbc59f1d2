package cli

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"einvoice-gateway/internal/app"
	"einvoice-gateway/internal/domain"
)

func newDocumentCommand(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "document",
		Aliases: []string{"doc"},
		Short:   "Inspect a document's lifecycle",
	}

	state := &cobra.Command{
		Use:   "state <document-id>",
		Short: "Replay a document and show its current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				view, err := a.Orchestrator.Document(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				return rt.printer(cmd).print(view, func() *Table {
					t := NewTable("DOCUMENT", "TENANT", "STATE", "EVENTS")
					t.AddRow(view.DocumentID, view.TenantID, string(view.CurrentState), strconv.Itoa(view.EventCount))
					return t
				})
			})
		},
	}
	state.Flags().String("tenant", "", "owning tenant; other tenants' documents are reported as not found")

	history := &cobra.Command{
		Use:   "history <document-id>",
		Short: "List a document's events in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if tenant != "" {
					if _, err := a.Orchestrator.Document(ctx, tenant, args[0]); err != nil {
						return err
					}
				}
				page, err := a.Events.GetHistory(ctx, args[0], limit, offset)
				if err != nil {
					return err
				}
				return rt.printer(cmd).print(page, func() *Table {
					return eventTable(page.Events)
				})
			})
		},
	}
	history.Flags().String("tenant", "", "owning tenant")
	history.Flags().Int("limit", 100, "maximum events")
	history.Flags().Int("offset", 0, "events to skip")

	cmd.AddCommand(state, history)
	return cmd
}

func eventTable(events []domain.DocumentEvent) *Table {
	t := NewTable("OCCURRED", "EVENT", "FROM", "TO", "ACTOR", "ACTOR_TYPE")
	for _, ev := range events {
		from := "-"
		if ev.PreviousState != nil {
			from = string(*ev.PreviousState)
		}
		occurred := ev.OccurredAt
		t.AddRow(formatTime(&occurred), string(ev.EventType), from, string(ev.NewState), ev.Actor, string(ev.ActorType))
	}
	return t
}
