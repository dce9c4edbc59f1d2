package cli

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"einvoice-gateway/internal/app"
	"einvoice-gateway/internal/domain"
)

func newBreakerCommand(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect and reset circuit breakers",
	}

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show every known breaker",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				states, err := a.Breaker.List(ctx)
				if err != nil {
					return err
				}
				return rt.printer(cmd).print(states, func() *Table {
					return breakerTable(states...)
				})
			})
		},
	}

	reset := &cobra.Command{
		Use:   "reset <service>",
		Short: "Force a breaker closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				st, err := a.Breaker.Reset(ctx, args[0])
				if err != nil {
					return err
				}
				return rt.printer(cmd).print(st, func() *Table {
					return breakerTable(st)
				})
			})
		},
	}

	cmd.AddCommand(list, reset)
	return cmd
}

func breakerTable(states ...domain.CircuitBreakerState) *Table {
	t := NewTable("SERVICE", "STATE", "FAILURES", "SUCCESSES", "OPENED", "LAST_FAILURE")
	for _, st := range states {
		t.AddRow(st.ServiceName, string(st.State),
			strconv.Itoa(st.FailureCount), strconv.Itoa(st.SuccessCount),
			formatTime(st.OpenedAt), formatTime(st.LastFailureAt))
	}
	return t
}
