package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"einvoice-gateway/internal/app"
	"einvoice-gateway/internal/config"
	"einvoice-gateway/internal/logging"
)

const configEnv = "EINVOICE_CONFIG"

// Runtime carries what commands need from the outside world. Tests swap
// Load and Open to run commands against an in-memory app.
type Runtime struct {
	Out io.Writer
	Err io.Writer

	Load func() (config.Config, error)
	Open func(ctx context.Context, cfg config.Config) (*app.App, error)
	Now  func() time.Time

	Timeout time.Duration
}

func DefaultRuntime() *Runtime {
	return &Runtime{
		Out:     os.Stdout,
		Err:     os.Stderr,
		Load:    config.Load,
		Now:     time.Now,
		Timeout: 2 * time.Minute,
	}
}

// NewRootCommand assembles einvoicectl. Every subcommand loads the config,
// wires the app and closes it again, so the CLI talks to the same stores as
// the api and worker processes.
func NewRootCommand(rt *Runtime) *cobra.Command {
	root := &cobra.Command{
		Use:           "einvoicectl",
		Short:         "Operate the e-invoice submission gateway",
		Long:          "Inspect documents and queues, drain dead letters, reset circuit breakers and run migrations.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if path, _ := cmd.Flags().GetString("config"); path != "" {
				if err := os.Setenv(configEnv, path); err != nil {
					return err
				}
			}
			format, _ := cmd.Flags().GetString("output")
			_, err := parseFormat(format)
			return err
		},
	}
	root.SetOut(rt.Out)
	root.SetErr(rt.Err)

	root.PersistentFlags().String("config", "", "config file (default: $EINVOICE_CONFIG)")
	root.PersistentFlags().StringP("output", "o", "table", "output format (table, json, yaml)")

	root.AddCommand(
		newMigrateCommand(rt),
		newQueueCommand(rt),
		newDLQCommand(rt),
		newDocumentCommand(rt),
		newAuditCommand(rt),
		newBreakerCommand(rt),
	)
	return root
}

// Execute runs the CLI with the process runtime and prints the final error.
func Execute() error {
	rt := DefaultRuntime()
	root := NewRootCommand(rt)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(rt.Err, "Error:", err)
		return err
	}
	return nil
}

func (rt *Runtime) config() (config.Config, error) {
	load := rt.Load
	if load == nil {
		load = config.Load
	}
	return load()
}

// withApp builds the app for one command. Component logs go to stderr at
// warn level so they never mix with rendered output.
func (rt *Runtime) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := rt.config()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if rt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.Timeout)
		defer cancel()
	}

	var a *app.App
	if rt.Open != nil {
		a, err = rt.Open(ctx, cfg)
	} else {
		a, err = app.Build(ctx, cfg, logging.NewWithOutput(rt.Err, "warn", "text"))
	}
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func (rt *Runtime) now() time.Time {
	if rt.Now != nil {
		return rt.Now()
	}
	return time.Now()
}

func (rt *Runtime) printer(cmd *cobra.Command) printer {
	format, _ := cmd.Flags().GetString("output")
	f, _ := parseFormat(format)
	return printer{out: cmd.OutOrStdout(), format: f}
}
