package cli

import (
	"errors"
	"strconv"

	"github.com/spf13/cobra"

	"einvoice-gateway/internal/config"
	"einvoice-gateway/internal/storage"
)

type migrationStatus struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

func newMigrateCommand(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}

	dsn := func() (string, string, error) {
		cfg, err := rt.config()
		if err != nil {
			return "", "", err
		}
		if cfg.StorageBackend != config.BackendPostgres {
			return "", "", errors.New("migrations need STORAGE_BACKEND=postgres")
		}
		return cfg.PostgresDSN, cfg.MigrationsPath, nil
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, dir, err := dsn()
			if err != nil {
				return err
			}
			if err := storage.MigrateUp(url, dir); err != nil {
				return err
			}
			return printVersion(rt, cmd, url, dir)
		},
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			steps, _ := cmd.Flags().GetInt("steps")
			all, _ := cmd.Flags().GetBool("all")
			if steps <= 0 && !all {
				return errors.New("pass --steps N or --all")
			}
			if all {
				steps = 0
			}
			url, dir, err := dsn()
			if err != nil {
				return err
			}
			if err := storage.MigrateDown(url, dir, steps); err != nil {
				return err
			}
			return printVersion(rt, cmd, url, dir)
		},
	}
	down.Flags().Int("steps", 1, "number of migrations to roll back")
	down.Flags().Bool("all", false, "roll back every migration")

	version := &cobra.Command{
		Use:   "version",
		Short: "Show the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, dir, err := dsn()
			if err != nil {
				return err
			}
			return printVersion(rt, cmd, url, dir)
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

func printVersion(rt *Runtime, cmd *cobra.Command, dsn, dir string) error {
	v, dirty, err := storage.MigrationVersion(dsn, dir)
	if err != nil {
		return err
	}
	status := migrationStatus{Version: v, Dirty: dirty}
	return rt.printer(cmd).print(status, func() *Table {
		t := NewTable("VERSION", "DIRTY")
		t.AddRow(strconv.FormatUint(uint64(v), 10), strconv.FormatBool(dirty))
		return t
	})
}
