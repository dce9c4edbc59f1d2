package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"einvoice-gateway/internal/app"
	"einvoice-gateway/internal/domain"
	"einvoice-gateway/internal/eventstore"
	"einvoice-gateway/internal/storage"
)

type archivedExport struct {
	Bucket    string `json:"bucket"`
	ObjectKey string `json:"object_key"`
	Format    string `json:"format"`
	Bytes     int    `json:"bytes"`
}

func newAuditCommand(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and export the audit trail",
	}

	events := &cobra.Command{
		Use:   "events",
		Short: "Query events across documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := filterFromFlags(cmd)
			if err != nil {
				return err
			}
			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				page, err := a.Events.Query(ctx, filter)
				if err != nil {
					return err
				}
				return rt.printer(cmd).print(page, func() *Table {
					return eventTable(page.Events)
				})
			})
		},
	}
	addFilterFlags(events)
	events.Flags().Int("limit", 100, "maximum events")
	events.Flags().Int("offset", 0, "events to skip")

	export := &cobra.Command{
		Use:   "export",
		Short: "Export a tenant's audit trail as JSON, CSV or XLSX",
		Long: "Writes the export to --file, to stdout when no file is given, " +
			"or to the MinIO export bucket with --archive.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := filterFromFlags(cmd)
			if err != nil {
				return err
			}
			if filter.TenantID == "" {
				return errors.New("--tenant is required")
			}
			rawFormat, _ := cmd.Flags().GetString("format")
			format, err := eventstore.ParseExportFormat(rawFormat)
			if err != nil {
				return err
			}
			file, _ := cmd.Flags().GetString("file")
			archive, _ := cmd.Flags().GetBool("archive")
			if file != "" && archive {
				return errors.New("--file and --archive are mutually exclusive")
			}

			return rt.withApp(cmd, func(ctx context.Context, a *app.App) error {
				content, err := a.Events.ExportAuditLog(ctx, filter, format)
				if err != nil {
					return err
				}
				switch {
				case archive:
					if a.Exports == nil {
						return errors.New("archive export needs MINIO_ACCESS_KEY")
					}
					key := storage.ExportKey(filter.TenantID, format.Extension(), rt.now())
					if _, err := a.Exports.PutExport(ctx, key, format.ContentType(), content); err != nil {
						return fmt.Errorf("upload export: %w", err)
					}
					out := archivedExport{Bucket: a.Exports.Bucket(), ObjectKey: key, Format: string(format), Bytes: len(content)}
					return rt.printer(cmd).print(out, func() *Table {
						t := NewTable("BUCKET", "OBJECT", "FORMAT", "BYTES")
						t.AddRow(out.Bucket, out.ObjectKey, out.Format, strconv.Itoa(out.Bytes))
						return t
					})
				case file != "":
					if err := os.WriteFile(file, content, 0o644); err != nil {
						return err
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", len(content), file)
					return nil
				default:
					_, err := cmd.OutOrStdout().Write(content)
					return err
				}
			})
		},
	}
	addFilterFlags(export)
	export.Flags().String("format", "json", "json, csv or xlsx")
	export.Flags().String("file", "", "write the export to this path")
	export.Flags().Bool("archive", false, "upload the export to the MinIO export bucket")

	cmd.AddCommand(events, export)
	return cmd
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().String("tenant", "", "tenant to query")
	cmd.Flags().String("document", "", "only this document")
	cmd.Flags().String("actor", "", "only events by this actor")
	cmd.Flags().StringSlice("event-type", nil, "event types, repeatable or comma-separated")
	cmd.Flags().String("from", "", "earliest occurrence (RFC3339)")
	cmd.Flags().String("to", "", "latest occurrence (RFC3339)")
}

func filterFromFlags(cmd *cobra.Command) (domain.EventFilter, error) {
	var filter domain.EventFilter
	filter.TenantID, _ = cmd.Flags().GetString("tenant")
	filter.DocumentID, _ = cmd.Flags().GetString("document")
	filter.Actor, _ = cmd.Flags().GetString("actor")
	if cmd.Flags().Lookup("limit") != nil {
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		filter.Offset, _ = cmd.Flags().GetInt("offset")
	}

	types, _ := cmd.Flags().GetStringSlice("event-type")
	for _, raw := range types {
		et := domain.EventType(strings.ToUpper(strings.TrimSpace(raw)))
		if et == "" {
			continue
		}
		if !domain.ValidEventType(et) {
			return filter, fmt.Errorf("unknown event type %q", raw)
		}
		filter.EventTypes = append(filter.EventTypes, et)
	}

	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		v, _ := cmd.Flags().GetString(name)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("--%s must be RFC3339: %w", name, err)
		}
		*dst = &ts
	}
	return filter, nil
}
