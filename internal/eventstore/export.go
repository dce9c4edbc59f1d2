package eventstore

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"einvoice-gateway/internal/domain"
)

type ExportFormat string

const (
	ExportJSON ExportFormat = "JSON"
	ExportCSV  ExportFormat = "CSV"
	ExportXLSX ExportFormat = "XLSX"
)

const auditSheet = "Audit Log"

var csvHeader = []string{
	"ID", "Tenant ID", "Invoice ID", "Event Type", "Previous State", "New State",
	"Actor", "Actor Type", "Correlation ID", "Occurred At", "Event Data",
}

func ParseExportFormat(v string) (ExportFormat, error) {
	switch ExportFormat(strings.ToUpper(strings.TrimSpace(v))) {
	case ExportJSON, "":
		return ExportJSON, nil
	case ExportCSV:
		return ExportCSV, nil
	case ExportXLSX:
		return ExportXLSX, nil
	}
	return "", &domain.ValidationError{Errors: []string{fmt.Sprintf("format: unsupported %q", v)}}
}

func (f ExportFormat) ContentType() string {
	switch f {
	case ExportCSV:
		return "text/csv"
	case ExportXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/json"
	}
}

func (f ExportFormat) Extension() string {
	return strings.ToLower(string(f))
}

type jsonExport struct {
	TotalEvents int                    `json:"totalEvents"`
	Events      []domain.DocumentEvent `json:"events"`
}

// ExportAuditLog serializes every event matching filter. It only reads;
// pagination fields on the filter are ignored so the export is complete.
func (s *Service) ExportAuditLog(ctx context.Context, filter domain.EventFilter, format ExportFormat) ([]byte, error) {
	if filter.TenantID == "" {
		return nil, &domain.ValidationError{Errors: []string{"tenant_id: required"}}
	}
	filter.Limit = 0
	filter.Offset = 0
	events, _, err := s.Store.QueryEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return RenderEvents(events, format)
}

func RenderEvents(events []domain.DocumentEvent, format ExportFormat) ([]byte, error) {
	if events == nil {
		events = []domain.DocumentEvent{}
	}
	switch format {
	case ExportJSON, "":
		return json.Marshal(jsonExport{TotalEvents: len(events), Events: events})
	case ExportCSV:
		return renderCSV(events)
	case ExportXLSX:
		return renderXLSX(events)
	}
	return nil, &domain.ValidationError{Errors: []string{fmt.Sprintf("format: unsupported %q", format)}}
}

func renderCSV(events []domain.DocumentEvent) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, ev := range events {
		if err := w.Write(eventRow(ev)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderXLSX(events []domain.DocumentEvent) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", auditSheet); err != nil {
		return nil, err
	}
	header := make([]any, len(csvHeader))
	for i, h := range csvHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(auditSheet, "A1", &header); err != nil {
		return nil, err
	}
	for i, ev := range events {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		fields := eventRow(ev)
		row := make([]any, len(fields))
		for j, v := range fields {
			row[j] = v
		}
		if err := f.SetSheetRow(auditSheet, cell, &row); err != nil {
			return nil, err
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func eventRow(ev domain.DocumentEvent) []string {
	previous := ""
	if ev.PreviousState != nil {
		previous = string(*ev.PreviousState)
	}
	correlation := ""
	if ev.CorrelationID != nil {
		correlation = *ev.CorrelationID
	}
	return []string{
		ev.ID,
		ev.TenantID,
		ev.DocumentID,
		string(ev.EventType),
		previous,
		string(ev.NewState),
		ev.Actor,
		string(ev.ActorType),
		correlation,
		ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		string(ev.EventData),
	}
}
