package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tradedesk/authserver/internal/apperr"
	"github.com/tradedesk/authserver/types"
)

const auditDateLayout = "2006-01-02"

// ClosedSessionLister reads closed records from the audit trail.
type ClosedSessionLister interface {
	ListClosedBetween(ctx context.Context, from, to time.Time) ([]types.SessionRecord, error)
}

// ObjectWriter uploads objects to the configured bucket.
type ObjectWriter interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// ExportResult describes an uploaded audit export.
type ExportResult struct {
	Key     string
	Records int
	Bytes   int64
}

// AuditExporter writes closed session records to object storage as JSON lines.
type AuditExporter struct {
	sessions ClosedSessionLister
	objects  ObjectWriter
	logger   *slog.Logger
}

func NewAuditExporter(sessions ClosedSessionLister, objects ObjectWriter, logger *slog.Logger) *AuditExporter {
	return &AuditExporter{sessions: sessions, objects: objects, logger: logger}
}

// ExportKey is the object key for the [from, to) export.
func ExportKey(from, to time.Time) string {
	return fmt.Sprintf("sessions/%s_%s.jsonl", from.Format(auditDateLayout), to.Format(auditDateLayout))
}

// ParseExportRange parses YYYY-MM-DD bounds as UTC days. to must be after from.
func ParseExportRange(from, to string) (time.Time, time.Time, error) {
	const op = "audit.parse_range"

	start, err := time.ParseInLocation(auditDateLayout, from, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Validation(op, "invalid_date", "from must be YYYY-MM-DD")
	}
	end, err := time.ParseInLocation(auditDateLayout, to, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Validation(op, "invalid_date", "to must be YYYY-MM-DD")
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, apperr.Validation(op, "invalid_range", "to must be after from")
	}
	return start, end, nil
}

// Export uploads every record closed in [from, to). An existing archive is
// only replaced when overwrite is set.
func (e *AuditExporter) Export(ctx context.Context, from, to time.Time, overwrite bool) (ExportResult, error) {
	const op = "audit.export"

	key := ExportKey(from, to)
	if !overwrite {
		exists, err := e.objects.Exists(ctx, key)
		if err != nil {
			return ExportResult{}, fmt.Errorf("%s: stat %s: %w", op, key, err)
		}
		if exists {
			return ExportResult{}, &apperr.Error{Op: op, Kind: apperr.ErrConflict, Code: "export_exists", Message: key + " already exists"}
		}
	}

	recs, err := e.sessions.ListClosedBetween(ctx, from, to)
	if err != nil {
		return ExportResult{}, fmt.Errorf("%s: %w", op, err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return ExportResult{}, fmt.Errorf("%s: encode record %d: %w", op, rec.ID, err)
		}
	}

	res := ExportResult{Key: key, Records: len(recs), Bytes: int64(buf.Len())}
	if err := e.objects.Put(ctx, res.Key, &buf, res.Bytes, "application/x-ndjson"); err != nil {
		return ExportResult{}, fmt.Errorf("%s: upload %s: %w", op, res.Key, err)
	}
	e.logger.Info("audit.exported", "key", res.Key, "records", res.Records, "bytes", res.Bytes)
	return res, nil
}
