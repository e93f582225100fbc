package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

// DeadLetterSheet is the worksheet written by ExportDeadLetters
const DeadLetterSheet = "DeadLetters"

var deadLetterHeader = []any{
	"ID", "Table", "Operation", "SequenceID", "Attempts", "FirstEnqueuedAt", "LastAttemptAt", "LastError", "Decoded", "Payload",
}

// ExportDeadLetters writes every dead-lettered entry to an .xlsx workbook at path
// and returns the number of rows written.
func (b *Buffer) ExportDeadLetters(ctx context.Context, path string) (int, error) {
	entries, err := b.DeadLetters(ctx, 0)
	if err != nil {
		return 0, err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", DeadLetterSheet); err != nil {
		return 0, fmt.Errorf("failed to name sheet: %w", err)
	}
	if err := f.SetSheetRow(DeadLetterSheet, "A1", &deadLetterHeader); err != nil {
		return 0, fmt.Errorf("failed to write header: %w", err)
	}
	if style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		_ = f.SetRowStyle(DeadLetterSheet, 1, 1, style)
	}

	for i, e := range entries {
		payload, err := entryPayload(e)
		if err != nil {
			return 0, fmt.Errorf("entry %s: %w", e.ID(), err)
		}
		row := []any{
			e.ID(),
			e.Change.Table,
			string(e.Change.Operation),
			e.Change.SequenceID,
			e.AttemptCount,
			formatTime(e.FirstEnqueuedAt),
			formatTime(e.LastAttemptAt),
			e.LastError,
			e.Raw == nil,
			payload,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return 0, err
		}
		if err := f.SetSheetRow(DeadLetterSheet, cell, &row); err != nil {
			return 0, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if len(entries) > 0 {
		last, _ := excelize.CoordinatesToCellName(len(deadLetterHeader), len(entries)+1)
		if err := f.AutoFilter(DeadLetterSheet, "A1:"+last, nil); err != nil {
			return 0, fmt.Errorf("failed to add filter: %w", err)
		}
	}

	if err := f.SaveAs(path); err != nil {
		return 0, fmt.Errorf("failed to save %s: %w", path, err)
	}
	b.logger.Info("Exported dead letters", "path", path, "count", len(entries))
	return len(entries), nil
}

func entryPayload(e Entry) (string, error) {
	var v any = e.Change
	if e.Raw != nil {
		v = e.Raw
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
