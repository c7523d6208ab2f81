package joblog

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Jobs"

var exportHeaders = []string{
	"Job ID",
	"Kind",
	"Submitter",
	"Status",
	"Worker",
	"Exit Code",
	"Payload Bytes",
	"Output Bytes",
	"Enqueued At",
	"Duration (ms)",
	"Error",
}

// ExportXLSX writes the jobs matching f as a single-sheet workbook.
func (s *Store) ExportXLSX(ctx context.Context, w io.Writer, f Filter) (int, error) {
	entries, err := s.Recent(ctx, f)
	if err != nil {
		return 0, err
	}

	file := excelize.NewFile()
	defer file.Close()

	// NewFile starts with "Sheet1"; rename it rather than leave an empty sheet.
	if err := file.SetSheetName(file.GetSheetName(0), exportSheet); err != nil {
		return 0, fmt.Errorf("xlsx sheet: %w", err)
	}

	for i, h := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = file.SetCellValue(exportSheet, cell, h)
	}

	for i, e := range entries {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = file.SetCellValue(exportSheet, cell, v)
		}

		write(1, e.ID)
		write(2, e.Kind)
		write(3, e.Submitter)
		write(4, string(e.Status))
		write(5, e.WorkerID)
		if e.ExitCode != nil {
			write(6, *e.ExitCode)
		}
		write(7, e.PayloadBytes)
		write(8, e.OutputBytes)
		write(9, e.EnqueuedAt.Format("2006-01-02 15:04:05"))
		write(10, e.Duration().Milliseconds())
		if e.LastError != nil {
			write(11, truncate(*e.LastError, 200))
		}
	}

	_ = file.SetColWidth(exportSheet, "A", "A", 38) // uuid
	_ = file.SetColWidth(exportSheet, "B", "E", 14)
	_ = file.SetColWidth(exportSheet, "I", "I", 20)
	_ = file.SetColWidth(exportSheet, "K", "K", 60)

	if _, err := file.WriteTo(w); err != nil {
		return 0, fmt.Errorf("xlsx write: %w", err)
	}
	return len(entries), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
