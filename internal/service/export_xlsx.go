package service

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"staysync/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	calendarSheet = "Calendar"
	warningsSheet = "Warnings"
)

// WriteCalendarXLSX renders projected calendars as a workbook with one
// colored row per entry and a sheet of operator warnings.
func WriteCalendarXLSX(w io.Writer, views []*CalendarView) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(calendarSheet)
	if err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if _, err := f.NewSheet(warningsSheet); err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}
	_ = f.DeleteSheet("Sheet1")

	header, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})

	writeRow(f, calendarSheet, 1, []interface{}{"Unit", "Check-in", "Check-out", "Nights", "Source", "Status", "Flagged"})
	_ = f.SetCellStyle(calendarSheet, "A1", "G1", header)
	writeRow(f, warningsSheet, 1, []interface{}{"Unit", "Kind", "Start", "End", "Message"})
	_ = f.SetCellStyle(warningsSheet, "A1", "E1", header)

	styles := make(map[string]int)
	fill := func(color string) int {
		if id, ok := styles[color]; ok {
			return id
		}
		id, err := f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
			Font: &excelize.Font{Color: "#FFFFFF"},
		})
		if err != nil {
			id = 0
		}
		styles[color] = id
		return id
	}

	row, warnRow := 2, 2
	for _, v := range views {
		for _, e := range v.Entries {
			status := string(e.Status)
			if e.Flagged {
				status = "anomaly"
			}
			writeRow(f, calendarSheet, row, []interface{}{
				v.UnitID, e.Start, e.End, e.rng.Nights(), e.SourceLabel, status, boolToYesNo(e.Flagged),
			})
			if id := fill(e.Color); id != 0 {
				_ = f.SetCellStyle(calendarSheet, fmt.Sprintf("E%d", row), fmt.Sprintf("E%d", row), id)
			}
			row++
		}
		for _, wr := range v.Warnings {
			writeRow(f, warningsSheet, warnRow, []interface{}{v.UnitID, wr.Kind, wr.Start, wr.End, wr.Message})
			warnRow++
		}
	}

	_ = f.SetColWidth(calendarSheet, "A", "A", 20)
	_ = f.SetColWidth(calendarSheet, "B", "C", 14)
	_ = f.SetColWidth(calendarSheet, "E", "E", 24)
	_ = f.SetColWidth(warningsSheet, "E", "E", 80)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}

// SaveCalendarXLSX writes the workbook into dir and returns its path.
func SaveCalendarXLSX(dir string, views []*CalendarView, r models.DateRange, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}
	name := fmt.Sprintf("calendar_%s_to_%s_%s.xlsx", r.StartString(), r.EndString(), now.Format("20060102-150405"))
	path := filepath.Join(dir, name)

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("error creating file: %w", err)
	}
	if err := WriteCalendarXLSX(out, views); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return path, nil
}

func writeRow(f *excelize.File, sheet string, row int, values []interface{}) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func boolToYesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}
