// Package report builds spreadsheet exports of attendance.
package report

import (
	"time"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"smartattendance/internal/model"
)

var header = []any{"Roll No", "Name", "Status", "Method", "Marked At"}

// AttendanceWorkbook renders one sheet named after date with a row per
// record, in the order given. Callers must Close the returned file.
func AttendanceWorkbook(date string, records []model.AttendanceRecord) (*excelize.File, error) {
	if date == "" {
		date = "attendance"
	}
	f := excelize.NewFile()
	sheet := date
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "rename sheet")
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "header style")
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "write header")
	}
	_ = f.SetRowStyle(sheet, 1, 1, bold)

	for i, r := range records {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []any{r.RollNo, r.Name, r.Status, r.Method, r.CreatedAt.Local().Format(time.DateTime)}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "write row %d", i+2)
		}
	}
	_ = f.SetColWidth(sheet, "A", "A", 14)
	_ = f.SetColWidth(sheet, "B", "B", 28)
	_ = f.SetColWidth(sheet, "E", "E", 20)
	return f, nil
}

// Filename is the download name for a date's export.
func Filename(date string) string {
	return "attendance-" + date + ".xlsx"
}
