// Package report renders subtree rollups as spreadsheets.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/Simplici0/bomcost/internal/rollup"
)

// SheetName is the worksheet holding the rollup.
const SheetName = "Rollup"

// ContentType is the MIME type of the workbook written by WriteXLSX.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var headings = []any{
	"Item",
	"Name",
	"Level",
	"Raw material",
	"Process",
	"Child part",
	"Procured parts",
	"Logistics",
	"Own cost",
	"Total cost",
	"Stale",
	"Last calculated",
}

// WriteXLSX writes one row per rollup line, indenting names by depth.
func WriteXLSX(w io.Writer, lines []rollup.Line) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(SheetName, "A1", &headings); err != nil {
		return fmt.Errorf("write headings: %w", err)
	}

	for i, l := range lines {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		a := l.Aggregate
		calculated := ""
		if !a.LastCalculatedAt.IsZero() {
			calculated = a.LastCalculatedAt.Format("2006-01-02 15:04:05")
		}
		row := []any{
			l.Node.ID,
			strings.Repeat("  ", l.Depth) + l.Node.Name,
			l.Depth,
			a.RawMaterialCost,
			a.ProcessCost,
			a.ChildPartCost,
			a.ProcuredPartsCost,
			a.LogisticsCost,
			a.OwnCost,
			a.TotalCost,
			a.IsStale,
			calculated,
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.SetColWidth(SheetName, "B", "B", 32); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}
	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
