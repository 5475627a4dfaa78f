package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/Simplici0/bomcost/internal/bom"
	"github.com/Simplici0/bomcost/internal/rollup"
	"github.com/Simplici0/bomcost/internal/store"
)

func TestWriteXLSX(t *testing.T) {
	at := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	lines := []rollup.Line{
		{
			Node:      bom.Node{ID: "root", Name: "Gearbox"},
			Aggregate: store.Aggregate{BOMItemID: "root", OwnCost: 10, TotalCost: 35.5, LastCalculatedAt: at},
		},
		{
			Node:      bom.Node{ID: "shaft", ParentID: "root", Name: "Shaft"},
			Depth:     1,
			Aggregate: store.Aggregate{BOMItemID: "shaft", RawMaterialCost: 25.5, OwnCost: 25.5, TotalCost: 25.5, LastCalculatedAt: at},
		},
	}

	var buf bytes.Buffer
	if err := WriteXLSX(&buf, lines); err != nil {
		t.Fatalf("WriteXLSX: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if rows[0][0] != "Item" || rows[0][9] != "Total cost" {
		t.Fatalf("unexpected headings: %v", rows[0])
	}
	if rows[2][0] != "shaft" || rows[2][1] != "  Shaft" || rows[2][3] != "25.5" {
		t.Fatalf("unexpected shaft row: %v", rows[2])
	}
	if rows[1][9] != "35.5" || rows[1][11] != "2024-02-03 04:05:06" {
		t.Fatalf("unexpected root row: %v", rows[1])
	}
}
