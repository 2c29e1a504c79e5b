package format

import (
	"fmt"
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/toricodesthings/document-ingestion-service/internal/types"
)

// TablesWorkbook renders a table-only result as an XLSX workbook, one sheet
// per table. Row 1 holds the column names.
func TablesWorkbook(resp types.TablesResponse) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const first = "Sheet1"
	if len(resp.Tables) == 0 {
		_ = f.SetCellValue(first, "A1", types.NoTablesMessage)
	}

	for i, t := range resp.Tables {
		sheet := fmt.Sprintf("Table %d", t.TableIndex)
		if i == 0 {
			if err := f.SetSheetName(first, sheet); err != nil {
				return nil, fmt.Errorf("rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return nil, fmt.Errorf("new sheet %q: %w", sheet, err)
		}

		cols := columnsOf(t)
		for c, name := range cols {
			cell, _ := excelize.CoordinatesToCellName(c+1, 1)
			_ = f.SetCellValue(sheet, cell, name)
		}
		for r, row := range t.Rows {
			for c, name := range cols {
				cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
				_ = f.SetCellValue(sheet, cell, row[name])
			}
		}
	}

	if idx, err := f.GetSheetIndex(sheetName(resp)); err == nil && idx >= 0 {
		f.SetActiveSheet(idx)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

// columnsOf prefers the materialized header order and falls back to the
// sorted union of row keys.
func columnsOf(t types.Table) []string {
	if len(t.Columns) > 0 {
		return t.Columns
	}
	seen := map[string]bool{}
	var cols []string
	for _, row := range t.Rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

func sheetName(resp types.TablesResponse) string {
	if len(resp.Tables) == 0 {
		return "Sheet1"
	}
	return fmt.Sprintf("Table %d", resp.Tables[0].TableIndex)
}
