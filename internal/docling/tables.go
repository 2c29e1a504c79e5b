package docling

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/toricodesthings/document-ingestion-service/internal/docmodel"
)

var ErrMalformedTable = errors.New("malformed table")

type tableView struct {
	item *TableItem
}

// Tabular flattens the table into records. Leading rows holding a column
// header name the columns (stacked headers joined with "."); without headers
// columns are named by position.
func (v tableView) Tabular() (docmodel.Tabular, error) {
	data := v.item.Data
	if data.NumRows <= 0 || data.NumCols <= 0 {
		return docmodel.Tabular{Rows: []map[string]string{}}, nil
	}

	grid := data.Grid
	if len(grid) == 0 {
		grid = buildGrid(data)
	}

	numHeaders := 0
	for i, row := range grid {
		if len(row) == 0 {
			return docmodel.Tabular{}, fmt.Errorf("%w: row %d is empty", ErrMalformedTable, i)
		}
		if !anyColumnHeader(row) {
			break
		}
		numHeaders++
	}

	var columns []string
	if numHeaders > 0 {
		columns = make([]string, data.NumCols)
		for _, row := range grid[:numHeaders] {
			for j, cell := range row {
				if j >= data.NumCols {
					return docmodel.Tabular{}, fmt.Errorf("%w: header wider than %d columns", ErrMalformedTable, data.NumCols)
				}
				if columns[j] != "" {
					columns[j] += "."
				}
				columns[j] += cell.Text
			}
		}
	} else {
		columns = make([]string, data.NumCols)
		for j := range columns {
			columns[j] = strconv.Itoa(j)
		}
	}
	columns = uniqueColumns(columns)

	rows := make([]map[string]string, 0, len(grid)-numHeaders)
	for i, row := range grid[numHeaders:] {
		if len(row) > len(columns) {
			return docmodel.Tabular{}, fmt.Errorf("%w: row %d has %d cells for %d columns",
				ErrMalformedTable, numHeaders+i, len(row), len(columns))
		}
		rec := make(map[string]string, len(columns))
		for j, name := range columns {
			if j < len(row) {
				rec[name] = row[j].Text
			} else {
				rec[name] = ""
			}
		}
		rows = append(rows, rec)
	}
	return docmodel.Tabular{Columns: columns, Rows: rows}, nil
}

// buildGrid expands table cells into a NumRows x NumCols grid, repeating a
// spanning cell in every slot it covers.
func buildGrid(data TableData) [][]TableCell {
	grid := make([][]TableCell, data.NumRows)
	for i := range grid {
		grid[i] = make([]TableCell, data.NumCols)
	}
	for _, c := range data.TableCells {
		for i := max(c.StartRow, 0); i < min(c.EndRow, data.NumRows); i++ {
			for j := max(c.StartCol, 0); j < min(c.EndCol, data.NumCols); j++ {
				grid[i][j] = c
			}
		}
	}
	return grid
}

func anyColumnHeader(row []TableCell) bool {
	for _, c := range row {
		if c.ColumnHeader {
			return true
		}
	}
	return false
}

// uniqueColumns suffixes repeated names (".1", ".2") so no record key is
// overwritten.
func uniqueColumns(cols []string) []string {
	seen := make(map[string]int, len(cols))
	taken := make(map[string]bool, len(cols))
	for _, c := range cols {
		taken[c] = true
	}
	out := make([]string, len(cols))
	for i, c := range cols {
		n := seen[c]
		seen[c] = n + 1
		if n == 0 {
			out[i] = c
			continue
		}
		name := c + "." + strconv.Itoa(n)
		for taken[name] {
			n++
			name = c + "." + strconv.Itoa(n)
		}
		seen[c] = n + 1
		taken[name] = true
		out[i] = name
	}
	return out
}
