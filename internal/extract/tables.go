package extract

import (
	"errors"

	"github.com/toricodesthings/document-ingestion-service/internal/docmodel"
	"github.com/toricodesthings/document-ingestion-service/internal/types"
)

var errNilItem = errors.New("nil item")

// Tables emits exactly one entry per source table. A table that cannot be
// materialized keeps its slot with empty rows.
func Tables(tables []docmodel.TableBlock) []types.Table {
	out := make([]types.Table, 0, len(tables))
	for i, t := range tables {
		tab, err := attempt(func() (docmodel.Tabular, error) {
			if t == nil {
				return docmodel.Tabular{}, errNilItem
			}
			return t.Tabular()
		})
		if err != nil {
			tab = docmodel.Tabular{}
		}
		out = append(out, types.Table{
			TableIndex: i + 1,
			Rows:       nonNilRows(tab.Rows),
			Columns:    tab.Columns,
		})
	}
	return out
}

func nonNilRows(rows []map[string]string) []map[string]string {
	if rows == nil {
		return []map[string]string{}
	}
	return rows
}
