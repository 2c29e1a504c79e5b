package format

import (
	"github.com/toricodesthings/document-ingestion-service/internal/docmodel"
	"github.com/toricodesthings/document-ingestion-service/internal/extract"
	"github.com/toricodesthings/document-ingestion-service/internal/types"
)

// Envelope builds the full response for one converted document. Meta counts
// are taken from the raw collections, not from what extraction managed.
func Envelope(filename string, doc *docmodel.Document) types.ProcessResponse {
	return types.ProcessResponse{
		Filename:   filename,
		Meta:       meta(doc.Counts()),
		Paragraphs: extract.Paragraphs(doc.TextBlocks()),
		Tables:     extract.Tables(doc.TableBlocks()),
		KeyValues:  extract.KeyValues(doc.KeyValueBlocks(), doc.FormBlocks()),
		Images:     extract.Images(doc),
	}
}

// TablesOnly builds the table-only response. A document without tables
// yields only the no-tables message.
func TablesOnly(name string, doc *docmodel.Document) types.TablesResponse {
	tables := extract.Tables(doc.TableBlocks())
	if len(tables) == 0 {
		return types.TablesResponse{Message: types.NoTablesMessage}
	}
	return types.TablesResponse{
		FileName:  name,
		NumTables: len(tables),
		Tables:    tables,
	}
}

func meta(c docmodel.Counts) types.Meta {
	return types.Meta{
		Pages:         c.Pages,
		Tables:        c.Tables,
		Images:        c.Pictures,
		KeyValueItems: c.KeyValueItems,
		FormItems:     c.FormItems,
	}
}
