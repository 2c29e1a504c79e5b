package docling

import (
	"sort"
	"strconv"

	"github.com/toricodesthings/document-ingestion-service/internal/docmodel"
)

// Document is the subset of the DoclingDocument JSON schema this service
// reads. Unknown fields are ignored.
type Document struct {
	SchemaName    string              `json:"schema_name"`
	Version       string              `json:"version"`
	Name          string              `json:"name"`
	Texts         []TextItem          `json:"texts"`
	Tables        []TableItem         `json:"tables"`
	Pictures      []PictureItem       `json:"pictures"`
	KeyValueItems []GraphItem         `json:"key_value_items"`
	FormItems     []GraphItem         `json:"form_items"`
	Pages         map[string]PageItem `json:"pages"`
}

type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

const originTopLeft = "TOPLEFT"

type BoundingBox struct {
	L           float64 `json:"l"`
	T           float64 `json:"t"`
	R           float64 `json:"r"`
	B           float64 `json:"b"`
	CoordOrigin string  `json:"coord_origin"`
}

// topLeft returns the box with a top-left origin on a page of the given
// height. Docling defaults to bottom-left.
func (b BoundingBox) topLeft(pageHeight float64) BoundingBox {
	if b.CoordOrigin == originTopLeft {
		return b
	}
	return BoundingBox{L: b.L, T: pageHeight - b.T, R: b.R, B: pageHeight - b.B, CoordOrigin: originTopLeft}
}

type ProvenanceItem struct {
	PageNo int         `json:"page_no"`
	BBox   BoundingBox `json:"bbox"`
}

type ImageRef struct {
	Mimetype string  `json:"mimetype"`
	DPI      float64 `json:"dpi"`
	Size     Size    `json:"size"`
	URI      string  `json:"uri"`
}

type PageItem struct {
	PageNo int       `json:"page_no"`
	Size   Size      `json:"size"`
	Image  *ImageRef `json:"image"`
}

type TextItem struct {
	Label string           `json:"label"`
	Text  string           `json:"text"`
	Orig  string           `json:"orig"`
	Prov  []ProvenanceItem `json:"prov"`
}

type TableCell struct {
	Text         string `json:"text"`
	RowSpan      int    `json:"row_span"`
	ColSpan      int    `json:"col_span"`
	StartRow     int    `json:"start_row_offset_idx"`
	EndRow       int    `json:"end_row_offset_idx"`
	StartCol     int    `json:"start_col_offset_idx"`
	EndCol       int    `json:"end_col_offset_idx"`
	ColumnHeader bool   `json:"column_header"`
	RowHeader    bool   `json:"row_header"`
}

type TableData struct {
	TableCells []TableCell   `json:"table_cells"`
	NumRows    int           `json:"num_rows"`
	NumCols    int           `json:"num_cols"`
	Grid       [][]TableCell `json:"grid"`
}

type TableItem struct {
	Label string           `json:"label"`
	Prov  []ProvenanceItem `json:"prov"`
	Data  TableData        `json:"data"`
}

type PictureItem struct {
	Label string           `json:"label"`
	Prov  []ProvenanceItem `json:"prov"`
	Image *ImageRef        `json:"image"`
}

type GraphCell struct {
	CellID int             `json:"cell_id"`
	Text   string          `json:"text"`
	Orig   string          `json:"orig"`
	Label  string          `json:"label"` // "key" | "value" | ...
	Prov   *ProvenanceItem `json:"prov"`
}

type GraphLink struct {
	Label        string `json:"label"`
	SourceCellID int    `json:"source_cell_id"`
	TargetCellID int    `json:"target_cell_id"`
}

type GraphData struct {
	Cells []GraphCell `json:"cells"`
	Links []GraphLink `json:"links"`
}

// GraphItem is both a key_value_items and a form_items entry.
type GraphItem struct {
	Label string           `json:"label"`
	Prov  []ProvenanceItem `json:"prov"`
	Graph GraphData        `json:"graph"`
}

// Model adapts the Docling document to the extractor views. Page rasters are
// decoded at most once and shared between page renders and picture crops.
func (d *Document) Model() *docmodel.Document {
	if d == nil {
		return &docmodel.Document{}
	}

	// Walk keys in order so a duplicate page number keeps the same entry on
	// every call. Pages with no usable number are skipped.
	keys := make([]string, 0, len(d.Pages))
	for key := range d.Pages {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pages := make(map[int]*pageView, len(d.Pages))
	for _, key := range keys {
		p := d.Pages[key]
		no := p.PageNo
		if no <= 0 {
			no, _ = strconv.Atoi(key)
		}
		if no <= 0 {
			continue
		}
		if _, dup := pages[no]; dup {
			continue
		}
		pages[no] = &pageView{no: no, item: p}
	}

	m := &docmodel.Document{}
	for _, no := range sortedKeys(pages) {
		m.Pages = append(m.Pages, pages[no])
	}
	for _, t := range d.Texts {
		m.Texts = append(m.Texts, textView{text: t.Text})
	}
	for i := range d.Tables {
		m.Tables = append(m.Tables, tableView{item: &d.Tables[i]})
	}
	for i := range d.Pictures {
		m.Pictures = append(m.Pictures, pictureView{item: &d.Pictures[i], pages: pages})
	}
	for i := range d.KeyValueItems {
		m.KeyValueItems = append(m.KeyValueItems, graphView{item: &d.KeyValueItems[i], pages: pages, tag: "key_value_region"})
	}
	for i := range d.FormItems {
		m.FormItems = append(m.FormItems, graphView{item: &d.FormItems[i], pages: pages, tag: "form"})
	}
	return m
}

type textView struct{ text string }

func (t textView) Text() string { return t.text }
