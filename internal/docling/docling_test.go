package docling

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/toricodesthings/document-ingestion-service/internal/docmodel"
	"github.com/toricodesthings/document-ingestion-service/internal/extract"
	"github.com/toricodesthings/document-ingestion-service/internal/format"
)

func pngDataURI(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{G: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

// fixture is a two-page DoclingDocument. Page 1 carries a 12 DPI raster
// (102x132 for a 612x792pt page); page 2 has none.
func fixture(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf(`{
  "schema_name": "DoclingDocument",
  "version": "1.3.0",
  "name": "invoice",
  "texts": [
    {"label": "title", "text": "Invoice 42", "prov": [{"page_no": 1}]},
    {"label": "text", "text": "   "},
    {"label": "text", "text": " Thank you. "}
  ],
  "tables": [
    {"label": "table", "data": {"num_rows": 3, "num_cols": 2, "table_cells": [
      {"text": "Item", "start_row_offset_idx": 0, "end_row_offset_idx": 1, "start_col_offset_idx": 0, "end_col_offset_idx": 1, "column_header": true},
      {"text": "Qty",  "start_row_offset_idx": 0, "end_row_offset_idx": 1, "start_col_offset_idx": 1, "end_col_offset_idx": 2, "column_header": true},
      {"text": "Bolt", "start_row_offset_idx": 1, "end_row_offset_idx": 2, "start_col_offset_idx": 0, "end_col_offset_idx": 1},
      {"text": "4",    "start_row_offset_idx": 1, "end_row_offset_idx": 2, "start_col_offset_idx": 1, "end_col_offset_idx": 2},
      {"text": "Nut",  "start_row_offset_idx": 2, "end_row_offset_idx": 3, "start_col_offset_idx": 0, "end_col_offset_idx": 1},
      {"text": "9",    "start_row_offset_idx": 2, "end_row_offset_idx": 3, "start_col_offset_idx": 1, "end_col_offset_idx": 2}
    ]}},
    {"label": "table", "data": {"num_rows": 1, "num_cols": 2, "grid": [[]]}}
  ],
  "pictures": [
    {"label": "picture", "prov": [{"page_no": 1, "bbox": {"l": 0, "t": 792, "r": 306, "b": 396, "coord_origin": "BOTTOMLEFT"}}],
     "image": {"mimetype": "image/png", "dpi": 72, "size": {"width": 5, "height": 3}, "uri": %q}},
    {"label": "picture", "prov": [{"page_no": 1, "bbox": {"l": 0, "t": 0, "r": 306, "b": 396, "coord_origin": "TOPLEFT"}}]},
    {"label": "picture", "prov": [{"page_no": 2, "bbox": {"l": 0, "t": 0, "r": 10, "b": 10, "coord_origin": "TOPLEFT"}}]}
  ],
  "key_value_items": [
    {"label": "key_value_region", "prov": [{"page_no": 1, "bbox": {"l": 0, "t": 0, "r": 306, "b": 396, "coord_origin": "TOPLEFT"}}],
     "graph": {"cells": [
       {"cell_id": 0, "label": "key", "text": "Total"},
       {"cell_id": 1, "label": "value", "text": " 13 "}
     ], "links": [{"label": "to_value", "source_cell_id": 0, "target_cell_id": 1}]}}
  ],
  "form_items": [],
  "pages": {
    "1": {"page_no": 1, "size": {"width": 612, "height": 792},
          "image": {"mimetype": "image/png", "dpi": 12, "size": {"width": 102, "height": 132}, "uri": %q}},
    "2": {"page_no": 2, "size": {"width": 612, "height": 792}}
  }
}`, pngDataURI(t, 5, 3), pngDataURI(t, 102, 132))
}

func decodeFixture(t *testing.T) *Document {
	t.Helper()
	var d Document
	if err := json.Unmarshal([]byte(fixture(t)), &d); err != nil {
		t.Fatal(err)
	}
	return &d
}

func TestModelCollections(t *testing.T) {
	m := decodeFixture(t).Model()

	c := m.Counts()
	want := docmodel.Counts{Pages: 2, Tables: 2, Pictures: 3, KeyValueItems: 1, FormItems: 0}
	if c != want {
		t.Fatalf("Counts = %+v, want %+v", c, want)
	}
	if m.Pages[0].PageNo() != 1 || m.Pages[1].PageNo() != 2 {
		t.Fatalf("pages out of order")
	}
	if got := extract.Paragraphs(m.Texts); len(got) != 2 || got[1].Index != 3 || got[1].Text != "Thank you." {
		t.Fatalf("paragraphs = %+v", got)
	}
}

func TestModelSkipsUnnumberedPages(t *testing.T) {
	d := &Document{Pages: map[string]PageItem{
		"2":     {PageNo: 2},
		"cover": {},
		"back":  {},
		"x":     {PageNo: 2, Size: Size{Width: 1}},
	}}
	m := d.Model()
	if len(m.Pages) != 1 || m.Pages[0].PageNo() != 2 {
		t.Fatalf("pages = %d, want only page 2", len(m.Pages))
	}
	if pv := m.Pages[0].(*pageView); pv.item.Size.Width != 0 {
		t.Error("page 2 resolved to a later duplicate key")
	}
	if _, err := m.Page(0); err == nil {
		t.Error("unnumbered pages must not be addressable as page 0")
	}
}

func TestTableHeadersBecomeColumns(t *testing.T) {
	m := decodeFixture(t).Model()

	tab, err := m.Tables[0].Tabular()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(tab.Columns, []string{"Item", "Qty"}) {
		t.Fatalf("columns = %v", tab.Columns)
	}
	want := []map[string]string{{"Item": "Bolt", "Qty": "4"}, {"Item": "Nut", "Qty": "9"}}
	if !reflect.DeepEqual(tab.Rows, want) {
		t.Fatalf("rows = %v, want %v", tab.Rows, want)
	}

	if _, err := m.Tables[1].Tabular(); !errors.Is(err, ErrMalformedTable) {
		t.Fatalf("empty grid row err = %v, want ErrMalformedTable", err)
	}
}

func TestTabularWithoutHeaders(t *testing.T) {
	item := &TableItem{Data: TableData{NumRows: 2, NumCols: 3, TableCells: []TableCell{
		{Text: "wide", StartRow: 0, EndRow: 1, StartCol: 0, EndCol: 2, ColSpan: 2},
		{Text: "c", StartRow: 0, EndRow: 1, StartCol: 2, EndCol: 3},
		{Text: "d", StartRow: 1, EndRow: 2, StartCol: 1, EndCol: 2},
	}}}

	tab, err := tableView{item: item}.Tabular()
	if err != nil {
		t.Fatal(err)
	}
	want := []map[string]string{
		{"0": "wide", "1": "wide", "2": "c"},
		{"0": "", "1": "d", "2": ""},
	}
	if !reflect.DeepEqual(tab.Rows, want) {
		t.Fatalf("rows = %v, want %v", tab.Rows, want)
	}
}

func TestStackedAndDuplicateHeaders(t *testing.T) {
	h := func(text string, row, col int) TableCell {
		return TableCell{Text: text, StartRow: row, EndRow: row + 1, StartCol: col, EndCol: col + 1, ColumnHeader: true}
	}
	item := &TableItem{Data: TableData{NumRows: 3, NumCols: 3, TableCells: []TableCell{
		h("Q1", 0, 0), h("Q1", 0, 1), h("Q2", 0, 2),
		h("Rev", 1, 0), h("Rev", 1, 1), h("Rev", 1, 2),
		{Text: "1", StartRow: 2, EndRow: 3, StartCol: 0, EndCol: 1},
		{Text: "2", StartRow: 2, EndRow: 3, StartCol: 1, EndCol: 2},
		{Text: "3", StartRow: 2, EndRow: 3, StartCol: 2, EndCol: 3},
	}}}

	tab, err := tableView{item: item}.Tabular()
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"Q1.Rev", "Q1.Rev.1", "Q2.Rev"}; !reflect.DeepEqual(tab.Columns, want) {
		t.Fatalf("columns = %v, want %v", tab.Columns, want)
	}
	if tab.Rows[0]["Q1.Rev.1"] != "2" {
		t.Fatalf("rows = %v", tab.Rows)
	}
}

func TestPictureImages(t *testing.T) {
	m := decodeFixture(t).Model()

	embedded, err := m.Pictures[0].Image()
	if err != nil {
		t.Fatal(err)
	}
	if embedded.Bounds().Size() != image.Pt(5, 3) {
		t.Fatalf("embedded size = %v", embedded.Bounds().Size())
	}

	// No embedded image: cut the top-left quarter out of the 102x132 raster.
	crop, err := m.Pictures[1].Image()
	if err != nil {
		t.Fatal(err)
	}
	if crop.Bounds().Size() != image.Pt(51, 66) {
		t.Fatalf("crop size = %v, want 51x66", crop.Bounds().Size())
	}

	// Page 2 has no raster at all.
	if _, err := m.Pictures[2].Image(); !errors.Is(err, docmodel.ErrNoImage) {
		t.Fatalf("page without raster err = %v, want ErrNoImage", err)
	}
	if got := m.Pictures[2].Provenance(); !reflect.DeepEqual(got, []docmodel.Provenance{{PageNo: 2}}) {
		t.Fatalf("provenance = %v", got)
	}
}

func TestPageRenderRescales(t *testing.T) {
	m := decodeFixture(t).Model()

	p, err := m.Page(1)
	if err != nil {
		t.Fatal(err)
	}
	img, err := p.Render(24)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Size() != image.Pt(204, 264) {
		t.Fatalf("render size = %v, want 204x264", img.Bounds().Size())
	}

	p2, _ := m.Page(2)
	if _, err := p2.Render(200); !errors.Is(err, ErrNoPageImage) {
		t.Fatalf("render err = %v, want ErrNoPageImage", err)
	}
}

func TestExportTokens(t *testing.T) {
	m := decodeFixture(t).Model()
	item := m.KeyValueItems[0]

	got, err := item.ExportTokens(docmodel.TokenOptions{AddContent: true})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"<key_value_region>", "<key>", "Total", "</key>", "<value>", "13", "</value>", "</key_value_region>"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tokens = %v, want %v", got, want)
	}

	got, err = item.ExportTokens(docmodel.TokenOptions{AddLocation: true})
	if err != nil {
		t.Fatal(err)
	}
	want = []string{"<key_value_region>", "<loc_0>", "<loc_0>", "<loc_250>", "<loc_250>",
		"<key>", "</key>", "<value>", "</value>", "</key_value_region>"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tokens = %v, want %v", got, want)
	}
}

func TestEnvelopeFromDocling(t *testing.T) {
	resp := format.Envelope("invoice.pdf", decodeFixture(t).Model())

	if resp.Meta.Images != 3 || len(resp.Images) != 3 {
		t.Fatalf("images = %d/%d", resp.Meta.Images, len(resp.Images))
	}
	statuses := []string{resp.Images[0].Status, resp.Images[1].Status, resp.Images[2].Status}
	if want := []string{"ok", "ok", "failed"}; !reflect.DeepEqual(statuses, want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	if len(resp.Tables) != 2 || len(resp.Tables[1].Rows) != 0 {
		t.Fatalf("tables = %+v", resp.Tables)
	}
}

func TestClientConvert(t *testing.T) {
	body := fixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/convert/file" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "secret" {
			t.Errorf("api key = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Error(err)
			return
		}
		if got := r.FormValue("to_formats"); got != "json" {
			t.Errorf("to_formats = %q", got)
		}
		if got := r.FormValue("image_export_mode"); got != "embedded" {
			t.Errorf("image_export_mode = %q", got)
		}
		if got := r.FormValue("do_table_structure"); got != "true" {
			t.Errorf("do_table_structure = %q", got)
		}
		f, hdr, err := r.FormFile("files")
		if err != nil {
			t.Error(err)
			return
		}
		data, _ := io.ReadAll(f)
		if hdr.Filename != "invoice.pdf" || string(data) != "%PDF-1.7" {
			t.Errorf("file = %q %q", hdr.Filename, data)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"document": {"filename": "invoice.pdf", "json_content": %s}, "status": "success", "errors": []}`, body)
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "secret", Options{DoTableStructure: true}, nil)
	doc, err := c.Convert(context.Background(), "invoice.pdf", []byte("%PDF-1.7"))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Counts().Tables != 2 {
		t.Fatalf("tables = %d, want 2", doc.Counts().Tables)
	}
}

func TestClientConvertFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"http error", http.StatusInternalServerError, "boom"},
		{"failure status", http.StatusOK, `{"document": {}, "status": "failure", "errors": [{"module_name": "pdf", "error_message": "encrypted"}]}`},
		{"missing json", http.StatusOK, `{"document": {}, "status": "success"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := New(srv.URL, "", Options{}, nil).Convert(context.Background(), "a.pdf", []byte("x"))
			if !errors.Is(err, ErrConvertFailed) {
				t.Fatalf("err = %v, want ErrConvertFailed", err)
			}
		})
	}
}

func TestClientPartialSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"document": {"json_content": {"texts": [{"text": "ok"}]}}, "status": "partial_success",
			"errors": [{"module_name": "tables", "error_message": "timeout"}]}`)
	}))
	defer srv.Close()

	doc, err := New(srv.URL, "", Options{}, nil).Convert(context.Background(), "a.pdf", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Texts) != 1 || !strings.EqualFold(doc.Texts[0].Text(), "ok") {
		t.Fatalf("texts = %v", doc.Texts)
	}
}
