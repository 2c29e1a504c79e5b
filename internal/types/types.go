package types

// ── Full document envelope (/process) ───────────────────────────────────────

type Meta struct {
	Pages         int `json:"pages"`
	Tables        int `json:"tables"`
	Images        int `json:"images"`
	KeyValueItems int `json:"key_value_items"`
	FormItems     int `json:"form_items"`
}

type Paragraph struct {
	Index int    `json:"index"` // 1-based position in the source text sequence
	Text  string `json:"text"`
}

type Table struct {
	TableIndex int                 `json:"table_index"`
	Rows       []map[string]string `json:"rows"`

	// Header order for tabular renderings; JSON rows are maps.
	Columns []string `json:"-"`
}

const (
	KindKeyValue  = "key_value"
	KindFormField = "form_field"
)

type KeyValue struct {
	Type   string   `json:"type"` // "key_value" | "form_field"
	Tokens []string `json:"tokens"`
}

const (
	ImageStatusOK     = "ok"
	ImageStatusFailed = "failed"
)

type Image struct {
	Index  int     `json:"index"`
	Page   *int    `json:"page"`
	Base64 *string `json:"base64"`
	Status string  `json:"status"` // "ok" | "failed"
}

type ProcessResponse struct {
	Filename   string      `json:"filename"`
	Meta       Meta        `json:"meta"`
	Paragraphs []Paragraph `json:"paragraphs"`
	Tables     []Table     `json:"tables"`
	KeyValues  []KeyValue  `json:"key_values"`
	Images     []Image     `json:"images"`
}

// ── Table-only extraction (/v1/chat) ────────────────────────────────────────

type ObjectRequest struct {
	ObjectName string `json:"object_name"`
}

// TablesResponse carries either the tables or, when none were found, only
// Message.
type TablesResponse struct {
	FileName  string  `json:"file_name,omitempty"`
	NumTables int     `json:"num_tables,omitempty"`
	Tables    []Table `json:"tables,omitempty"`
	Message   string  `json:"message,omitempty"`
}

const NoTablesMessage = "No tables found in document."
