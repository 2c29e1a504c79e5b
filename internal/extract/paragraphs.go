package extract

import (
	"strings"

	"github.com/toricodesthings/document-ingestion-service/internal/docmodel"
	"github.com/toricodesthings/document-ingestion-service/internal/types"
)

// Paragraphs emits one entry per text block with non-blank text. Index is the
// 1-based position in texts, so skipped blocks leave gaps.
func Paragraphs(texts []docmodel.TextBlock) []types.Paragraph {
	out := make([]types.Paragraph, 0, len(texts))
	for i, block := range texts {
		text := strings.TrimSpace(blockText(block))
		if text == "" {
			continue
		}
		out = append(out, types.Paragraph{Index: i + 1, Text: text})
	}
	return out
}

func blockText(b docmodel.TextBlock) string {
	if b == nil {
		return ""
	}
	s, _ := attempt(func() (string, error) { return b.Text(), nil })
	return s
}
