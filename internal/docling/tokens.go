package docling

import (
	"fmt"
	"math"
	"strings"

	"github.com/toricodesthings/document-ingestion-service/internal/docmodel"
)

// locGrid is the resolution of DocTags location tokens per page axis.
const locGrid = 500

type graphView struct {
	item  *GraphItem
	pages map[int]*pageView
	tag   string
}

// ExportTokens renders the item as a DocTags-style token sequence: the region
// tag, then every graph cell wrapped in its label tag, then the closing tag.
func (v graphView) ExportTokens(opts docmodel.TokenOptions) ([]string, error) {
	tag := v.tag
	if v.item.Label != "" {
		tag = v.item.Label
	}

	tokens := []string{"<" + tag + ">"}
	if opts.AddLocation && len(v.item.Prov) > 0 {
		tokens = append(tokens, v.locTokens(v.item.Prov[0])...)
	}
	for _, c := range v.item.Graph.Cells {
		label := c.Label
		if label == "" {
			label = "cell"
		}
		tokens = append(tokens, "<"+label+">")
		if opts.AddLocation && c.Prov != nil {
			tokens = append(tokens, v.locTokens(*c.Prov)...)
		}
		if opts.AddContent {
			if text := strings.TrimSpace(c.Text); text != "" {
				tokens = append(tokens, text)
			}
		}
		tokens = append(tokens, "</"+label+">")
	}
	tokens = append(tokens, "</"+tag+">")
	return tokens, nil
}

// locTokens maps a box onto the location grid of its page. Unknown pages
// produce no tokens.
func (v graphView) locTokens(p ProvenanceItem) []string {
	page, ok := v.pages[p.PageNo]
	if !ok || page.item.Size.Width <= 0 || page.item.Size.Height <= 0 {
		return nil
	}
	w, h := page.item.Size.Width, page.item.Size.Height
	b := p.BBox.topLeft(h)
	return []string{
		loc(b.L / w),
		loc(b.T / h),
		loc(b.R / w),
		loc(b.B / h),
	}
}

func loc(frac float64) string {
	n := int(math.Round(frac * locGrid))
	n = max(0, min(n, locGrid))
	return fmt.Sprintf("<loc_%d>", n)
}
