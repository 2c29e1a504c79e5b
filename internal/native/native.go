// Package native converts PDFs locally, without a remote engine. pdfcpu
// reads the file structure and embedded images; poppler supplies page text
// and page rasters. Tables and key-value regions are not detected, and
// pages without a usable text layer contribute no paragraphs.
package native

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/toricodesthings/document-ingestion-service/internal/docmodel"
	"github.com/toricodesthings/document-ingestion-service/internal/extractor"
	"github.com/toricodesthings/document-ingestion-service/internal/quality"
	"github.com/toricodesthings/document-ingestion-service/internal/raster"
)

var ErrNotPDF = errors.New("not a PDF")

type Options struct {
	TextTimeout   time.Duration // per page pdftotext
	RenderTimeout time.Duration // per page pdftoppm
	MaxPages      int
}

type Converter struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TextTimeout <= 0 {
		opts.TextTimeout = 10 * time.Second
	}
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = 20 * time.Second
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 500
	}
	return &Converter{opts: opts, logger: logger}
}

// Convert parses data as a PDF. The returned document keeps a work file for
// page rendering until Document.Close.
func (c *Converter) Convert(ctx context.Context, name string, data []byte) (*docmodel.Document, error) {
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		return nil, fmt.Errorf("%w: %s", ErrNotPDF, name)
	}

	pctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}
	if pctx.PageCount > c.opts.MaxPages {
		return nil, fmt.Errorf("document has %d pages (max %d)", pctx.PageCount, c.opts.MaxPages)
	}

	tmpDir, err := os.MkdirTemp("", "docingest-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(tmpDir) }

	pdfPath := filepath.Join(tmpDir, "doc.pdf")
	if err := os.WriteFile(pdfPath, data, 0o600); err != nil {
		cleanup()
		return nil, fmt.Errorf("write work file: %w", err)
	}

	doc := &docmodel.Document{Release: cleanup}
	for pageNr := 1; pageNr <= pctx.PageCount; pageNr++ {
		if err := ctx.Err(); err != nil {
			cleanup()
			return nil, err
		}

		doc.Pages = append(doc.Pages, &page{ctx: ctx, no: pageNr, path: pdfPath, timeout: c.opts.RenderTimeout})

		for _, para := range c.pageParagraphs(ctx, pdfPath, pageNr) {
			doc.Texts = append(doc.Texts, textBlock(para))
		}
		for _, pic := range c.pagePictures(pctx, pageNr) {
			doc.Pictures = append(doc.Pictures, pic)
		}
	}

	c.logger.Debug("native conversion",
		"file", name, "pages", pctx.PageCount, "texts", len(doc.Texts), "pictures", len(doc.Pictures))
	return doc, nil
}

func (c *Converter) pageParagraphs(ctx context.Context, pdfPath string, pageNr int) []string {
	tctx, cancel := context.WithTimeout(ctx, c.opts.TextTimeout)
	defer cancel()

	raw, err := extractor.TextForPage(tctx, pdfPath, pageNr)
	if err != nil {
		c.logger.Warn("page text unavailable", "page", pageNr, "error", err)
		return nil
	}
	return c.usableParagraphs(pageNr, raw)
}

// usableParagraphs drops a page whose text layer is scan residue rather
// than text; image-only pages still reach the output as pictures.
func (c *Converter) usableParagraphs(pageNr int, raw string) []string {
	a := quality.Assess(raw)
	if !a.Usable {
		if a.WordCount > 0 {
			c.logger.Warn("page text layer unusable",
				"page", pageNr, "score", a.Score, "reasons", a.Reasons)
		}
		return nil
	}

	paras := splitParagraphs(raw)
	out := paras[:0]
	for _, p := range paras {
		if p = quality.Clean(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// pagePictures lists the page's image XObjects in object-number order. The
// pixel data is read eagerly; decoding waits until extraction asks for it.
func (c *Converter) pagePictures(pctx *model.Context, pageNr int) []docmodel.PictureBlock {
	imgs, err := pdfcpu.ExtractPageImages(pctx, pageNr, false)
	if err != nil {
		c.logger.Warn("page images unavailable", "page", pageNr, "error", err)
		return nil
	}

	objNrs := make([]int, 0, len(imgs))
	for nr := range imgs {
		objNrs = append(objNrs, nr)
	}
	sort.Ints(objNrs)

	out := make([]docmodel.PictureBlock, 0, len(objNrs))
	for _, nr := range objNrs {
		img := imgs[nr]
		pic := &picture{pageNo: pageNr, fileType: img.FileType}
		if img.Reader != nil {
			pic.data, pic.readErr = io.ReadAll(img.Reader)
		}
		out = append(out, pic)
	}
	return out
}

// splitParagraphs splits page text on blank lines and form feeds.
func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\f", "\n\n")

	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type textBlock string

func (t textBlock) Text() string { return string(t) }

type picture struct {
	pageNo   int
	fileType string
	data     []byte
	readErr  error
}

func (p *picture) Provenance() []docmodel.Provenance {
	return []docmodel.Provenance{{PageNo: p.pageNo}}
}

func (p *picture) Image() (image.Image, error) {
	if p.readErr != nil {
		return nil, fmt.Errorf("read %s image: %w", p.fileType, p.readErr)
	}
	if len(p.data) == 0 {
		return nil, docmodel.ErrNoImage
	}
	img, _, err := raster.Decode(p.data)
	if err != nil {
		return nil, fmt.Errorf("%s image: %w", p.fileType, err)
	}
	return img, nil
}

// page renders lazily, after Convert has returned, so it keeps the
// conversion's context and stops with the request.
type page struct {
	ctx     context.Context
	no      int
	path    string
	timeout time.Duration
}

func (p *page) PageNo() int { return p.no }

func (p *page) Render(dpi int) (image.Image, error) {
	if err := p.ctx.Err(); err != nil {
		return nil, fmt.Errorf("render page %d: %w", p.no, err)
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	data, err := extractor.RenderPage(ctx, p.path, p.no, dpi)
	if err != nil {
		return nil, err
	}
	img, _, err := raster.Decode(data)
	return img, err
}
