// Package docmodel defines the narrow views the extractors need over a
// converted document. Converters adapt their own models to these interfaces
// at the boundary; nothing downstream touches converter types.
package docmodel

import (
	"errors"
	"fmt"
	"image"
)

var (
	ErrPageNotFound = errors.New("page not found")
	ErrNoImage      = errors.New("no embedded image")
)

// TokenOptions selects what a KVBlock includes in its token export.
type TokenOptions struct {
	AddLocation bool
	AddContent  bool
}

// Tabular is a materialized table. Rows are keyed by column name and keep
// source order; Columns keeps header order for renderings that need it.
// Duplicate header names are suffixed ".1", ".2" so no cell is lost; a
// pandas records export would instead keep only the last duplicate.
type Tabular struct {
	Columns []string
	Rows    []map[string]string
}

type Provenance struct {
	PageNo int
}

type TextBlock interface {
	Text() string
}

type TableBlock interface {
	Tabular() (Tabular, error)
}

type PictureBlock interface {
	Provenance() []Provenance
	// Image returns the picture's own pixel data, or ErrNoImage.
	Image() (image.Image, error)
}

type Page interface {
	PageNo() int
	Render(dpi int) (image.Image, error)
}

type KVBlock interface {
	ExportTokens(opts TokenOptions) ([]string, error)
}

// Document is the converted form of one uploaded file. A nil collection is
// an absent collection and reads as empty.
type Document struct {
	Pages         []Page
	Texts         []TextBlock
	Tables        []TableBlock
	Pictures      []PictureBlock
	KeyValueItems []KVBlock
	FormItems     []KVBlock

	// Release frees converter-owned resources (work files, page caches).
	Release func()
}

// Counts are raw collection sizes, independent of any extraction outcome.
type Counts struct {
	Pages         int
	Tables        int
	Pictures      int
	KeyValueItems int
	FormItems     int
}

func (d *Document) Counts() Counts {
	if d == nil {
		return Counts{}
	}
	return Counts{
		Pages:         len(d.Pages),
		Tables:        len(d.Tables),
		Pictures:      len(d.Pictures),
		KeyValueItems: len(d.KeyValueItems),
		FormItems:     len(d.FormItems),
	}
}

// Page returns the page numbered no (1-based).
func (d *Document) Page(no int) (Page, error) {
	if d != nil {
		for _, p := range d.Pages {
			if p != nil && p.PageNo() == no {
				return p, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrPageNotFound, no)
}

func (d *Document) Close() {
	if d == nil || d.Release == nil {
		return
	}
	d.Release()
	d.Release = nil
}

// Accessors below let callers treat a nil document like an empty one.

func (d *Document) TextBlocks() []TextBlock {
	if d == nil {
		return nil
	}
	return d.Texts
}

func (d *Document) TableBlocks() []TableBlock {
	if d == nil {
		return nil
	}
	return d.Tables
}

func (d *Document) PictureBlocks() []PictureBlock {
	if d == nil {
		return nil
	}
	return d.Pictures
}

func (d *Document) KeyValueBlocks() []KVBlock {
	if d == nil {
		return nil
	}
	return d.KeyValueItems
}

func (d *Document) FormBlocks() []KVBlock {
	if d == nil {
		return nil
	}
	return d.FormItems
}
