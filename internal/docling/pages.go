package docling

import (
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"

	"github.com/toricodesthings/document-ingestion-service/internal/docmodel"
	"github.com/toricodesthings/document-ingestion-service/internal/raster"
)

var ErrNoPageImage = errors.New("page has no raster")

// pointsPerInch is the PDF user-space unit Docling reports page sizes in.
const pointsPerInch = 72.0

type pageView struct {
	no   int
	item PageItem

	once sync.Once
	img  image.Image
	err  error
}

func (p *pageView) PageNo() int { return p.no }

// Render returns the page raster Docling produced, resampled to dpi.
func (p *pageView) Render(dpi int) (image.Image, error) {
	img, err := p.raster()
	if err != nil {
		return nil, err
	}
	return raster.Rescale(img, p.rasterDPI(img), float64(dpi))
}

func (p *pageView) raster() (image.Image, error) {
	p.once.Do(func() {
		if p.item.Image == nil || p.item.Image.URI == "" {
			p.err = fmt.Errorf("%w: page %d", ErrNoPageImage, p.no)
			return
		}
		p.img, p.err = raster.DecodeDataURI(p.item.Image.URI)
	})
	return p.img, p.err
}

// rasterDPI prefers the recorded DPI and otherwise derives it from the page
// width in points.
func (p *pageView) rasterDPI(img image.Image) float64 {
	if p.item.Image != nil && p.item.Image.DPI > 0 {
		return p.item.Image.DPI
	}
	if p.item.Size.Width > 0 {
		return float64(img.Bounds().Dx()) / p.item.Size.Width * pointsPerInch
	}
	return pointsPerInch
}

type pictureView struct {
	item  *PictureItem
	pages map[int]*pageView
}

func (v pictureView) Provenance() []docmodel.Provenance {
	if len(v.item.Prov) == 0 {
		return nil
	}
	out := make([]docmodel.Provenance, len(v.item.Prov))
	for i, p := range v.item.Prov {
		out[i] = docmodel.Provenance{PageNo: p.PageNo}
	}
	return out
}

// Image returns the embedded picture, or the picture's region cut out of its
// page raster when the engine did not embed one.
func (v pictureView) Image() (image.Image, error) {
	if v.item.Image != nil && v.item.Image.URI != "" {
		return raster.DecodeDataURI(v.item.Image.URI)
	}
	if len(v.item.Prov) == 0 {
		return nil, docmodel.ErrNoImage
	}

	prov := v.item.Prov[0]
	page, ok := v.pages[prov.PageNo]
	if !ok || page.item.Size.Width <= 0 || page.item.Size.Height <= 0 {
		return nil, docmodel.ErrNoImage
	}
	img, err := page.raster()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", docmodel.ErrNoImage, err)
	}

	b := img.Bounds()
	sx := float64(b.Dx()) / page.item.Size.Width
	sy := float64(b.Dy()) / page.item.Size.Height
	box := prov.BBox.topLeft(page.item.Size.Height)
	return raster.Crop(img, raster.Box{
		Left:   box.L * sx,
		Top:    box.T * sy,
		Right:  box.R * sx,
		Bottom: box.B * sy,
	})
}

func sortedKeys(m map[int]*pageView) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
