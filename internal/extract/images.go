package extract

import (
	"image"

	"github.com/toricodesthings/document-ingestion-service/internal/docmodel"
	"github.com/toricodesthings/document-ingestion-service/internal/raster"
	"github.com/toricodesthings/document-ingestion-service/internal/types"
)

// RasterDPI is the resolution used when a picture has to be recovered by
// rendering its page.
const RasterDPI = 200

// defaultAnchorPage is rendered when a picture has no provenance. The
// reported page stays null in that case.
const defaultAnchorPage = 1

// Images resolves every picture to an entry, in source order. Embedded pixel
// data is preferred; the anchor page raster is the fallback. Pictures with
// neither come back with status "failed" and a null base64.
func Images(doc *docmodel.Document) []types.Image {
	pictures := doc.PictureBlocks()
	out := make([]types.Image, 0, len(pictures))
	for i, pic := range pictures {
		page := provenancePage(pic)

		entry := types.Image{Index: i + 1, Page: page, Status: types.ImageStatusFailed}
		if img, ok := pictureImage(doc, pic, page); ok {
			if enc, err := attempt(func() (string, error) { return raster.EncodePNGBase64(img) }); err == nil {
				entry.Base64 = &enc
				entry.Status = types.ImageStatusOK
			}
		}
		out = append(out, entry)
	}
	return out
}

// pictureImage walks the fallback chain: embedded data, then the anchor page
// rendered at RasterDPI.
func pictureImage(doc *docmodel.Document, pic docmodel.PictureBlock, page *int) (image.Image, bool) {
	if pic == nil {
		return nil, false
	}

	img, err := attempt(pic.Image)
	if err == nil && img != nil {
		return img, true
	}

	anchor := defaultAnchorPage
	if page != nil {
		anchor = *page
	}
	img, err = attempt(func() (image.Image, error) {
		p, err := doc.Page(anchor)
		if err != nil {
			return nil, err
		}
		return p.Render(RasterDPI)
	})
	if err == nil && img != nil {
		return img, true
	}
	return nil, false
}

func provenancePage(pic docmodel.PictureBlock) *int {
	if pic == nil {
		return nil
	}
	prov, err := attempt(func() ([]docmodel.Provenance, error) { return pic.Provenance(), nil })
	if err != nil || len(prov) == 0 {
		return nil
	}
	n := prov[0].PageNo
	return &n
}

// Failed counts image entries that could not be resolved.
func Failed(images []types.Image) int {
	n := 0
	for _, im := range images {
		if im.Status == types.ImageStatusFailed {
			n++
		}
	}
	return n
}
