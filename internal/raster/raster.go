// Package raster turns in-memory images into transport-safe text and back.
//
// Whatever format a converter hands over (PNG, JPEG, GIF, WebP, BMP, TIFF),
// output is always base64 PNG.
package raster

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"
	"strings"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// MaxRasterPixels caps the size of a rescaled page raster (about 8.5k x 8.5k).
const MaxRasterPixels = 72_000_000

var (
	ErrEmptyImage = errors.New("empty image")
	ErrBadDataURI = errors.New("malformed data uri")
	ErrTooLarge   = errors.New("raster exceeds pixel budget")
	ErrInvalidDPI = errors.New("invalid dpi")
)

// EncodePNGBase64 encodes img as PNG and returns the bytes as standard base64.
func EncodePNGBase64(img image.Image) (string, error) {
	if img == nil || img.Bounds().Empty() {
		return "", ErrEmptyImage
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("png encode: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode decodes any registered image format and reports the format name.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptyImage
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// DecodeDataURI decodes a "data:<mime>;base64,<payload>" URI.
func DecodeDataURI(uri string) (image.Image, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, fmt.Errorf("%w: not a data uri", ErrBadDataURI)
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("%w: missing payload", ErrBadDataURI)
	}
	if !strings.HasSuffix(header, ";base64") {
		return nil, fmt.Errorf("%w: payload is not base64", ErrBadDataURI)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDataURI, err)
	}
	img, _, err := Decode(data)
	return img, err
}

// Rescale resamples a raster captured at fromDPI so it matches toDPI.
func Rescale(img image.Image, fromDPI, toDPI float64) (image.Image, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	if fromDPI <= 0 || toDPI <= 0 {
		return nil, fmt.Errorf("%w: %v -> %v", ErrInvalidDPI, fromDPI, toDPI)
	}
	if fromDPI == toDPI {
		return img, nil
	}

	b := img.Bounds()
	ratio := toDPI / fromDPI
	w := int(math.Round(float64(b.Dx()) * ratio))
	h := int(math.Round(float64(b.Dy()) * ratio))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	if int64(w)*int64(h) > MaxRasterPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooLarge, w, h)
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst, nil
}

// Box is a crop region in image pixel coordinates, origin top-left.
type Box struct {
	Left, Top, Right, Bottom float64
}

// cropEpsilon absorbs float error from scaling page coordinates to pixels.
const cropEpsilon = 1e-6

// Crop cuts box out of img, clamped to the image bounds.
func Crop(img image.Image, box Box) (image.Image, error) {
	if img == nil {
		return nil, ErrEmptyImage
	}
	b := img.Bounds()
	r := image.Rect(
		b.Min.X+int(math.Floor(box.Left+cropEpsilon)),
		b.Min.Y+int(math.Floor(box.Top+cropEpsilon)),
		b.Min.X+int(math.Ceil(box.Right-cropEpsilon)),
		b.Min.Y+int(math.Ceil(box.Bottom-cropEpsilon)),
	).Intersect(b)
	if r.Empty() {
		return nil, fmt.Errorf("%w: crop %v outside %v", ErrEmptyImage, r, b)
	}

	if s, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return s.SubImage(r), nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst, nil
}
