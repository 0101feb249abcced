// Package imaging turns uploaded image bytes into the normalized tensors each
// model expects.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/draw"

	"github.com/nulzo/image-captioner/internal/core/domain"
)

// Accepted upload types.
const (
	MIMEPNG  = "image/png"
	MIMEJPEG = "image/jpeg"
)

// DefaultMaxPixels bounds width*height of a decoded upload.
const DefaultMaxPixels = 40_000_000

// Decode sniffs data and decodes a PNG or JPEG into an RGB pixel grid. The
// alpha channel of the returned image is always opaque. Images above
// maxPixels are rejected from their header, before any pixel is allocated;
// maxPixels <= 0 means DefaultMaxPixels.
func Decode(data []byte, maxPixels int) (*image.NRGBA, error) {
	if len(data) == 0 {
		return nil, domain.DecodeError("empty image", nil)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	mt := mimetype.Detect(data)
	var (
		decode       func(*bytes.Reader) (image.Image, error)
		decodeConfig func(*bytes.Reader) (image.Config, error)
	)
	switch {
	case mt.Is(MIMEPNG):
		decode = func(r *bytes.Reader) (image.Image, error) { return png.Decode(r) }
		decodeConfig = func(r *bytes.Reader) (image.Config, error) { return png.DecodeConfig(r) }
	case mt.Is(MIMEJPEG):
		decode = func(r *bytes.Reader) (image.Image, error) { return jpeg.Decode(r) }
		decodeConfig = func(r *bytes.Reader) (image.Config, error) { return jpeg.DecodeConfig(r) }
	default:
		return nil, domain.DecodeError(fmt.Sprintf("unsupported image type %q, want PNG or JPEG", mt.String()), nil)
	}
	corrupt := "corrupt " + strings.TrimPrefix(mt.Extension(), ".") + " data"

	cfg, err := decodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, domain.DecodeError(corrupt, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, domain.DecodeError("image has no pixels", nil)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, domain.DecodeError(fmt.Sprintf("image is %dx%d, above the limit of %d pixels", cfg.Width, cfg.Height, maxPixels), nil)
	}

	src, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, domain.DecodeError(corrupt, err)
	}

	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, domain.DecodeError("image has no pixels", nil)
	}
	return toRGB(src), nil
}

// toRGB copies src into a zero-origin NRGBA and forces every pixel opaque,
// keeping the straight (non-premultiplied) color, also of transparent pixels.
func toRGB(src image.Image) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	switch s := src.(type) {
	case *image.NRGBA:
		for y := 0; y < b.Dy(); y++ {
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+b.Dx()*4], s.Pix[s.PixOffset(b.Min.X, b.Min.Y+y):])
		}
	case *image.NRGBA64:
		for y := 0; y < b.Dy(); y++ {
			row := s.Pix[s.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < b.Dx(); x++ {
				// high byte of each 16-bit channel
				copy(dst.Pix[y*dst.Stride+x*4:], []uint8{row[x*8], row[x*8+2], row[x*8+4]})
			}
		}
	case *image.Paletted:
		palette := make([]color.NRGBA, len(s.Palette))
		for i, c := range s.Palette {
			palette[i] = straight(c)
		}
		for y := 0; y < b.Dy(); y++ {
			row := s.Pix[s.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < b.Dx(); x++ {
				var c color.NRGBA
				if idx := int(row[x]); idx < len(palette) {
					c = palette[idx]
				}
				copy(dst.Pix[y*dst.Stride+x*4:], []uint8{c.R, c.G, c.B})
			}
		}
	default:
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	}
	if _, opaque := src.(*image.YCbCr); !opaque {
		for i := 3; i < len(dst.Pix); i += 4 {
			dst.Pix[i] = 0xff
		}
	}
	return dst
}

// straight returns the stored color of c without premultiplying by alpha.
func straight(c color.Color) color.NRGBA {
	switch c := c.(type) {
	case color.NRGBA:
		return c
	case color.NRGBA64:
		return color.NRGBA{R: uint8(c.R >> 8), G: uint8(c.G >> 8), B: uint8(c.B >> 8), A: uint8(c.A >> 8)}
	default:
		return color.NRGBAModel.Convert(c).(color.NRGBA)
	}
}
