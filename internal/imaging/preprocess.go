package imaging

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/nulzo/image-captioner/internal/core/domain"
)

// PixelValues is the input tensor name shared by both vision models.
const PixelValues = "pixel_values"

// convNextCropThreshold is the edge size from which ConvNeXt warps instead of
// resize-and-crop.
const convNextCropThreshold = 384

// MaxResizePixels bounds the intermediate image of a shortest-edge resize.
const MaxResizePixels = 1 << 24

// Preprocess resizes, crops, rescales and normalizes img per cfg and returns
// a [1,3,H,W] tensor placed on device. img is not modified.
func Preprocess(img *image.NRGBA, cfg domain.ImageConfig, device domain.Device) (domain.Tensor, error) {
	if img == nil || img.Bounds().Empty() {
		return domain.Tensor{}, domain.DecodeError("image has no pixels", nil)
	}

	out := img
	if cfg.DoResize {
		w, h := img.Bounds().Dx(), img.Bounds().Dy()
		se := cfg.ShortestEdge
		switch {
		case cfg.Height > 0 && cfg.Width > 0:
			out = resize(out, cfg.Width, cfg.Height, cfg.Resample)
		case se > 0 && cfg.CropPct > 0 && se < convNextCropThreshold:
			rw, rh, err := shortestEdgeSize(w, h, int(float64(se)/cfg.CropPct))
			if err != nil {
				return domain.Tensor{}, err
			}
			out = centerCrop(resize(out, rw, rh, cfg.Resample), se, se)
		case se > 0 && cfg.CropPct > 0:
			out = resize(out, se, se, cfg.Resample)
		case se > 0:
			rw, rh, err := shortestEdgeSize(w, h, se)
			if err != nil {
				return domain.Tensor{}, err
			}
			out = resize(out, rw, rh, cfg.Resample)
		default:
			return domain.Tensor{}, fmt.Errorf("resize enabled without a target size")
		}
	}

	return toTensor(out, cfg, device), nil
}

// shortestEdgeSize scales (w, h) so the shorter side equals edge. Aspect
// ratios whose resize would exceed MaxResizePixels are a DecodeError.
func shortestEdgeSize(w, h, edge int) (int, int, error) {
	short, long := w, h
	if w > h {
		short, long = h, w
	}
	scaled := float64(edge) * float64(long) / float64(short)
	if float64(edge)*scaled > MaxResizePixels {
		return 0, 0, domain.DecodeError(fmt.Sprintf("aspect ratio of %dx%d is too extreme to resize", w, h), nil)
	}
	if w <= h {
		return edge, int(scaled), nil
	}
	return int(scaled), edge, nil
}

func interpolator(r domain.Resample) draw.Interpolator {
	switch r {
	case domain.ResampleNearest:
		return draw.NearestNeighbor
	case domain.ResampleBilinear:
		return draw.BiLinear
	default:
		return draw.CatmullRom
	}
}

func resize(src *image.NRGBA, w, h int, r domain.Resample) *image.NRGBA {
	if src.Bounds().Dx() == w && src.Bounds().Dy() == h {
		return src
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	interpolator(r).Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// centerCrop cuts a w x h window from the middle of src. Offsets round down
// like the reference processors.
func centerCrop(src *image.NRGBA, w, h int) *image.NRGBA {
	b := src.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return src
	}
	top := (b.Dy() - h) / 2
	left := (b.Dx() - w) / 2
	if top < 0 {
		top = 0
	}
	if left < 0 {
		left = 0
	}
	window := image.Rect(b.Min.X+left, b.Min.Y+top, b.Min.X+left+w, b.Min.Y+top+h).Intersect(b)
	dst := image.NewNRGBA(image.Rect(0, 0, window.Dx(), window.Dy()))
	draw.Copy(dst, image.Point{}, src, window, draw.Src, nil)
	return dst
}

func toTensor(img *image.NRGBA, cfg domain.ImageConfig, device domain.Device) domain.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	data := make([]float32, 3*plane)

	scale := 1.0
	if cfg.DoRescale {
		scale = cfg.RescaleFactor
	}
	var mean, std [3]float64
	for c := 0; c < 3; c++ {
		mean[c], std[c] = 0, 1
		if cfg.DoNormalize {
			mean[c], std[c] = cfg.Mean[c], cfg.Std[c]
		}
	}

	for y := 0; y < h; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+3]
			idx := y*w + x
			for c := 0; c < 3; c++ {
				v := float64(px[c]) * scale
				data[c*plane+idx] = float32((v - mean[c]) / std[c])
			}
		}
	}

	return domain.Tensor{
		Name:   PixelValues,
		Shape:  []int64{1, 3, int64(h), int64(w)},
		Data:   data,
		Device: device,
	}
}
