package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/nulzo/image-captioner/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	convNextConfig = `{
  "crop_pct": 0.875,
  "do_normalize": true,
  "do_resize": true,
  "feature_extractor_type": "ConvNextFeatureExtractor",
  "image_mean": [0.485, 0.456, 0.406],
  "image_std": [0.229, 0.224, 0.225],
  "resample": 3,
  "size": 224
}`
	blipConfig = `{
  "do_normalize": true,
  "do_resize": true,
  "image_mean": [0.48145466, 0.4578275, 0.40821073],
  "image_processor_type": "BlipImageProcessor",
  "image_std": [0.26862954, 0.26130258, 0.27577711],
  "processor_class": "BlipProcessor",
  "resample": 3,
  "rescale_factor": 0.00392156862745098,
  "size": {"height": 384, "width": 384}
}`
)

func solid(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func TestDecode_AcceptsPNGAndJPEG(t *testing.T) {
	src := solid(32, 16, color.NRGBA{R: 200, G: 100, B: 50, A: 255})

	img, err := Decode(encodePNG(t, src), 0)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 16), img.Bounds())
	assert.Equal(t, color.NRGBA{R: 200, G: 100, B: 50, A: 255}, img.NRGBAAt(3, 3))

	img, err = Decode(encodeJPEG(t, src), 0)
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
}

func TestDecode_DropsAlpha(t *testing.T) {
	src := solid(4, 4, color.NRGBA{R: 10, G: 20, B: 30, A: 128})

	img, err := Decode(encodePNG(t, src), 0)
	require.NoError(t, err)
	px := img.NRGBAAt(1, 1)
	assert.Equal(t, uint8(255), px.A)
	assert.Equal(t, uint8(10), px.R)
}

func TestDecode_Rejects(t *testing.T) {
	valid := encodePNG(t, solid(8, 8, color.White))

	cases := map[string][]byte{
		"empty":     nil,
		"text":      []byte("definitely not an image"),
		"truncated": valid[:len(valid)/2],
		"gif":       []byte("GIF89a\x01\x00\x01\x00\x00\x00\x00;"),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data, 0)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrDecode)
		})
	}
}

func TestDecode_KeepsColorOfTransparentPixels(t *testing.T) {
	pal := image.NewPaletted(image.Rect(0, 0, 4, 4), color.Palette{
		color.NRGBA{R: 255, G: 0, B: 0, A: 0},
		color.NRGBA{R: 0, G: 0, B: 255, A: 255},
	})
	pal.SetColorIndex(3, 3, 1)

	img, err := Decode(encodePNG(t, pal), 0)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 255, A: 255}, img.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{B: 255, A: 255}, img.NRGBAAt(3, 3))

	deep := image.NewNRGBA64(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			deep.SetNRGBA64(x, y, color.NRGBA64{R: 0x1234, G: 0xabcd, B: 0xffff, A: 0})
		}
	}
	img, err = Decode(encodePNG(t, deep), 0)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 0x12, G: 0xab, B: 0xff, A: 255}, img.NRGBAAt(1, 1))

	flat := solid(2, 2, color.NRGBA{R: 10, G: 20, B: 30, A: 0})
	img, err = Decode(encodePNG(t, flat), 0)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 10, G: 20, B: 30, A: 255}, img.NRGBAAt(0, 1))
}

func TestDecode_RejectsImagesAbovePixelLimit(t *testing.T) {
	data := encodePNG(t, image.NewGray(image.Rect(0, 0, 1200, 1000)))

	_, err := Decode(data, 1_000_000)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDecode)
	assert.ErrorContains(t, err, "1200x1000")

	img, err := Decode(data, 1_200_000)
	require.NoError(t, err)
	assert.Equal(t, 1200, img.Bounds().Dx())
}

func TestPreprocess_RejectsExtremeAspectRatio(t *testing.T) {
	cfg, err := ParseConfig([]byte(convNextConfig))
	require.NoError(t, err)

	// A tiny upload whose shortest-edge resize would need gigabytes.
	data := encodePNG(t, image.NewGray(image.Rect(0, 0, 1, 40000)))
	assert.Less(t, len(data), 4096)

	img, err := Decode(data, 0)
	require.NoError(t, err)
	_, err = Preprocess(img, cfg, domain.DeviceCPU)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDecode)

	// A wide but ordinary panorama still goes through.
	img, err = Decode(encodePNG(t, solid(1600, 200, color.White)), 0)
	require.NoError(t, err)
	tensor, err := Preprocess(img, cfg, domain.DeviceCPU)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 224, 224}, tensor.Shape)
}

func TestParseConfig(t *testing.T) {
	cn, err := ParseConfig([]byte(convNextConfig))
	require.NoError(t, err)
	assert.Equal(t, 224, cn.ShortestEdge)
	assert.Zero(t, cn.Height)
	assert.InDelta(t, 0.875, cn.CropPct, 1e-9)
	assert.Equal(t, domain.ResampleBicubic, cn.Resample)
	assert.InDelta(t, 1.0/255.0, cn.RescaleFactor, 1e-12)

	blip, err := ParseConfig([]byte(blipConfig))
	require.NoError(t, err)
	assert.Equal(t, 384, blip.Height)
	assert.Equal(t, 384, blip.Width)
	assert.InDelta(t, 0.48145466, blip.Mean[0], 1e-9)

	sq, err := ParseConfig([]byte(`{"size": 256}`))
	require.NoError(t, err)
	assert.Equal(t, 256, sq.Height)
	assert.Equal(t, 256, sq.Width)

	_, err = ParseConfig([]byte(`{"image_mean": [0.5]}`))
	assert.Error(t, err)
	_, err = ParseConfig([]byte(`{"do_resize": true}`))
	assert.Error(t, err)
	_, err = ParseConfig([]byte(`not json`))
	assert.Error(t, err)
}

func TestPreprocess_ConvNextResizeAndCrop(t *testing.T) {
	cfg, err := ParseConfig([]byte(convNextConfig))
	require.NoError(t, err)

	tensor, err := Preprocess(solid(640, 480, color.White), cfg, domain.DeviceCPU)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 224, 224}, tensor.Shape)
	assert.Equal(t, PixelValues, tensor.Name)
	assert.Equal(t, domain.DeviceCPU, tensor.Device)
	require.NoError(t, tensor.Validate())
}

func TestPreprocess_CropKeepsCenter(t *testing.T) {
	// left half black, right half white: the center crop must keep both
	img := solid(512, 256, color.White)
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			img.Set(x, y, color.Black)
		}
	}
	cfg := domain.ImageConfig{DoResize: true, ShortestEdge: 224, CropPct: 0.875, Resample: domain.ResampleNearest}

	tensor, err := Preprocess(img, cfg, domain.DeviceCPU)
	require.NoError(t, err)
	w := int(tensor.Shape[3])
	assert.Equal(t, float32(0), tensor.Data[0], "left edge of crop comes from the black half")
	assert.Equal(t, float32(255), tensor.Data[w-1], "right edge of crop comes from the white half")
}

func TestPreprocess_BlipSquare(t *testing.T) {
	cfg, err := ParseConfig([]byte(blipConfig))
	require.NoError(t, err)

	tensor, err := Preprocess(solid(640, 480, color.White), cfg, domain.DeviceCUDA)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 384, 384}, tensor.Shape)
	assert.Equal(t, domain.DeviceCUDA, tensor.Device)

	plane := 384 * 384
	for c := 0; c < 3; c++ {
		want := (1.0 - cfg.Mean[c]) / cfg.Std[c]
		assert.InDelta(t, want, tensor.Data[c*plane+plane/2], 0.03, "channel %d", c)
	}
}

func TestPreprocess_NormalizationIsPerModel(t *testing.T) {
	cn, err := ParseConfig([]byte(convNextConfig))
	require.NoError(t, err)
	blip, err := ParseConfig([]byte(blipConfig))
	require.NoError(t, err)

	img := solid(384, 384, color.NRGBA{R: 128, G: 128, B: 128, A: 255})
	a, err := Preprocess(img, cn, domain.DeviceCPU)
	require.NoError(t, err)
	b, err := Preprocess(img, blip, domain.DeviceCPU)
	require.NoError(t, err)

	assert.NotEqual(t, a.Shape, b.Shape)
	assert.NotEqual(t, a.Data[0], b.Data[0])
}

func TestPreprocess_RawPixels(t *testing.T) {
	cfg := domain.ImageConfig{}
	tensor, err := Preprocess(solid(2, 2, color.NRGBA{R: 1, G: 2, B: 3, A: 255}), cfg, domain.DeviceCPU)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 2, 2}, tensor.Shape)
	assert.Equal(t, []float32{1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3}, tensor.Data)
}

func TestPreprocess_SubImageOrigin(t *testing.T) {
	base := solid(4, 4, color.Black)
	base.Set(2, 2, color.White)
	sub := base.SubImage(image.Rect(2, 2, 4, 4)).(*image.NRGBA)

	tensor, err := Preprocess(sub, domain.ImageConfig{}, domain.DeviceCPU)
	require.NoError(t, err)
	assert.Equal(t, float32(255), tensor.Data[0])
	assert.Equal(t, float32(0), tensor.Data[1])
}
