package domain

import "fmt"

// Device is the compute device a model binding targets.
type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// Resample mirrors the PIL resampling codes used by preprocessor_config.json.
type Resample int

const (
	ResampleNearest  Resample = 0
	ResampleLanczos  Resample = 1
	ResampleBilinear Resample = 2
	ResampleBicubic  Resample = 3
	ResampleBox      Resample = 4
	ResampleHamming  Resample = 5
)

// ImageConfig is the part of a model's image processor configuration that the
// preprocessor applies. Each model carries its own.
type ImageConfig struct {
	DoResize bool
	// Height and Width request an exact resize when both are set.
	Height int
	Width  int
	// ShortestEdge resizes keeping the aspect ratio. With CropPct set and an
	// edge below 384 the image is then center cropped to a square.
	ShortestEdge int
	CropPct      float64
	Resample     Resample

	DoRescale     bool
	RescaleFactor float64

	DoNormalize bool
	Mean        [3]float64
	Std         [3]float64
}

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Name   string
	Shape  []int64
	Data   []float32
	Device Device
}

// NumElements is the product of the shape.
func (t Tensor) NumElements() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// Validate checks that the data length matches the shape.
func (t Tensor) Validate() error {
	if got, want := len(t.Data), t.NumElements(); got != want {
		return fmt.Errorf("tensor %q: shape %v needs %d values, got %d", t.Name, t.Shape, want, got)
	}
	return nil
}

// SpecialTokens are the token ids that steer generation.
type SpecialTokens struct {
	BOS int64
	EOS int64
	Pad int64
}

// GenerationParams bound the caption decoder. Early stopping is always on.
type GenerationParams struct {
	MaxNewTokens  int     `json:"max_new_tokens"`
	NumBeams      int     `json:"num_beams"`
	LengthPenalty float64 `json:"length_penalty"`
}

// DefaultGenerationParams returns 50 new tokens, 5 beams, no length penalty.
func DefaultGenerationParams() GenerationParams {
	return GenerationParams{
		MaxNewTokens:  50,
		NumBeams:      5,
		LengthPenalty: 1.0,
	}
}

// Features is the classifier output. Only Logits comes from the model; the
// top entry is a diagnostic argmax.
type Features struct {
	Logits   []float32 `json:"-"`
	TopIndex int       `json:"top_index"`
	TopLabel string    `json:"top_label"`
	TopScore float32   `json:"top_score"`
}

// NumClasses is the size of the label space.
func (f Features) NumClasses() int {
	return len(f.Logits)
}

// Caption is one generated caption.
type Caption struct {
	Text     string           `json:"caption"`
	TokenIDs []int64          `json:"-"`
	Params   GenerationParams `json:"-"`
}

// ModelBinding is a pretrained model resolved at startup. It is never
// mutated or reloaded afterwards.
type ModelBinding struct {
	ID       string
	Revision string
	Device   Device
	Image    ImageConfig
}
