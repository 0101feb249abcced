package imaging

import (
	"encoding/json"
	"fmt"

	"github.com/nulzo/image-captioner/internal/core/domain"
)

// ImageNet statistics, the defaults of most image processors.
var (
	imageNetMean = [3]float64{0.485, 0.456, 0.406}
	imageNetStd  = [3]float64{0.229, 0.224, 0.225}
)

// rawConfig is the subset of preprocessor_config.json we read.
type rawConfig struct {
	DoResize      *bool           `json:"do_resize"`
	Size          json.RawMessage `json:"size"`
	CropPct       *float64        `json:"crop_pct"`
	Resample      *int            `json:"resample"`
	DoRescale     *bool           `json:"do_rescale"`
	RescaleFactor *float64        `json:"rescale_factor"`
	DoNormalize   *bool           `json:"do_normalize"`
	ImageMean     []float64       `json:"image_mean"`
	ImageStd      []float64       `json:"image_std"`
}

type rawSize struct {
	Height       int `json:"height"`
	Width        int `json:"width"`
	ShortestEdge int `json:"shortest_edge"`
}

// ParseConfig reads a preprocessor_config.json document.
//
// An integer size means a square resize, unless crop_pct is set, in which
// case it is the shortest edge (ConvNeXt style).
func ParseConfig(data []byte) (domain.ImageConfig, error) {
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.ImageConfig{}, fmt.Errorf("invalid preprocessor config: %w", err)
	}

	cfg := domain.ImageConfig{
		DoResize:      boolOr(raw.DoResize, true),
		Resample:      domain.ResampleBilinear,
		DoRescale:     boolOr(raw.DoRescale, true),
		RescaleFactor: 1.0 / 255.0,
		DoNormalize:   boolOr(raw.DoNormalize, true),
		Mean:          imageNetMean,
		Std:           imageNetStd,
	}
	if raw.Resample != nil {
		cfg.Resample = domain.Resample(*raw.Resample)
	}
	if raw.RescaleFactor != nil {
		cfg.RescaleFactor = *raw.RescaleFactor
	}
	if raw.CropPct != nil {
		cfg.CropPct = *raw.CropPct
	}

	if len(raw.Size) > 0 && string(raw.Size) != "null" {
		var edge int
		if err := json.Unmarshal(raw.Size, &edge); err == nil {
			if cfg.CropPct > 0 {
				cfg.ShortestEdge = edge
			} else {
				cfg.Height, cfg.Width = edge, edge
			}
		} else {
			var size rawSize
			if err := json.Unmarshal(raw.Size, &size); err != nil {
				return domain.ImageConfig{}, fmt.Errorf("invalid size in preprocessor config: %w", err)
			}
			cfg.Height, cfg.Width, cfg.ShortestEdge = size.Height, size.Width, size.ShortestEdge
		}
	}
	if cfg.DoResize && cfg.ShortestEdge <= 0 && (cfg.Height <= 0 || cfg.Width <= 0) {
		return domain.ImageConfig{}, fmt.Errorf("preprocessor config enables resize without a size")
	}

	if raw.ImageMean != nil {
		if len(raw.ImageMean) != 3 {
			return domain.ImageConfig{}, fmt.Errorf("image_mean needs 3 values, got %d", len(raw.ImageMean))
		}
		copy(cfg.Mean[:], raw.ImageMean)
	}
	if raw.ImageStd != nil {
		if len(raw.ImageStd) != 3 {
			return domain.ImageConfig{}, fmt.Errorf("image_std needs 3 values, got %d", len(raw.ImageStd))
		}
		copy(cfg.Std[:], raw.ImageStd)
	}
	for i, s := range cfg.Std {
		if cfg.DoNormalize && s == 0 {
			return domain.ImageConfig{}, fmt.Errorf("image_std[%d] is zero", i)
		}
	}
	return cfg, nil
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
