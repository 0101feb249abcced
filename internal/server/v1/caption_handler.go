package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/nulzo/image-captioner/internal/core/domain"
	"github.com/nulzo/image-captioner/internal/core/ports"
	"github.com/nulzo/image-captioner/internal/server/validator"
)

// CaptionForm holds the optional generation overrides of a caption request.
type CaptionForm struct {
	MaxLength *int `form:"max_length" binding:"omitempty,min=1,max=512"`
	NumBeams  *int `form:"num_beams" binding:"omitempty,min=1,max=16"`
}

// Params applies the overrides to defaults.
func (f CaptionForm) Params(defaults domain.GenerationParams) domain.GenerationParams {
	p := defaults
	if f.MaxLength != nil {
		p.MaxNewTokens = *f.MaxLength
	}
	if f.NumBeams != nil {
		p.NumBeams = *f.NumBeams
	}
	return p
}

type CaptionResponse struct {
	Caption string `json:"caption"`
}

type FeaturesResponse struct {
	NumClasses int     `json:"num_classes"`
	TopIndex   int     `json:"top_index"`
	TopLabel   string  `json:"top_label"`
	TopScore   float32 `json:"top_score"`
}

// CaptionHandler serves the JSON API.
type CaptionHandler struct {
	service   ports.CaptionService
	validator *validator.Validator
	defaults  domain.GenerationParams
	maxUpload int64
}

func NewCaptionHandler(service ports.CaptionService, v *validator.Validator, defaults domain.GenerationParams, maxUpload int64) *CaptionHandler {
	return &CaptionHandler{
		service:   service,
		validator: v,
		defaults:  defaults,
		maxUpload: maxUpload,
	}
}

// Caption handles POST /caption.
func (h *CaptionHandler) Caption(c *gin.Context) {
	image, params, err := h.bind(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	caption, err := h.service.GenerateCaption(c.Request.Context(), image, params)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, CaptionResponse{Caption: caption.Text})
}

// Features handles POST /features.
func (h *CaptionHandler) Features(c *gin.Context) {
	image, err := readImage(c, h.maxUpload)
	if err != nil {
		_ = c.Error(err)
		return
	}

	features, err := h.service.ExtractFeatures(c.Request.Context(), image)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, FeaturesResponse{
		NumClasses: features.NumClasses(),
		TopIndex:   features.TopIndex,
		TopLabel:   features.TopLabel,
		TopScore:   features.TopScore,
	})
}

func (h *CaptionHandler) bind(c *gin.Context) ([]byte, domain.GenerationParams, error) {
	image, err := readImage(c, h.maxUpload)
	if err != nil {
		return nil, domain.GenerationParams{}, err
	}

	var form CaptionForm
	if err := c.ShouldBindWith(&form, binding.FormMultipart); err != nil {
		return nil, domain.GenerationParams{}, domain.ValidationError(h.validator.ParseError(err))
	}
	return image, form.Params(h.defaults), nil
}
