package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nulzo/image-captioner/internal/core/domain"
	"github.com/nulzo/image-captioner/internal/server/web"
)

// UIHandler serves the page and the HTML fragments it swaps in. Failures
// render the error fragment with the problem status so the page stays usable.
type UIHandler struct {
	api             *CaptionHandler
	featuresEnabled bool
}

func NewUIHandler(api *CaptionHandler, featuresEnabled bool) *UIHandler {
	return &UIHandler{api: api, featuresEnabled: featuresEnabled}
}

// Index handles GET /.
func (h *UIHandler) Index(c *gin.Context) {
	c.HTML(http.StatusOK, web.IndexPage, gin.H{
		"Title":           "Image Caption Generator",
		"FeaturesEnabled": h.featuresEnabled,
		"MaxUploadBytes":  h.api.maxUpload,
	})
}

// Features handles POST /ui/features.
func (h *UIHandler) Features(c *gin.Context) {
	image, err := readImage(c, h.api.maxUpload)
	if err != nil {
		h.fail(c, err)
		return
	}

	features, err := h.api.service.ExtractFeatures(c.Request.Context(), image)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.HTML(http.StatusOK, web.FeaturesFragment, gin.H{"Features": features})
}

// Caption handles POST /ui/caption.
func (h *UIHandler) Caption(c *gin.Context) {
	image, params, err := h.api.bind(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	caption, err := h.api.service.GenerateCaption(c.Request.Context(), image, params)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.HTML(http.StatusOK, web.CaptionFragment, gin.H{"Caption": caption.Text})
}

func (h *UIHandler) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	problem := domain.ProblemFor(err)
	c.HTML(problem.Status, web.ErrorFragment, gin.H{"Message": problem.Detail})
}
