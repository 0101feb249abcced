package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nulzo/image-captioner/internal/core/ports"
)

type HealthHandler struct {
	service ports.CaptionService
}

func NewHealthHandler(service ports.CaptionService) *HealthHandler {
	return &HealthHandler{service: service}
}

// Health reports the loaded model bindings. Loading failures are fatal at
// startup, so a running server is always ok.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"models": h.service.Models(),
	})
}
