package server

import (
	"net/http"

	"github.com/nulzo/image-captioner/internal/core/domain"
	"github.com/nulzo/image-captioner/internal/server/middleware"
	v1 "github.com/nulzo/image-captioner/internal/server/v1"
	"github.com/nulzo/image-captioner/internal/server/validator"
	"github.com/nulzo/image-captioner/internal/server/web"
)

func (s *Server) SetupRoutes() {
	s.router.Use(middleware.ErrorHandler(s.logger))

	defaults := domain.GenerationParams{
		MaxNewTokens:  s.config.Generation.MaxNewTokens,
		NumBeams:      s.config.Generation.NumBeams,
		LengthPenalty: s.config.Generation.LengthPenalty,
	}
	captionHandler := v1.NewCaptionHandler(s.service, validator.New(), defaults, s.config.Server.MaxUploadBytes)
	uiHandler := v1.NewUIHandler(captionHandler, s.config.Features.Enabled)
	healthHandler := v1.NewHealthHandler(s.service)

	// Frontend
	s.router.GET("/", uiHandler.Index)
	s.router.StaticFS("/static", http.FS(web.Static()))
	ui := s.router.Group("/ui")
	{
		ui.POST("/features", uiHandler.Features)
		ui.POST("/caption", uiHandler.Caption)
	}

	// API
	s.router.POST("/caption", captionHandler.Caption)
	s.router.POST("/features", captionHandler.Features)
	s.router.GET("/health", healthHandler.Health)
}
