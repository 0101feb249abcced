package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nulzo/image-captioner/internal/cli"
	"github.com/nulzo/image-captioner/internal/config"
	"github.com/nulzo/image-captioner/internal/core/services"
	"github.com/nulzo/image-captioner/internal/device"
	"github.com/nulzo/image-captioner/internal/hub"
	"github.com/nulzo/image-captioner/internal/inference/kserve"
	"github.com/nulzo/image-captioner/internal/models"
	"github.com/nulzo/image-captioner/internal/platform/logger"
	"github.com/nulzo/image-captioner/internal/platform/otel"
	"github.com/nulzo/image-captioner/internal/server"
)

func main() {
	// 1. Load config
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", cli.CrossMark(), err)
		os.Exit(1)
	}

	// 2. Logger
	logger.Initialize(logger.DefaultConfig(cfg.Server.Env))
	defer logger.Sync()
	log := logger.Get()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Tracing
	shutdownTracer, err := otel.InitTracer(cfg.Tracing.Enabled, cfg.Tracing.ServiceName, log, os.Stdout)
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		_ = shutdownTracer(context.Background())
	}()

	// 4. Clients
	registry, err := hub.New(hub.Config{
		BaseURL:  cfg.Hub.BaseURL,
		Token:    cfg.Hub.Token,
		CacheDir: cfg.Hub.CacheDir,
		Offline:  cfg.Hub.Offline,
		Timeout:  cfg.Hub.Timeout,
	}, log.Named("hub"))
	if err != nil {
		log.Fatal("failed to create model registry client", zap.Error(err))
	}
	backend, err := kserve.New(kserve.Config{
		BaseURL: cfg.Inference.BaseURL,
		Timeout: cfg.Inference.Timeout,
	}, log.Named("inference"))
	if err != nil {
		log.Fatal("failed to create inference client", zap.Error(err))
	}

	// 5. Load models. Any failure here is fatal: the server never listens
	// without both bindings.
	dev, err := device.Parse(cfg.Device)
	if err != nil {
		log.Fatal("invalid device", zap.Error(err))
	}
	bindings, err := models.NewLoader(registry, backend, log.Named("models")).Load(ctx, models.Options{
		Classifier: models.ClassifierSpec{
			ID:           cfg.Models.Classifier.ID,
			Revision:     cfg.Models.Classifier.Revision,
			BackendModel: cfg.Models.Classifier.BackendModel,
		},
		Captioner: models.CaptionerSpec{
			ID:            cfg.Models.Captioner.ID,
			Revision:      cfg.Models.Captioner.Revision,
			Mode:          cfg.Generation.Mode,
			EncoderModel:  cfg.Models.Captioner.EncoderModel,
			DecoderModel:  cfg.Models.Captioner.DecoderModel,
			GenerateModel: cfg.Models.Captioner.GenerateModel,
		},
		Device:            dev,
		VersionConstraint: cfg.Inference.VersionConstraint,
	})
	if err != nil {
		log.Fatal("model loading failed", zap.Error(err))
	}

	// 6. Service and server
	svc, err := services.NewCaptionService(bindings, backend, log.Named("captioner"),
		services.WithMaxImagePixels(cfg.Server.MaxImagePixels),
	)
	if err != nil {
		log.Fatal("failed to create caption service", zap.Error(err))
	}
	srv := server.New(cfg, log, svc)

	cli.Banner(os.Stdout, "Image Caption Generator",
		fmt.Sprintf("classifier %s on %s", bindings.Classifier.ID, bindings.Classifier.Device),
		fmt.Sprintf("captioner  %s on %s (%s generation)", bindings.Captioner.ID, bindings.Captioner.Device, bindings.Captioner.Mode),
		fmt.Sprintf("listening  http://localhost:%s", cfg.Server.Port),
	)

	if err := srv.Run(ctx); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
	log.Info("server stopped")
}
