package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/cardio-api/internal/config"
	"github.com/Brownie44l1/cardio-api/internal/handlers"
	"github.com/Brownie44l1/cardio-api/internal/logger"
	"github.com/Brownie44l1/cardio-api/internal/model"
	"github.com/Brownie44l1/cardio-api/internal/pipeline"
	"github.com/Brownie44l1/cardio-api/internal/reclaim"
	"github.com/Brownie44l1/cardio-api/internal/segment"
	"github.com/Brownie44l1/cardio-api/internal/storage"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	load := func() (config.Config, func(), error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, nil, err
		}
		if debug {
			cfg.Debug = true
		}
		cleanup := logger.Setup(logger.Config{Debug: cfg.Debug})
		return cfg, cleanup, nil
	}

	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Heart condition overlay inference service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, cleanup, err := load()
			if err != nil {
				return err
			}
			defer cleanup()
			return serve(cmd.Context(), cfg, logger.L())
		},
	}

	fetch := &cobra.Command{
		Use:   "fetch-weights",
		Short: "Download the model weights if they are not present locally",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, cleanup, err := load()
			if err != nil {
				return err
			}
			defer cleanup()
			return model.EnsureWeights(cmd.Context(), weightsClient(), cfg.Model.Path, cfg.Model.URL, logger.L())
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.AddCommand(fetch)
	return cmd
}

func weightsClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Minute}
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(cfg.Storage.UploadDir, cfg.Storage.ResultDir)
	if err != nil {
		return err
	}

	registry := model.NewRegistry(model.NewONNXLoader(model.LoaderConfig{
		WeightsPath:  cfg.Model.Path,
		WeightsURL:   cfg.Model.URL,
		MetadataPath: cfg.Model.MetadataPath,
		LibraryPath:  cfg.Model.LibraryPath,
		Device:       cfg.Model.Device,
		HTTPClient:   weightsClient(),
	}, log), log)
	defer func() {
		if err := model.ShutdownRuntime(); err != nil {
			log.Warn("model.runtime_shutdown_failed", "error", err)
		}
	}()
	defer registry.Close()

	svc, err := pipeline.NewService(pipeline.Deps{
		Store:     store,
		Models:    registry,
		Segment:   segment.NewRenderer(segment.DefaultOptions()).Render,
		Predict:   model.Predict,
		Reclaimer: reclaim.New(log, nil),
		Logger:    log,
	}, pipeline.Options{
		MaxImageDim:   cfg.Pipeline.MaxImageDim,
		MaxConcurrent: cfg.Pipeline.MaxConcurrent,
	})
	if err != nil {
		return err
	}

	handler := handlers.NewHandler(svc, registry, store, cfg.Pipeline.MaxUploadBytes, log)
	router, err := handlers.NewRouter(handler, cfg.CORS, log)
	if err != nil {
		return err
	}

	go store.RunSweeper(ctx, cfg.Storage.MaxAge, cfg.Storage.SweepInterval, log)
	go reloadOnHangup(ctx, registry, log)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.started",
			"port", cfg.Port,
			"weights", cfg.Model.Path,
			"device", cfg.Model.Device,
			"max_image_dim", cfg.Pipeline.MaxImageDim,
			"endpoints", []string{"GET /health", "POST /upload", "GET /results/:name", "GET /uploads/:name"},
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("server.stopping", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// reloadOnHangup rebuilds the model session on SIGHUP, e.g. after new weights are deployed.
func reloadOnHangup(ctx context.Context, registry *model.Registry, log *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			log.Info("model.reload_requested")
			if _, err := registry.Reload(ctx); err != nil {
				log.Error("model.reload_failed", "error", err)
			}
		}
	}
}
