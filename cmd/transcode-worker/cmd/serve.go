package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/transcode-worker/internal/api/handler"
	"github.com/cuongbtq/transcode-worker/internal/api/router"
	"github.com/cuongbtq/transcode-worker/internal/metadata"
	"github.com/cuongbtq/transcode-worker/internal/metrics"
	"github.com/cuongbtq/transcode-worker/internal/pipeline"
	"github.com/cuongbtq/transcode-worker/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume and process transcode jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	startedAt := time.Now().UTC()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	logger := appLogger.Logger

	logger.Info("Starting transcode worker",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("node_id", cfg.Worker.NodeID),
	)

	catalog, err := cfg.Catalog()
	if err != nil {
		return fmt.Errorf("invalid profiles: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := initDatabase(&cfg.Metadata.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()
	logger.Debug("Metadata database pool", slog.String("stats", dbClient.Stats()))

	sink, err := metadata.NewSQLSink(dbClient.GetDB(), cfg.Metadata.CreateMissing, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize metadata sink: %w", err)
	}
	if cfg.Metadata.EnsureSchema {
		if err := sink.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to ensure metadata schema: %w", err)
		}
	}

	store, err := initStore(ctx, &cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}
	logger.Info("Object store ready", slog.String("driver", cfg.Storage.Driver))

	coord, err := initCoordination(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}
	defer coord.Close()

	enc, err := initEncoder(ctx, &cfg.Encoder, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize encoder: %w", err)
	}

	m := metrics.New()
	if sessions := enc.Sessions(); sessions != nil {
		m.ObserveSessions(sessions.InUse)
	}

	pl := pipeline.New(&pipeline.Config{
		Logger:          logger,
		Catalog:         catalog,
		Store:           store,
		Encoder:         enc,
		Sink:            sink,
		Observer:        m,
		WorkspaceRoot:   cfg.Pipeline.WorkspaceRoot,
		MinFreeBytes:    cfg.Pipeline.MinFreeBytes,
		OutputBucket:    cfg.Storage.OutputBucket,
		DownloadTimeout: cfg.Pipeline.DownloadTimeout,
		EncodeTimeout:   cfg.Pipeline.EncodeTimeout,
		UploadTimeout:   cfg.Pipeline.UploadTimeout,
		FinalizeTimeout: cfg.Pipeline.FinalizeTimeout,
	})

	source, publisher, err := initQueue(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	defer source.Close()
	defer publisher.Close()
	logger.Info("Queue connection established", slog.String("driver", cfg.Queue.Driver))

	w := worker.NewWorker(&worker.Config{
		Logger:            logger,
		NodeID:            cfg.Worker.NodeID,
		Source:            source,
		Publisher:         publisher,
		Pipeline:          pl,
		Dedup:             coord.window,
		Registry:          coord.registry,
		Metrics:           m,
		MaxConcurrent:     cfg.Worker.MaxConcurrent,
		MaxAttempts:       cfg.Worker.MaxAttempts,
		RetryBaseDelay:    cfg.Worker.RetryBaseDelay,
		RetryMaxDelay:     cfg.Worker.RetryMaxDelay,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		ClaimTTL:          cfg.Worker.ClaimTTL,
		ClaimPollInterval: cfg.Worker.ClaimPollInterval,
		CompletedTTL:      cfg.Worker.CompletedTTL,
		ShutdownTimeout:   cfg.Worker.ShutdownTimeout,
		HardwareDevice:    enc.HardwareDevice(),
	})

	var srv *http.Server
	if cfg.Server.Enabled {
		if cfg.App.Environment == "production" {
			gin.SetMode(gin.ReleaseMode)
		} else {
			gin.SetMode(gin.DebugMode)
		}

		r := router.SetupRouter(&handler.Dependencies{
			Logger:    logger,
			Service:   cfg.App.Name,
			Version:   cfg.App.Version,
			StartedAt: startedAt,
			Worker:    w,
			Catalog:   catalog,
			Registry:  coord.registry,
			Publisher: publisher,
			Records:   sink,
			Database:  dbClient,
		}, m.Handler())

		srv = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      r,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}

		go func() {
			logger.Info("Ops server listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Ops server failed", slog.Any("error", err))
			}
		}()
	}

	runErr := w.Start(ctx)
	if runErr != nil {
		logger.Error("Worker stopped with error", slog.Any("error", runErr))
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Ops server forced to shutdown", slog.Any("error", err))
		}
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("Transcode worker shutdown complete", slog.Duration("uptime", time.Since(startedAt)))
	return nil
}

