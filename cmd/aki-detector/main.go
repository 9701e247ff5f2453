package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/V1ncenttt/aki-devops/internal/config"
	"github.com/V1ncenttt/aki-devops/internal/domain/alerting"
	"github.com/V1ncenttt/aki-devops/internal/domain/detection"
	"github.com/V1ncenttt/aki-devops/internal/domain/records"
	"github.com/V1ncenttt/aki-devops/internal/pipeline"
	"github.com/V1ncenttt/aki-devops/internal/platform/db"
	"github.com/V1ncenttt/aki-devops/internal/platform/hl7v2"
	"github.com/V1ncenttt/aki-devops/internal/platform/metrics"
	"github.com/V1ncenttt/aki-devops/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "aki-detector",
		Short: "Real-time AKI detection over HL7v2/MLLP",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MLLP listener and ops HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Store != "postgres" {
				return fmt.Errorf("migrations require STORE=postgres")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Store != "postgres" {
				return fmt.Errorf("migrations require STORE=postgres")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	m := metrics.New()

	// Measurement store
	ctx := context.Background()
	var store records.Store
	switch cfg.Store {
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		store = records.NewPgStore(pool)
		logger.Info().Msg("connected to database")
	default:
		store = records.NewMemStore()
		logger.Warn().Msg("using in-memory store, state will not survive restarts")
	}

	// Detection model
	artifact := detection.DefaultArtifact()
	if cfg.ModelPath != "" {
		artifact, err = detection.LoadArtifact(cfg.ModelPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.ModelPath).Msg("failed to load model artifact")
		}
	}
	detector := detection.NewDetector(artifact)
	logger.Info().Str("model_version", detector.Version()).Msg("detection model loaded")

	// Alert dispatch
	pager := alerting.NewHTTPPager(cfg.PagerAddr)
	dispatcher := alerting.NewDispatcher(pager, m, logger)

	pipe := pipeline.New(store, detector, dispatcher, m, logger)

	// MLLP listener
	mllpServer := hl7v2.NewServer(cfg.MLLPAddr, pipe.Handle, cfg.MLLPMaxMsgBytes, logger)
	mllpServer.OnFramingError = m.FramingErrors.Inc
	if err := mllpServer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start MLLP listener")
	}
	logger.Info().Str("addr", mllpServer.Addr()).Msg("MLLP listener started")

	// Ops HTTP server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":        "ok",
			"model_version": detector.Version(),
		})
	})
	if pg, ok := store.(*records.PgStore); ok {
		e.GET("/health/db", db.HealthHandler(pg.Pool()))
	}
	m.RegisterRoutes(e)

	go func() {
		addr := ":" + cfg.HTTPPort
		logger.Info().Str("addr", addr).Msg("starting ops server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("ops server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop accepting HL7 traffic first so in-flight messages reach their
	// ACK, then flush queued pages, then close the ops surface.
	if err := mllpServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("MLLP shutdown failed")
	}
	dispatcher.Close(shutdownCtx)
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("ops server shutdown failed")
	}
	logger.Info().Msg("stopped")
	return nil
}
