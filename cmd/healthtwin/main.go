package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/healthtwin/healthtwin/internal/config"
	"github.com/healthtwin/healthtwin/internal/domain/session"
	"github.com/healthtwin/healthtwin/internal/platform/auth"
	"github.com/healthtwin/healthtwin/internal/platform/backend"
	"github.com/healthtwin/healthtwin/internal/platform/blobstore"
	"github.com/healthtwin/healthtwin/internal/platform/db"
	"github.com/healthtwin/healthtwin/internal/platform/middleware"
	"github.com/healthtwin/healthtwin/internal/platform/telemetry"
	"github.com/healthtwin/healthtwin/internal/workflow"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "healthtwin",
		Short: "Health risk workflow controller",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(fieldsCmd())
	rootCmd.AddCommand(assessCmd())
	rootCmd.AddCommand(chatCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the workflow API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// app holds everything a command needs to drive sessions.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	pool    *pgxpool.Pool
	wf      *workflow.Workflow
}

// buildApp wires the session store, report store and backend client from cfg.
// Sessions live in PostgreSQL when DATABASE_URL is set and in memory
// otherwise.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: telemetry.New()}

	var store session.Store = session.NewMemoryStore()
	if cfg.UsesDatabase() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		store = session.NewCachedStore(session.NewPGStore(pool, cfg.ChatWelcome))
		logger.Info().Msg("connected to database")
	} else {
		logger.Info().Msg("DATABASE_URL not set, sessions are kept in memory")
	}

	blobs, err := blobstore.Open(ctx, cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	opts := []backend.Option{
		backend.WithMetrics(a.metrics),
		backend.WithLogger(logger),
	}
	if cfg.BackendTokenSecret != "" {
		opts = append(opts, backend.WithTokenSource(auth.NewTokenSource(cfg.BackendTokenSecret, cfg.BackendTokenIssuer, 0)))
	}
	client := backend.New(cfg.BackendBaseURL, opts...)

	a.wf = workflow.New(store, client, blobs, workflow.Options{
		Welcome:        cfg.ChatWelcome,
		ExtractTimeout: cfg.ExtractTimeout,
		AnalyzeTimeout: cfg.AnalyzeTimeout,
		ChatTimeout:    cfg.ChatTimeout,
		ReportTimeout:  cfg.ReportTimeout,
		ExplainTimeout: cfg.ExplainTimeout,
		UploadMaxBytes: cfg.UploadMaxBytes,
	}, a.metrics, logger)
	return a, nil
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func newServer(a *app) *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.CORS(cfg.CORSOrigins))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, fmt.Sprintf("%d", cfg.UploadMaxBytes+1<<20)))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/metrics", "/health"))
	e.Use(a.metrics.Middleware())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}
	e.GET("/metrics", a.metrics.Handler())

	apiV1 := e.Group("/api/v1")
	workflow.NewHandler(a.wf, cfg.UploadMaxBytes).RegisterRoutes(apiV1)

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer a.close()

	e := newServer(a)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("backend", cfg.BackendBaseURL).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
