package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/edtracker/internal/config"
	"github.com/ehr/edtracker/internal/domain/emergency"
	"github.com/ehr/edtracker/internal/platform/alerting"
	"github.com/ehr/edtracker/internal/platform/auth"
	"github.com/ehr/edtracker/internal/platform/db"
	"github.com/ehr/edtracker/internal/platform/middleware"
	"github.com/ehr/edtracker/internal/platform/websocket"
	"github.com/ehr/edtracker/migrations"
	"github.com/ehr/edtracker/pkg/pagination"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ed-server",
		Short: "Emergency department visit tracker API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ED tracker API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			autoMigrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(autoMigrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending PostgreSQL migrations before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run PostgreSQL migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrations")
	}

	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:            cfg.DatabaseURL,
		MaxConns:       cfg.DBMaxConns,
		MinConns:       cfg.DBMinConns,
		ConnectTimeout: 10 * time.Second,
	}
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out}
	}
	logger := zerolog.New(out).With().Timestamp().Str("service", "ed-server").Logger()

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// store is what every driver provides.
type store interface {
	emergency.VisitRepository
	emergency.AlertRepository
	db.Pinger
}

// openStore builds the configured store. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config, autoMigrate bool, logger zerolog.Logger) (store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			return nil, nil, err
		}
		if autoMigrate {
			n, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info().Int("applied", n).Msg("migrations applied")
		}
		return emergency.NewPGStore(pool), pool.Close, nil

	case config.DriverSQLite:
		s, err := emergency.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn().Err(err).Msg("close sqlite store")
			}
		}, nil

	case config.DriverMemory:
		logger.Warn().Msg("using in-memory store; data is lost on restart")
		return emergency.NewMemoryStore(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
}

// buildSinks returns the hub plus every external sink that is configured.
// The returned func disconnects the external clients.
func buildSinks(cfg *config.Config, hub *websocket.Hub, logger zerolog.Logger) ([]alerting.Sink, func()) {
	sinks := []alerting.Sink{hub}
	var closers []func()

	if cfg.RedisURL != "" {
		client, err := alerting.NewRedisClient(cfg.RedisURL)
		if err != nil {
			logger.Error().Err(err).Msg("redis sink disabled")
		} else {
			sinks = append(sinks, alerting.NewRedisStreamSink(client, cfg.AlertRedisStream, cfg.AlertRedisMaxLen))
			closers = append(closers, func() { client.Close() })
		}
	}

	if cfg.MQTTBroker != "" {
		client, err := alerting.NewMQTTClient(cfg.MQTTBroker, cfg.MQTTClientID, cfg.SinkTimeout)
		if err != nil {
			logger.Error().Err(err).Msg("mqtt sink disabled")
		} else {
			sink := alerting.NewMQTTSink(client, cfg.MQTTTopic, byte(cfg.MQTTQoS))
			sinks = append(sinks, sink)
			closers = append(closers, sink.Close)
		}
	}

	if cfg.AlertWebhookURL != "" {
		sinks = append(sinks, alerting.NewWebhookSink(cfg.AlertWebhookURL, cfg.AlertWebhookSecret, cfg.SinkTimeout, cfg.AlertWebhookRetry))
	}

	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}
}

// newServer assembles the echo instance: middleware, ED routes, health
// checks and the websocket feed.
func newServer(cfg *config.Config, logger zerolog.Logger, st store, publisher alerting.Publisher, hub *websocket.Hub) (*echo.Echo, error) {
	levels, err := emergency.ParseAlertLevels(cfg.AlertTriageLevels)
	if err != nil {
		return nil, fmt.Errorf("ALERT_TRIAGE_LEVELS: %w", err)
	}

	opts := []emergency.Option{
		emergency.WithLogger(logger),
		emergency.WithPublisher(publisher),
		emergency.WithPersistenceTimeout(cfg.PersistenceTimeout),
	}
	notifier := emergency.NewNotifier(st, levels, opts...)
	statusLog := emergency.NewStatusLog(st, opts...)
	registry := emergency.NewRegistry(st, statusLog, notifier, opts...)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, pagination.TotalCountHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if jwtCfg.Enabled() {
		e.Use(auth.JWTMiddleware(jwtCfg))
	} else {
		logger.Warn().Msg("no AUTH_* settings: DevAuthMiddleware grants every request the admin role")
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	}
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(st, cfg.StoreDriver))

	apiV1 := e.Group("/api/v1")
	emergency.NewHandler(registry, statusLog, notifier, logger).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e, auth.RequireClinicalRole())

	return e, nil
}

func runServer(autoMigrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx := context.Background()
	st, closeStore, err := openStore(ctx, cfg, autoMigrate, logger)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
		return err
	}
	defer closeStore()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("store ready")

	hub := websocket.NewHub(logger)
	sinks, closeSinks := buildSinks(cfg, hub, logger)
	defer closeSinks()

	dispatcher := alerting.NewDispatcher(logger, cfg.DispatchWorkers, cfg.DispatchQueueSize, sinks,
		alerting.WithSinkTimeout(cfg.SinkTimeout))
	dispatcher.Start(ctx)
	logger.Info().Strs("sinks", dispatcher.SinkNames()).Msg("alert dispatcher started")

	e, err := newServer(cfg, logger, st, dispatcher, hub)
	if err != nil {
		dispatcher.Close()
		return err
	}

	// Graceful shutdown
	serverErr := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		logger.Error().Err(err).Msg("server error")
		dispatcher.Close()
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	dispatcher.Close()
	hub.Close()
	logger.Info().Msg("server stopped")
	return nil
}
