package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anonto42/nano-social/backend/internal/auth"
	"github.com/anonto42/nano-social/backend/internal/handlers"
	"github.com/anonto42/nano-social/backend/internal/realtime"
	"github.com/anonto42/nano-social/backend/internal/repositories"
	"github.com/anonto42/nano-social/backend/internal/router"
	"github.com/anonto42/nano-social/backend/internal/services"
	"github.com/anonto42/nano-social/backend/pkg/config"
	"github.com/anonto42/nano-social/backend/pkg/firebase"
	"github.com/anonto42/nano-social/backend/pkg/logger"
	"github.com/anonto42/nano-social/backend/pkg/metrics"
	"github.com/anonto42/nano-social/backend/pkg/redis"
	"github.com/anonto42/nano-social/backend/validators"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logg := logger.New(logger.Options{ServiceName: "nano-social"})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logg.Error(ctx, "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "nano-social",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.IsDev(),
	})

	// Initialize database connections
	db, err := config.InitDB(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to initialize databases", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(context.Background()); err != nil {
			logg.Error(context.Background(), "error closing databases", err)
		}
	}()

	if err := router.Migrate(db.Postgres); err != nil {
		logg.Error(ctx, "failed to auto migrate models", err)
		os.Exit(1)
	}
	logg.Info(ctx, "postgres auto-migrations completed")

	userRepo := repositories.NewPostgresUserRepository(db.Postgres)
	postRepo := repositories.NewMongoPostRepository(db.MongoDB)

	// Token verification: local JWTs always, Firebase ID tokens when configured
	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTTTL)
	verifiers := auth.Chain{jwtManager}
	var firebaseTokens auth.IDTokenVerifier
	if cfg.Auth.FirebaseEnabled() {
		firebaseApp, err := firebase.InitFirebase(ctx, cfg.Auth.FirebaseCredentialsPath)
		if err != nil {
			logg.Error(ctx, "failed to initialize firebase", err)
			os.Exit(1)
		}
		firebaseTokens = firebaseApp
		verifiers = append(verifiers, auth.NewFirebaseVerifier(firebaseApp, userRepo))
		logg.Info(ctx, "firebase id tokens enabled")
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	realtimeMetrics := metrics.NewRealtimeMetrics(promRegistry)
	notificationMetrics := metrics.NewNotificationMetrics(promRegistry)

	healthChecks := map[string]handlers.Pinger{
		"postgres": handlers.PingerFunc(db.PingPostgres),
		"mongo":    handlers.PingerFunc(db.PingMongo),
	}

	registryOpts := realtime.Options{
		PongTimeout: cfg.Realtime.PongTimeout,
		SendBuffer:  cfg.Realtime.SendBuffer,
	}
	var wsOpts []realtime.HandlerOption
	if cfg.Realtime.TrustProxy {
		wsOpts = append(wsOpts, realtime.WithTrustedProxy())
	}
	if cfg.Redis.Enabled() {
		redisClient, err := redis.New(ctx, cfg.Redis.URL)
		if err != nil {
			logg.Error(ctx, "failed to bootstrap redis", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
		registryOpts.Presence = redisClient
		wsOpts = append(wsOpts, realtime.WithHandshakeLimiter(
			realtime.NewRedisHandshakeLimiter(redisClient, cfg.Realtime.HandshakeLimit, cfg.Realtime.HandshakeWindow),
		))
		healthChecks["redis"] = redisClient
		logg.Info(ctx, "redis presence and handshake limiting enabled")
	}

	connRegistry := realtime.NewRegistry(registryOpts, logg, realtimeMetrics)
	notificationRepo := repositories.NewPostgresNotificationRepository(db.Postgres, postRepo, logg, cfg.Notify.DedupeWindow)
	notificationService := services.NewNotificationService(notificationRepo, connRegistry, logg,
		services.WithFanoutConcurrency(cfg.Notify.FanoutConcurrency),
		services.WithMetrics(notificationMetrics),
	)

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validators.NewValidator()
	e.HTTPErrorHandler = handlers.ErrorHandler(logg)
	config.SetupMiddleware(e, logg)

	router.SetupRoutes(e, router.Dependencies{
		Postgres:      db.Postgres,
		Users:         userRepo,
		Posts:         postRepo,
		Verifier:      verifiers,
		Tokens:        jwtManager,
		Firebase:      firebaseTokens,
		Notifications: notificationService,
		Realtime:      realtime.NewHandler(connRegistry, verifiers, logg, realtimeMetrics, wsOpts...),
		RealtimePath:  cfg.Realtime.Path,
		Health:        handlers.NewHealthHandler(healthChecks, connRegistry.ConnectedCount),
		Log:           logg,
	})

	metricsServer := &http.Server{
		Addr:              ":" + cfg.App.MetricsPort,
		Handler:           promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "metrics server stopped unexpectedly", err)
		}
	}()

	go func() {
		if err := notificationService.RunRetention(ctx, cfg.Notify.Retention, cfg.Notify.RetentionInterval); err != nil && !errors.Is(err, context.Canceled) {
			logg.Error(ctx, "notification retention stopped", err)
		}
	}()

	addr := ":" + cfg.App.Port
	serverCtx := logg.WithFields(ctx, map[string]any{
		"env":          cfg.App.Env,
		"addr":         addr,
		"metrics_addr": metricsServer.Addr,
		"ws_path":      cfg.Realtime.Path,
	})
	logg.Info(serverCtx, "starting api server")

	serverErr := make(chan error, 1)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logg.Info(serverCtx, "shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logg.Error(serverCtx, "api server stopped unexpectedly", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logg.Error(shutdownCtx, "failed to shutdown api server", err)
	}
	if err := notificationService.Wait(shutdownCtx); err != nil {
		logg.Warn(shutdownCtx, "pending notification dispatches abandoned")
	}
	if err := connRegistry.CloseAll(); err != nil {
		logg.Error(shutdownCtx, "error closing websocket connections", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logg.Error(shutdownCtx, "failed to shutdown metrics server", err)
	}
	logg.Info(shutdownCtx, "shutdown complete")
}
