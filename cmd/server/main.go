package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ailways/study-relay/internal/backend"
	"github.com/ailways/study-relay/internal/capture"
	"github.com/ailways/study-relay/internal/config"
	"github.com/ailways/study-relay/internal/database"
	"github.com/ailways/study-relay/internal/handler"
	"github.com/ailways/study-relay/internal/jobs"
	"github.com/ailways/study-relay/internal/middleware"
	"github.com/ailways/study-relay/internal/redis"
	"github.com/ailways/study-relay/internal/repository"
	"github.com/ailways/study-relay/internal/sampler"
	"github.com/ailways/study-relay/internal/service"
	"github.com/ailways/study-relay/internal/sse"
	"github.com/ailways/study-relay/internal/tokens"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := cfg.IsProduction()
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, config.DBPingTimeout)
	if err := db.Check(pingCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	if err := db.Migrate(pingCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	detectionRepo := repository.NewDetectionRepository(db.DB)
	tokenStore := tokens.NewRedisStore(redisClient, cfg.AccessTokenTTL(), cfg.RefreshTokenTTL(), cfg.EncryptionKey)
	backendClient := backend.NewClient(cfg.BackendURL, tokenStore)

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	cameraOpts := capture.CameraOptions{
		Mode: string(cfg.CameraMode),
		URL:  cfg.CameraURL,
		Dir:  cfg.CameraDir,
	}
	learningService := service.NewLearningService(ctx, backendClient, detectionRepo, broker,
		func() (capture.Stream, error) { return capture.OpenCamera(cameraOpts) },
		sampler.Options{
			Interval:    cfg.SampleInterval(),
			TargetWidth: cfg.TargetWidth,
			Encoder:     capture.NewFrameEncoder(cfg.EncodeQuality),
			Cooldown:    cfg.Cooldown(),
		},
	)
	defer learningService.Shutdown()
	authService := service.NewAuthService(backendClient)

	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)
	analyzeRateLimit := middleware.NewRedisRateLimitMiddleware(redisClient.Client, cfg.AnalyzeRateLimitPerMin)
	loginLimiter := middleware.NewLoginRateLimiter()

	healthHandler := handler.NewHealthHandler(map[string]handler.Check{
		"database": db.Check,
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	}, learningService.ActiveCount)
	authHandler := handler.NewAuthHandler(authService, cfg.SecureCookies)
	analyzeHandler := handler.NewAnalyzeHandler(backendClient)
	proxyHandler := handler.NewProxyHandler(backendClient)
	learningHandler := handler.NewLearningHandler(learningService)
	eventsHandler := handler.NewEventsHandler(broker, learningService)
	wsHandler := handler.NewWSHandler(broker, learningService)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeadersMiddleware.Handler)
	r.Use(middleware.Principal)

	r.Get("/health", healthHandler.ServeHTTP)

	// Event streams outlive the request timeout.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequirePrincipal)
		r.Get("/v1/learning/{sessionId}/events", eventsHandler.ServeHTTP)
		r.Get("/v1/learning/{sessionId}/ws", wsHandler.ServeHTTP)
	})

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

		r.Post("/api/sessions/{sessionId}/distractions/analyze",
			analyzeRateLimit.Handler(analyzeHandler).ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(bodyLimitMiddleware.Handler)

			r.Mount("/auth", authHandler.Routes(loginLimiter.Handler))
			r.Get("/refresh-session", authHandler.RefreshSession)
			r.Handle("/api/*", proxyHandler)

			r.Route("/v1/learning", func(r chi.Router) {
				r.Use(middleware.RequirePrincipal)
				r.Mount("/", learningHandler.Routes())
			})
		})
	})

	cleanupJob := jobs.NewCleanupJob(detectionRepo, learningService, cfg.DetectionRetention(), config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
