package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/famledger/famledger/internal/auth"
	"github.com/famledger/famledger/internal/config"
	"github.com/famledger/famledger/internal/health"
	"github.com/famledger/famledger/internal/logger"
	"github.com/famledger/famledger/internal/metrics"
	authmw "github.com/famledger/famledger/internal/middleware"
	"github.com/famledger/famledger/internal/repository"
	"github.com/famledger/famledger/internal/sanitizer"
)

const version = "1.0.0"

func main() {
	cfg := config.Load()

	log := logger.New(logger.DefaultConfig())
	slog.SetDefault(log)

	if cfg.JWT.SigningSecret == "" {
		log.Error("JWT_SIGNING_SECRET environment variable is required")
		os.Exit(1)
	}

	dbPool, err := setupDatabase(cfg, log)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	// Separate pool for the sqlx-backed read paths
	sqlxDB, err := sqlx.Connect("pgx", cfg.Database.DSN())
	if err != nil {
		log.Error("failed to open sqlx connection", "error", err)
		os.Exit(1)
	}
	defer sqlxDB.Close()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	// Repositories
	userRepo := repository.NewUserRepository(dbPool)
	sessionRepo := repository.NewSessionRepository(dbPool)
	attemptRepo := repository.NewLoginAttemptRepository(sqlxDB)
	backupCodeRepo := repository.NewBackupCodeRepository(dbPool)
	biometricRepo := repository.NewBiometricTokenRepository(dbPool)

	// Services
	tokenService := auth.NewTokenService(auth.TokenServiceConfig{
		SigningSecret:      cfg.JWT.SigningSecret,
		AccessTokenExpiry:  cfg.JWT.AccessTokenExpiry,
		ChallengeExpiry:    cfg.JWT.ChallengeExpiry,
		RefreshTokenExpiry: cfg.JWT.RefreshTokenExpiry,
		Issuer:             cfg.JWT.Issuer,
	})

	loginService := auth.NewLoginService(
		userRepo,
		sessionRepo,
		attemptRepo,
		backupCodeRepo,
		biometricRepo,
		tokenService,
		cfg.Lockout,
		log,
	)
	mfaService := auth.NewMFAService(
		userRepo,
		backupCodeRepo,
		biometricRepo,
		tokenService,
		loginService,
		cfg.MFA,
		log,
	)
	sessionService := auth.NewSessionService(sessionRepo, userRepo, attemptRepo, tokenService, log)
	accountService := auth.NewAccountService(
		userRepo,
		sessionRepo,
		auth.NewPasswordHasher(),
		auth.NewPINHasher(),
		auth.NewPasswordValidator(),
		log,
	)

	metaSanitizer := sanitizer.NewMetadataSanitizer()

	// Handlers
	authHandler := auth.NewAuthHandler(loginService, accountService, mfaService, sessionService, metaSanitizer, log)
	mfaHandler := auth.NewMFAHandler(mfaService, metaSanitizer, log)
	sessionHandler := auth.NewSessionHandler(sessionService, log)

	// Middleware
	authMiddleware := authmw.NewAuthMiddleware(tokenService, sessionService)
	loginLimiter := authmw.NewLoginRateLimiter(cfg.RateLimit.LoginLimit, cfg.RateLimit.LoginWindow)
	loggingMiddleware := authmw.NewLoggingMiddleware(log)

	// Health
	healthHandler := health.NewHandler(health.Config{
		DBPool:      dbPool,
		RedisClient: redisClient,
		Version:     version,
	})

	// Metrics
	dbStats := metrics.NewDBStatsCollector(dbPool, sqlxDB.DB, log)
	dbStats.Start(15 * time.Second)
	defer dbStats.Stop()

	// Background cleanup of stale audit and session rows
	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	defer stopCleanup()
	go runCleanup(cleanupCtx, sessionRepo, attemptRepo, log)

	// Router
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(loggingMiddleware.Handler)
	r.Use(metrics.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/ready", healthHandler.Readiness)
	r.Get("/health/live", healthHandler.Liveness)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		auth.RegisterRoutes(r, authHandler, mfaHandler, sessionHandler,
			authMiddleware.Authenticate, loginLimiter.RateLimitLogin)
	})

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	healthHandler.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("server exited")
}

// runCleanup periodically purges revoked sessions older than 30 days and
// login attempts older than 90 days.
func runCleanup(ctx context.Context, sessions repository.SessionRepository, attempts repository.LoginAttemptRepository, log *slog.Logger) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			if count, err := sessions.PurgeRevokedBefore(ctx, now.AddDate(0, 0, -30)); err != nil {
				log.Error("failed to purge revoked sessions", "error", err)
			} else if count > 0 {
				log.Info("purged revoked sessions", "count", count)
			}
			if count, err := attempts.CleanupBefore(ctx, now.AddDate(0, 0, -90)); err != nil {
				log.Error("failed to clean up login attempts", "error", err)
			} else if count > 0 {
				log.Info("cleaned up login attempts", "count", count)
			}
		}
	}
}

// setupDatabase creates and configures the database connection pool
func setupDatabase(cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = 1 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("connected to database",
		"dbname", cfg.Database.DBName,
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
	)
	return pool, nil
}
