package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/billing"
	"github.com/clinic/clinic/internal/domain/report"
	"github.com/clinic/clinic/internal/domain/visit"
	"github.com/clinic/clinic/internal/platform/audit"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/docstore"
	"github.com/clinic/clinic/internal/platform/lock"
	"github.com/clinic/clinic/internal/platform/middleware"
	"github.com/clinic/clinic/pkg/cache/redis"
)

const version = "0.1.0"

// services is everything the HTTP layer and the CLI need, plus the resources
// to release on shutdown in reverse order of acquisition.
type services struct {
	store   docstore.Store
	pool    *pgxpool.Pool
	audit   audit.Sink
	visits  *visit.Service
	billing *billing.Service
	reports *report.Service
	revoked auth.RevocationStore

	closers []func(context.Context)
}

func (s *services) onClose(fn func(context.Context)) {
	s.closers = append(s.closers, fn)
}

func (s *services) close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i](ctx)
	}
}

func buildServices(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (svcs *services, err error) {
	svcs = &services{}
	defer func() {
		if err != nil {
			svcs.close(context.Background())
		}
	}()

	var store docstore.Store
	switch cfg.Store {
	case "memory":
		logger.Warn().Msg("using the in-memory store; data is lost on restart")
		store = docstore.NewMemoryStore()
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, 10*time.Second)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		svcs.pool = pool
		svcs.onClose(func(context.Context) { pool.Close() })
		store = docstore.NewPGStore(pool)
		logger.Info().Msg("connected to database")
	}
	svcs.store = docstore.NewResilient(store, cfg.PersistenceTimeout, logger)

	// Audit entries always reach the log; AMQP is preferred when configured.
	var pub audit.Publisher = audit.NewLogPublisher(logger)
	if cfg.AMQPURL != "" {
		amqp, err := audit.NewAMQPPublisher(cfg.AMQPURL, cfg.AuditExchange)
		if err != nil {
			logger.Warn().Err(err).Msg("audit broker unavailable, logging audit entries only")
		} else {
			svcs.onClose(func(context.Context) { amqp.Close() })
			pub = audit.Fallback{Primary: amqp, Secondary: pub}
		}
	}
	async := audit.NewAsync(pub, cfg.AuditBuffer, cfg.PersistenceTimeout, logger)
	svcs.onClose(func(ctx context.Context) {
		if err := async.Close(ctx); err != nil {
			logger.Warn().Err(err).Int64("dropped", async.Dropped()).Msg("audit queue not fully drained")
		}
	})
	svcs.audit = async

	var locker lock.Locker = lock.NewLocal()
	var jobs report.JobStore = report.NewMemoryJobStore()
	memRevocations := auth.NewMemoryRevocations()
	svcs.onClose(func(context.Context) { memRevocations.Close() })
	svcs.revoked = memRevocations
	if cfg.RedisURL != "" {
		client, err := redis.NewConnection(ctx, cfg.RedisURL, 3*time.Second)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		svcs.onClose(func(context.Context) { redis.Close(client) })
		locker = lock.NewRedis(client, cfg.RedisPrefix, cfg.LockTTL)
		jobs = report.NewRedisJobStore(client, cfg.RedisPrefix, cfg.ReportJobTTL)
		svcs.revoked = auth.NewRedisRevocations(client, cfg.RedisPrefix, 24*time.Hour)
		logger.Info().Msg("using redis for locks and report jobs")
	}

	var objects report.ObjectStore
	if cfg.ReportsEnabled() {
		s3, err := report.NewS3Store(report.S3Config{
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			Bucket:          cfg.S3Bucket,
			UseSSL:          cfg.S3UseSSL,
			Region:          cfg.S3Region,
		})
		if err != nil {
			return nil, err
		}
		if err := s3.EnsureBucket(ctx, cfg.S3Region); err != nil {
			logger.Warn().Err(err).Str("bucket", cfg.S3Bucket).Msg("could not verify report bucket")
		}
		objects = s3
	} else {
		logger.Warn().Msg("S3_ENDPOINT not set, report files are kept in memory")
		objects = report.NewMemoryObjectStore()
	}

	guard := auth.NewGuard()
	visitRepo := visit.NewRepoDoc(svcs.store)
	specialistRepo := visit.NewSpecialistRepoDoc(svcs.store)

	svcs.visits = visit.NewService(visitRepo, specialistRepo, guard, svcs.audit, logger)
	svcs.visits.SetLocker(locker)
	svcs.visits.SetMaxRetries(cfg.PaymentMaxRetries)

	svcs.billing = billing.NewService(billing.NewRepoDoc(svcs.store), visitRepo, specialistRepo, guard, svcs.audit, logger)
	svcs.billing.SetLocker(locker)
	svcs.billing.SetMaxRetries(cfg.PaymentMaxRetries)

	svcs.reports = report.NewService(svcs.billing, jobs, objects, svcs.audit, logger)
	svcs.reports.SetURLTTL(cfg.ReportURLTTL)
	return svcs, nil
}

func authMiddleware(cfg *config.Config, revoked auth.RevocationStore) echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:      cfg.AuthIssuer,
		Audience:    cfg.AuthAudience,
		JWKSURL:     cfg.AuthJWKSURL,
		Revocations: revoked,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware(jwtCfg)
	}
	return auth.JWTMiddleware(jwtCfg)
}

func newEcho(cfg *config.Config, svcs *services, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/health"))
	}
	e.Use(middleware.AccessAudit(svcs.audit))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(svcs.store, cfg.Store, svcs.pool))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1", authMiddleware(cfg, svcs.revoked), middleware.RateLimit(rateLimitCfg))

	auth.RegisterRevocationRoutes(apiV1, svcs.revoked)
	visit.NewHandler(svcs.visits).RegisterRoutes(apiV1)
	billing.NewHandler(svcs.billing).RegisterRoutes(apiV1)
	report.NewHandler(svcs.reports).RegisterRoutes(apiV1)
	return e
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if cfg.IsDev() && cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth is active: requests without a token act as administrator")
	}

	svcs, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	e := newEcho(cfg, svcs, logger)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			svcs.close(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := svcs.reports.Wait(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("report exports still running at shutdown")
	}
	svcs.close(shutdownCtx)
	logger.Info().Msg("server stopped")
	return nil
}
