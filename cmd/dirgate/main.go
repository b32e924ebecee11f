// Package main is the entry point for dirgate, the directory gateway
// service: LDAP-backed authentication, a local user mirror, and the
// scheduled synchronization that keeps the mirror honest.
package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/dirgate/dirgate/internal/admin"
	"github.com/dirgate/dirgate/internal/audit"
	"github.com/dirgate/dirgate/internal/auth"
	"github.com/dirgate/dirgate/internal/common/config"
	"github.com/dirgate/dirgate/internal/common/database"
	"github.com/dirgate/dirgate/internal/common/health"
	"github.com/dirgate/dirgate/internal/common/logger"
	"github.com/dirgate/dirgate/internal/common/middleware"
	"github.com/dirgate/dirgate/internal/common/shutdown"
	"github.com/dirgate/dirgate/internal/common/tlsutil"
	"github.com/dirgate/dirgate/internal/common/tracing"
	"github.com/dirgate/dirgate/internal/directory"
	"github.com/dirgate/dirgate/pkg/storage"
)

var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)

func main() {
	log := logger.New()
	defer log.Sync()

	log.Info("Starting dirgate",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("commit", CommitHash),
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	sm := shutdown.NewShutdownManager(log, 30*time.Second)

	shutdownTracer, err := tracing.Init(context.Background(), tracing.Config{
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "dirgate",
		Environment: cfg.Environment,
		SampleRate:  cfg.TracingSampleRate,
	}, log)
	if err != nil {
		log.Warn("Failed to initialize tracing", zap.Error(err))
	} else {
		sm.RegisterHook("tracing", shutdownTracer)
	}

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	sm.RegisterHook("postgres", func(context.Context) error { return db.Close() })

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	sm.RegisterHook("redis", func(context.Context) error { return rdb.Close() })

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS())
	router.Use(logger.GinMiddleware(log))
	router.Use(otelgin.Middleware("dirgate"))
	router.Use(middleware.PrometheusMetrics())
	if cfg.EnableRateLimit {
		router.Use(middleware.DistributedRateLimit(rdb.Client, middleware.RateLimitConfig{
			Requests:     cfg.RateLimitRequests,
			Window:       time.Duration(cfg.RateLimitWindowSecs) * time.Second,
			AuthRequests: cfg.RateLimitAuthRequests,
			AuthWindow:   time.Duration(cfg.RateLimitAuthWindowSecs) * time.Second,
		}, log))
	}

	router.GET("/metrics", middleware.MetricsHandler())

	healthService := health.NewHealthService(log)
	healthService.SetVersion(Version)
	healthService.RegisterCheck(health.NewPostgresChecker(db))
	healthService.RegisterCheck(health.NewRedisChecker(rdb))
	healthService.RegisterStandardRoutes(router)

	dirService := directory.NewService(db, log, directory.Options{
		Timeout:        time.Duration(cfg.DirectoryTimeoutSecs) * time.Second,
		Tick:           time.Duration(cfg.SyncTickSeconds) * time.Second,
		Backoff:        time.Duration(cfg.SyncBackoffSeconds) * time.Second,
		StaleRetention: time.Duration(cfg.StaleRetentionDays) * 24 * time.Hour,
	})
	if err := dirService.Start(context.Background()); err != nil {
		log.Error("Directory service failed to start", zap.Error(err))
	}
	sm.RegisterHook("directory", func(context.Context) error {
		dirService.Stop()
		return nil
	})

	sessionTTL := time.Duration(cfg.SessionTTLMinutes) * time.Minute
	tokenService := auth.NewTokenService(cfg.JWTSecret, rdb.Client, log).
		WithConfig(auth.TokenConfig{TTL: sessionTTL})
	sessionService := auth.NewSessionService(rdb.Client, log).
		WithConfig(auth.SessionConfig{TTL: sessionTTL})
	authMiddleware := auth.NewMiddleware(tokenService, log)

	var auditStore storage.AppendOnlyStore
	if cfg.AuditLogPath != "" {
		fileStore, err := storage.NewFileStore(cfg.AuditLogPath)
		if err != nil {
			log.Fatal("Failed to open audit log", zap.Error(err))
		}
		auditStore = fileStore
	}
	trail, err := audit.NewTrail(auditStore, cfg.GetAuditSecret(), log)
	if err != nil {
		log.Fatal("Failed to initialize audit trail", zap.Error(err))
	}
	if err := trail.Verify(); err != nil {
		log.Warn("Audit trail integrity check failed", zap.Error(err))
	}

	adminService := admin.NewService(dirService, tokenService, sessionService, authMiddleware, log).
		WithAuditTrail(trail)
	adminService.RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.TLS.Enabled {
		sm.RegisterServer("https", server)
		go func() {
			log.Info("Server listening", zap.Int("port", cfg.Port), zap.Bool("tls", true))
			if err := tlsutil.ListenAndServe(server, cfg.TLS, log); err != nil && err != http.ErrServerClosed {
				log.Fatal("Failed to start server", zap.Error(err))
			}
		}()
	} else {
		log.Info("Server listening", zap.Int("port", cfg.Port))
		if err := sm.GracefulServe("http", server); err != nil {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}

	sm.WaitForShutdown()
}
