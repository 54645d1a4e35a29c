package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/signalhub-api/api/swagger"
	"github.com/noah-isme/signalhub-api/internal/handler"
	internalmiddleware "github.com/noah-isme/signalhub-api/internal/middleware"
	"github.com/noah-isme/signalhub-api/internal/models"
	"github.com/noah-isme/signalhub-api/internal/repository"
	"github.com/noah-isme/signalhub-api/internal/service"
	"github.com/noah-isme/signalhub-api/pkg/cache"
	"github.com/noah-isme/signalhub-api/pkg/config"
	"github.com/noah-isme/signalhub-api/pkg/database"
	"github.com/noah-isme/signalhub-api/pkg/events"
	"github.com/noah-isme/signalhub-api/pkg/jobs"
	"github.com/noah-isme/signalhub-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/signalhub-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/signalhub-api/pkg/middleware/requestid"
)

// @title SignalHub API
// @version 1.0.0
// @description Trading signal sharing service with JWT session management
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, token revocation and caching disabled", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	validate := validator.New()
	metricsSvc := service.NewMetricsService()

	userRepo := repository.NewUserRepository(db)
	signalRepo := repository.NewSignalRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient)

	var revocations *repository.RevocationRepository
	if redisClient != nil {
		revocations = repository.NewRevocationRepository(redisClient)
	}

	auditSvc := service.NewAuditService(auditRepo, nil, logr)
	auditQueue := jobs.NewQueue("audit", auditSvc.Handle, jobs.QueueConfig{
		Workers:    cfg.Audit.Workers,
		BufferSize: cfg.Audit.BufferSize,
		MaxRetries: cfg.Audit.MaxRetries,
		RetryDelay: 200 * time.Millisecond,
		Logger:     logr,
	})
	auditSvc.AttachQueue(auditQueue)
	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()
	auditQueue.Start(rootCtx)

	publisher := events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.SignalTopic, logr)

	tokenSvc := service.NewTokenService(registryOrNil(revocations), metricsSvc, logr, service.TokenConfig{
		AccessSecret:      cfg.JWT.AccessSecret,
		RefreshSecret:     cfg.JWT.RefreshSecret,
		AccessTTL:         cfg.JWT.Expiration,
		RefreshTTL:        cfg.JWT.RefreshExpiration,
		Issuer:            cfg.JWT.Issuer,
		Audience:          cfg.JWT.Audience,
		AccessCookieName:  cfg.Auth.AccessCookieName,
		RefreshCookieName: cfg.Auth.RefreshCookieName,
	})
	authSvc := service.NewAuthService(userRepo, tokenSvc, auditSvc, metricsSvc, validate, logr, service.AuthConfig{
		BcryptCost:        cfg.Auth.BcryptCost,
		RefreshTokenLimit: cfg.Auth.RefreshTokenLimit,
	})
	userSvc := service.NewUserService(userRepo, auditSvc, validate, logr)
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Signals.StatsCacheTTL, logr)
	signalSvc := service.NewSignalService(signalRepo, cacheSvc, publisher, auditSvc, validate, logr, cfg.Signals.StatsCacheTTL)
	exportSvc := service.NewExportService(signalRepo, logr, nil, nil)

	authHandler := handler.NewAuthHandler(authSvc, tokenSvc, handler.CookieConfig{
		AccessName:     cfg.Auth.AccessCookieName,
		RefreshName:    cfg.Auth.RefreshCookieName,
		AccessPath:     cfg.Auth.AccessCookiePath,
		RefreshPath:    cfg.Auth.RefreshCookiePath,
		Domain:         cfg.Auth.CookieDomain,
		Secure:         cfg.Auth.CookieSecure,
		SameSiteStrict: cfg.Auth.SameSiteStrictMode,
	})
	userHandler := handler.NewUserHandler(userSvc)
	signalHandler := handler.NewSignalHandler(signalSvc, exportSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc, db)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metricsSvc, "/metrics"))
	r.Use(internalmiddleware.WithResponseMeta())

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	authenticate := internalmiddleware.Authenticate(tokenSvc, userRepo)
	adminOnly := internalmiddleware.RequireRoles(models.RoleAdmin)

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/register", authHandler.Register)
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.POST("/logout", internalmiddleware.OptionalAuthenticate(tokenSvc, userRepo), authHandler.Logout)
	auth.POST("/logout-all", authenticate, authHandler.LogoutAll)
	auth.GET("/me", authenticate, authHandler.Me)
	auth.PUT("/password", authenticate, authHandler.ChangePassword)

	users := api.Group("/users", authenticate)
	users.GET("", adminOnly, userHandler.List)
	users.GET("/:id", internalmiddleware.RequireRolesOrOwner("id", models.RoleAdmin), userHandler.Get)
	users.PUT("/:id", internalmiddleware.RequireRolesOrOwner("id", models.RoleAdmin), userHandler.Update)
	users.DELETE("/:id", adminOnly, userHandler.Delete)

	signals := api.Group("/signals", authenticate)
	signals.GET("", signalHandler.List)
	signals.POST("", signalHandler.Create)
	signals.GET("/stats", adminOnly, signalHandler.Stats)
	signals.GET("/export", adminOnly, signalHandler.Export)
	signals.GET("/:id", signalHandler.Get)
	signals.PUT("/:id", signalHandler.Update)
	signals.DELETE("/:id", signalHandler.Delete)

	api.GET("/metrics/summary", authenticate, adminOnly, metricsHandler.Snapshot)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "redis", redisClient != nil, "events", publisher.Enabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("http shutdown failed", zap.Error(err))
	}
	auditQueue.Stop()
	if err := publisher.Close(); err != nil {
		logr.Warn("event publisher close failed", zap.Error(err))
	}
}

// registryOrNil keeps a nil *RevocationRepository from becoming a non-nil interface.
func registryOrNil(repo *repository.RevocationRepository) interface {
	Add(ctx context.Context, token string, ttl time.Duration) error
	Contains(ctx context.Context, token string) (bool, error)
} {
	if repo == nil {
		return nil
	}
	return repo
}
