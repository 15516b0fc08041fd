package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"taskboard/api"
	"taskboard/config"
	"taskboard/events"
	"taskboard/realtime"
	"taskboard/service"
	"taskboard/storage"
	"taskboard/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := tracing.NewProvider(logger, cfg.TraceLog)
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	store, err := storage.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	defer store.Close()
	applied, err := store.Migrate(ctx)
	if err != nil {
		logger.Fatalf("migrate: %v", err)
	}
	logger.WithFields(log.Fields{"applied": applied, "dialect": store.Dialect()}).Info("database ready")

	var rc *redis.Client
	if cfg.RedisURL != "" {
		rc = redis.NewClient(redisOptions(cfg.RedisURL))
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Fatalf("redis: %v", err)
		}
	}

	authOpts := api.AuthOptions{
		Secret:      []byte(cfg.SecretKey),
		TokenTTL:    cfg.TokenTTL,
		Audience:    cfg.JWTAudience,
		Issuer:      cfg.JWTIssuer,
		KeyCacheTTL: cfg.JWKSCacheTTL,
	}
	if cfg.JWKSURL != "" {
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			Ctx:               ctx,
			RefreshInterval:   cfg.JWKSCacheTTL,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				logger.WithFields(log.Fields{"error": err.Error()}).Warn("jwks refresh failed")
			},
		})
		if err != nil {
			logger.Fatalf("jwks: %v", err)
		}
		defer jwks.EndBackground()
		authOpts.JWKS = jwks
	}
	auth := api.NewAuth(authOpts)

	accounts := service.NewIdentities(store, auth, nil, logger)
	registry := realtime.NewRegistry(accounts, logger)

	var sink events.Sink = registry
	var repo service.TaskRepository = store
	if rc != nil {
		relay := events.NewRelay(rc, cfg.RealtimeChannel, registry, logger)
		go relay.Run(ctx)
		sink = relay
		repo = storage.NewCache(store, rc, cfg.LookupCacheTTL)
	}
	broadcaster := events.NewBroadcaster(sink, cfg.EventBuffer, logger)
	broadcaster.Start(ctx)
	defer broadcaster.Stop()

	tasks := service.NewTasks(repo, broadcaster, logger, service.WithMaxAttempts(cfg.CustomIDMaxAttempts))

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.Register(e, api.Services{
		Tasks:    tasks,
		Accounts: accounts,
		Hub:      registry,
		Health:   store,
		KeepAlive: realtime.KeepAlive{
			PingInterval: cfg.PingInterval,
			PongWait:     cfg.PongWait,
			WriteTimeout: cfg.WriteTimeout,
		},
		Origins: cfg.CORSOrigins,
	}, logger)

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(log.Fields{"error": err.Error()}).Error("http shutdown failed")
	}
	published, dropped := broadcaster.Stats()
	logger.WithFields(log.Fields{"published": published, "dropped": dropped}).Info("event broadcaster stopped")
}

// redisOptions accepts a redis:// URL or an Azure style
// "host:port,password=...,ssl=true" connection string.
func redisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
