package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/token-portal/internal/cache"
	"qms/token-portal/internal/config"
	"qms/token-portal/internal/httpapi"
	"qms/token-portal/internal/notify"
	"qms/token-portal/internal/store/postgres"
	"qms/token-portal/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.LoadService()
	shutdownTelemetry := telemetry.Setup("token-service", cfg.Telemetry)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	if cfg.DatabaseURL == "" {
		log.Fatalf("DB_DSN is required")
	}
	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	location := cfg.Location()
	store := postgres.NewStore(pool, postgres.Options{
		Location:   location,
		SessionTTL: cfg.SessionTTL,
	})

	var snapshots httpapi.SnapshotCache
	if cfg.RedisURL != "" {
		client := cache.NewRedisClient(cfg.RedisURL)
		defer client.Close()
		snapshotCache := cache.NewSnapshotCache(client, cfg.SnapshotCacheTTL)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := snapshotCache.Ping(ctx); err != nil {
			log.Printf("snapshot cache disabled: %v", err)
		} else {
			snapshots = snapshotCache
		}
		cancel()
	}

	handler := httpapi.NewHandler(store, httpapi.Options{
		Cache: snapshots,
		Announcer: notify.NewPubNub(notify.PubNubConfig{
			PublishKey:   cfg.PubNub.PublishKey,
			SubscribeKey: cfg.PubNub.SubscribeKey,
			SecretKey:    cfg.PubNub.SecretKey,
			UUID:         cfg.PubNub.UUID,
		}),
		Location: location,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:    cfg.RateLimitPerMinute,
		IPBurst:        cfg.RateLimitBurst,
		TrustedProxies: cfg.TrustedProxies,
	})

	routes := httpapi.AuthMiddleware(store, handler.Routes())
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(routes)), "token-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("token-service listening on %s timezone=%s cache=%t", server.Addr, location, snapshots != nil)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
