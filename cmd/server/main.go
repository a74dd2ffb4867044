package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livecache/internal/cache"
	cachestore "livecache/internal/cache/store"
	cachememory "livecache/internal/cache/store/memory"
	cacheredis "livecache/internal/cache/store/redis"
	"livecache/internal/changes/kafka"
	"livecache/internal/index"
	jwttoken "livecache/internal/jwt_token"
	"livecache/internal/platform/config"
	"livecache/internal/platform/httpserver"
	"livecache/internal/platform/logger"
	"livecache/internal/platform/metrics"
	platformredis "livecache/internal/platform/redis"
	"livecache/internal/push"
	pushhandler "livecache/internal/push/handler"
	sourcememory "livecache/internal/source/memory"
	httptransport "livecache/internal/transport/http"
	"livecache/pkg/domain"
)

// main wires high-level dependencies and keeps the server lifecycle small.
// Business logic lives in the internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}

	src := sourcememory.New(sourcememory.WithCategory("documents"))
	defer src.Close()
	if os.Getenv("LIVECACHE_DEV_SEED") == "true" {
		seed(ctx, src)
	}

	var backing cachestore.Store = cachememory.New()
	if redisClient != nil {
		backing = cacheredis.New(redisClient.Client)
		log.Info("using redis backing store")
	}

	tiered, err := cache.New(src, backing,
		cache.WithFrontTierSize(cfg.Cache.FrontTierSize),
		cache.WithLogger(log),
	)
	if err != nil {
		log.Error("cache init failed", "error", err)
		os.Exit(1)
	}
	defer tiered.Close()

	idx := index.New(src, tiered)
	defer idx.Close()

	registry := push.New(tiered.Changes(),
		push.WithIdleTimeout(cfg.Push.IdleTimeout),
		push.WithSweepInterval(cfg.Push.SweepInterval),
		push.WithLogger(log),
	)
	defer registry.Close()

	if len(cfg.Kafka.Brokers) > 0 {
		bridge, err := kafka.NewBridge(ctx, tiered.Changes(), kafka.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}, log)
		if err != nil {
			log.Error("kafka bridge init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := bridge.Close(flushCtx); err != nil {
				log.Warn("kafka bridge close", "error", err)
			}
		}()
		log.Info("kafka change bridge attached", "topic", cfg.Kafka.Topic)
	}

	jwtService := jwttoken.NewJWTService(cfg.Server.JWTSigningKey, "livecache", "livecache-api")
	httpMetrics := metrics.New()
	handler := pushhandler.New(registry, log, httpMetrics, jwttoken.NewJWTServiceAdapter(jwtService))

	checkers := map[string]httptransport.HealthChecker{}
	if redisClient != nil {
		checkers["redis"] = redisClient
	}
	router := httptransport.NewRouter(httptransport.Deps{
		Push:     handler,
		Checkers: checkers,
	})

	srv := httpserver.New(cfg.Server.Addr, router)
	log.Info("starting livecache", "addr", cfg.Server.Addr)
	if err := httpserver.Run(ctx, srv, 10*time.Second); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// seed loads a few documents so a dev instance answers queries out of the
// box.
func seed(ctx context.Context, src *sourcememory.Store) {
	_, _ = src.Add(ctx, "ACME Corp 5.25% 2031",
		domain.Bundle{{Scheme: "ISIN", Value: "US000402625A"}, {Scheme: "CUSIP", Value: "000402625"}},
		map[string]string{"assetClass": "bond", "currency": "USD"},
		[]byte(`{"coupon":5.25,"maturity":"2031-06-15"}`),
	)
	_, _ = src.Add(ctx, "Globex Holdings Common",
		domain.Bundle{{Scheme: "ISIN", Value: "US38259P5089"}, {Scheme: "TICKER", Value: "GBX"}},
		map[string]string{"assetClass": "equity", "currency": "USD"},
		[]byte(`{"exchange":"NYSE"}`),
	)
}
