package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string
	JWTSigningKey string
}

// Cache captures the cache layer configuration.
type Cache struct {
	FrontTierSize int
}

// Push captures push session configuration.
type Push struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// Redis captures the backing store connection settings. An empty URL means
// the in-memory backing store is used instead.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka captures the change bridge settings. Empty brokers disable the
// bridge.
type Kafka struct {
	Brokers []string
	Topic   string
}

// Config is the full service configuration.
type Config struct {
	Server Server
	Cache  Cache
	Push   Push
	Redis  Redis
	Kafka  Kafka
}

// FromEnv builds the configuration from environment variables so main stays
// lean.
func FromEnv() Config {
	addr := os.Getenv("LIVECACHE_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		// Use a default for development - should be overridden in production
		jwtSigningKey = "dev-secret-key-change-in-production"
	}

	kafkaTopic := os.Getenv("LIVECACHE_KAFKA_TOPIC")
	if kafkaTopic == "" {
		kafkaTopic = "livecache.changes"
	}

	return Config{
		Server: Server{
			Addr:          addr,
			JWTSigningKey: jwtSigningKey,
		},
		Cache: Cache{
			FrontTierSize: envInt("LIVECACHE_FRONT_TIER_SIZE", 1024),
		},
		Push: Push{
			IdleTimeout:   envDuration("LIVECACHE_PUSH_IDLE_TIMEOUT", 5*time.Minute),
			SweepInterval: envDuration("LIVECACHE_PUSH_SWEEP_INTERVAL", 30*time.Second),
		},
		Redis: Redis{
			URL:          os.Getenv("LIVECACHE_REDIS_URL"),
			PoolSize:     envInt("LIVECACHE_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("LIVECACHE_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("LIVECACHE_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("LIVECACHE_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("LIVECACHE_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers: envList("LIVECACHE_KAFKA_BROKERS"),
			Topic:   kafkaTopic,
		},
	}
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
