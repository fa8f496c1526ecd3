// Package config holds the node's runtime settings. A Config is loaded once
// at startup and passed into each component; nothing reads the environment
// after that.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Identity of this node.
	Domain     string
	ListenAddr string

	// Backing stores.
	MongoURI   string
	MongoDB    string
	RedisAddr  string
	RedisDB    int
	RedisPass  string

	// Limits.
	MaxMessageSize int

	// Federation.
	FederationEnabled bool
	RegistrationOpen  bool
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	ClaimLease        time.Duration
	WorkerPoll        time.Duration
	WorkerCount       int
	RequestTimeout    time.Duration

	// Federated identity cache.
	IdentityCacheTTL time.Duration

	// Consecutive delivery failures before a node flips active -> offline.
	OfflineStreakThreshold int
}

// FromEnv builds a Config from environment variables, falling back to
// defaults suitable for a single local deployment. Domain is the only
// required setting.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Domain:     envString("MYCHAT_DOMAIN"),
		ListenAddr: envStringWithFallback("MYCHAT_LISTEN_ADDR", "localhost:9090"),

		MongoURI:  envStringWithFallback("MYCHAT_MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:   envStringWithFallback("MYCHAT_MONGO_DB", "mychat"),
		RedisAddr: envStringWithFallback("MYCHAT_REDIS_ADDR", "localhost:6379"),
		RedisDB:   envIntWithFallback("MYCHAT_REDIS_DB", 0),
		RedisPass: envString("MYCHAT_REDIS_PASS"),

		MaxMessageSize: envIntWithFallback("MYCHAT_MAX_MESSAGE_SIZE", 10485760),

		FederationEnabled: envBoolWithFallback("MYCHAT_FEDERATION_ENABLED", true),
		RegistrationOpen:  envBoolWithFallback("MYCHAT_REGISTRATION_OPEN", true),
		MaxAttempts:       envIntWithFallback("MYCHAT_MAX_ATTEMPTS", 5),
		BackoffBase:       envDurationWithFallback("MYCHAT_BACKOFF_BASE", 30*time.Second),
		BackoffCap:        envDurationWithFallback("MYCHAT_BACKOFF_CAP", time.Hour),
		ClaimLease:        envDurationWithFallback("MYCHAT_CLAIM_LEASE", 2*time.Minute),
		WorkerPoll:        envDurationWithFallback("MYCHAT_WORKER_POLL", 5*time.Second),
		WorkerCount:       envIntWithFallback("MYCHAT_WORKER_COUNT", 1),
		RequestTimeout:    envDurationWithFallback("MYCHAT_REQUEST_TIMEOUT", 10*time.Second),

		IdentityCacheTTL: envDurationWithFallback("MYCHAT_IDENTITY_CACHE_TTL", time.Hour),

		OfflineStreakThreshold: envIntWithFallback("MYCHAT_OFFLINE_STREAK", 3),
	}

	if cfg.Domain == "" {
		return nil, fmt.Errorf("MYCHAT_DOMAIN is required")
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return cfg, nil
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envStringWithFallback(key, fallback string) string {
	if v := envString(key); v != "" {
		return v
	}
	return fallback
}

func envIntWithFallback(key string, fallback int) int {
	raw := envString(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBoolWithFallback(key string, fallback bool) bool {
	switch strings.ToLower(envString(key)) {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envDurationWithFallback(key string, fallback time.Duration) time.Duration {
	raw := envString(key)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
