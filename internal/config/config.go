package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are loaded from environment variables with defaults sane enough to
// run locally with in-memory backends and no external services.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	// Dispatch tunables. The defaults are operating points, not contract:
	// every one of them is expected to be tuned per deployment.
	HeartbeatTTL    time.Duration // staleness window before a silent courier reads offline
	BroadcastWindow time.Duration // how long a round waits for an acceptance
	BroadcastRounds int           // rounds before the ride expires
	SearchRadiusM   float64       // base eligibility radius around the pickup
	RadiusGrowth    float64       // radius multiplier applied each round
	CandidateLimit  int           // max couriers notified per round
	OTPDigits       int

	DefaultSpeedMps float64 // naive pickup-ETA estimator speed
	OSRMEndpoint    string  // optional routing engine for offer ETAs
	StripeEnabled   bool

	// Optional mobile-push fallback for couriers without a live socket.
	FCMEndpoint string
	FCMKey      string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "couriers_geo",
		KafkaTopic:      "courier-heartbeats",
		HeartbeatTTL:    45 * time.Second,
		BroadcastWindow: 60 * time.Second,
		BroadcastRounds: 3,
		SearchRadiusM:   5000,
		RadiusGrowth:    1.5,
		CandidateLimit:  16,
		OTPDigits:       4,
		DefaultSpeedMps: 10,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setDurationFromEnv(&cfg.HeartbeatTTL, "HEARTBEAT_TTL", &errs)
	setDurationFromEnv(&cfg.BroadcastWindow, "BROADCAST_WINDOW", &errs)
	setIntFromEnv(&cfg.BroadcastRounds, "BROADCAST_ROUNDS", &errs)
	setFloatFromEnv(&cfg.SearchRadiusM, "SEARCH_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.RadiusGrowth, "RADIUS_GROWTH", &errs)
	setIntFromEnv(&cfg.CandidateLimit, "CANDIDATE_LIMIT", &errs)
	setIntFromEnv(&cfg.OTPDigits, "OTP_DIGITS", &errs)

	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	cfg.StripeEnabled = os.Getenv("STRIPE_API_KEY") != ""
	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	cfg.FCMKey = os.Getenv("FCM_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.BroadcastRounds <= 0 {
		errs = append(errs, fmt.Errorf("BROADCAST_ROUNDS must be > 0"))
	}
	if cfg.SearchRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_RADIUS_M must be > 0"))
	}
	if cfg.RadiusGrowth < 1 {
		errs = append(errs, fmt.Errorf("RADIUS_GROWTH must be >= 1"))
	}
	if cfg.HeartbeatTTL <= 0 {
		errs = append(errs, fmt.Errorf("HEARTBEAT_TTL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
