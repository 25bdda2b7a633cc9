package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/arbiter"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/earnings"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/httpapi"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	// Presence: Redis-backed when configured, in-memory otherwise.
	var registry presence.Registry
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		registry = presence.NewRedisRegistry(rc, cfg.RedisGeoKey, cfg.HeartbeatTTL)
		logger.Info("presence registry", "backend", "redis", "addr", cfg.RedisAddr)
	} else {
		registry = presence.NewIndex(cfg.HeartbeatTTL)
		logger.Info("presence registry", "backend", "memory")
	}

	// Ride ledger and earnings logs: Postgres when configured.
	var rideStore ledger.RideStore
	var earnStore earnings.Store
	if cfg.PGDSN != "" {
		ps, err := ledger.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("ride store init failed", "error", err)
			os.Exit(1)
		}
		es, err := earnings.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("earnings store init failed", "error", err)
			os.Exit(1)
		}
		rideStore, earnStore = ps, es
		logger.Info("stores", "backend", "postgres")
	} else {
		rideStore, earnStore = ledger.NewMemoryStore(), earnings.NewMemoryStore()
		logger.Info("stores", "backend", "memory")
	}

	tracker := earnings.NewTracker(earnStore, logger)
	tracker.Presence = registry

	rides := ledger.NewService(rideStore, logger)
	rides.OTPDigits = cfg.OTPDigits
	rides.Earnings = tracker
	rides.Presence = registry
	if cfg.StripeEnabled {
		rides.Settlement = payments.NewStripeSettlement()
		logger.Info("stripe settlement enabled")
	}

	wsreg := dispatch.NewWSRegistry()
	var pusher dispatch.Pusher = wsreg
	if cfg.FCMEndpoint != "" {
		pusher = &dispatch.FallbackPusher{
			Primary:  wsreg,
			Fallback: dispatch.NewFCMPusher(cfg.FCMEndpoint, cfg.FCMKey),
		}
		logger.Info("fcm fallback push enabled")
	}

	eligibility := &matcher.Service{Registry: registry, Limit: cfg.CandidateLimit}

	broadcaster := dispatch.NewBroadcaster(eligibility, rides, pusher, logger)
	broadcaster.Window = cfg.BroadcastWindow
	broadcaster.Rounds = cfg.BroadcastRounds
	broadcaster.RadiusM = cfg.SearchRadiusM
	broadcaster.Growth = cfg.RadiusGrowth
	broadcaster.SpeedMps = cfg.DefaultSpeedMps
	if cfg.OSRMEndpoint != "" {
		broadcaster.ETAClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
		broadcaster.ETACache = eta.NewCache(30 * time.Second)
		logger.Info("osrm pickup ETAs enabled", "endpoint", cfg.OSRMEndpoint)
	}

	arb := arbiter.New(rides, registry, logger)

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		logger.Info("heartbeat producer enabled", "topic", cfg.KafkaTopic)
	}

	api := httpapi.NewServer(httpapi.Deps{
		Rides:       rides,
		Arbiter:     arb,
		Broadcaster: broadcaster,
		Tracker:     tracker,
		Registry:    registry,
		WSReg:       wsreg,
		Kafka:       producer,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	// Give in-flight broadcast rounds a chance to finish, but do not hold
	// the process past the shutdown deadline.
	done := make(chan struct{})
	go func() {
		broadcaster.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shCtx.Done():
		logger.Warn("broadcast rounds still in flight at exit")
	}
	logger.Info("bye")
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	b, err := os.ReadFile(filepath.Join("migrations", "001_init.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
