package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_heartbeats_consumed_total",
		Help: "Total courier heartbeat messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_heartbeats_invalid_total",
		Help: "Total invalid messages received",
	})
	registryUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_registry_updates_total",
		Help: "Total successful presence registry updates",
	})
	registryErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_registry_errors_total",
		Help: "Total presence registry update errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, registryUpdates, registryErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger(os.Getenv("LOG_LEVEL"))

	brokers := splitBrokers(os.Getenv("KAFKA_BROKERS"))
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	topic := getenv("KAFKA_TOPIC", "courier-heartbeats")
	group := getenv("KAFKA_GROUP", "ride-dispatch-consumer")
	redisAddr := getenv("REDIS_ADDR", "localhost:6379")
	geoKey := getenv("REDIS_GEO_KEY", "couriers_geo")

	staleTTL := 45 * time.Second
	if v := os.Getenv("HEARTBEAT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			staleTTL = d
		}
	}

	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	registry := presence.NewRedisRegistry(rc, geoKey, staleTTL)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", topic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var hb models.Heartbeat
		if err := json.Unmarshal(m.Value, &hb); err != nil || hb.CourierID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid heartbeat message", "error", err)
			continue
		}

		if err := applyWithRetry(ctx, registry, hb, 3, 200*time.Millisecond); err != nil {
			registryErrors.Inc()
			logger.Error("registry update failed", "courier_id", hb.CourierID, "error", err)
			continue
		}
		registryUpdates.Inc()
	}
}

// RegistryUpdater is the slice of the presence registry the consumer needs;
// small so tests can fake it.
type RegistryUpdater interface {
	Heartbeat(ctx context.Context, hb models.Heartbeat) error
}

// applyWithRetry writes the heartbeat into the registry with a short
// exponential backoff. Heartbeats are frequent, so after the attempts are
// exhausted the message is dropped rather than the partition stalled.
func applyWithRetry(ctx context.Context, reg RegistryUpdater, hb models.Heartbeat, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = reg.Heartbeat(ctx, hb); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

func splitBrokers(v string) []string {
	out := []string{}
	for _, b := range strings.Split(v, ",") {
		if s := strings.TrimSpace(b); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
