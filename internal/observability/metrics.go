package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_created_total", Help: "Total rides created"})
	RidesCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_completed_total", Help: "Total rides completed"})
	RidesCancelled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_cancelled_total", Help: "Total rides cancelled"})
	RidesExpired   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_expired_total", Help: "Total rides expired with no acceptance"})

	AcceptWins      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accept_wins_total", Help: "Total accept attempts that won the ride"})
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accept_conflicts_total", Help: "Total accept attempts that lost the race"})
	OTPMismatches   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "otp_mismatches_total", Help: "Total start attempts with a wrong OTP"})

	BroadcastRounds   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "broadcast_rounds_total", Help: "Total broadcast rounds run"})
	OffersPushed      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_pushed_total", Help: "Total ride offers pushed to couriers"})
	OfferPushFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offer_push_failures_total", Help: "Total offer pushes that failed to deliver"})

	CouriersOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "couriers_online", Help: "Couriers with a live push connection"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
