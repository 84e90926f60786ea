package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "dispatches_total", Help: "Dispatch invocations by outcome"},
		[]string{"outcome"},
	)
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_dispatch",
		Name:      "dispatch_latency_seconds",
		Help:      "Time from dispatch trigger to broadcast commit",
		Buckets:   prometheus.DefBuckets,
	})
	NotificationsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notifications_created_total", Help: "Notifications written by broadcasts"})
	CandidatesFound      = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_dispatch",
		Name:      "candidates_found",
		Help:      "Candidates returned by the locator per dispatch",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
	})

	AcceptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accepts_total", Help: "Accept attempts by result"},
		[]string{"result"},
	)
	DeclinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "declines_total", Help: "Decline calls by result"},
		[]string{"result"},
	)
	DeadlinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "deadlines_total", Help: "Deadline callbacks by result"},
		[]string{"result"},
	)
	NotificationsReaped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notifications_reaped_total", Help: "Pending notifications moved to a terminal state by the reaper"},
		[]string{"source"},
	)
	PushFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "push_failures_total", Help: "Realtime pushes that could not be delivered"},
		[]string{"channel"},
	)
	PaymentHolds = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "payment_holds_total", Help: "Payment holds placed on accepted rides"},
		[]string{"result"},
	)
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Online drivers with a fresh location in the geo index"})
	WSSessions    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "ws_sessions", Help: "Open websocket sessions"})

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
