package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_total", Help: "Ride offers pushed to drivers"})
	AcceptsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accepts_total", Help: "Offers accepted by drivers"})
	DeclinesTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "declines_total", Help: "Offers declined by drivers"})
	OfferTimeouts  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offer_timeouts_total", Help: "Offers that expired without an answer"})
	CancelsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "cancels_total", Help: "Requests cancelled by riders"})
	SearchesFailed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "searches_failed_total", Help: "Requests that exhausted the candidate queue"})
	SearchesActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "searches_active", Help: "Requests currently searching"})
	DriversOnline  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Drivers with a live session"})
	TripsStarted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "trips_started_total", Help: "Trips started"})
	TripsCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "trips_completed_total", Help: "Trips completed"})

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
