package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersIssued    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "offers_issued_total", Help: "Total offer attempts issued"})
	OffersAccepted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "offers_accepted_total", Help: "Total offers accepted"})
	OffersRejected  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "offers_rejected_total", Help: "Total offers rejected by drivers"})
	OffersExpired   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "offers_expired_total", Help: "Total offers expired by the server timer"})
	AssignConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "assignment_conflicts_total", Help: "Accept calls that lost the assignment race"})
	OfferExhausted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "offer_exhaustion_total", Help: "Emergencies left waiting with no remaining candidates"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ambulance_dispatch", Name: "drivers_online", Help: "Number of connected drivers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ambulance_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ambulance_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
