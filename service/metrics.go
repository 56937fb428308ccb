package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanshare",
		Subsystem: "service",
		Name:      "requests_total",
		Help:      "Inbound requests per kind and result.",
	}, []string{"request", "result"})

	metricDroppedConnections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lanshare",
		Subsystem: "service",
		Name:      "dropped_connections_total",
		Help:      "Inbound connections dropped by the per-address limit.",
	})

	metricOpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lanshare",
		Subsystem: "service",
		Name:      "open_connections",
		Help:      "Inbound connections currently being served.",
	})

	metricJobRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lanshare",
		Subsystem: "service",
		Name:      "job_retries_total",
		Help:      "Automatic job restarts after transport failures.",
	})
)
