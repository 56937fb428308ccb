package transfer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanshare",
		Subsystem: "transfer",
		Name:      "files_total",
		Help:      "Files negotiated, per direction and resulting flag.",
	}, []string{"direction", "flag"})

	metricBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanshare",
		Subsystem: "transfer",
		Name:      "bytes_total",
		Help:      "Payload bytes streamed, per direction.",
	}, []string{"direction"})

	metricIndexedObjects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lanshare",
		Subsystem: "indexing",
		Name:      "objects_total",
		Help:      "Transfer objects produced by the indexing pipeline.",
	})
)
