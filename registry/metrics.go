package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lanshare",
		Subsystem: "registry",
		Name:      "active_jobs",
		Help:      "Number of registered transfer jobs, per direction.",
	}, []string{"direction"})

	metricIndexingSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lanshare",
		Subsystem: "registry",
		Name:      "indexing_sessions",
		Help:      "Number of active indexing sessions.",
	})
)
