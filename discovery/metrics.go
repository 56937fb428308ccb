package discovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricVisiblePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lanshare",
		Subsystem: "discovery",
		Name:      "visible_peers",
		Help:      "Peers seen in the latest browse window.",
	})
	metricRecordedAddresses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lanshare",
		Subsystem: "discovery",
		Name:      "recorded_addresses_total",
		Help:      "Addresses of known devices written to storage.",
	})
)
