package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcomes recorded on MessagesTotal.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Results recorded on ForwardsTotal.
const (
	ForwardSent      = "sent"
	ForwardRetried   = "retried"
	ForwardAcked     = "acked"
	ForwardAbandoned = "abandoned"
)

var (
	Registry = prometheus.NewRegistry()

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrnode",
			Name:      "messages_total",
			Help:      "Inbound protocol messages by body type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	HandleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zephyrnode",
			Name:      "handle_duration_seconds",
			Help:      "Time spent dispatching one inbound message, reply write included.",
			// 10us .. ~80ms
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14),
		},
		[]string{"type"},
	)

	ForwardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrnode",
			Name:      "gossip_forwards_total",
			Help:      "Gossip forwards to neighbours by result.",
		},
		[]string{"result"},
	)

	GossipValues = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "zephyrnode",
			Name:      "gossip_values",
			Help:      "Distinct values in the gossip store.",
		},
	)

	GossipPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "zephyrnode",
			Name:      "gossip_pending",
			Help:      "Forwards waiting for a neighbour's acknowledgement.",
		},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrnode",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and workload).",
		},
		[]string{"version", "workload"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "zephyrnode",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(MessagesTotal, HandleDuration, ForwardsTotal, GossipValues, GossipPending, buildInfo, uptime)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func SetBuildInfo(version, workload string) {
	buildInfo.WithLabelValues(version, workload).Set(1)
}

// ObserveMessage records one dispatched message.
func ObserveMessage(typ, outcome string, elapsed time.Duration) {
	if typ == "" {
		typ = "unknown"
	}
	MessagesTotal.WithLabelValues(typ, outcome).Inc()
	HandleDuration.WithLabelValues(typ).Observe(elapsed.Seconds())
}

// Forward counts n gossip forwards with the given result.
func Forward(result string, n int) {
	if n > 0 {
		ForwardsTotal.WithLabelValues(result).Add(float64(n))
	}
}
