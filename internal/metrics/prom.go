package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "walletbridge_build_info",
			Help: "Build information",
		},
		[]string{"component", "date", "sha", "version"},
	)

	bridgeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletbridge_bridge_requests_total",
			Help: "Bridge requests by side, method and outcome",
		},
		[]string{"side", "method", "outcome"},
	)

	bridgeRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "walletbridge_bridge_request_duration_seconds",
			Help:    "Time between sending a bridge request and settling it",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"side", "method"},
	)

	bridgePending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "walletbridge_bridge_pending",
			Help: "Outstanding bridge requests",
		},
		[]string{"side"},
	)

	droppedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletbridge_dropped_messages_total",
			Help: "Inbound messages dropped before reaching a caller",
		},
		[]string{"component", "reason"},
	)

	relayForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletbridge_relay_forwarded_total",
			Help: "Payloads forwarded by the relay",
		},
		[]string{"direction"},
	)

	hostSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "walletbridge_host_sessions",
			Help: "Connected relay sessions",
		},
	)

	hostSessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "walletbridge_host_sessions_total",
			Help: "Relay sessions accepted since start",
		},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, bridgeRequests, bridgeRequestDuration, bridgePending, droppedMessages, relayForwarded, hostSessions, hostSessionsTotal)
}

// SetBuildInfo sets the build info metric for a binary.
func SetBuildInfo(component, version, sha, date string) {
	buildInfo.WithLabelValues(component, date, sha, version).Set(1)
}

// RecordRequest counts a settled bridge request and observes its duration.
func RecordRequest(side, method, outcome string, d time.Duration) {
	bridgeRequests.WithLabelValues(side, method, outcome).Inc()
	bridgeRequestDuration.WithLabelValues(side, method).Observe(d.Seconds())
}

// PendingInc increments the outstanding request gauge.
func PendingInc(side string) { bridgePending.WithLabelValues(side).Inc() }

// PendingDec decrements the outstanding request gauge.
func PendingDec(side string) { bridgePending.WithLabelValues(side).Dec() }

// RecordDropped counts a message discarded by component for reason.
func RecordDropped(component, reason string) {
	droppedMessages.WithLabelValues(component, reason).Inc()
}

// RecordForwarded counts a payload forwarded by the relay.
func RecordForwarded(direction string) {
	relayForwarded.WithLabelValues(direction).Inc()
}

// SessionOpened records a new host session.
func SessionOpened() {
	hostSessions.Inc()
	hostSessionsTotal.Inc()
}

// SessionClosed records the end of a host session.
func SessionClosed() { hostSessions.Dec() }
