package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the monitoring core. Registered on the default
// registry and exposed at /metrics.
var (
	ProbeSnapshots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easyssh_probe_snapshots_total",
			Help: "Snapshots collected from remote hosts",
		},
		[]string{"mode"},
	)

	ProbeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "easyssh_probe_errors_total",
			Help: "Collection cycle errors, fatal or not",
		},
	)

	Failovers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "easyssh_failovers_total",
			Help: "Completed primary-source failovers",
		},
	)

	SnapshotsForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "easyssh_snapshots_forwarded_total",
			Help: "Snapshots relayed to client-facing delivery",
		},
	)

	SnapshotsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "easyssh_snapshots_suppressed_total",
			Help: "Snapshots dropped because the sender was not the primary source",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "easyssh_monitor_sessions_active",
			Help: "Monitoring sessions currently attached",
		},
	)

	ActiveProbes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "easyssh_probes_active",
			Help: "Probes currently collecting",
		},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easyssh_ws_messages_sent_total",
			Help: "Messages written to browser connections",
		},
		[]string{"codec"},
	)

	BytesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easyssh_ws_bytes_sent_total",
			Help: "Encoded payload bytes written, by codec",
		},
		[]string{"codec"},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easyssh_ws_messages_dropped_total",
			Help: "Messages shed under backpressure, by drop policy",
		},
		[]string{"policy"},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "easyssh_ws_connections_active",
			Help: "Registered browser connections",
		},
	)
)
