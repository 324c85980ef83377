package session

import "github.com/prometheus/client_golang/prometheus"

// Stats are the counters/gauges a Session exposes, mirroring the
// transport spec's stats_lock-guarded counters (bytes_tx, bytes_rx,
// derived MQTT stats).
//
// Reference: golang-io-mqtt's stat.go Stat struct/Register pattern,
// retargeted from a broker's server-wide counters to one client
// session's transport counters.
type Stats struct {
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	Reconnects      prometheus.Counter
	ArenaBytesUsed  prometheus.Gauge
	ArenaGCRuns     prometheus.Counter
}

// NewStats builds a fresh, unregistered Stats set labeled by
// clientID, so that multiple Sessions in one process don't collide on
// metric identity.
func NewStats(clientID string) *Stats {
	labels := prometheus.Labels{"client_id": clientID}
	return &Stats{
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqttws_bytes_sent_total", Help: "Total bytes written to the TLS socket.", ConstLabels: labels,
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqttws_bytes_received_total", Help: "Total bytes read from the TLS socket.", ConstLabels: labels,
		}),
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqttws_packets_sent_total", Help: "Total MQTT control packets sent.", ConstLabels: labels,
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqttws_packets_received_total", Help: "Total MQTT control packets received.", ConstLabels: labels,
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqttws_reconnects_total", Help: "Total reconnect attempts.", ConstLabels: labels,
		}),
		ArenaBytesUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqttws_arena_bytes_used", Help: "Bytes currently held by the transaction arena.", ConstLabels: labels,
		}),
		ArenaGCRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqttws_arena_gc_runs_total", Help: "Total arena compaction passes.", ConstLabels: labels,
		}),
	}
}

// Register adds every metric to reg. The caller owns the registry
// (typically a *prometheus.Registry dedicated to this process, not
// the global default — a process may run more than one Session).
func (s *Stats) Register(reg *prometheus.Registry) {
	reg.MustRegister(s.BytesSent, s.BytesReceived, s.PacketsSent, s.PacketsReceived,
		s.Reconnects, s.ArenaBytesUsed, s.ArenaGCRuns)
}
