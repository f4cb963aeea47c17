// Package metrics exposes Prometheus counters and gauges for a Quantum
// endpoint, trimmed from the teacher's internal/gateway/metrics/metrics.go
// (HTTP/gRPC/WebSocket/session metrics) down to the transport-relevant
// surface: packets, bytes, retransmissions, flight window, and connection
// counts by state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every metric a Quantum endpoint reports. The zero value
// is not usable; use New.
type Collector struct {
	registry *prometheus.Registry

	PacketsSent         *prometheus.CounterVec
	PacketsReceived     *prometheus.CounterVec
	BytesSent           prometheus.Counter
	BytesReceived       prometheus.Counter
	PacketsRetransmitted prometheus.Counter
	PacketsDropped      *prometheus.CounterVec

	FlightWindow   prometheus.Gauge
	RTTMicros      prometheus.Gauge
	ConnectionsByState *prometheus.GaugeVec

	HandshakesTotal *prometheus.CounterVec
}

// New creates a Collector registered against a fresh, unregistered
// registry (so multiple Endpoints in the same process don't collide on
// prometheus's default global registry), matching the teacher's
// namespace/subsystem parameterization in NewMetrics.
func New(namespace, subsystem string) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		PacketsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace, Subsystem: subsystem,
				Name: "packets_sent_total", Help: "Total number of packets sent, by type.",
			},
			[]string{"type"},
		),
		PacketsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace, Subsystem: subsystem,
				Name: "packets_received_total", Help: "Total number of packets received, by type.",
			},
			[]string{"type"},
		),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "bytes_sent_total", Help: "Total payload bytes sent.",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "bytes_received_total", Help: "Total payload bytes received.",
		}),
		PacketsRetransmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "packets_retransmitted_total", Help: "Total number of packets marked needs-resend by the retransmit timer.",
		}),
		PacketsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace, Subsystem: subsystem,
				Name: "packets_dropped_total", Help: "Total number of inbound packets dropped, by reason.",
			},
			[]string{"reason"},
		),
		FlightWindow: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "flight_window_bytes", Help: "Sum of in-flight bytes across all connections.",
		}),
		RTTMicros: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "rtt_microseconds", Help: "Most recently sampled RTT, in microseconds.",
		}),
		ConnectionsByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: subsystem,
				Name: "connections", Help: "Number of connections currently in each state.",
			},
			[]string{"state"},
		),
		HandshakesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace, Subsystem: subsystem,
				Name: "handshakes_total", Help: "Total number of handshakes completed, by role.",
			},
			[]string{"role"},
		),
	}
}

// Registry exposes the underlying prometheus.Registry for an HTTP
// /metrics handler to serve.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordSent records one outbound packet of the given type and its
// payload size.
func (c *Collector) RecordSent(typeName string, payloadLen int) {
	c.PacketsSent.WithLabelValues(typeName).Inc()
	c.BytesSent.Add(float64(payloadLen))
}

// RecordReceived records one inbound packet of the given type and its
// payload size.
func (c *Collector) RecordReceived(typeName string, payloadLen int) {
	c.PacketsReceived.WithLabelValues(typeName).Inc()
	c.BytesReceived.Add(float64(payloadLen))
}

// RecordDropped records one inbound packet discarded for reason.
func (c *Collector) RecordDropped(reason string) {
	c.PacketsDropped.WithLabelValues(reason).Inc()
}

// RecordHandshake records one completed handshake as initiator or acceptor.
func (c *Collector) RecordHandshake(role string) {
	c.HandshakesTotal.WithLabelValues(role).Inc()
}

// SetConnectionCounts replaces the connections-by-state gauge vector with
// counts, called once per Tick.
func (c *Collector) SetConnectionCounts(counts map[string]int) {
	c.ConnectionsByState.Reset()
	for state, n := range counts {
		c.ConnectionsByState.WithLabelValues(state).Set(float64(n))
	}
}
