// Package monitoring exposes Prometheus metrics for the agent:
// connection and session gauges, per-type envelope counters, transport
// fallbacks, and transfer volume.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Direction labels envelope counters by flow relative to the agent.
const (
	DirInbound  = "inbound"
	DirOutbound = "outbound"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Connection metrics
	Connections prometheus.Gauge

	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsOrphaned prometheus.Counter
	SessionsExpired  prometheus.Counter

	// Envelope metrics
	Envelopes *prometheus.CounterVec

	// Transport metrics
	TransportFallbacks prometheus.Counter

	// Transfer metrics
	TransfersCompleted prometheus.Counter
	TransferBytes      prometheus.Counter
}

// NewMetrics creates a metrics collector registered against reg. Tests
// pass a fresh registry so collectors never collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Connections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agent_ws_connections",
				Help: "Number of active websocket connections",
			},
		),
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agent_sessions_active",
				Help: "Number of live terminal sessions",
			},
		),
		SessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_sessions_created_total",
				Help: "Total number of terminal sessions created",
			},
		),
		SessionsOrphaned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_sessions_orphaned_total",
				Help: "Total number of sessions left running without a viewer",
			},
		),
		SessionsExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_sessions_expired_total",
				Help: "Total number of orphaned sessions destroyed on timeout",
			},
		),
		Envelopes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_envelopes_total",
				Help: "Total number of protocol envelopes by type and direction",
			},
			[]string{"type", "direction"},
		),
		TransportFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_transport_fallbacks_total",
				Help: "Sends that fell back from the data channel to the websocket",
			},
		),
		TransfersCompleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_transfers_completed_total",
				Help: "Total number of finalized binary transfers",
			},
		),
		TransferBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_transfer_bytes_total",
				Help: "Total bytes written by finalized transfers",
			},
		),
	}
}
