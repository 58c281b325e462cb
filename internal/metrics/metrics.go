// ABOUTME: Prometheus collectors for gateway health and routing signals.
// ABOUTME: Collectors register on a caller-supplied registry so each gateway owns its own set.

// Package metrics defines the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleet_gateway"

// Metrics holds every collector the gateway updates.
type Metrics struct {
	registry *prometheus.Registry

	// ConnectedNodes is the number of registered node sessions.
	ConnectedNodes prometheus.Gauge
	// SessionStates counts sessions per state (connected, idle, suspended).
	SessionStates *prometheus.GaugeVec
	// FramesReceived counts inbound frames by type.
	FramesReceived *prometheus.CounterVec
	// FramesDropped counts inbound frames discarded before handling.
	// Labels: reason (malformed, too_large, rate_limited, unexpected)
	FramesDropped *prometheus.CounterVec
	// MessagesDispatched counts messages accepted for delivery by lane.
	MessagesDispatched *prometheus.CounterVec
	// MessagesDelivered counts messages written to node sockets by lane.
	MessagesDelivered *prometheus.CounterVec
	// BufferOverflows counts messages evicted from full buffers by lane.
	BufferOverflows *prometheus.CounterVec
	// Redeliveries counts stale messages sent again.
	Redeliveries prometheus.Counter
	// DeliveriesDropped counts messages abandoned after too many attempts.
	DeliveriesDropped prometheus.Counter
	// PendingDeliveries is the number of unacknowledged messages.
	PendingDeliveries prometheus.Gauge
	// CircuitTransitions counts breaker state changes by target state.
	CircuitTransitions *prometheus.CounterVec
	// Conversations is the number of bound conversations.
	Conversations prometheus.Gauge
	// CapacityWarnings counts conversation store capacity warnings.
	CapacityWarnings prometheus.Counter
	// RoutingFailures counts submissions that could not be routed.
	// Labels: reason (duplicate, no_node, invalid)
	RoutingFailures *prometheus.CounterVec
	// ConfigReloads counts applied configuration reloads.
	ConfigReloads prometheus.Counter
}

// New creates the collectors on a fresh registry that also carries the
// standard Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ConnectedNodes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "nodes", Name: "connected",
			Help: "Number of registered node sessions",
		}),
		SessionStates: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "nodes", Name: "sessions",
			Help: "Node sessions by state",
		}, []string{"state"}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "frames", Name: "received_total",
			Help: "Inbound frames by type",
		}, []string{"type"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "frames", Name: "dropped_total",
			Help: "Inbound frames discarded before handling",
		}, []string{"reason"}),
		MessagesDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messages", Name: "dispatched_total",
			Help: "Messages accepted for delivery by lane",
		}, []string{"lane"}),
		MessagesDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messages", Name: "delivered_total",
			Help: "Messages written to node sockets by lane",
		}, []string{"lane"}),
		BufferOverflows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messages", Name: "overflow_total",
			Help: "Messages evicted from full node buffers by lane",
		}, []string{"lane"}),
		Redeliveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "redeliveries_total",
			Help: "Unacknowledged messages sent again",
		}),
		DeliveriesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "dropped_total",
			Help: "Messages abandoned after exhausting redeliveries",
		}),
		PendingDeliveries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "pending",
			Help: "Messages awaiting acknowledgement",
		}),
		CircuitTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "breaker", Name: "transitions_total",
			Help: "Circuit breaker state changes by target state",
		}, []string{"state"}),
		Conversations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "conversations", Name: "bound",
			Help: "Conversations bound to a node",
		}),
		CapacityWarnings: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "conversations", Name: "capacity_warnings_total",
			Help: "Conversation store capacity warnings",
		}),
		RoutingFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "routing", Name: "failures_total",
			Help: "Submissions that could not be routed",
		}, []string{"reason"}),
		ConfigReloads: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "config", Name: "reloads_total",
			Help: "Applied configuration reloads",
		}),
	}
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
