// Package metric defines the prometheus instrumentation for the telemetry
// engine. All metrics live under the "vitalmesh" namespace.
package metric

import "github.com/prometheus/client_golang/prometheus"

// Metrics contains all engine-level metrics.
type Metrics struct {
	ReadingsIngested   *prometheus.CounterVec
	ReadingsRejected   *prometheus.CounterVec
	ReadingsDropped    prometheus.Counter
	AnomaliesDetected  *prometheus.CounterVec
	AlertsDispatched   *prometheus.CounterVec
	InsightsEmitted    prometheus.Counter
	PersistFailures    *prometheus.CounterVec
	ActiveSessions     prometheus.Gauge
	EntangledEdges     prometheus.Gauge
	PipelineDepth      *prometheus.GaugeVec
}

// New creates the metric set. Call Register to attach it to a registry.
func New() *Metrics {
	return &Metrics{
		ReadingsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vitalmesh",
				Subsystem: "ingest",
				Name:      "readings_total",
				Help:      "Total readings accepted by the router",
			},
			[]string{"kind"},
		),
		ReadingsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vitalmesh",
				Subsystem: "ingest",
				Name:      "rejected_total",
				Help:      "Readings rejected at the ingest boundary",
			},
			[]string{"reason"},
		),
		ReadingsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "vitalmesh",
				Subsystem: "ingest",
				Name:      "dropped_total",
				Help:      "Readings dropped because an entity pipeline was full",
			},
		),
		AnomaliesDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vitalmesh",
				Subsystem: "detect",
				Name:      "anomalies_total",
				Help:      "Anomalies produced by the detector",
			},
			[]string{"kind"},
		),
		AlertsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vitalmesh",
				Subsystem: "alert",
				Name:      "dispatched_total",
				Help:      "Alerts fanned out to subscribers",
			},
			[]string{"type"},
		),
		InsightsEmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "vitalmesh",
				Subsystem: "insight",
				Name:      "emitted_total",
				Help:      "Predictive insights emitted after rate limiting",
			},
		),
		PersistFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vitalmesh",
				Subsystem: "storage",
				Name:      "failures_total",
				Help:      "Best-effort persistence calls that failed",
			},
			[]string{"record"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vitalmesh",
				Subsystem: "registry",
				Name:      "active_sessions",
				Help:      "Streaming sessions currently open",
			},
		),
		EntangledEdges: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vitalmesh",
				Subsystem: "network",
				Name:      "entangled_edges",
				Help:      "Symmetric correlation edges in the network model",
			},
		),
		PipelineDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "vitalmesh",
				Subsystem: "ingest",
				Name:      "pipeline_depth",
				Help:      "Queued readings per entity pipeline",
			},
			[]string{"entity"},
		),
	}
}

// Register attaches all metrics to the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.ReadingsIngested,
		m.ReadingsRejected,
		m.ReadingsDropped,
		m.AnomaliesDetected,
		m.AlertsDispatched,
		m.InsightsEmitted,
		m.PersistFailures,
		m.ActiveSessions,
		m.EntangledEdges,
		m.PipelineDepth,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
