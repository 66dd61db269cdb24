// Package metrics provides optional prometheus instrumentation for a
// udpc.Context. It is never required: pkg/udpc uses it only in
// Context.ReportMetrics, which the core never calls on its own, so a Context
// runs identically whether or not anything reports into a Collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricNameQueueDepth    = "udpc_connection_queue_depth"
	MetricNameRTTSeconds    = "udpc_connection_rtt_seconds"
	MetricNamePacingMode    = "udpc_connection_pacing_mode"
	MetricNameResendsTotal  = "udpc_connection_resends_total"
	MetricNameEventsTotal   = "udpc_events_total"

	LabelPeer  = "peer"
	LabelQueue = "queue"
	LabelEvent = "event"
)

// Collectors bundles the gauges and counters that Context.ReportMetrics
// updates. Build one with New, which registers every collector against the
// given Registerer through promauto.
type Collectors struct {
	QueueDepth   *prometheus.GaugeVec
	RTTSeconds   *prometheus.GaugeVec
	PacingMode   *prometheus.GaugeVec
	ResendsTotal *prometheus.CounterVec
	EventsTotal  *prometheus.CounterVec
}

// New registers every collector against reg (use prometheus.NewRegistry()
// for test isolation, or prometheus.DefaultRegisterer for a process-wide
// exporter).
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricNameQueueDepth,
			Help: "Per-connection send queue depth.",
		}, []string{LabelPeer, LabelQueue}),
		RTTSeconds: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricNameRTTSeconds,
			Help: "Per-connection EWMA round-trip-time estimate, in seconds.",
		}, []string{LabelPeer}),
		PacingMode: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricNamePacingMode,
			Help: "Per-connection pacing mode: 1 = good, 0 = bad.",
		}, []string{LabelPeer}),
		ResendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricNameResendsTotal,
			Help: "Total packets moved to the priority-resend queue.",
		}, []string{LabelPeer}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricNameEventsTotal,
			Help: "Total lifecycle/pacing events emitted, by type.",
		}, []string{LabelEvent}),
	}
}

// ModeValue converts a pacing-mode boolean into the gauge's 1/0 convention.
func ModeValue(goodMode bool) float64 {
	if goodMode {
		return 1
	}
	return 0
}
