package orchestrator

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/me/pipekit/pkg/model"
)

// Metrics are the orchestrator's Prometheus collectors. A nil registerer
// yields working but unregistered collectors.
type Metrics struct {
	Transitions  *prometheus.CounterVec
	NodeDuration *prometheus.HistogramVec
	NodesRunning prometheus.Gauge
	Runs         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipekit",
			Subsystem: "orchestrator",
			Name:      "node_transitions_total",
			Help:      "Node state transitions by target state.",
		}, []string{"state"}),
		NodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipekit",
			Subsystem: "orchestrator",
			Name:      "node_duration_seconds",
			Help:      "Wall time of nodes from Running to a terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"mode", "state"}),
		NodesRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "pipekit",
			Subsystem: "orchestrator",
			Name:      "nodes_running",
			Help:      "Nodes currently in the Running state.",
		}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipekit",
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "Finished local runs by final status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) observeTransition(from, to model.NodeState, mode model.ExecutionMode, elapsed time.Duration) {
	m.Transitions.WithLabelValues(string(to)).Inc()
	if to == model.NodeStateRunning {
		m.NodesRunning.Inc()
	}
	if from == model.NodeStateRunning && to.IsTerminal() {
		m.NodesRunning.Dec()
		m.NodeDuration.WithLabelValues(string(mode), string(to)).Observe(elapsed.Seconds())
	}
}

// formatDuration formats a duration for run summaries.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %02dm %02ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}
