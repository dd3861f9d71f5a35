// Package metrics exposes andon server instrumentation in Prometheus format.
//
// Metric naming follows Prometheus conventions:
//   - andon_ prefix for all metrics
//   - _total suffix for counters
//
// Metrics implements alerts.Observer so the alert engine reports raised and
// resolved alerts and rule warnings directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apexcomponents/andonstack/server/internal/alerts"
	"github.com/apexcomponents/andonstack/server/internal/flow"
)

// Metrics holds the server's collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	// RecordsTotal counts ingested telemetry records by transport.
	RecordsTotal *prometheus.CounterVec

	// RejectedTotal counts records rejected at ingest by transport.
	RejectedTotal *prometheus.CounterVec

	// AlertsRaisedTotal counts raised alerts by rule and severity.
	AlertsRaisedTotal *prometheus.CounterVec

	// AlertsResolvedTotal counts resolved alerts by rule.
	AlertsResolvedTotal *prometheus.CounterVec

	// RuleWarningsTotal counts rule predicates that could not be evaluated.
	RuleWarningsTotal *prometheus.CounterVec

	// BottleneckScore is the latest composite score per machine.
	BottleneckScore *prometheus.GaugeVec

	// FlowEfficiency is the latest plant flow efficiency in percent.
	FlowEfficiency prometheus.Gauge
}

// New creates and registers all collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "andon_records_total",
				Help: "Total telemetry records ingested by transport.",
			},
			[]string{"transport"},
		),
		RejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "andon_records_rejected_total",
				Help: "Total telemetry records rejected at ingest by transport.",
			},
			[]string{"transport"},
		),
		AlertsRaisedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "andon_alerts_raised_total",
				Help: "Total alerts raised by rule and severity.",
			},
			[]string{"rule", "severity"},
		),
		AlertsResolvedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "andon_alerts_resolved_total",
				Help: "Total alerts resolved by rule.",
			},
			[]string{"rule"},
		),
		RuleWarningsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "andon_rule_warnings_total",
				Help: "Total rule evaluations skipped because the record lacked an input.",
			},
			[]string{"rule"},
		),
		BottleneckScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "andon_bottleneck_score",
				Help: "Latest composite bottleneck score per machine.",
			},
			[]string{"machine"},
		),
		FlowEfficiency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "andon_flow_efficiency_percent",
			Help: "Latest plant-wide running fraction in percent.",
		}),
	}
	m.Registry.MustRegister(
		m.RecordsTotal,
		m.RejectedTotal,
		m.AlertsRaisedTotal,
		m.AlertsResolvedTotal,
		m.RuleWarningsTotal,
		m.BottleneckScore,
		m.FlowEfficiency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) AlertRaised(a alerts.Alert) {
	m.AlertsRaisedTotal.WithLabelValues(a.RuleID, a.Severity.String()).Inc()
}

func (m *Metrics) AlertResolved(a alerts.Alert) {
	m.AlertsResolvedTotal.WithLabelValues(a.RuleID).Inc()
}

func (m *Metrics) RuleWarning(w alerts.RuleWarning) {
	m.RuleWarningsTotal.WithLabelValues(w.RuleID).Inc()
}

// Ingested counts accepted and rejected records for a transport.
func (m *Metrics) Ingested(transport string, accepted, rejected int) {
	if accepted > 0 {
		m.RecordsTotal.WithLabelValues(transport).Add(float64(accepted))
	}
	if rejected > 0 {
		m.RejectedTotal.WithLabelValues(transport).Add(float64(rejected))
	}
}

// ObserveReport replaces the per-machine score gauges with r's scores.
func (m *Metrics) ObserveReport(r flow.Report) {
	m.BottleneckScore.Reset()
	for _, s := range r.Scores {
		m.BottleneckScore.WithLabelValues(s.MachineID).Set(s.Composite)
	}
	m.FlowEfficiency.Set(r.Efficiency.FlowEfficiency)
}
