package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/apexcomponents/andonstack/server/internal/alerts"
	"github.com/apexcomponents/andonstack/server/internal/flow"
	"github.com/apexcomponents/andonstack/server/internal/rules"
)

func TestObserver(t *testing.T) {
	m := New()
	a := alerts.Alert{RuleID: "critical_vibration", Severity: rules.SeverityCritical}

	m.AlertRaised(a)
	m.AlertRaised(a)
	m.AlertResolved(a)
	m.RuleWarning(alerts.RuleWarning{RuleID: "high_temperature", Err: errors.New("missing")})

	if v := testutil.ToFloat64(m.AlertsRaisedTotal.WithLabelValues("critical_vibration", "critical")); v != 2 {
		t.Errorf("raised = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.AlertsResolvedTotal.WithLabelValues("critical_vibration")); v != 1 {
		t.Errorf("resolved = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.RuleWarningsTotal.WithLabelValues("high_temperature")); v != 1 {
		t.Errorf("warnings = %v, want 1", v)
	}
}

func TestIngested(t *testing.T) {
	m := New()
	m.Ingested("grpc", 5, 1)
	m.Ingested("http", 2, 0)
	if v := testutil.ToFloat64(m.RecordsTotal.WithLabelValues("grpc")); v != 5 {
		t.Errorf("grpc records = %v, want 5", v)
	}
	if v := testutil.ToFloat64(m.RejectedTotal.WithLabelValues("grpc")); v != 1 {
		t.Errorf("grpc rejected = %v, want 1", v)
	}
}

func TestObserveReport_ResetsStaleMachines(t *testing.T) {
	m := New()
	m.ObserveReport(flow.Report{Scores: []flow.BottleneckScore{{MachineID: "A", Composite: 0.7}, {MachineID: "B", Composite: 0.2}}})
	m.ObserveReport(flow.Report{
		Scores:     []flow.BottleneckScore{{MachineID: "A", Composite: 0.5}},
		Efficiency: flow.Efficiency{FlowEfficiency: 64},
	})

	if n := testutil.CollectAndCount(m.BottleneckScore); n != 1 {
		t.Errorf("score series = %d, want 1", n)
	}
	if v := testutil.ToFloat64(m.BottleneckScore.WithLabelValues("A")); v != 0.5 {
		t.Errorf("A = %v, want 0.5", v)
	}
	if v := testutil.ToFloat64(m.FlowEfficiency); v != 64 {
		t.Errorf("efficiency = %v, want 64", v)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.Ingested("mqtt", 3, 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `andon_records_total{transport="mqtt"} 3`) {
		t.Errorf("exposition missing andon_records_total:\n%s", body)
	}
}
