package rules

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/apexcomponents/andonstack/pkg/types"
	"github.com/apexcomponents/andonstack/server/internal/config"
)

func rec(sensors map[string]float64) types.TelemetryRecord {
	return types.TelemetryRecord{
		MachineID: "CNC_01",
		Timestamp: time.Unix(100, 0),
		State:     types.StateRunning,
		Sensors:   sensors,
	}
}

func TestSeverityOrder(t *testing.T) {
	if !(SeverityLow < SeverityMedium && SeverityMedium < SeverityHigh && SeverityHigh < SeverityCritical) {
		t.Fatal("severities are not totally ordered low < medium < high < critical")
	}
	for _, s := range Severities() {
		got, err := ParseSeverity(strings.ToUpper(s.String()))
		if err != nil || got != s {
			t.Errorf("ParseSeverity(%q) = %v, %v", s, got, err)
		}
	}
	if _, err := ParseSeverity("warning"); err == nil {
		t.Error("ParseSeverity(warning) should fail")
	}
	if Severity(9).Valid() {
		t.Error("Severity(9) should be invalid")
	}
}

func TestSeverityText(t *testing.T) {
	b, err := SeverityHigh.MarshalText()
	if err != nil || string(b) != "high" {
		t.Fatalf("MarshalText = %q, %v", b, err)
	}
	var s Severity
	if err := s.UnmarshalText([]byte("critical")); err != nil || s != SeverityCritical {
		t.Fatalf("UnmarshalText = %v, %v", s, err)
	}
	if _, err := Severity(0).MarshalText(); err == nil {
		t.Error("MarshalText(0) should fail")
	}
}

func TestThreshold(t *testing.T) {
	vib := Threshold{Name: "vib", Level: SeverityCritical, Sensors: []string{"vibration_rms"}, Op: ">", Limit: 4.0}

	cases := []struct {
		name    string
		sensors map[string]float64
		want    bool
		wantErr bool
	}{
		{"above", map[string]float64{"vibration_rms": 4.5}, true, false},
		{"equal is not above", map[string]float64{"vibration_rms": 4.0}, false, false},
		{"below", map[string]float64{"vibration_rms": 2.0}, false, false},
		{"missing", map[string]float64{"oil_temp": 60}, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := vib.Evaluate(rec(tc.sensors))
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("fires = %v, want %v", got, tc.want)
			}
		})
	}

	var mie *MissingInputError
	_, err := vib.Evaluate(rec(nil))
	if !errors.As(err, &mie) || mie.RuleID != "vib" {
		t.Errorf("want *MissingInputError for vib, got %v", err)
	}
}

func TestThreshold_AnyOf(t *testing.T) {
	temp := Threshold{
		Name: "temp", Level: SeverityHigh,
		Sensors: []string{"servo_temp", "oil_temp", "head_temp"}, Op: ">", Limit: 85,
	}
	r := rec(map[string]float64{"servo_temp": 60, "head_temp": 91.25})
	fires, err := temp.Evaluate(r)
	if err != nil || !fires {
		t.Fatalf("Evaluate = %v, %v; want true", fires, err)
	}
	desc := temp.Describe(r)
	if !strings.Contains(desc, "head_temp") || !strings.Contains(desc, "91.25") {
		t.Errorf("Describe = %q, want the firing sensor and value", desc)
	}

	// Only a subset present, none firing: no error.
	fires, err = temp.Evaluate(rec(map[string]float64{"oil_temp": 70}))
	if err != nil || fires {
		t.Errorf("Evaluate = %v, %v; want false, nil", fires, err)
	}
}

func TestThreshold_BadOperator(t *testing.T) {
	r := Threshold{Name: "x", Level: SeverityLow, Sensors: []string{"a"}, Op: "~=", Limit: 1}
	if _, err := r.Evaluate(rec(map[string]float64{"a": 2})); err == nil {
		t.Error("expected error for unsupported operator")
	}
}

func TestOtherKinds(t *testing.T) {
	fault := rec(nil)
	fault.State = types.StateFault

	scrap := rec(nil)
	scrap.Quality = "scrap"

	anomalous := rec(nil)
	anomalous.Anomaly = types.Bool(true)

	worn := rec(nil)
	worn.RULHours = types.Float(12)

	healthy := rec(nil)
	healthy.Anomaly = types.Bool(false)
	healthy.RULHours = types.Float(300)
	healthy.Quality = "ok"

	stateRule := StateEquals{Name: "fault", Level: SeverityHigh, State: types.StateFault}
	qualityRule := QualityIn{Name: "quality", Level: SeverityMedium, Flags: []string{"scrap", "rework"}}
	anomalyRule := AnomalyFlag{Name: "anomaly", Level: SeverityMedium}
	rulRule := RULBelow{Name: "rul", Level: SeverityHigh, Hours: 24}

	cases := []struct {
		name string
		rule Rule
		rec  types.TelemetryRecord
		want bool
	}{
		{"fault fires", stateRule, fault, true},
		{"running does not", stateRule, healthy, false},
		{"scrap fires", qualityRule, scrap, true},
		{"ok does not", qualityRule, healthy, false},
		{"unjudged does not", qualityRule, rec(nil), false},
		{"anomaly fires", anomalyRule, anomalous, true},
		{"no anomaly", anomalyRule, healthy, false},
		{"unannotated anomaly", anomalyRule, rec(nil), false},
		{"low rul fires", rulRule, worn, true},
		{"high rul", rulRule, healthy, false},
		{"unannotated rul", rulRule, rec(nil), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.rule.Evaluate(tc.rec)
			if err != nil {
				t.Fatalf("Evaluate err: %v", err)
			}
			if got != tc.want {
				t.Errorf("fires = %v, want %v", got, tc.want)
			}
		})
	}

	if _, err := stateRule.Evaluate(types.TelemetryRecord{MachineID: "X"}); err == nil {
		t.Error("state rule on record without state should error")
	}
}

func TestDescribe_Template(t *testing.T) {
	r := Threshold{
		Name: "vib", Level: SeverityCritical, Sensors: []string{"vibration_rms"}, Op: ">", Limit: 4,
		Template: "{machine}: {input}={value} (limit {limit})",
	}
	got := r.Describe(rec(map[string]float64{"vibration_rms": 4.5}))
	want := "CNC_01: vibration_rms=4.50 (limit 4)"
	if got != want {
		t.Errorf("Describe = %q, want %q", got, want)
	}
}

func TestRegistry_OrderAndIdempotence(t *testing.T) {
	reg := NewRegistry()
	a := Threshold{Name: "a", Level: SeverityLow, Sensors: []string{"x"}, Op: ">", Limit: 1}
	b := AnomalyFlag{Name: "b", Level: SeverityMedium}
	c := RULBelow{Name: "c", Level: SeverityHigh, Hours: 24}

	for _, r := range []Rule{c, a, b} {
		if err := reg.Register(r); err != nil {
			t.Fatalf("Register(%s): %v", r.ID(), err)
		}
	}
	// Identical re-registration is a no-op.
	if err := reg.Register(Threshold{Name: "a", Level: SeverityLow, Sensors: []string{"x"}, Op: ">", Limit: 1}); err != nil {
		t.Fatalf("identical re-register: %v", err)
	}

	all := reg.All()
	if len(all) != 3 {
		t.Fatalf("All: got %d rules, want 3", len(all))
	}
	for i, want := range []string{"c", "a", "b"} {
		if all[i].ID() != want {
			t.Errorf("All()[%d] = %s, want %s", i, all[i].ID(), want)
		}
	}
	if _, ok := reg.Get("b"); !ok {
		t.Error("Get(b) not found")
	}
}

func TestRegistry_DuplicateRule(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Threshold{Name: "vib", Level: SeverityCritical, Sensors: []string{"v"}, Op: ">", Limit: 4}); err != nil {
		t.Fatal(err)
	}

	conflicts := []Rule{
		Threshold{Name: "vib", Level: SeverityHigh, Sensors: []string{"v"}, Op: ">", Limit: 4},
		Threshold{Name: "vib", Level: SeverityCritical, Sensors: []string{"v"}, Op: ">", Limit: 5},
		AnomalyFlag{Name: "vib", Level: SeverityCritical},
	}
	for _, r := range conflicts {
		err := reg.Register(r)
		var dup *DuplicateRuleError
		if !errors.As(err, &dup) {
			t.Fatalf("Register(%+v): want *DuplicateRuleError, got %v", r.Definition(), err)
		}
		if dup.RuleID != "vib" {
			t.Errorf("RuleID = %q, want vib", dup.RuleID)
		}
	}
	if reg.Len() != 1 {
		t.Errorf("Len = %d after rejected registrations, want 1", reg.Len())
	}
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(nil); err == nil {
		t.Error("Register(nil) should fail")
	}
	if err := reg.Register(AnomalyFlag{Level: SeverityLow}); err == nil {
		t.Error("Register without id should fail")
	}
	if err := reg.Register(AnomalyFlag{Name: "x"}); err == nil {
		t.Error("Register without severity should fail")
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Defaults().Server.Alerts
	cfg.Rules = []config.RuleConfig{
		{ID: "spindle_overload", Kind: "threshold", Sensors: []string{"spindle_torque"}, Op: ">", Limit: 40, Severity: "high"},
		{ID: "idle_alarm", Kind: "state", Values: []string{"idle"}, Severity: "low"},
	}
	reg, err := FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	want := []string{RuleVibration, RuleTemperature, RuleCurrent, RuleFault, RuleQuality, RuleAnomaly, RuleLowRUL, "spindle_overload", "idle_alarm"}
	all := reg.All()
	if len(all) != len(want) {
		t.Fatalf("got %d rules, want %d", len(all), len(want))
	}
	for i, id := range want {
		if all[i].ID() != id {
			t.Errorf("rule[%d] = %s, want %s", i, all[i].ID(), id)
		}
	}
	if r, _ := reg.Get(RuleVibration); r.Severity() != SeverityCritical {
		t.Errorf("vibration severity = %v, want critical", r.Severity())
	}
	if r, _ := reg.Get(RuleFault); r.Severity() != SeverityHigh {
		t.Errorf("fault severity = %v, want high", r.Severity())
	}
}

func TestFromConfig_Errors(t *testing.T) {
	cases := []struct {
		name string
		rule config.RuleConfig
		dup  bool
	}{
		{"clashes with built-in", config.RuleConfig{ID: RuleVibration, Sensors: []string{"vibration_rms"}, Op: ">", Limit: 9, Severity: "low"}, true},
		{"bad severity", config.RuleConfig{ID: "x", Sensors: []string{"a"}, Op: ">", Severity: "urgent"}, false},
		{"bad op", config.RuleConfig{ID: "x", Sensors: []string{"a"}, Op: "=>", Severity: "low"}, false},
		{"no sensors", config.RuleConfig{ID: "x", Op: ">", Severity: "low"}, false},
		{"bad state", config.RuleConfig{ID: "x", Kind: "state", Values: []string{"asleep"}, Severity: "low"}, false},
		{"rul without limit", config.RuleConfig{ID: "x", Kind: "rul", Severity: "low"}, false},
		{"unknown kind", config.RuleConfig{ID: "x", Kind: "regex", Severity: "low"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Defaults().Server.Alerts
			cfg.Rules = []config.RuleConfig{tc.rule}
			_, err := FromConfig(cfg)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var dup *DuplicateRuleError
			if errors.As(err, &dup) != tc.dup {
				t.Errorf("DuplicateRuleError = %v, want %v (err %v)", !tc.dup, tc.dup, err)
			}
		})
	}
}
