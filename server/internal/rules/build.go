package rules

import (
	"fmt"
	"strings"

	"github.com/apexcomponents/andonstack/pkg/types"
	"github.com/apexcomponents/andonstack/server/internal/config"
)

// Built-in rule IDs.
const (
	RuleVibration   = "critical_vibration"
	RuleTemperature = "high_temperature"
	RuleCurrent     = "current_spike"
	RuleFault       = "machine_fault"
	RuleQuality     = "quality_issue"
	RuleAnomaly     = "ml_anomaly"
	RuleLowRUL      = "low_rul"
)

// Defaults returns the built-in shop-floor rules parameterised by cfg.
func Defaults(cfg config.AlertsConfig) []Rule {
	th := cfg.Thresholds
	return []Rule{
		Threshold{
			Name: RuleVibration, Level: SeverityCritical,
			Sensors: []string{"vibration_rms"}, Op: ">", Limit: th.Vibration,
			Template: "vibration {value} mm/s exceeds {limit} on {machine}",
		},
		Threshold{
			Name: RuleTemperature, Level: SeverityHigh,
			Sensors: cfg.TemperatureSensors, Op: ">", Limit: th.Temperature,
			Template: "{input} {value} C exceeds {limit} C on {machine}",
		},
		Threshold{
			Name: RuleCurrent, Level: SeverityMedium,
			Sensors: cfg.CurrentSensors, Op: ">", Limit: th.MotorCurrent,
			Template: "{input} {value} A exceeds {limit} A on {machine}",
		},
		StateEquals{Name: RuleFault, Level: SeverityHigh, State: types.StateFault},
		QualityIn{Name: RuleQuality, Level: SeverityMedium, Flags: []string{types.QualityScrap, types.QualityRework}},
		AnomalyFlag{Name: RuleAnomaly, Level: SeverityMedium},
		RULBelow{Name: RuleLowRUL, Level: SeverityHigh, Hours: th.RULHours},
	}
}

// FromConfig builds the process-wide registry: built-in rules first (unless
// disabled), then configured rules in file order.
func FromConfig(cfg config.AlertsConfig) (*Registry, error) {
	reg := NewRegistry()
	if !cfg.DisableDefaults {
		for _, r := range Defaults(cfg) {
			if err := reg.Register(r); err != nil {
				return nil, err
			}
		}
	}
	for i, rc := range cfg.Rules {
		r, err := Build(rc)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		if err := reg.Register(r); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Build converts one configured rule into a Rule.
func Build(rc config.RuleConfig) (Rule, error) {
	if rc.ID == "" {
		return nil, fmt.Errorf("rules: id is required")
	}
	sev, err := ParseSeverity(rc.Severity)
	if err != nil {
		return nil, fmt.Errorf("rules: %s: %w", rc.ID, err)
	}

	switch Kind(strings.ToLower(rc.Kind)) {
	case KindThreshold, "":
		if len(rc.Sensors) == 0 {
			return nil, fmt.Errorf("rules: %s: threshold rule needs at least one sensor", rc.ID)
		}
		if !ValidOp(rc.Op) {
			return nil, fmt.Errorf("rules: %s: unsupported operator %q", rc.ID, rc.Op)
		}
		return Threshold{Name: rc.ID, Level: sev, Sensors: rc.Sensors, Op: rc.Op, Limit: rc.Limit, Template: rc.Description}, nil

	case KindState:
		if len(rc.Values) != 1 {
			return nil, fmt.Errorf("rules: %s: state rule needs exactly one value", rc.ID)
		}
		st, err := types.ParseState(rc.Values[0])
		if err != nil {
			return nil, fmt.Errorf("rules: %s: %w", rc.ID, err)
		}
		return StateEquals{Name: rc.ID, Level: sev, State: st, Template: rc.Description}, nil

	case KindQuality:
		if len(rc.Values) == 0 {
			return nil, fmt.Errorf("rules: %s: quality rule needs at least one flag", rc.ID)
		}
		return QualityIn{Name: rc.ID, Level: sev, Flags: rc.Values, Template: rc.Description}, nil

	case KindAnomaly:
		return AnomalyFlag{Name: rc.ID, Level: sev, Template: rc.Description}, nil

	case KindRUL:
		if rc.Limit <= 0 {
			return nil, fmt.Errorf("rules: %s: rul rule needs a positive limit", rc.ID)
		}
		return RULBelow{Name: rc.ID, Level: sev, Hours: rc.Limit, Template: rc.Description}, nil
	}
	return nil, fmt.Errorf("rules: %s: unknown kind %q", rc.ID, rc.Kind)
}
