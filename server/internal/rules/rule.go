package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apexcomponents/andonstack/pkg/types"
)

// Kind names the predicate family a rule belongs to.
type Kind string

const (
	KindThreshold Kind = "threshold"
	KindState     Kind = "state"
	KindQuality   Kind = "quality"
	KindAnomaly   Kind = "anomaly"
	KindRUL       Kind = "rul"
)

// Rule is a named predicate over a single telemetry record.
type Rule interface {
	ID() string
	Severity() Severity

	// Evaluate reports whether the rule fires for rec. A non-nil error means
	// the predicate could not be evaluated; callers treat that as not firing.
	Evaluate(rec types.TelemetryRecord) (bool, error)

	// Describe renders the alert description for a record the rule fired on.
	Describe(rec types.TelemetryRecord) string

	// Definition returns a comparable summary used to detect redefinitions.
	Definition() Definition
}

// Definition is the comparable identity of a rule. Two rules with equal
// Definitions are the same rule.
type Definition struct {
	ID       string   `json:"id"`
	Kind     Kind     `json:"kind"`
	Severity Severity `json:"severity"`
	Inputs   string   `json:"inputs,omitempty"`
	Op       string   `json:"op,omitempty"`
	Limit    float64  `json:"limit,omitempty"`
	Template string   `json:"template,omitempty"`
}

// Placeholders accepted in description templates.
const (
	PlaceholderMachine = "{machine}"
	PlaceholderInput   = "{input}"
	PlaceholderValue   = "{value}"
	PlaceholderLimit   = "{limit}"
)

func render(tmpl, machine, input, value string, limit float64) string {
	return strings.NewReplacer(
		PlaceholderMachine, machine,
		PlaceholderInput, input,
		PlaceholderValue, value,
		PlaceholderLimit, strconv.FormatFloat(limit, 'f', -1, 64),
	).Replace(tmpl)
}

// ValidOp reports whether op is a supported comparison operator.
func ValidOp(op string) bool {
	switch op {
	case ">", ">=", "<", "<=", "==", "!=":
		return true
	}
	return false
}

// compareFloat applies a comparison operator to two float64 values.
func compareFloat(v float64, op string, limit float64) bool {
	switch op {
	case ">":
		return v > limit
	case ">=":
		return v >= limit
	case "<":
		return v < limit
	case "<=":
		return v <= limit
	case "==":
		return v == limit
	case "!=":
		return v != limit
	default:
		return false
	}
}

// Threshold fires when any of Sensors compares true against Limit.
// Sensors missing from a record are skipped; when none are present the rule
// returns a MissingInputError.
type Threshold struct {
	Name     string
	Level    Severity
	Sensors  []string
	Op       string
	Limit    float64
	Template string
}

func (t Threshold) ID() string         { return t.Name }
func (t Threshold) Severity() Severity { return t.Level }

func (t Threshold) Evaluate(rec types.TelemetryRecord) (bool, error) {
	_, _, fired, err := t.match(rec)
	return fired, err
}

// match returns the first sensor that fires, or the first one present when
// none fire.
func (t Threshold) match(rec types.TelemetryRecord) (string, float64, bool, error) {
	if !ValidOp(t.Op) {
		return "", 0, false, fmt.Errorf("rules: %s: unsupported operator %q", t.Name, t.Op)
	}
	var (
		seen     bool
		firstKey string
		firstVal float64
	)
	for _, s := range t.Sensors {
		v, ok := rec.Sensor(s)
		if !ok {
			continue
		}
		if compareFloat(v, t.Op, t.Limit) {
			return s, v, true, nil
		}
		if !seen {
			seen, firstKey, firstVal = true, s, v
		}
	}
	if !seen {
		return "", 0, false, &MissingInputError{RuleID: t.Name, Input: "sensor " + strings.Join(t.Sensors, "|")}
	}
	return firstKey, firstVal, false, nil
}

func (t Threshold) Describe(rec types.TelemetryRecord) string {
	key, v, _, _ := t.match(rec)
	tmpl := t.Template
	if tmpl == "" {
		tmpl = "{input} {value} " + t.Op + " {limit} on {machine}"
	}
	return render(tmpl, rec.MachineID, key, strconv.FormatFloat(v, 'f', 2, 64), t.Limit)
}

func (t Threshold) Definition() Definition {
	return Definition{
		ID: t.Name, Kind: KindThreshold, Severity: t.Level,
		Inputs: strings.Join(t.Sensors, ","), Op: t.Op, Limit: t.Limit, Template: t.Template,
	}
}

// StateEquals fires when the record's machine state equals State.
type StateEquals struct {
	Name     string
	Level    Severity
	State    types.MachineState
	Template string
}

func (s StateEquals) ID() string         { return s.Name }
func (s StateEquals) Severity() Severity { return s.Level }

func (s StateEquals) Evaluate(rec types.TelemetryRecord) (bool, error) {
	if rec.State == "" {
		return false, &MissingInputError{RuleID: s.Name, Input: "state"}
	}
	return rec.State == s.State, nil
}

func (s StateEquals) Describe(rec types.TelemetryRecord) string {
	tmpl := s.Template
	if tmpl == "" {
		tmpl = "{machine} entered state {value}"
	}
	return render(tmpl, rec.MachineID, "state", string(rec.State), 0)
}

func (s StateEquals) Definition() Definition {
	return Definition{ID: s.Name, Kind: KindState, Severity: s.Level, Inputs: string(s.State), Template: s.Template}
}

// QualityIn fires when the record's quality flag is one of Flags.
// A record without a quality verdict does not fire.
type QualityIn struct {
	Name     string
	Level    Severity
	Flags    []string
	Template string
}

func (q QualityIn) ID() string         { return q.Name }
func (q QualityIn) Severity() Severity { return q.Level }

func (q QualityIn) Evaluate(rec types.TelemetryRecord) (bool, error) {
	for _, f := range q.Flags {
		if strings.EqualFold(rec.Quality, f) {
			return true, nil
		}
	}
	return false, nil
}

func (q QualityIn) Describe(rec types.TelemetryRecord) string {
	tmpl := q.Template
	if tmpl == "" {
		tmpl = "quality {value} reported on {machine}"
	}
	return render(tmpl, rec.MachineID, "quality", rec.Quality, 0)
}

func (q QualityIn) Definition() Definition {
	return Definition{ID: q.Name, Kind: KindQuality, Severity: q.Level, Inputs: strings.Join(q.Flags, ","), Template: q.Template}
}

// AnomalyFlag fires when the external anomaly detector flagged the record.
// Unannotated records do not fire.
type AnomalyFlag struct {
	Name     string
	Level    Severity
	Template string
}

func (a AnomalyFlag) ID() string         { return a.Name }
func (a AnomalyFlag) Severity() Severity { return a.Level }

func (a AnomalyFlag) Evaluate(rec types.TelemetryRecord) (bool, error) {
	return rec.Anomaly != nil && *rec.Anomaly, nil
}

func (a AnomalyFlag) Describe(rec types.TelemetryRecord) string {
	tmpl := a.Template
	if tmpl == "" {
		tmpl = "anomalous behaviour detected on {machine}"
	}
	return render(tmpl, rec.MachineID, "anomaly", "true", 0)
}

func (a AnomalyFlag) Definition() Definition {
	return Definition{ID: a.Name, Kind: KindAnomaly, Severity: a.Level, Template: a.Template}
}

// RULBelow fires when the predicted remaining useful life drops below Hours.
// Unannotated records do not fire.
type RULBelow struct {
	Name     string
	Level    Severity
	Hours    float64
	Template string
}

func (r RULBelow) ID() string         { return r.Name }
func (r RULBelow) Severity() Severity { return r.Level }

func (r RULBelow) Evaluate(rec types.TelemetryRecord) (bool, error) {
	return rec.RULHours != nil && *rec.RULHours < r.Hours, nil
}

func (r RULBelow) Describe(rec types.TelemetryRecord) string {
	tmpl := r.Template
	if tmpl == "" {
		tmpl = "remaining useful life {value}h below {limit}h on {machine}"
	}
	v := ""
	if rec.RULHours != nil {
		v = strconv.FormatFloat(*rec.RULHours, 'f', 1, 64)
	}
	return render(tmpl, rec.MachineID, "rul_hours", v, r.Hours)
}

func (r RULBelow) Definition() Definition {
	return Definition{ID: r.Name, Kind: KindRUL, Severity: r.Level, Op: "<", Limit: r.Hours, Template: r.Template}
}
