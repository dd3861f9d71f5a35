package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MachineState is the operating state reported with every reading.
type MachineState string

const (
	StateRunning MachineState = "running"
	StateIdle    MachineState = "idle"
	StateFault   MachineState = "fault"
)

// ParseState accepts the state names used by machine gateways, case-insensitively.
func ParseState(s string) (MachineState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running", "run":
		return StateRunning, nil
	case "idle":
		return StateIdle, nil
	case "fault", "down", "error":
		return StateFault, nil
	}
	return "", fmt.Errorf("unknown machine state %q", s)
}

// Valid reports whether s is one of the three known states.
func (s MachineState) Valid() bool {
	return s == StateRunning || s == StateIdle || s == StateFault
}

// Quality flags attached to a reading by the line's quality station.
const (
	QualityOK     = "ok"
	QualityScrap  = "scrap"
	QualityRework = "rework"
)

// TelemetryRecord is one reading from one machine at one instant.
// Records are treated as immutable once produced.
type TelemetryRecord struct {
	MachineID string             `json:"machine_id"`
	Timestamp time.Time          `json:"timestamp"`
	Sensors   map[string]float64 `json:"sensors,omitempty"`
	State     MachineState       `json:"state"`

	// Quality is empty when the reading carries no quality verdict.
	Quality string `json:"quality,omitempty"`

	// Anomaly and RULHours are produced by an external ML service; nil means
	// the reading was not annotated.
	Anomaly  *bool    `json:"anomaly,omitempty"`
	RULHours *float64 `json:"rul_hours,omitempty"`
}

// Sensor returns the named sensor value and whether it was present.
func (r TelemetryRecord) Sensor(name string) (float64, bool) {
	v, ok := r.Sensors[name]
	return v, ok
}

// Validate checks the fields every consumer relies on.
func (r TelemetryRecord) Validate() error {
	if r.MachineID == "" {
		return errors.New("telemetry: machine_id is required")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("telemetry: %s: timestamp is required", r.MachineID)
	}
	if !r.State.Valid() {
		return fmt.Errorf("telemetry: %s: invalid state %q", r.MachineID, r.State)
	}
	return nil
}

// Bool and Float return pointers for the optional annotation fields.
func Bool(b bool) *bool { return &b }

func Float(f float64) *float64 { return &f }
