package api

import (
	"time"

	"github.com/apexcomponents/andonstack/pkg/types"
	"github.com/apexcomponents/andonstack/server/internal/alerts"
	"github.com/apexcomponents/andonstack/server/internal/rules"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	// State is unknown with no machines reporting, otherwise ok, warning
	// (low or medium alerts active) or critical (high or critical active).
	State        string `json:"state"`
	MachineCount int    `json:"machine_count"`
	RunningCount int    `json:"running_count"`
	IdleCount    int    `json:"idle_count"`
	FaultCount   int    `json:"fault_count"`
	AlertCount   int    `json:"alert_count"`
}

// MachineResponse is one machine in GET /api/v1/machines or
// GET /api/v1/machines/{id}.
type MachineResponse struct {
	MachineID string             `json:"machine_id"`
	State     types.MachineState `json:"state"`
	Sensors   map[string]float64 `json:"sensors"`
	Quality   string             `json:"quality,omitempty"`
	Anomaly   *bool              `json:"anomaly,omitempty"`
	RULHours  *float64           `json:"rul_hours,omitempty"`
	Timestamp string             `json:"timestamp"` // RFC3339, reading time
	LastSeen  string             `json:"last_seen"` // RFC3339, receive time
	Readings  uint64             `json:"readings"`

	ActiveAlerts    int            `json:"active_alerts"`
	HighestSeverity rules.Severity `json:"highest_severity,omitempty"`
	Alerts          []alerts.Alert `json:"alerts,omitempty"`
}

// AlertsResponse is the payload for GET /api/v1/alerts.
type AlertsResponse struct {
	Alerts []alerts.Alert `json:"alerts"`
	Count  int            `json:"count"`
}

// SnapshotResponse is the payload for GET /api/v1/snapshot and the data of
// every WebSocket broadcast.
type SnapshotResponse struct {
	Machines    []MachineResponse      `json:"machines"`
	Board       []alerts.MachineStatus `json:"board"`
	Alerts      []alerts.Alert         `json:"alerts"`
	GeneratedAt string                 `json:"generated_at"` // RFC3339
}

// AckRequest is the body of POST /api/v1/alerts/{id}/ack.
type AckRequest struct {
	Note string `json:"note" validate:"max=500"`
}

// TelemetryRequest is the body of POST /api/v1/telemetry.
type TelemetryRequest struct {
	Records []RecordRequest `json:"records" validate:"required,min=1,max=1000,dive"`
}

// RecordRequest is one reading submitted over HTTP.
type RecordRequest struct {
	MachineID string             `json:"machine_id" validate:"required,max=128"`
	Timestamp time.Time          `json:"timestamp" validate:"required"`
	Sensors   map[string]float64 `json:"sensors"`
	State     string             `json:"state" validate:"required,machinestate"`
	Quality   string             `json:"quality" validate:"omitempty,oneof=ok scrap rework"`
	Anomaly   *bool              `json:"anomaly"`
	RULHours  *float64           `json:"rul_hours" validate:"omitempty,gte=0"`
}

// IngestResponse is returned by POST /api/v1/telemetry.
type IngestResponse struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
