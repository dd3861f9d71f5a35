package alerts

import (
	"testing"
	"time"

	"github.com/apexcomponents/andonstack/server/internal/rules"
)

func TestSummarize(t *testing.T) {
	base := time.Unix(1_000, 0)
	resolvedAt := base.Add(20 * time.Minute)
	list := []Alert{
		{MachineID: "CNC_01", RuleID: "vib", Severity: rules.SeverityCritical, CreatedAt: base, Status: StatusActive},
		{MachineID: "CNC_01", RuleID: "temp", Severity: rules.SeverityHigh, CreatedAt: base, Status: StatusResolved, ResolvedAt: &resolvedAt},
		{MachineID: "LASER_01", RuleID: "temp", Severity: rules.SeverityHigh, CreatedAt: base.Add(10 * time.Minute), Status: StatusResolved, ResolvedAt: &resolvedAt},
		// Before the window.
		{MachineID: "PRESS_01", RuleID: "vib", Severity: rules.SeverityLow, CreatedAt: base.Add(-time.Hour), Status: StatusActive},
	}

	s := Summarize(list, base)
	if s.Total != 3 || s.Active != 1 || s.Resolved != 2 {
		t.Fatalf("counts = %d/%d/%d, want 3/1/2", s.Total, s.Active, s.Resolved)
	}
	if s.BySeverity["high"] != 2 || s.BySeverity["critical"] != 1 || s.BySeverity["low"] != 0 {
		t.Errorf("BySeverity = %v", s.BySeverity)
	}
	if s.ByMachine["CNC_01"] != 2 || s.ByMachine["LASER_01"] != 1 {
		t.Errorf("ByMachine = %v", s.ByMachine)
	}
	if s.ByRule["temp"] != 2 {
		t.Errorf("ByRule = %v", s.ByRule)
	}
	if want := 2.0 / 3.0; s.ResolutionRate != want {
		t.Errorf("ResolutionRate = %v, want %v", s.ResolutionRate, want)
	}
	if s.MeanTimeToResolve != 15*time.Minute {
		t.Errorf("MeanTimeToResolve = %v, want 15m", s.MeanTimeToResolve)
	}
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil, time.Unix(0, 0))
	if s.Total != 0 || s.ResolutionRate != 0 || s.MeanTimeToResolve != 0 {
		t.Errorf("empty summary = %+v", s)
	}
}

func TestBoard(t *testing.T) {
	active := []Alert{
		{MachineID: "PRESS_01", RuleID: "quality", Severity: rules.SeverityMedium, Status: StatusActive},
		{MachineID: "CNC_01", RuleID: "vib", Severity: rules.SeverityCritical, Status: StatusActive},
		{MachineID: "CNC_01", RuleID: "current", Severity: rules.SeverityMedium, Status: StatusActive},
		{MachineID: "DRILL_01", RuleID: "anomaly", Severity: rules.SeverityMedium, Status: StatusActive},
		{MachineID: "GRINDER_01", RuleID: "vib", Severity: rules.SeverityCritical, Status: StatusResolved},
	}
	board := Board(active)
	if len(board) != 3 {
		t.Fatalf("board rows = %d, want 3", len(board))
	}
	if board[0].MachineID != "CNC_01" || board[0].Highest != rules.SeverityCritical || board[0].Active != 2 {
		t.Errorf("row 0 = %+v", board[0])
	}
	if board[0].Rules[0] != "current" {
		t.Errorf("rules not sorted: %v", board[0].Rules)
	}
	// Equal severity: machine id ascending.
	if board[1].MachineID != "DRILL_01" || board[2].MachineID != "PRESS_01" {
		t.Errorf("rows 1-2 = %s, %s", board[1].MachineID, board[2].MachineID)
	}
}
