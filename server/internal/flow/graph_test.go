package flow

import (
	"errors"
	"testing"
	"time"

	"github.com/apexcomponents/andonstack/pkg/types"
	"github.com/apexcomponents/andonstack/server/internal/config"
)

// shopFloor is the reference layout of the machine shop.
func shopFloor() []Node {
	return []Node{
		{MachineID: "VF2_01", Capacity: 20, Position: Position{0, 0}},
		{MachineID: "ST10_01", Capacity: 25, Position: Position{5, 0}},
		{MachineID: "KUKA_01", Capacity: 30, Position: Position{2.5, 3}},
		{MachineID: "LASER_01", Capacity: 15, Position: Position{0, 6}},
		{MachineID: "PRESS_01", Capacity: 18, Position: Position{5, 6}},
		{MachineID: "DRILL_01", Capacity: 35, Position: Position{0, 9}},
		{MachineID: "GRINDER_01", Capacity: 12, Position: Position{5, 9}},
		{MachineID: "COMPRESSOR_01", Capacity: 100, Position: Position{2.5, 12}},
	}
}

func TestDistance(t *testing.T) {
	if d := Distance(Position{0, 0}, Position{3, 4}); !almostEqual(d, 5, 1e-12) {
		t.Errorf("Distance = %v, want 5", d)
	}
}

func TestLayoutCandidate(t *testing.T) {
	win := Window{
		Nodes: shopFloor(),
		Edges: []Edge{
			{From: "VF2_01", To: "ST10_01", Volume: 40},    // 5 * 40 = 200
			{From: "LASER_01", To: "GRINDER_01", Volume: 30}, // hypot(5,3)=5.83 * 30 = 174.9
			{From: "VF2_01", To: "DRILL_01", Volume: 25},   // 9 * 25 = 225
		},
	}
	best, ok, err := LayoutCandidate(win)
	if err != nil || !ok {
		t.Fatalf("LayoutCandidate = %v, %v", ok, err)
	}
	if best.From != "VF2_01" || best.To != "DRILL_01" || !almostEqual(best.Cost, 225, 1e-9) {
		t.Errorf("best = %+v, want VF2_01->DRILL_01 cost 225", best)
	}

	costs, err := FlowCosts(win)
	if err != nil {
		t.Fatal(err)
	}
	if len(costs) != 3 || costs[0] != best || costs[2].From != "LASER_01" {
		t.Errorf("FlowCosts order = %+v", costs)
	}
}

func TestLayoutCandidate_TieBreak(t *testing.T) {
	win := Window{
		Nodes: shopFloor(),
		Edges: []Edge{
			{From: "ST10_01", To: "VF2_01", Volume: 10},
			{From: "PRESS_01", To: "LASER_01", Volume: 10},
		},
	}
	best, _, err := LayoutCandidate(win)
	if err != nil {
		t.Fatal(err)
	}
	if best.From != "PRESS_01" {
		t.Errorf("tie broken to %s, want PRESS_01", best.From)
	}
}

func TestLayoutCandidate_NoEdges(t *testing.T) {
	_, ok, err := LayoutCandidate(Window{Nodes: shopFloor()})
	if err != nil || ok {
		t.Errorf("LayoutCandidate(no edges) = %v, %v", ok, err)
	}
}

func TestLayoutCandidate_UnknownMachine(t *testing.T) {
	win := Window{
		Nodes: shopFloor(),
		Edges: []Edge{{From: "GHOST", To: "VF2_01", Volume: 1}},
	}
	_, _, err := LayoutCandidate(win)
	var ume *UnknownMachineError
	if !errors.As(err, &ume) || ume.MachineID != "GHOST" {
		t.Errorf("err = %v, want UnknownMachineError(GHOST)", err)
	}
}

func TestMeanDelay(t *testing.T) {
	if MeanDelay(nil) != 0 {
		t.Error("MeanDelay(nil) != 0")
	}
	got := MeanDelay([]Edge{{Delay: 20}, {Delay: 50}})
	if got != 35 {
		t.Errorf("MeanDelay = %v, want 35", got)
	}
}

func TestTracker_Window(t *testing.T) {
	tr := NewTracker(4)
	obs := func(id string, states ...types.MachineState) {
		for i, s := range states {
			tr.Observe(types.TelemetryRecord{MachineID: id, Timestamp: time.Unix(int64(i), 0), State: s})
		}
	}
	obs("PRESS_01", types.StateRunning, types.StateRunning, types.StateIdle, types.StateFault)
	// Older readings fall out of the window.
	obs("DRILL_01", types.StateFault, types.StateFault, types.StateRunning, types.StateRunning, types.StateRunning, types.StateIdle)
	tr.Observe(types.TelemetryRecord{MachineID: "BAD", State: "paused"})

	win := tr.Window()
	if len(win) != 2 {
		t.Fatalf("Window = %d machines, want 2", len(win))
	}
	if win[0].MachineID != "DRILL_01" {
		t.Errorf("not sorted: %v", win[0].MachineID)
	}
	d := win[0]
	if d.Samples != 4 || d.Utilization != 0.75 || d.IdleFraction != 0.25 || d.FaultFraction != 0 {
		t.Errorf("DRILL_01 = %+v", d)
	}
	p := win[1]
	if p.Utilization != 0.5 || p.IdleFraction != 0.25 || p.FaultFraction != 0.25 {
		t.Errorf("PRESS_01 = %+v", p)
	}

	tr.Resize(2)
	if got := tr.Window()[1]; got.Samples != 2 || got.FaultFraction != 0.5 {
		t.Errorf("after Resize(2) PRESS_01 = %+v", got)
	}
	tr.Forget("PRESS_01")
	if len(tr.Window()) != 1 {
		t.Error("Forget did not drop the machine")
	}
}

func TestAnalyze(t *testing.T) {
	s := defaultScorer(t)
	win := Window{
		Machines: []MachineWindow{
			{MachineID: "VF2_01", IdleFraction: 0.1, FaultFraction: 0.9, Utilization: 0.9, Samples: 10},
			{MachineID: "DRILL_01", IdleFraction: 0.5, FaultFraction: 0.0, Utilization: 0.5, Samples: 30},
		},
		Nodes: shopFloor(),
		Edges: []Edge{{From: "VF2_01", To: "DRILL_01", Volume: 25, Delay: 45}},
	}
	now := time.Unix(1_000, 0)
	r, err := s.Analyze(win, now)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !r.GeneratedAt.Equal(now) || len(r.Scores) != 2 {
		t.Fatalf("report = %+v", r)
	}
	if top, _ := r.Top(); top.MachineID != "VF2_01" {
		t.Errorf("top = %s, want VF2_01", top.MachineID)
	}
	if len(r.Recommendations) != 1 || len(r.Buffers) != 1 || r.Buffers[0].Recommended != 2*DefaultBuffer {
		t.Errorf("recommendations=%v buffers=%+v", r.Recommendations, r.Buffers)
	}
	if r.Layout == nil || r.Layout.From != "VF2_01" {
		t.Errorf("layout = %+v", r.Layout)
	}
	// Running: (0.9*10 + 0.5*30) / 40 = 60%; fault: 9/40 = 0.225.
	if !almostEqual(r.Efficiency.FlowEfficiency, 60, 1e-9) || !almostEqual(r.Efficiency.DowntimeRatio, 0.225, 1e-9) {
		t.Errorf("efficiency = %+v", r.Efficiency)
	}
	// Low efficiency, high downtime, long delay and a layout move.
	if len(r.Findings) != 4 {
		t.Errorf("findings = %v", r.Findings)
	}
}

func TestAnalyze_Empty(t *testing.T) {
	r, err := defaultScorer(t).Analyze(Window{}, time.Unix(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Scores) != 0 || len(r.Recommendations) != 0 || len(r.Findings) != 0 || r.Layout != nil {
		t.Errorf("empty report = %+v", r)
	}
}

func TestAnalyzer_Reload(t *testing.T) {
	cfg := config.Defaults().Server.Flow
	cfg.Nodes = []config.NodeConfig{{ID: "A", X: 0, Y: 0}, {ID: "B", X: 3, Y: 4}}
	cfg.Edges = []config.EdgeConfig{{From: "A", To: "B", Volume: 2}}

	a, err := NewAnalyzer(cfg, NewTracker(cfg.Window))
	if err != nil {
		t.Fatalf("NewAnalyzer: %v", err)
	}
	a.Tracker().Observe(types.TelemetryRecord{MachineID: "A", Timestamp: time.Unix(1, 0), State: types.StateFault})

	r, err := a.Report()
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Scores) != 1 || !almostEqual(r.Scores[0].Composite, 0.4, 1e-9) {
		t.Errorf("scores = %+v", r.Scores)
	}
	if r.Layout == nil || !almostEqual(r.Layout.Cost, 10, 1e-9) {
		t.Errorf("layout = %+v", r.Layout)
	}

	bad := cfg
	bad.Weights = config.WeightsConfig{Idle: 1, Fault: 1, Utilization: 1}
	var iwe *InvalidWeightsError
	if err := a.Reload(bad); !errors.As(err, &iwe) {
		t.Errorf("Reload(bad weights) = %v, want *InvalidWeightsError", err)
	}
	ghost := cfg
	ghost.Edges = []config.EdgeConfig{{From: "A", To: "GHOST"}}
	var ume *UnknownMachineError
	if err := a.Reload(ghost); !errors.As(err, &ume) {
		t.Errorf("Reload(ghost edge) = %v, want *UnknownMachineError", err)
	}
	// Failed reloads keep the previous settings.
	if a.Scorer().Weights() != DefaultWeights() {
		t.Errorf("weights changed after failed reload: %+v", a.Scorer().Weights())
	}

	good := cfg
	good.Weights = config.WeightsConfig{Idle: 0, Fault: 1, Utilization: 0}
	if err := a.Reload(good); err != nil {
		t.Fatal(err)
	}
	r, _ = a.Report()
	if !almostEqual(r.Scores[0].Composite, 1, 1e-9) {
		t.Errorf("composite after reload = %v, want 1", r.Scores[0].Composite)
	}
}
