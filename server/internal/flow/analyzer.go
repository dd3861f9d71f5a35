package flow

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/apexcomponents/andonstack/server/internal/config"
)

// Plant-level limits for report findings.
const (
	DefaultBuffer   = 10   // parts
	efficiencyFloor = 70.0 // percent running
	downtimeCeiling = 0.10 // fault fraction
	delayCeiling    = 30.0 // minutes
)

// Efficiency summarises the whole window.
type Efficiency struct {
	// FlowEfficiency is the sample-weighted running fraction, in percent.
	FlowEfficiency float64 `json:"flow_efficiency_pct"`
	DowntimeRatio  float64 `json:"downtime_ratio"`
	Samples        int     `json:"samples"`

	// MeanDelay is the average observed edge delay in minutes.
	MeanDelay float64 `json:"mean_delay_min"`
}

// BufferAdvice suggests a work-in-progress buffer ahead of a machine.
type BufferAdvice struct {
	MachineID   string `json:"machine_id"`
	Current     int    `json:"current"`
	Recommended int    `json:"recommended"`
	Reason      string `json:"reason"`
}

// Report is the full output of one analysis run.
type Report struct {
	GeneratedAt     time.Time         `json:"generated_at"`
	Weights         Weights           `json:"weights"`
	Threshold       float64           `json:"threshold"`
	Scores          []BottleneckScore `json:"scores"`
	Recommendations []string          `json:"recommendations"`
	Layout          *FlowCost         `json:"layout_candidate,omitempty"`
	FlowCosts       []FlowCost        `json:"flow_costs"`
	Efficiency      Efficiency        `json:"efficiency"`
	Buffers         []BufferAdvice    `json:"buffers"`
	Findings        []string          `json:"findings"`
}

// Top returns the highest-ranked score, if any.
func (r Report) Top() (BottleneckScore, bool) {
	if len(r.Scores) == 0 {
		return BottleneckScore{}, false
	}
	return r.Scores[0], true
}

// Analyze scores win and derives layout, efficiency, buffer advice and
// plant-level findings.
func (s *Scorer) Analyze(win Window, now time.Time) (Report, error) {
	scores, err := s.Score(win)
	if err != nil {
		return Report{}, err
	}
	costs, err := FlowCosts(win)
	if err != nil {
		return Report{}, err
	}

	r := Report{
		GeneratedAt:     now,
		Weights:         s.weights,
		Threshold:       s.threshold,
		Scores:          scores,
		Recommendations: s.Recommend(scores),
		FlowCosts:       costs,
		Efficiency:      efficiency(win),
		Buffers:         []BufferAdvice{},
		Findings:        []string{},
	}
	if r.Recommendations == nil {
		r.Recommendations = []string{}
	}
	if len(costs) > 0 {
		top := costs[0]
		r.Layout = &top
	}

	for _, b := range scores {
		if b.Composite > s.threshold {
			r.Buffers = append(r.Buffers, BufferAdvice{
				MachineID:   b.MachineID,
				Current:     DefaultBuffer,
				Recommended: DefaultBuffer * 2,
				Reason:      "bottleneck: enlarge the upstream buffer to prevent starvation",
			})
		}
	}

	if len(scores) > 0 {
		e := r.Efficiency
		if e.FlowEfficiency < efficiencyFloor {
			r.Findings = append(r.Findings, fmt.Sprintf("Overall flow efficiency is %.1f%%, review scheduling and changeovers", e.FlowEfficiency))
		}
		if e.DowntimeRatio > downtimeCeiling {
			r.Findings = append(r.Findings, fmt.Sprintf("Downtime ratio is %.1f%%, reduce unplanned downtime", e.DowntimeRatio*100))
		}
	}
	if r.Efficiency.MeanDelay > delayCeiling {
		r.Findings = append(r.Findings, fmt.Sprintf("Average delay between processes is %.1f minutes", r.Efficiency.MeanDelay))
	}
	if r.Layout != nil && r.Layout.Cost > 0 {
		r.Findings = append(r.Findings, fmt.Sprintf("Move %s and %s closer: %.0f m x %.0f units", r.Layout.From, r.Layout.To, r.Layout.Distance, r.Layout.Volume))
	}
	return r, nil
}

// efficiency weights each machine by its sample count; hand-built windows
// without samples count each machine once.
func efficiency(win Window) Efficiency {
	var running, fault, total float64
	samples := 0
	for _, m := range win.Machines {
		n := float64(m.Samples)
		if n == 0 {
			n = 1
		}
		running += clamp01(m.Utilization) * n
		fault += clamp01(m.FaultFraction) * n
		total += n
		samples += m.Samples
	}
	e := Efficiency{Samples: samples, MeanDelay: MeanDelay(win.Edges)}
	if total > 0 {
		e.FlowEfficiency = running / total * 100
		e.DowntimeRatio = fault / total
	}
	return e
}

// Analyzer combines the live Tracker with the configured floor plan and
// scorer. Reload swaps scorer and plan atomically.
type Analyzer struct {
	tracker *Tracker
	state   atomic.Pointer[analyzerState]
	now     func() time.Time
}

type analyzerState struct {
	scorer *Scorer
	nodes  []Node
	edges  []Edge
}

// NewAnalyzer builds an Analyzer from configuration. It fails with
// *InvalidWeightsError or *UnknownMachineError on a bad configuration.
func NewAnalyzer(cfg config.FlowConfig, tracker *Tracker) (*Analyzer, error) {
	a := &Analyzer{tracker: tracker, now: time.Now}
	if err := a.Reload(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload validates cfg and, if valid, replaces the scorer and floor plan.
// On error the previous settings stay in effect.
func (a *Analyzer) Reload(cfg config.FlowConfig) error {
	w := Weights{Idle: cfg.Weights.Idle, Fault: cfg.Weights.Fault, Utilization: cfg.Weights.Utilization}
	sc, err := NewScorer(w, cfg.Threshold)
	if err != nil {
		return err
	}
	nodes, edges := GraphFromConfig(cfg)
	if err := (Window{Nodes: nodes, Edges: edges}).checkEdges(); err != nil {
		return err
	}
	a.state.Store(&analyzerState{scorer: sc, nodes: nodes, edges: edges})
	if cfg.Window > 0 {
		a.tracker.Resize(cfg.Window)
	}
	return nil
}

// Scorer returns the current scorer.
func (a *Analyzer) Scorer() *Scorer { return a.state.Load().scorer }

// Tracker returns the tracker feeding the analyzer.
func (a *Analyzer) Tracker() *Tracker { return a.tracker }

// Window assembles a fresh window from the tracker and floor plan.
func (a *Analyzer) Window() Window {
	st := a.state.Load()
	return Window{Machines: a.tracker.Window(), Nodes: st.nodes, Edges: st.edges}
}

// Report analyzes the current window.
func (a *Analyzer) Report() (Report, error) {
	return a.state.Load().scorer.Analyze(a.Window(), a.now())
}
