package flow

import (
	"fmt"
	"math"
	"sort"
)

// Default weights and recommendation threshold.
const (
	DefaultIdleWeight        = 0.3
	DefaultFaultWeight       = 0.4
	DefaultUtilizationWeight = 0.3
	DefaultThreshold         = 0.6
)

// weightTolerance absorbs float rounding when checking the weight sum.
const weightTolerance = 1e-9

// Weights are the coefficients of the composite bottleneck score.
type Weights struct {
	Idle        float64 `json:"idle" yaml:"idle"`
	Fault       float64 `json:"fault" yaml:"fault"`
	Utilization float64 `json:"utilization" yaml:"utilization"`
}

// DefaultWeights returns 0.3 / 0.4 / 0.3.
func DefaultWeights() Weights {
	return Weights{Idle: DefaultIdleWeight, Fault: DefaultFaultWeight, Utilization: DefaultUtilizationWeight}
}

// Validate returns an *InvalidWeightsError unless every weight is
// non-negative and they sum to 1.
func (w Weights) Validate() error {
	sum := w.Idle + w.Fault + w.Utilization
	if w.Idle < 0 || w.Fault < 0 || w.Utilization < 0 || math.Abs(sum-1) > weightTolerance || math.IsNaN(sum) {
		return &InvalidWeightsError{Weights: w, Sum: sum}
	}
	return nil
}

// MachineWindow holds one machine's state fractions over a scoring window.
// Fractions are in [0, 1]; values outside are clamped and NaN is rejected.
type MachineWindow struct {
	MachineID     string  `json:"machine_id" yaml:"machine_id"`
	IdleFraction  float64 `json:"idle_fraction" yaml:"idle"`
	FaultFraction float64 `json:"fault_fraction" yaml:"fault"`
	Utilization   float64 `json:"utilization" yaml:"utilization"`

	// Samples is the number of readings behind the fractions; 0 for
	// hand-built windows.
	Samples int `json:"samples,omitempty" yaml:"samples"`
}

// Window is the input to one scoring call. It is rebuilt fresh for each call.
type Window struct {
	Machines []MachineWindow `json:"machines" yaml:"machines"`
	Nodes    []Node          `json:"nodes,omitempty" yaml:"nodes"`
	Edges    []Edge          `json:"edges,omitempty" yaml:"edges"`
}

// BottleneckScore is the scored, ranked result for one machine.
type BottleneckScore struct {
	MachineID     string  `json:"machine_id"`
	IdleFraction  float64 `json:"idle_fraction"`
	FaultFraction float64 `json:"fault_fraction"`
	Utilization   float64 `json:"utilization"`
	Composite     float64 `json:"composite_score"`
	Rank          int     `json:"rank"`
}

// Composite computes the weighted bottleneck score for one machine.
func Composite(w Weights, idle, fault, utilization float64) float64 {
	return w.Idle*clamp01(idle) + w.Fault*clamp01(fault) + w.Utilization*clamp01(utilization)
}

// Scorer ranks machines by composite bottleneck score. A Scorer is immutable
// and safe for concurrent use.
type Scorer struct {
	weights   Weights
	threshold float64
}

// NewScorer validates weights and returns a Scorer.
func NewScorer(w Weights, threshold float64) (*Scorer, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if threshold < 0 || threshold > 1 || math.IsNaN(threshold) {
		return nil, fmt.Errorf("flow: threshold %g is out of range [0, 1]", threshold)
	}
	return &Scorer{weights: w, threshold: threshold}, nil
}

func (s *Scorer) Weights() Weights   { return s.weights }
func (s *Scorer) Threshold() float64 { return s.threshold }

// Score returns every machine in win ranked by composite score, highest
// first; equal scores are ordered by machine ID. An empty window yields an
// empty result. Edges must reference known nodes.
func (s *Scorer) Score(win Window) ([]BottleneckScore, error) {
	if len(win.Machines) == 0 {
		return []BottleneckScore{}, nil
	}
	if err := win.checkEdges(); err != nil {
		return nil, err
	}

	out := make([]BottleneckScore, 0, len(win.Machines))
	seen := make(map[string]bool, len(win.Machines))
	for _, m := range win.Machines {
		if m.MachineID == "" {
			return nil, fmt.Errorf("flow: window entry without machine id")
		}
		if seen[m.MachineID] {
			return nil, fmt.Errorf("flow: machine %q appears twice in window", m.MachineID)
		}
		seen[m.MachineID] = true
		if math.IsNaN(m.IdleFraction) || math.IsNaN(m.FaultFraction) || math.IsNaN(m.Utilization) {
			return nil, fmt.Errorf("flow: machine %q has a NaN fraction", m.MachineID)
		}

		idle, fault, util := clamp01(m.IdleFraction), clamp01(m.FaultFraction), clamp01(m.Utilization)
		out = append(out, BottleneckScore{
			MachineID:     m.MachineID,
			IdleFraction:  idle,
			FaultFraction: fault,
			Utilization:   util,
			Composite:     Composite(s.weights, idle, fault, util),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Composite != out[j].Composite {
			return out[i].Composite > out[j].Composite
		}
		return out[i].MachineID < out[j].MachineID
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}

// Recommend applies the scorer's threshold to scored.
func (s *Scorer) Recommend(scored []BottleneckScore) []string {
	return Recommend(s.weights, scored, s.threshold)
}

// Recommend emits one line per machine whose composite score exceeds
// threshold, in the order given. The suggested action follows the largest
// weighted contribution to the score.
func Recommend(w Weights, scored []BottleneckScore, threshold float64) []string {
	var out []string
	for _, b := range scored {
		if b.Composite <= threshold {
			continue
		}
		out = append(out, fmt.Sprintf("Machine %s is a bottleneck (score %.2f, rank %d): %s",
			b.MachineID, b.Composite, b.Rank, action(w, b)))
	}
	return out
}

func action(w Weights, b BottleneckScore) string {
	idle := w.Idle * b.IdleFraction
	fault := w.Fault * b.FaultFraction
	util := w.Utilization * b.Utilization
	switch {
	case fault >= idle && fault >= util:
		return fmt.Sprintf("fault time %.0f%%, schedule predictive maintenance", b.FaultFraction*100)
	case idle >= util:
		return fmt.Sprintf("idle time %.0f%%, reduce setup and upstream starvation", b.IdleFraction*100)
	default:
		return fmt.Sprintf("utilization %.0f%%, add capacity or offload work", b.Utilization*100)
	}
}

// clamp01 restricts v to the range [0, 1]. NaN maps to 0.
func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
