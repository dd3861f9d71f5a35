package flow

import (
	"math"
	"sort"

	"github.com/apexcomponents/andonstack/server/internal/config"
)

// Position is a machine's location on the floor plan, in metres.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Node is a machine in the flow graph.
type Node struct {
	MachineID string   `json:"machine_id" yaml:"id"`
	Capacity  float64  `json:"capacity" yaml:"capacity"` // units per hour
	Position  Position `json:"position" yaml:"position"`
}

// Edge is material flowing between two machines.
type Edge struct {
	From   string  `json:"from" yaml:"from"`
	To     string  `json:"to" yaml:"to"`
	Volume float64 `json:"volume" yaml:"volume"`

	// Delay is the observed transfer delay in minutes.
	Delay float64 `json:"delay,omitempty" yaml:"delay"`
}

// FlowCost is the layout cost of one edge.
type FlowCost struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	Distance float64 `json:"distance"`
	Volume   float64 `json:"volume"`
	Cost     float64 `json:"flow_cost"`
}

// GraphFromConfig converts the configured floor plan.
func GraphFromConfig(cfg config.FlowConfig) ([]Node, []Edge) {
	nodes := make([]Node, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		nodes[i] = Node{MachineID: n.ID, Capacity: n.Capacity, Position: Position{X: n.X, Y: n.Y}}
	}
	edges := make([]Edge, len(cfg.Edges))
	for i, e := range cfg.Edges {
		edges[i] = Edge{From: e.From, To: e.To, Volume: e.Volume, Delay: e.Delay}
	}
	return nodes, edges
}

func (w Window) nodeIndex() map[string]Node {
	idx := make(map[string]Node, len(w.Nodes))
	for _, n := range w.Nodes {
		idx[n.MachineID] = n
	}
	return idx
}

// checkEdges fails with *UnknownMachineError on the first edge endpoint that
// is not a node.
func (w Window) checkEdges() error {
	idx := w.nodeIndex()
	for _, e := range w.Edges {
		for _, id := range []string{e.From, e.To} {
			if _, ok := idx[id]; !ok {
				return &UnknownMachineError{MachineID: id}
			}
		}
	}
	return nil
}

// Distance is the Euclidean distance between two positions.
func Distance(a, b Position) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// FlowCosts prices every edge as distance times volume, highest cost first;
// equal costs are ordered by (From, To).
func FlowCosts(win Window) ([]FlowCost, error) {
	if err := win.checkEdges(); err != nil {
		return nil, err
	}
	idx := win.nodeIndex()
	out := make([]FlowCost, 0, len(win.Edges))
	for _, e := range win.Edges {
		d := Distance(idx[e.From].Position, idx[e.To].Position)
		out = append(out, FlowCost{From: e.From, To: e.To, Distance: d, Volume: e.Volume, Cost: d * e.Volume})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Cost != out[j].Cost {
			return out[i].Cost > out[j].Cost
		}
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out, nil
}

// LayoutCandidate returns the edge with the highest flow cost, the pair of
// machines most worth moving closer together. ok is false when the window
// has no edges.
func LayoutCandidate(win Window) (FlowCost, bool, error) {
	if err := win.checkEdges(); err != nil {
		return FlowCost{}, false, err
	}
	idx := win.nodeIndex()
	var (
		best  FlowCost
		found bool
	)
	for _, e := range win.Edges {
		d := Distance(idx[e.From].Position, idx[e.To].Position)
		c := FlowCost{From: e.From, To: e.To, Distance: d, Volume: e.Volume, Cost: d * e.Volume}
		if !found || higherCost(c, best) {
			best, found = c, true
		}
	}
	return best, found, nil
}

func higherCost(a, b FlowCost) bool {
	if a.Cost != b.Cost {
		return a.Cost > b.Cost
	}
	if a.From != b.From {
		return a.From < b.From
	}
	return a.To < b.To
}

// MeanDelay averages the observed delay across edges, 0 without edges.
func MeanDelay(edges []Edge) float64 {
	if len(edges) == 0 {
		return 0
	}
	var sum float64
	for _, e := range edges {
		sum += e.Delay
	}
	return sum / float64(len(edges))
}
