// Package flow scores machines as production bottlenecks and prices the
// material flow between them.
//
// score.go is pure: Scorer.Score(window) computes, per machine,
//
//	composite = w_idle*idle + w_fault*fault + w_util*utilization
//
// with weights 0.3/0.4/0.3 by default (they must sum to 1, else
// InvalidWeightsError), then ranks machines by composite, highest first,
// ties broken by machine ID. Recommend emits one line per machine above the
// threshold (default 0.6).
//
// graph.go computes the layout flow cost of each edge (Euclidean distance
// between the two machines times flow volume) and picks the highest-cost edge
// as the relocation candidate. Edges naming a machine that is not a node fail
// with UnknownMachineError.
//
// tracker.go keeps a rolling window of recent states per machine and turns it
// into the idle/fault/utilization fractions the scorer consumes.
// analyzer.go ties tracker, graph and scorer together and supports hot reload.
package flow
