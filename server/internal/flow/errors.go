package flow

import "fmt"

// InvalidWeightsError is returned when score weights are negative or do not
// sum to 1.
type InvalidWeightsError struct {
	Weights Weights
	Sum     float64
}

func (e *InvalidWeightsError) Error() string {
	return fmt.Sprintf("flow: weights idle=%g fault=%g utilization=%g sum to %g, want non-negative weights summing to 1",
		e.Weights.Idle, e.Weights.Fault, e.Weights.Utilization, e.Sum)
}

// UnknownMachineError is returned when a flow edge names a machine that is
// not in the window's node set.
type UnknownMachineError struct {
	MachineID string
}

func (e *UnknownMachineError) Error() string {
	return fmt.Sprintf("flow: unknown machine %q", e.MachineID)
}
