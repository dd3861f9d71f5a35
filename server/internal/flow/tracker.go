package flow

import (
	"sort"
	"sync"
	"time"

	"github.com/apexcomponents/andonstack/pkg/types"
)

// Tracker keeps the most recent machine states per machine and derives the
// state fractions the scorer consumes.
//
// All exported methods are safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	size     int
	machines map[string]*machineHistory
}

// machineHistory is a bounded buffer of observed states, newest last.
type machineHistory struct {
	states   []types.MachineState
	lastSeen time.Time
}

// NewTracker keeps up to size readings per machine.
func NewTracker(size int) *Tracker {
	if size <= 0 {
		size = 1
	}
	return &Tracker{size: size, machines: make(map[string]*machineHistory)}
}

// Observe records rec's state. Records without a valid state are ignored.
func (t *Tracker) Observe(rec types.TelemetryRecord) {
	if rec.MachineID == "" || !rec.State.Valid() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.machines[rec.MachineID]
	if !ok {
		h = &machineHistory{}
		t.machines[rec.MachineID] = h
	}
	if len(h.states) >= t.size {
		h.states = h.states[len(h.states)-t.size+1:]
	}
	h.states = append(h.states, rec.State)
	if rec.Timestamp.After(h.lastSeen) {
		h.lastSeen = rec.Timestamp
	}
}

// Resize changes the per-machine window, trimming existing histories.
func (t *Tracker) Resize(size int) {
	if size <= 0 {
		size = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.size = size
	for _, h := range t.machines {
		if len(h.states) > size {
			h.states = append([]types.MachineState(nil), h.states[len(h.states)-size:]...)
		}
	}
}

// Forget drops a machine's history.
func (t *Tracker) Forget(machineID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.machines, machineID)
}

// Window returns the current fractions for every tracked machine, ordered
// by machine ID.
func (t *Tracker) Window() []MachineWindow {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]MachineWindow, 0, len(t.machines))
	for id, h := range t.machines {
		out = append(out, h.window(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return out
}

func (h *machineHistory) window(id string) MachineWindow {
	var running, idle, fault int
	for _, s := range h.states {
		switch s {
		case types.StateRunning:
			running++
		case types.StateIdle:
			idle++
		case types.StateFault:
			fault++
		}
	}
	n := float64(len(h.states))
	w := MachineWindow{MachineID: id, Samples: len(h.states)}
	if n > 0 {
		w.Utilization = float64(running) / n
		w.IdleFraction = float64(idle) / n
		w.FaultFraction = float64(fault) / n
	}
	return w
}
