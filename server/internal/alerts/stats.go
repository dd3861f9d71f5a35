package alerts

import (
	"sort"
	"time"

	"github.com/apexcomponents/andonstack/server/internal/rules"
)

// Summary aggregates alert triggers over a look-back window.
type Summary struct {
	Since      time.Time      `json:"since"`
	Total      int            `json:"total"`
	Active     int            `json:"active"`
	Resolved   int            `json:"resolved"`
	BySeverity map[string]int `json:"by_severity"`
	ByMachine  map[string]int `json:"by_machine"`
	ByRule     map[string]int `json:"by_rule"`

	// ResolutionRate is Resolved/Total, 0 when Total is 0.
	ResolutionRate float64 `json:"resolution_rate"`

	// MeanTimeToResolve is averaged over resolved alerts only.
	MeanTimeToResolve time.Duration `json:"mean_time_to_resolve_ns"`
}

// Summarize counts alerts created at or after since.
func Summarize(list []Alert, since time.Time) Summary {
	s := Summary{
		Since:      since,
		BySeverity: make(map[string]int),
		ByMachine:  make(map[string]int),
		ByRule:     make(map[string]int),
	}
	var ttr time.Duration
	for _, a := range list {
		if a.CreatedAt.Before(since) {
			continue
		}
		s.Total++
		s.BySeverity[a.Severity.String()]++
		s.ByMachine[a.MachineID]++
		s.ByRule[a.RuleID]++
		if a.Active() {
			s.Active++
			continue
		}
		s.Resolved++
		if a.ResolvedAt != nil {
			ttr += a.ResolvedAt.Sub(a.CreatedAt)
		}
	}
	if s.Total > 0 {
		s.ResolutionRate = float64(s.Resolved) / float64(s.Total)
	}
	if s.Resolved > 0 {
		s.MeanTimeToResolve = ttr / time.Duration(s.Resolved)
	}
	return s
}

// MachineStatus is one row of the Andon board.
type MachineStatus struct {
	MachineID string         `json:"machine_id"`
	Highest   rules.Severity `json:"highest_severity"`
	Active    int            `json:"active"`
	Rules     []string       `json:"rules"`
}

// Board groups active alerts by machine, most severe machines first.
func Board(active []Alert) []MachineStatus {
	byMachine := make(map[string]*MachineStatus)
	for _, a := range active {
		if !a.Active() {
			continue
		}
		st, ok := byMachine[a.MachineID]
		if !ok {
			st = &MachineStatus{MachineID: a.MachineID}
			byMachine[a.MachineID] = st
		}
		st.Active++
		st.Rules = append(st.Rules, a.RuleID)
		if a.Severity > st.Highest {
			st.Highest = a.Severity
		}
	}

	out := make([]MachineStatus, 0, len(byMachine))
	for _, st := range byMachine {
		sort.Strings(st.Rules)
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Highest != out[j].Highest {
			return out[i].Highest > out[j].Highest
		}
		return out[i].MachineID < out[j].MachineID
	})
	return out
}
