package alerts

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/apexcomponents/andonstack/pkg/types"
	"github.com/apexcomponents/andonstack/server/internal/rules"
)

// idSpace namespaces name-based alert IDs.
var idSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:andon:alert"))

// alertID derives a reproducible ID from the alert's identity and creation time.
func alertID(machineID, ruleID string, at time.Time) string {
	name := machineID + "\x00" + ruleID + "\x00" + at.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(idSpace, []byte(name)).String()
}

// RuleWarning records a rule whose predicate could not be evaluated.
type RuleWarning struct {
	RuleID    string `json:"rule_id"`
	MachineID string `json:"machine_id"`
	Err       error  `json:"-"`
}

func (w RuleWarning) Error() string { return w.Err.Error() }

// Outcome is the result of evaluating one record.
type Outcome struct {
	New      []Alert
	Resolved []Alert
	Warnings []RuleWarning
}

// Empty reports whether the evaluation changed nothing and raised no warnings.
func (o Outcome) Empty() bool {
	return len(o.New) == 0 && len(o.Resolved) == 0 && len(o.Warnings) == 0
}

// Evaluator runs registered rules against telemetry records.
type Evaluator struct {
	registry *rules.Registry
}

// NewEvaluator returns an Evaluator over reg.
func NewEvaluator(reg *rules.Registry) *Evaluator {
	return &Evaluator{registry: reg}
}

// Registry returns the rules the evaluator runs.
func (e *Evaluator) Registry() *rules.Registry { return e.registry }

// Evaluate runs every rule against rec.
//
// active is the caller's current set of active alerts; entries for other
// machines or already resolved are ignored. For each rule:
//   - fires, no active alert: a new alert created at rec.Timestamp
//   - fires, active alert: nothing (no re-escalation, no re-timestamp)
//   - does not fire, active alert: the alert resolved at rec.Timestamp
//
// A predicate error is reported as a RuleWarning and the rule counts as not
// firing. A record older than an active alert's creation never resolves it,
// so resolved_at is never before created_at.
func (e *Evaluator) Evaluate(rec types.TelemetryRecord, active []Alert) Outcome {
	current := indexActive(rec.MachineID, active)

	var out Outcome
	for _, rule := range e.registry.All() {
		id := rule.ID()
		fires, err := rule.Evaluate(rec)
		if err != nil {
			out.Warnings = append(out.Warnings, RuleWarning{RuleID: id, MachineID: rec.MachineID, Err: err})
			fires = false
		}

		existing, isActive := current[id]
		switch {
		case fires && !isActive:
			out.New = append(out.New, Alert{
				ID:          alertID(rec.MachineID, id, rec.Timestamp),
				MachineID:   rec.MachineID,
				RuleID:      id,
				Severity:    rule.Severity(),
				Description: rule.Describe(rec),
				CreatedAt:   rec.Timestamp,
				Status:      StatusActive,
			})
		case !fires && isActive && !rec.Timestamp.Before(existing.CreatedAt):
			out.Resolved = append(out.Resolved, existing.resolve(rec.Timestamp, NoteConditionCleared))
		}
	}
	return out
}

// indexActive keys the machine's active alerts by rule. If the input holds
// more than one active alert for a rule, the oldest wins.
func indexActive(machineID string, active []Alert) map[string]Alert {
	idx := make(map[string]Alert)
	for _, a := range active {
		if a.MachineID != machineID || !a.Active() {
			continue
		}
		if prev, ok := idx[a.RuleID]; ok && !older(a, prev) {
			continue
		}
		idx[a.RuleID] = a
	}
	return idx
}

func older(a, b Alert) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Apply returns the active set that follows from active and out: resolved
// alerts removed, new alerts appended. active is not modified.
func Apply(active []Alert, out Outcome) []Alert {
	gone := make(map[string]bool, len(out.Resolved))
	for _, a := range out.Resolved {
		gone[a.ID] = true
	}
	next := make([]Alert, 0, len(active)+len(out.New))
	for _, a := range active {
		if !gone[a.ID] {
			next = append(next, a)
		}
	}
	next = append(next, out.New...)
	return next
}

// SortNewest orders alerts by creation time, newest first, ties by ID.
func SortNewest(list []Alert) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
