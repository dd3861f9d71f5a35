package alerts

import (
	"errors"
	"time"

	"github.com/apexcomponents/andonstack/server/internal/rules"
)

// Status is the lifecycle state of an alert. Active alerts become Resolved
// exactly once and are never modified afterwards.
type Status string

const (
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
)

// Resolution notes recorded when an alert is closed.
const (
	NoteConditionCleared = "condition cleared"
	NoteAcknowledged     = "acknowledged"
)

var (
	// ErrNotFound is returned by stores for unknown alert IDs.
	ErrNotFound = errors.New("alerts: alert not found")

	// ErrAlreadyResolved is returned when closing an alert that is not active.
	ErrAlreadyResolved = errors.New("alerts: alert already resolved")

	// ErrExists is returned by stores when a created alert's ID is taken.
	ErrExists = errors.New("alerts: alert id exists")
)

// Alert is one raised Andon alert.
type Alert struct {
	ID             string         `json:"id"`
	MachineID      string         `json:"machine_id"`
	RuleID         string         `json:"rule_id"`
	Severity       rules.Severity `json:"severity"`
	Description    string         `json:"description"`
	CreatedAt      time.Time      `json:"created_at"`
	Status         Status         `json:"status"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	ResolutionNote string         `json:"resolution_note,omitempty"`
}

// Key identifies the (machine, rule) pair an alert deduplicates on.
type Key struct {
	MachineID string
	RuleID    string
}

func (a Alert) Key() Key { return Key{MachineID: a.MachineID, RuleID: a.RuleID} }

func (a Alert) Active() bool { return a.Status == StatusActive }

// resolve returns a resolved copy of a.
func (a Alert) resolve(at time.Time, note string) Alert {
	t := at
	a.Status = StatusResolved
	a.ResolvedAt = &t
	a.ResolutionNote = note
	return a
}

// Acknowledge closes an active alert on behalf of an operator. The returned
// copy carries the resolution time and note; a is not modified.
func Acknowledge(a Alert, note string, at time.Time) (Alert, error) {
	if !a.Active() {
		return Alert{}, ErrAlreadyResolved
	}
	if note == "" {
		note = NoteAcknowledged
	}
	return a.resolve(at, note), nil
}
