package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apexcomponents/andonstack/server/internal/alerts"
)

// MemoryAlerts is an in-memory alerts.Store. Resolved alerts beyond the
// history limit are dropped oldest first.
type MemoryAlerts struct {
	mu       sync.RWMutex
	byID     map[string]alerts.Alert
	active   map[alerts.Key]string
	resolved []string // resolution order
	limit    int
}

// NewMemoryAlerts returns an empty store keeping at most historyLimit
// resolved alerts.
func NewMemoryAlerts(historyLimit int) *MemoryAlerts {
	return &MemoryAlerts{
		byID:   make(map[string]alerts.Alert),
		active: make(map[alerts.Key]string),
		limit:  historyLimit,
	}
}

func (m *MemoryAlerts) Active(_ context.Context, machineID string) ([]alerts.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []alerts.Alert
	for k, id := range m.active {
		if k.MachineID == machineID {
			out = append(out, m.byID[id])
		}
	}
	return out, nil
}

func (m *MemoryAlerts) ActiveAll(_ context.Context) ([]alerts.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]alerts.Alert, 0, len(m.active))
	for _, id := range m.active {
		out = append(out, m.byID[id])
	}
	return out, nil
}

// Commit applies created and resolved atomically: if any transition is
// invalid nothing is written.
func (m *MemoryAlerts) Commit(_ context.Context, created, resolved []alerts.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range resolved {
		cur, ok := m.byID[a.ID]
		if !ok {
			return fmt.Errorf("store: resolve %s: %w", a.ID, alerts.ErrNotFound)
		}
		if !cur.Active() {
			return fmt.Errorf("store: resolve %s: %w", a.ID, alerts.ErrAlreadyResolved)
		}
	}
	pending := make(map[alerts.Key]bool, len(created))
	for _, a := range created {
		if _, dup := m.byID[a.ID]; dup {
			return fmt.Errorf("store: create %s: %w", a.ID, alerts.ErrExists)
		}
		if _, busy := m.active[a.Key()]; (busy && !resolving(resolved, m.active[a.Key()])) || pending[a.Key()] {
			return fmt.Errorf("store: create %s: %s/%s already has an active alert", a.ID, a.MachineID, a.RuleID)
		}
		pending[a.Key()] = true
	}

	for _, a := range resolved {
		m.byID[a.ID] = a
		delete(m.active, a.Key())
		m.resolved = append(m.resolved, a.ID)
	}
	for _, a := range created {
		m.byID[a.ID] = a
		m.active[a.Key()] = a.ID
	}

	if m.limit > 0 && len(m.resolved) > m.limit {
		drop := len(m.resolved) - m.limit
		for _, id := range m.resolved[:drop] {
			delete(m.byID, id)
		}
		m.resolved = append([]string(nil), m.resolved[drop:]...)
	}
	return nil
}

func resolving(resolved []alerts.Alert, id string) bool {
	for _, a := range resolved {
		if a.ID == id {
			return true
		}
	}
	return false
}

func (m *MemoryAlerts) Get(_ context.Context, id string) (alerts.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[id]
	if !ok {
		return alerts.Alert{}, alerts.ErrNotFound
	}
	return a, nil
}

func (m *MemoryAlerts) Since(_ context.Context, t time.Time, limit int) ([]alerts.Alert, error) {
	m.mu.RLock()
	out := make([]alerts.Alert, 0)
	for _, a := range m.byID {
		if !a.CreatedAt.Before(t) {
			out = append(out, a)
		}
	}
	m.mu.RUnlock()

	alerts.SortNewest(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
