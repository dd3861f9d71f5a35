package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/apexcomponents/andonstack/pkg/types"
)

// Entry is a machine's latest reading together with the time it was received.
type Entry struct {
	Record    types.TelemetryRecord
	UpdatedAt time.Time

	// Readings counts records received for the machine since it was first seen.
	Readings uint64
}

// Machines is a thread-safe in-memory store of the latest reading per machine.
// A background goroutine (Run) periodically evicts machines that have not
// reported within the configured TTL.
type Machines struct {
	mu   sync.RWMutex
	data map[string]*Entry
	ttl  time.Duration
	now  func() time.Time // injectable for deterministic tests
}

// NewMachines creates a Machines store with the given TTL.
func NewMachines(ttl time.Duration) *Machines {
	return &Machines{
		data: make(map[string]*Entry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Put stores rec as the latest reading for rec.MachineID. Older readings
// arriving late do not replace a newer one.
func (s *Machines) Put(rec types.TelemetryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[rec.MachineID]
	if !ok {
		e = &Entry{}
		s.data[rec.MachineID] = e
	}
	e.Readings++
	e.UpdatedAt = s.now()
	if !ok || !rec.Timestamp.Before(e.Record.Timestamp) {
		e.Record = rec
	}
}

// Get returns a copy of the entry for machineID. The entry may be stale if
// the TTL has elapsed but eviction has not run yet.
func (s *Machines) Get(machineID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[machineID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns all live entries ordered by machine ID.
func (s *Machines) List() []Entry {
	s.mu.RLock()
	cutoff := s.now().Add(-s.ttl)
	out := make([]Entry, 0, len(s.data))
	for _, e := range s.data {
		if e.UpdatedAt.After(cutoff) {
			out = append(out, *e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Record.MachineID < out[j].Record.MachineID })
	return out
}

// Count returns the number of machines held, including stale ones.
func (s *Machines) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Evict removes machines whose last update is older than now minus TTL.
// It returns the number of machines removed.
func (s *Machines) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for id, e := range s.data {
		if !e.UpdatedAt.After(cutoff) {
			delete(s.data, id)
			removed++
		}
	}
	return removed
}

// Run starts the TTL eviction loop, ticking at half the TTL (minimum one
// second). It blocks until ctx is cancelled.
func (s *Machines) Run(ctx context.Context) {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Info("store: machines went silent", "count", n)
			}
		}
	}
}
