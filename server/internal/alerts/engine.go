package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apexcomponents/andonstack/pkg/types"
)

// Store persists alerts. Implementations must be safe for concurrent use.
type Store interface {
	// Active returns the active alerts for one machine.
	Active(ctx context.Context, machineID string) ([]Alert, error)

	// ActiveAll returns every active alert.
	ActiveAll(ctx context.Context) ([]Alert, error)

	// Commit records new alerts and transitions resolved ones.
	Commit(ctx context.Context, created, resolved []Alert) error

	Get(ctx context.Context, id string) (Alert, error)

	// Since returns alerts created at or after t, newest first, at most limit
	// (limit <= 0 means no limit).
	Since(ctx context.Context, t time.Time, limit int) ([]Alert, error)
}

// Notifier receives every raised and resolved alert.
type Notifier interface {
	Notify(a Alert)
}

// Observer is told about every evaluation result; used for metrics.
type Observer interface {
	AlertRaised(a Alert)
	AlertResolved(a Alert)
	RuleWarning(w RuleWarning)
}

// Engine evaluates records against the rule registry and keeps the alert
// store consistent. Records for different machines are processed in parallel;
// records for the same machine are serialised so each evaluation sees the
// previous one's result.
//
// Engine is safe for concurrent use.
type Engine struct {
	eval     *Evaluator
	store    Store
	notifier Notifier
	observer Observer
	now      func() time.Time

	locks sync.Map // machineID -> *sync.Mutex
}

// NewEngine creates an Engine. notifier and observer may be nil.
func NewEngine(eval *Evaluator, store Store, notifier Notifier, observer Observer) *Engine {
	return &Engine{
		eval:     eval,
		store:    store,
		notifier: notifier,
		observer: observer,
		now:      time.Now,
	}
}

// Evaluator returns the engine's evaluator.
func (e *Engine) Evaluator() *Evaluator { return e.eval }

func (e *Engine) machineLock(id string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Process evaluates rec against the machine's active alerts and commits the
// outcome. Notifications are delivered after the commit succeeds.
func (e *Engine) Process(ctx context.Context, rec types.TelemetryRecord) (Outcome, error) {
	if err := rec.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("alerts: %w", err)
	}

	mu := e.machineLock(rec.MachineID)
	mu.Lock()
	active, err := e.store.Active(ctx, rec.MachineID)
	if err != nil {
		mu.Unlock()
		return Outcome{}, fmt.Errorf("alerts: load active for %s: %w", rec.MachineID, err)
	}
	out := e.eval.Evaluate(rec, active)
	if out.New, err = e.dropReplayed(ctx, out.New); err != nil {
		mu.Unlock()
		return Outcome{}, err
	}
	if len(out.New) > 0 || len(out.Resolved) > 0 {
		if err := e.store.Commit(ctx, out.New, out.Resolved); err != nil {
			mu.Unlock()
			return Outcome{}, fmt.Errorf("alerts: commit %s: %w", rec.MachineID, err)
		}
	}
	mu.Unlock()

	e.publish(out)
	return out, nil
}

// dropReplayed removes alerts whose ID is already stored. Alert IDs derive
// from machine, rule and record time, so a known ID means the record was
// delivered before (an agent resending after a lost ack) and its alert has
// since been resolved.
func (e *Engine) dropReplayed(ctx context.Context, created []Alert) ([]Alert, error) {
	kept := created[:0:0]
	for _, a := range created {
		_, err := e.store.Get(ctx, a.ID)
		switch {
		case err == nil:
			slog.Debug("alerts: replayed record, alert already recorded",
				"alert", a.ID, "machine", a.MachineID, "rule", a.RuleID)
		case errors.Is(err, ErrNotFound):
			kept = append(kept, a)
		default:
			return nil, fmt.Errorf("alerts: look up %s: %w", a.ID, err)
		}
	}
	return kept, nil
}

func (e *Engine) publish(out Outcome) {
	for _, w := range out.Warnings {
		slog.Debug("alerts: rule not evaluated",
			"rule", w.RuleID,
			"machine", w.MachineID,
			"err", w.Err,
		)
		if e.observer != nil {
			e.observer.RuleWarning(w)
		}
	}
	for _, a := range out.New {
		slog.Warn("alert raised",
			"rule", a.RuleID,
			"machine", a.MachineID,
			"severity", a.Severity.String(),
			"description", a.Description,
		)
		if e.observer != nil {
			e.observer.AlertRaised(a)
		}
		if e.notifier != nil {
			e.notifier.Notify(a)
		}
	}
	for _, a := range out.Resolved {
		e.resolved(a)
	}
}

func (e *Engine) resolved(a Alert) {
	slog.Info("alert resolved",
		"rule", a.RuleID,
		"machine", a.MachineID,
		"note", a.ResolutionNote,
	)
	if e.observer != nil {
		e.observer.AlertResolved(a)
	}
	if e.notifier != nil {
		e.notifier.Notify(a)
	}
}

// Acknowledge closes the active alert id with an operator note.
func (e *Engine) Acknowledge(ctx context.Context, id, note string) (Alert, error) {
	a, err := e.store.Get(ctx, id)
	if err != nil {
		return Alert{}, err
	}

	mu := e.machineLock(a.MachineID)
	mu.Lock()
	// Re-read under the machine lock; an evaluation may have resolved it.
	a, err = e.store.Get(ctx, id)
	if err != nil {
		mu.Unlock()
		return Alert{}, err
	}
	acked, err := Acknowledge(a, note, e.now())
	if err != nil {
		mu.Unlock()
		return Alert{}, err
	}
	if err := e.store.Commit(ctx, nil, []Alert{acked}); err != nil {
		mu.Unlock()
		return Alert{}, fmt.Errorf("alerts: acknowledge %s: %w", id, err)
	}
	mu.Unlock()

	e.resolved(acked)
	return acked, nil
}

// Active returns every active alert, newest first.
func (e *Engine) Active(ctx context.Context) ([]Alert, error) {
	list, err := e.store.ActiveAll(ctx)
	if err != nil {
		return nil, err
	}
	SortNewest(list)
	return list, nil
}

// Recent returns alerts created within the look-back window, newest first.
func (e *Engine) Recent(ctx context.Context, window time.Duration, limit int) ([]Alert, error) {
	return e.store.Since(ctx, e.now().Add(-window), limit)
}

// Get returns one alert by ID.
func (e *Engine) Get(ctx context.Context, id string) (Alert, error) {
	return e.store.Get(ctx, id)
}
