package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/apexcomponents/andonstack/server/internal/alerts"
	"github.com/apexcomponents/andonstack/server/internal/rules"
)

func newAlert(id, machine, rule string, sec int64) alerts.Alert {
	return alerts.Alert{
		ID:          id,
		MachineID:   machine,
		RuleID:      rule,
		Severity:    rules.SeverityHigh,
		Description: rule + " on " + machine,
		CreatedAt:   time.Unix(sec, 0),
		Status:      alerts.StatusActive,
	}
}

func resolved(a alerts.Alert, sec int64, note string) alerts.Alert {
	at := time.Unix(sec, 0)
	a.Status = alerts.StatusResolved
	a.ResolvedAt = &at
	a.ResolutionNote = note
	return a
}

// backends runs fn against every alerts.Store implementation.
func backends(t *testing.T, fn func(t *testing.T, st alerts.Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryAlerts(100))
	})
	t.Run("sqlite", func(t *testing.T) {
		st, err := OpenSQLiteAlerts(filepath.Join(t.TempDir(), "alerts.db"))
		if err != nil {
			t.Fatalf("OpenSQLiteAlerts: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		fn(t, st)
	})
}

func TestAlertStore_Lifecycle(t *testing.T) {
	backends(t, func(t *testing.T, st alerts.Store) {
		ctx := context.Background()
		a := newAlert("a1", "CNC_01", "vib", 100)
		b := newAlert("b1", "CNC_02", "vib", 110)

		if err := st.Commit(ctx, []alerts.Alert{a, b}, nil); err != nil {
			t.Fatalf("Commit create: %v", err)
		}

		active, err := st.Active(ctx, "CNC_01")
		if err != nil {
			t.Fatal(err)
		}
		if len(active) != 1 || active[0].ID != "a1" {
			t.Fatalf("Active(CNC_01) = %+v", active)
		}
		if active[0].Severity != rules.SeverityHigh || !active[0].CreatedAt.Equal(time.Unix(100, 0)) {
			t.Errorf("round-trip lost fields: %+v", active[0])
		}

		all, _ := st.ActiveAll(ctx)
		if len(all) != 2 {
			t.Errorf("ActiveAll = %d, want 2", len(all))
		}

		if err := st.Commit(ctx, nil, []alerts.Alert{resolved(a, 200, "condition cleared")}); err != nil {
			t.Fatalf("Commit resolve: %v", err)
		}
		got, err := st.Get(ctx, "a1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != alerts.StatusResolved || got.ResolvedAt == nil || !got.ResolvedAt.Equal(time.Unix(200, 0)) {
			t.Errorf("resolved alert = %+v", got)
		}
		if got.ResolutionNote != "condition cleared" {
			t.Errorf("note = %q", got.ResolutionNote)
		}
		if active, _ := st.Active(ctx, "CNC_01"); len(active) != 0 {
			t.Errorf("Active after resolve = %+v", active)
		}

		// A new alert for the same key may be raised once the old one closed.
		if err := st.Commit(ctx, []alerts.Alert{newAlert("a2", "CNC_01", "vib", 300)}, nil); err != nil {
			t.Fatalf("re-raise: %v", err)
		}
	})
}

func TestAlertStore_ResolvedIsFinal(t *testing.T) {
	backends(t, func(t *testing.T, st alerts.Store) {
		ctx := context.Background()
		a := newAlert("a1", "CNC_01", "vib", 100)
		_ = st.Commit(ctx, []alerts.Alert{a}, nil)
		_ = st.Commit(ctx, nil, []alerts.Alert{resolved(a, 200, "first")})

		err := st.Commit(ctx, nil, []alerts.Alert{resolved(a, 300, "second")})
		if !errors.Is(err, alerts.ErrAlreadyResolved) {
			t.Fatalf("second resolve err = %v, want ErrAlreadyResolved", err)
		}
		got, _ := st.Get(ctx, "a1")
		if got.ResolutionNote != "first" {
			t.Errorf("resolved alert was mutated: %+v", got)
		}

		err = st.Commit(ctx, nil, []alerts.Alert{resolved(newAlert("ghost", "X", "r", 1), 2, "")})
		if !errors.Is(err, alerts.ErrNotFound) {
			t.Errorf("resolve unknown err = %v, want ErrNotFound", err)
		}
	})
}

func TestAlertStore_OneActivePerKey(t *testing.T) {
	backends(t, func(t *testing.T, st alerts.Store) {
		ctx := context.Background()
		if err := st.Commit(ctx, []alerts.Alert{newAlert("a1", "CNC_01", "vib", 100)}, nil); err != nil {
			t.Fatal(err)
		}
		if err := st.Commit(ctx, []alerts.Alert{newAlert("a2", "CNC_01", "vib", 101)}, nil); err == nil {
			t.Fatal("second active alert for the same key accepted")
		}
		if active, _ := st.Active(ctx, "CNC_01"); len(active) != 1 {
			t.Errorf("Active = %d, want 1", len(active))
		}
	})
}

func TestAlertStore_GetMissing(t *testing.T) {
	backends(t, func(t *testing.T, st alerts.Store) {
		if _, err := st.Get(context.Background(), "nope"); !errors.Is(err, alerts.ErrNotFound) {
			t.Errorf("Get err = %v, want ErrNotFound", err)
		}
	})
}

func TestAlertStore_Since(t *testing.T) {
	backends(t, func(t *testing.T, st alerts.Store) {
		ctx := context.Background()
		_ = st.Commit(ctx, []alerts.Alert{
			newAlert("old", "A", "r", 50),
			newAlert("mid", "B", "r", 150),
			newAlert("new", "C", "r", 250),
		}, nil)

		got, err := st.Since(ctx, time.Unix(100, 0), 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0].ID != "new" || got[1].ID != "mid" {
			t.Errorf("Since = %+v, want [new mid]", ids(got))
		}

		got, _ = st.Since(ctx, time.Unix(0, 0), 1)
		if len(got) != 1 || got[0].ID != "new" {
			t.Errorf("Since limit 1 = %v", ids(got))
		}
	})
}

func TestMemoryAlerts_HistoryLimit(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryAlerts(2)
	for i, id := range []string{"a", "b", "c"} {
		a := newAlert(id, "CNC_01", "vib", int64(i*10))
		_ = st.Commit(ctx, []alerts.Alert{a}, nil)
		_ = st.Commit(ctx, nil, []alerts.Alert{resolved(a, int64(i*10+5), "")})
	}
	if _, err := st.Get(ctx, "a"); !errors.Is(err, alerts.ErrNotFound) {
		t.Error("oldest resolved alert should have been dropped")
	}
	if _, err := st.Get(ctx, "c"); err != nil {
		t.Errorf("newest resolved alert missing: %v", err)
	}
}

func TestSQLiteAlerts_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "alerts.db")

	st, err := OpenSQLiteAlerts(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = st.Commit(ctx, []alerts.Alert{newAlert("a1", "CNC_01", "vib", 100)}, nil)
	_ = st.Close()

	st, err = OpenSQLiteAlerts(path)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	active, _ := st.Active(ctx, "CNC_01")
	if len(active) != 1 || active[0].ID != "a1" {
		t.Errorf("Active after reopen = %v", ids(active))
	}
}

func ids(list []alerts.Alert) []string {
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.ID
	}
	return out
}

func TestAlertStore_CreateExistingIDFails(t *testing.T) {
	backends(t, func(t *testing.T, st alerts.Store) {
		ctx := context.Background()
		a := newAlert("a1", "CNC_01", "vib", 100)
		if err := st.Commit(ctx, []alerts.Alert{a}, nil); err != nil {
			t.Fatal(err)
		}
		if err := st.Commit(ctx, nil, []alerts.Alert{resolved(a, 200, alerts.NoteConditionCleared)}); err != nil {
			t.Fatal(err)
		}

		err := st.Commit(ctx, []alerts.Alert{a}, nil)
		if !errors.Is(err, alerts.ErrExists) {
			t.Fatalf("re-create resolved id: err = %v, want ErrExists", err)
		}
		got, err := st.Get(ctx, "a1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Active() {
			t.Error("failed commit reactivated the resolved alert")
		}
	})
}

func TestSQLiteAlerts_CreatesIndexes(t *testing.T) {
	st, err := OpenSQLiteAlerts(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	for _, name := range []string{"idx_alerts_active", "idx_alerts_created_at"} {
		var n int
		if err := st.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, name).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("index %s missing", name)
		}
	}
}
