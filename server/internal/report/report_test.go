package report

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/apexcomponents/andonstack/pkg/types"
	"github.com/apexcomponents/andonstack/server/internal/config"
	"github.com/apexcomponents/andonstack/server/internal/flow"
)

func newAnalyzer(t *testing.T) *flow.Analyzer {
	t.Helper()
	cfg := config.Defaults().Server.Flow
	a, err := flow.NewAnalyzer(cfg, flow.NewTracker(cfg.Window))
	if err != nil {
		t.Fatalf("NewAnalyzer: %v", err)
	}
	return a
}

func TestRunOnce_Publishes(t *testing.T) {
	a := newAnalyzer(t)
	a.Tracker().Observe(types.TelemetryRecord{MachineID: "VF2_01", Timestamp: time.Unix(1, 0), State: types.StateFault})
	a.Tracker().Observe(types.TelemetryRecord{MachineID: "DRILL_01", Timestamp: time.Unix(1, 0), State: types.StateRunning})

	var got []flow.Report
	r := New(a, func(rep flow.Report) { got = append(got, rep) }, func(rep flow.Report) { got = append(got, rep) })

	if _, ok := r.Last(); ok {
		t.Error("Last before any run should report false")
	}
	rep, err := r.RunOnce()
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("publishers called %d times, want 2", len(got))
	}
	if top, _ := rep.Top(); top.MachineID != "VF2_01" {
		t.Errorf("top: got %s, want VF2_01", top.MachineID)
	}
	if last, ok := r.Last(); !ok || len(last.Scores) != 2 {
		t.Errorf("Last: %+v, %v", last, ok)
	}
}

func TestSetSchedule(t *testing.T) {
	r := New(newAnalyzer(t))

	if err := r.SetSchedule("not a schedule"); err == nil {
		t.Error("invalid schedule accepted")
	}
	if err := r.SetSchedule("*/15 * * * *"); err != nil {
		t.Fatalf("SetSchedule: %v", err)
	}
	if n := len(r.cron.Entries()); n != 1 {
		t.Errorf("entries: got %d, want 1", n)
	}
	// A failed change keeps the previous schedule.
	if err := r.SetSchedule("61 * * * *"); err == nil {
		t.Error("minute 61 accepted")
	}
	if r.schedule != "*/15 * * * *" || len(r.cron.Entries()) != 1 {
		t.Errorf("schedule after failed change: %q, %d entries", r.schedule, len(r.cron.Entries()))
	}
	if err := r.SetSchedule(""); err != nil {
		t.Fatal(err)
	}
	if n := len(r.cron.Entries()); n != 0 {
		t.Errorf("entries after disable: got %d, want 0", n)
	}
}

func TestRun_FiresOnSchedule(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	fired := make(chan struct{}, 4)
	r := New(newAnalyzer(t), func(flow.Report) {
		mu.Lock()
		runs++
		mu.Unlock()
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	if err := r.SetSchedule("@every 1s"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled report did not run")
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if runs < 1 {
		t.Errorf("runs: got %d", runs)
	}
}
