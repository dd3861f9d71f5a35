package report

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/apexcomponents/andonstack/server/internal/flow"
)

// Publisher receives every generated report.
type Publisher func(flow.Report)

// Reporter schedules flow analysis runs.
type Reporter struct {
	analyzer   *flow.Analyzer
	publishers []Publisher
	cron       *cron.Cron

	mu       sync.Mutex
	entry    cron.EntryID
	schedule string
	last     *flow.Report
}

// New creates a Reporter. Call SetSchedule to enable periodic runs.
func New(analyzer *flow.Analyzer, publishers ...Publisher) *Reporter {
	return &Reporter{
		analyzer:   analyzer,
		publishers: publishers,
		cron:       cron.New(),
	}
}

// SetSchedule replaces the run schedule. An empty spec disables periodic
// runs. On a parse error the previous schedule stays in effect.
func (r *Reporter) SetSchedule(spec string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if spec == r.schedule {
		return nil
	}
	var sched cron.Schedule
	if spec != "" {
		var err error
		if sched, err = cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("report: schedule %q: %w", spec, err)
		}
	}

	if r.entry != 0 {
		r.cron.Remove(r.entry)
		r.entry = 0
	}
	r.schedule = spec
	if sched != nil {
		r.entry = r.cron.Schedule(sched, cron.FuncJob(func() { r.RunOnce() }))
	}
	slog.Info("report: schedule set", "schedule", spec)
	return nil
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits for
// a running job to finish.
func (r *Reporter) Run(ctx context.Context) {
	r.cron.Start()
	<-ctx.Done()
	<-r.cron.Stop().Done()
}

// RunOnce analyzes the current window and publishes the report.
func (r *Reporter) RunOnce() (flow.Report, error) {
	rep, err := r.analyzer.Report()
	if err != nil {
		slog.Error("report: analysis failed", "err", err)
		return flow.Report{}, err
	}

	if top, ok := rep.Top(); ok {
		slog.Info("report: bottleneck report",
			"top", top.MachineID,
			"score", top.Composite,
			"machines", len(rep.Scores),
			"above_threshold", len(rep.Recommendations),
			"flow_efficiency_pct", rep.Efficiency.FlowEfficiency,
		)
	} else {
		slog.Info("report: no machines in window")
	}

	r.mu.Lock()
	r.last = &rep
	r.mu.Unlock()

	for _, p := range r.publishers {
		p(rep)
	}
	return rep, nil
}

// Last returns the most recent report, if any run has completed.
func (r *Reporter) Last() (flow.Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return flow.Report{}, false
	}
	return *r.last, true
}
