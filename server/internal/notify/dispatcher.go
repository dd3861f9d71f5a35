package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/apexcomponents/andonstack/server/internal/alerts"
	"github.com/apexcomponents/andonstack/server/internal/config"
	"github.com/apexcomponents/andonstack/server/internal/flow"
	"github.com/apexcomponents/andonstack/server/internal/rules"
)

// DefaultQueueSize bounds pending webhook deliveries.
const DefaultQueueSize = 256

// Sink receives alert events for the dashboard channel.
type Sink interface {
	AlertEvent(a alerts.Alert)
}

type target struct {
	cfg     config.WebhookConfig
	limiter *rate.Limiter // nil means unlimited
}

type job struct {
	alert  *alerts.Alert
	report *flow.Report
}

// Dispatcher routes finalized alerts to the channels their severity reaches
// under the escalation policy. Dashboard sinks are called inline; webhooks
// are delivered in order by Run.
//
// Dispatcher is safe for concurrent use and implements alerts.Notifier.
type Dispatcher struct {
	mu         sync.RWMutex
	targets    []target
	escalation map[rules.Severity]map[string]bool
	sinks      []Sink

	client *http.Client
	queue  chan job
}

// New creates a Dispatcher from the alert configuration.
func New(cfg config.AlertsConfig, sinks ...Sink) *Dispatcher {
	d := &Dispatcher{
		sinks:  sinks,
		client: &http.Client{Timeout: 10 * time.Second},
		queue:  make(chan job, DefaultQueueSize),
	}
	d.Reload(cfg)
	return d
}

// Reload replaces webhook targets and the escalation policy.
func (d *Dispatcher) Reload(cfg config.AlertsConfig) {
	targets := make([]target, 0, len(cfg.Webhooks))
	for _, wh := range cfg.Webhooks {
		t := target{cfg: wh}
		if wh.RatePerMinute > 0 {
			t.limiter = rate.NewLimiter(rate.Limit(wh.RatePerMinute/60), 1)
		}
		targets = append(targets, t)
	}

	esc := make(map[rules.Severity]map[string]bool)
	for _, sev := range rules.Severities() {
		chans := make(map[string]bool)
		for _, ch := range cfg.Escalation.Channels(sev.String()) {
			chans[ch] = true
		}
		esc[sev] = chans
	}

	d.mu.Lock()
	d.targets = targets
	d.escalation = esc
	d.mu.Unlock()
}

// AddSink registers a dashboard sink. Sinks built on top of the alert engine
// are added after the engine exists.
func (d *Dispatcher) AddSink(s Sink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
}

// Channels reports which channels a severity reaches.
func (d *Dispatcher) Channels(sev rules.Severity) map[string]bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.escalation[sev]
}

// Notify routes a raised or resolved alert. It never blocks: when the
// webhook queue is full the delivery is dropped and logged.
func (d *Dispatcher) Notify(a alerts.Alert) {
	d.mu.RLock()
	chans := d.escalation[a.Severity]
	sinks := d.sinks
	d.mu.RUnlock()

	if chans[config.ChannelDashboard] {
		for _, s := range sinks {
			s.AlertEvent(a)
		}
	}
	if !d.anyWebhook(chans) {
		return
	}
	cp := a
	d.enqueue(job{alert: &cp})
}

// Report queues a bottleneck report for targets that opted in.
func (d *Dispatcher) Report(r flow.Report) {
	d.enqueue(job{report: &r})
}

func (d *Dispatcher) enqueue(j job) {
	select {
	case d.queue <- j:
	default:
		slog.Warn("notify: queue full, dropping delivery")
	}
}

func (d *Dispatcher) anyWebhook(chans map[string]bool) bool {
	return chans[config.ChannelChat] || chans[config.ChannelPager] || chans[config.ChannelStop]
}

// Run delivers queued notifications until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			if j.alert != nil {
				d.deliverAlert(ctx, *j.alert)
			} else if j.report != nil {
				d.deliverReport(ctx, *j.report)
			}
		}
	}
}

// deliverAlert sends a to every target on a channel its severity reaches.
// Stop requests are only sent for newly raised alerts. Errors are logged
// and do not affect other targets.
func (d *Dispatcher) deliverAlert(ctx context.Context, a alerts.Alert) {
	d.mu.RLock()
	targets := d.targets
	chans := d.escalation[a.Severity]
	d.mu.RUnlock()

	for _, t := range targets {
		ch := t.cfg.EffectiveChannel()
		if !chans[ch] {
			continue
		}
		if ch == config.ChannelStop && !a.Active() {
			continue
		}
		url := t.cfg.URL()
		if url == "" {
			continue
		}
		if t.limiter != nil && ch != config.ChannelStop && !t.limiter.Allow() {
			slog.Warn("notify: rate limited, skipping webhook",
				"target", t.cfg.Name,
				"rule", a.RuleID,
				"machine", a.MachineID,
			)
			continue
		}

		var body []byte
		switch t.cfg.Type {
		case "slack":
			body = slackAlert(a)
		case "teams":
			body = teamsAlert(a)
		case "pagerduty":
			body = pagerDutyAlert(a)
		case "stop_machine":
			body = stopRequest(a)
		default:
			body = httpAlert(a)
		}

		if err := d.post(ctx, url, body); err != nil {
			slog.Error("notify: webhook delivery failed",
				"target", t.cfg.Name,
				"type", t.cfg.Type,
				"rule", a.RuleID,
				"err", err,
			)
			continue
		}
		slog.Debug("notify: webhook delivered",
			"target", t.cfg.Name,
			"type", t.cfg.Type,
			"rule", a.RuleID,
			"status", string(a.Status),
		)
	}
}

func (d *Dispatcher) deliverReport(ctx context.Context, r flow.Report) {
	d.mu.RLock()
	targets := d.targets
	d.mu.RUnlock()

	for _, t := range targets {
		if !t.cfg.Reports {
			continue
		}
		url := t.cfg.URL()
		if url == "" {
			continue
		}
		if err := d.post(ctx, url, reportBody(t.cfg.Type, r)); err != nil {
			slog.Error("notify: report delivery failed", "target", t.cfg.Name, "err", err)
		}
	}
}
