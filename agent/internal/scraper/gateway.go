package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/apexcomponents/andonstack/agent/internal/config"
	"github.com/apexcomponents/andonstack/pkg/types"
)

// Metric names exposed by machine gateways. Every series carries a machine
// label.
const (
	// Sensor reading, labelled sensor="vibration_rms" etc.
	gwSensorValue = "andon_sensor_value"

	// 1 for the machine's current state, labelled state="running|idle|fault".
	gwMachineState = "andon_machine_state"

	// 1 for the latest part's verdict, labelled flag="ok|scrap|rework".
	gwQualityFlag = "andon_quality_flag"

	// ML annotations, present only when the gateway runs a model.
	gwAnomaly  = "andon_anomaly_detected"
	gwRULHours = "andon_rul_hours"
)

// stateRank orders states when a gateway reports more than one as active.
var stateRank = map[types.MachineState]int{
	types.StateRunning: 1,
	types.StateIdle:    2,
	types.StateFault:   3,
}

var qualityRank = map[string]int{
	types.QualityOK:     1,
	types.QualityRework: 2,
	types.QualityScrap:  3,
}

type gatewayScraper struct {
	src    config.Source
	client *http.Client
}

// Scrape fetches the gateway's metrics page and returns one record per
// machine. Machines that report no active state are skipped.
func (s *gatewayScraper) Scrape(ctx context.Context) ([]types.TelemetryRecord, error) {
	mfs, err := fetchMetrics(ctx, s.client, s.src.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("gateway %q: %w", s.src.ID, err)
	}
	recs, skipped := recordsFromFamilies(mfs, time.Now().UTC())
	if len(skipped) > 0 {
		slog.Warn("scraper: machines without state skipped", "source", s.src.ID, "machines", skipped)
	}
	return recs, nil
}

type partial struct {
	sensors  map[string]float64
	state    types.MachineState
	quality  string
	anomaly  *bool
	rulHours *float64
	ts       time.Time
}

// recordsFromFamilies folds the gateway series into records sorted by
// machine ID. scrapedAt is used when samples carry no timestamp.
func recordsFromFamilies(mfs map[string]*dto.MetricFamily, scrapedAt time.Time) (recs []types.TelemetryRecord, skipped []string) {
	machines := make(map[string]*partial)
	get := func(m *dto.Metric) *partial {
		id := label(m, "machine")
		if id == "" {
			return nil
		}
		p, ok := machines[id]
		if !ok {
			p = &partial{sensors: make(map[string]float64)}
			machines[id] = p
		}
		if ms := m.GetTimestampMs(); ms > 0 {
			if ts := time.UnixMilli(ms).UTC(); ts.After(p.ts) {
				p.ts = ts
			}
		}
		return p
	}

	for _, m := range mfs[gwSensorValue].GetMetric() {
		p, sensor := get(m), label(m, "sensor")
		v, ok := metricValue(m)
		if p == nil || sensor == "" || !ok {
			continue
		}
		p.sensors[sensor] = v
	}

	for _, m := range mfs[gwMachineState].GetMetric() {
		p := get(m)
		v, ok := metricValue(m)
		if p == nil || !ok || v <= 0 {
			continue
		}
		st, err := types.ParseState(label(m, "state"))
		if err != nil {
			continue
		}
		if stateRank[st] > stateRank[p.state] {
			p.state = st
		}
	}

	for _, m := range mfs[gwQualityFlag].GetMetric() {
		p := get(m)
		v, ok := metricValue(m)
		if p == nil || !ok || v <= 0 {
			continue
		}
		if flag := label(m, "flag"); qualityRank[flag] > qualityRank[p.quality] {
			p.quality = flag
		}
	}

	for _, m := range mfs[gwAnomaly].GetMetric() {
		if p := get(m); p != nil {
			if v, ok := metricValue(m); ok {
				p.anomaly = types.Bool(v > 0)
			}
		}
	}

	for _, m := range mfs[gwRULHours].GetMetric() {
		if p := get(m); p != nil {
			if v, ok := metricValue(m); ok {
				p.rulHours = types.Float(v)
			}
		}
	}

	ids := make([]string, 0, len(machines))
	for id := range machines {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		p := machines[id]
		if p.state == "" {
			skipped = append(skipped, id)
			continue
		}
		ts := p.ts
		if ts.IsZero() {
			ts = scrapedAt
		}
		rec := types.TelemetryRecord{
			MachineID: id,
			Timestamp: ts,
			State:     p.state,
			Quality:   p.quality,
			Anomaly:   p.anomaly,
			RULHours:  p.rulHours,
		}
		if len(p.sensors) > 0 {
			rec.Sensors = p.sensors
		}
		recs = append(recs, rec)
	}
	return recs, skipped
}

func logScrapeError(sourceID string, err error) {
	slog.Warn("scraper: scrape failed", "source", sourceID, "err", err)
}
