package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/apexcomponents/andonstack/pkg/ingest"
	"github.com/apexcomponents/andonstack/pkg/types"
	"github.com/apexcomponents/andonstack/server/internal/alerts"
	"github.com/apexcomponents/andonstack/server/internal/flow"
	"github.com/apexcomponents/andonstack/server/internal/rules"
	"github.com/apexcomponents/andonstack/server/internal/store"
)

const (
	defaultWindow = 24 * time.Hour
	maxBodyBytes  = 4 << 20
)

// Ingester accepts telemetry submitted over HTTP.
type Ingester interface {
	Ingest(ctx context.Context, transport string, records []types.TelemetryRecord) (ingest.Ack, error)
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	machines *store.Machines
	engine   *alerts.Engine
	analyzer *flow.Analyzer
	ingester Ingester
	validate *validator.Validate
	mux      *http.ServeMux
}

// New creates a Handler and registers all routes. ingester may be nil, in
// which case POST /api/v1/telemetry answers 503.
func New(machines *store.Machines, engine *alerts.Engine, analyzer *flow.Analyzer, ingester Ingester) http.Handler {
	h := &Handler{
		machines: machines,
		engine:   engine,
		analyzer: analyzer,
		ingester: ingester,
		validate: newValidator(),
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/machines", h.listMachines)
	h.mux.HandleFunc("/api/v1/machines/", h.getMachine) // subtree, extracts {id}
	h.mux.HandleFunc("/api/v1/alerts", h.listAlerts)
	h.mux.HandleFunc("/api/v1/alerts/stats", h.alertStats)
	h.mux.HandleFunc("/api/v1/alerts/", h.alertByID) // {id} and {id}/ack
	h.mux.HandleFunc("/api/v1/rules", h.listRules)
	h.mux.HandleFunc("/api/v1/bottlenecks", h.bottlenecks)
	h.mux.HandleFunc("/api/v1/snapshot", h.snapshot)
	h.mux.HandleFunc("/api/v1/telemetry", h.telemetry)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("machinestate", func(fl validator.FieldLevel) bool {
		_, err := types.ParseState(fl.Field().String())
		return err == nil
	})
	return v
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	active, err := h.engine.Active(r.Context())
	if err != nil {
		jsonErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	entries := h.machines.List()
	resp := HealthResponse{MachineCount: len(entries), AlertCount: len(active)}
	for _, e := range entries {
		switch e.Record.State {
		case types.StateRunning:
			resp.RunningCount++
		case types.StateIdle:
			resp.IdleCount++
		case types.StateFault:
			resp.FaultCount++
		}
	}

	if len(entries) == 0 {
		resp.State = "unknown"
	} else {
		resp.State = stateFromAlerts(active)
	}
	jsonResp(w, http.StatusOK, resp)
}

// listMachines returns GET /api/v1/machines, all live machines.
func (h *Handler) listMachines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	active, err := h.engine.Active(r.Context())
	if err != nil {
		jsonErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResp(w, http.StatusOK, machineResponses(h.machines.List(), active))
}

// getMachine returns GET /api/v1/machines/{id} with its active alerts.
func (h *Handler) getMachine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/machines/")
	if id == "" {
		h.listMachines(w, r)
		return
	}

	var entry *store.Entry
	for _, e := range h.machines.List() {
		if e.Record.MachineID == id {
			e := e
			entry = &e
			break
		}
	}
	if entry == nil {
		jsonErr(w, http.StatusNotFound, "machine not found")
		return
	}

	active, err := h.engine.Active(r.Context())
	if err != nil {
		jsonErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := toMachineResponse(*entry, active)
	for _, a := range active {
		if a.MachineID == id {
			resp.Alerts = append(resp.Alerts, a)
		}
	}
	jsonResp(w, http.StatusOK, resp)
}

// listAlerts returns GET /api/v1/alerts.
//
// Query parameters: status=active|all (default active), window (Go duration,
// default 24h, only with status=all), limit, machine.
func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}

	var list []alerts.Alert
	switch q.Get("status") {
	case "", "active":
		list, err = h.engine.Active(r.Context())
	case "all":
		var window time.Duration
		window, err = durationParam(q.Get("window"))
		if err != nil {
			jsonErr(w, http.StatusBadRequest, err.Error())
			return
		}
		list, err = h.engine.Recent(r.Context(), window, 0)
	default:
		jsonErr(w, http.StatusBadRequest, "status must be active or all")
		return
	}
	if err != nil {
		jsonErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]alerts.Alert, 0, len(list))
	machine := q.Get("machine")
	for _, a := range list {
		if machine != "" && a.MachineID != machine {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	jsonResp(w, http.StatusOK, AlertsResponse{Alerts: out, Count: len(out)})
}

// alertStats returns GET /api/v1/alerts/stats?window=24h.
func (h *Handler) alertStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	window, err := durationParam(r.URL.Query().Get("window"))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := h.engine.Recent(r.Context(), window, 0)
	if err != nil {
		jsonErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	jsonResp(w, http.StatusOK, alerts.Summarize(list, time.Now().Add(-window)))
}

// alertByID serves GET /api/v1/alerts/{id} and POST /api/v1/alerts/{id}/ack.
func (h *Handler) alertByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/alerts/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		h.listAlerts(w, r)
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		a, err := h.engine.Get(r.Context(), id)
		if errors.Is(err, alerts.ErrNotFound) {
			jsonErr(w, http.StatusNotFound, "alert not found")
			return
		}
		if err != nil {
			jsonErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		jsonResp(w, http.StatusOK, a)

	case "ack":
		if r.Method != http.MethodPost {
			jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req AckRequest
		if r.ContentLength != 0 {
			if err := h.decode(w, r, &req); err != nil {
				jsonErr(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		a, err := h.engine.Acknowledge(r.Context(), id, req.Note)
		switch {
		case errors.Is(err, alerts.ErrNotFound):
			jsonErr(w, http.StatusNotFound, "alert not found")
		case errors.Is(err, alerts.ErrAlreadyResolved):
			jsonErr(w, http.StatusConflict, "alert already resolved")
		case err != nil:
			jsonErr(w, http.StatusInternalServerError, err.Error())
		default:
			jsonResp(w, http.StatusOK, a)
		}

	default:
		jsonErr(w, http.StatusNotFound, "not found")
	}
}

// listRules returns GET /api/v1/rules in evaluation order.
func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, h.engine.Evaluator().Registry().Definitions())
}

// bottlenecks returns GET /api/v1/bottlenecks, a fresh analysis of the
// current tracker window.
func (h *Handler) bottlenecks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	report, err := h.analyzer.Report()
	if err != nil {
		jsonErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResp(w, http.StatusOK, report)
}

// snapshot returns GET /api/v1/snapshot, the dashboard view.
func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snap, err := BuildSnapshot(r.Context(), h.machines, h.engine)
	if err != nil {
		jsonErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResp(w, http.StatusOK, snap)
}

// telemetry accepts POST /api/v1/telemetry.
func (h *Handler) telemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.ingester == nil {
		jsonErr(w, http.StatusServiceUnavailable, "ingest disabled")
		return
	}

	var req TelemetryRequest
	if err := h.decode(w, r, &req); err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}

	records := make([]types.TelemetryRecord, 0, len(req.Records))
	for _, rr := range req.Records {
		st, _ := types.ParseState(rr.State) // validated by the machinestate tag
		records = append(records, types.TelemetryRecord{
			MachineID: rr.MachineID,
			Timestamp: rr.Timestamp,
			Sensors:   rr.Sensors,
			State:     st,
			Quality:   rr.Quality,
			Anomaly:   rr.Anomaly,
			RULHours:  rr.RULHours,
		})
	}

	ack, err := h.ingester.Ingest(r.Context(), "http", records)
	if err != nil {
		jsonErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResp(w, http.StatusAccepted, IngestResponse{Accepted: ack.Accepted, Rejected: ack.Rejected, Errors: ack.Errors})
}

// --- helpers ----------------------------------------------------------------

// BuildSnapshot assembles the dashboard view from the live machines and the
// active alerts.
func BuildSnapshot(ctx context.Context, machines *store.Machines, engine *alerts.Engine) (SnapshotResponse, error) {
	active, err := engine.Active(ctx)
	if err != nil {
		return SnapshotResponse{}, err
	}
	if active == nil {
		active = []alerts.Alert{}
	}
	return SnapshotResponse{
		Machines:    machineResponses(machines.List(), active),
		Board:       alerts.Board(active),
		Alerts:      active,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := h.validate.Struct(v); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", s)
	}
	return n, nil
}

func durationParam(s string) (time.Duration, error) {
	if s == "" {
		return defaultWindow, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid window %q", s)
	}
	return d, nil
}

// stateFromAlerts maps the most severe active alert to a plant state.
func stateFromAlerts(active []alerts.Alert) string {
	var top rules.Severity
	for _, a := range active {
		if a.Severity > top {
			top = a.Severity
		}
	}
	switch {
	case top >= rules.SeverityHigh:
		return "critical"
	case top > 0:
		return "warning"
	default:
		return "ok"
	}
}

func machineResponses(entries []store.Entry, active []alerts.Alert) []MachineResponse {
	out := make([]MachineResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toMachineResponse(e, active))
	}
	return out
}

// toMachineResponse maps a store.Entry to its JSON representation.
func toMachineResponse(e store.Entry, active []alerts.Alert) MachineResponse {
	rec := e.Record
	sensors := rec.Sensors
	if sensors == nil {
		sensors = map[string]float64{}
	}
	resp := MachineResponse{
		MachineID: rec.MachineID,
		State:     rec.State,
		Sensors:   sensors,
		Quality:   rec.Quality,
		Anomaly:   rec.Anomaly,
		RULHours:  rec.RULHours,
		Timestamp: rec.Timestamp.UTC().Format(time.RFC3339),
		LastSeen:  e.UpdatedAt.UTC().Format(time.RFC3339),
		Readings:  e.Readings,
	}
	for _, a := range active {
		if a.MachineID != rec.MachineID {
			continue
		}
		resp.ActiveAlerts++
		if a.Severity > resp.HighestSeverity {
			resp.HighestSeverity = a.Severity
		}
	}
	return resp
}
