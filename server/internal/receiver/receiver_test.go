package receiver_test

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/apexcomponents/andonstack/pkg/ingest"
	"github.com/apexcomponents/andonstack/pkg/types"
	"github.com/apexcomponents/andonstack/server/internal/alerts"
	"github.com/apexcomponents/andonstack/server/internal/auth"
	"github.com/apexcomponents/andonstack/server/internal/config"
	"github.com/apexcomponents/andonstack/server/internal/flow"
	"github.com/apexcomponents/andonstack/server/internal/receiver"
	"github.com/apexcomponents/andonstack/server/internal/rules"
	"github.com/apexcomponents/andonstack/server/internal/store"
)

type fixture struct {
	client   ingest.TelemetryClient
	machines *store.Machines
	tracker  *flow.Tracker
	engine   *alerts.Engine
	counts   map[string][2]int
}

func (f *fixture) Ingested(transport string, accepted, rejected int) {
	c := f.counts[transport]
	f.counts[transport] = [2]int{c[0] + accepted, c[1] + rejected}
}

// startServer starts a gRPC server with the given interceptor on a random
// TCP port and returns a connected client with the backing state.
func startServer(t *testing.T, interceptor grpc.UnaryServerInterceptor) *fixture {
	t.Helper()

	reg, err := rules.FromConfig(config.Defaults().Server.Alerts)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	f := &fixture{
		machines: store.NewMachines(5 * time.Minute),
		tracker:  flow.NewTracker(10),
		engine:   alerts.NewEngine(alerts.NewEvaluator(reg), store.NewMemoryAlerts(100), nil, nil),
		counts:   make(map[string][2]int),
	}
	rec := receiver.New(f.machines, f.tracker, f.engine, f)

	srv := grpc.NewServer(grpc.UnaryInterceptor(interceptor))
	ingest.RegisterTelemetryServer(srv, rec)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(lis) //nolint:errcheck
	t.Cleanup(func() {
		srv.Stop()
		lis.Close()
	})

	conn, err := grpc.Dial(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	) //nolint:staticcheck
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	f.client = ingest.NewTelemetryClient(conn)
	return f
}

// allowAll is a no-op interceptor that passes every call through.
func allowAll(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	return handler(ctx, req)
}

func reading(id string, ts int64, state types.MachineState, vibration float64) types.TelemetryRecord {
	return types.TelemetryRecord{
		MachineID: id,
		Timestamp: time.Unix(ts, 0),
		State:     state,
		Sensors:   map[string]float64{"vibration_rms": vibration, "servo_temp": 60, "motor_current": 8},
	}
}

func TestSendBatch_StoresAndEvaluates(t *testing.T) {
	f := startServer(t, allowAll)

	ack, err := f.client.SendBatch(context.Background(), &ingest.Batch{
		AgentID: "line-1",
		Records: []types.TelemetryRecord{
			reading("CNC_01", 1, types.StateRunning, 2.0),
			reading("CNC_01", 2, types.StateRunning, 4.5),
			reading("PRESS_01", 2, types.StateIdle, 1.0),
		},
	})
	if err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if ack.Accepted != 3 || ack.Rejected != 0 {
		t.Errorf("ack: got %+v, want 3 accepted", ack)
	}

	e, ok := f.machines.Get("CNC_01")
	if !ok || e.Record.Sensors["vibration_rms"] != 4.5 || e.Readings != 2 {
		t.Errorf("CNC_01 entry: %+v (found %v)", e, ok)
	}
	if n := len(f.tracker.Window()); n != 2 {
		t.Errorf("tracker machines: got %d, want 2", n)
	}

	active, err := f.engine.Active(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].RuleID != rules.RuleVibration {
		t.Errorf("active alerts: %+v", active)
	}
	if c := f.counts[receiver.TransportGRPC]; c[0] != 3 {
		t.Errorf("grpc accepted count: got %d, want 3", c[0])
	}
}

func TestSendBatch_RejectsInvalidRecords(t *testing.T) {
	f := startServer(t, allowAll)

	ack, err := f.client.SendBatch(context.Background(), &ingest.Batch{
		AgentID: "line-1",
		Records: []types.TelemetryRecord{
			reading("", 1, types.StateRunning, 1),
			reading("CNC_01", 1, "paused", 1),
			reading("CNC_01", 2, types.StateRunning, 1),
		},
	})
	if err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if ack.Accepted != 1 || ack.Rejected != 2 || len(ack.Errors) != 2 {
		t.Errorf("ack: got %+v", ack)
	}
	if c := f.counts[receiver.TransportGRPC]; c != [2]int{1, 2} {
		t.Errorf("counts: got %v", c)
	}
}

func TestSendBatch_MissingAgentID_InvalidArgument(t *testing.T) {
	f := startServer(t, allowAll)

	_, err := f.client.SendBatch(context.Background(), &ingest.Batch{})
	if code := status.Code(err); code != codes.InvalidArgument {
		t.Errorf("code: got %v, want InvalidArgument", code)
	}
}

func TestSendBatch_ResolvesOnRecovery(t *testing.T) {
	f := startServer(t, allowAll)
	ctx := context.Background()

	send := func(recs ...types.TelemetryRecord) {
		t.Helper()
		if _, err := f.client.SendBatch(ctx, &ingest.Batch{AgentID: "a", Records: recs}); err != nil {
			t.Fatal(err)
		}
	}
	send(reading("CNC_01", 1, types.StateFault, 1))
	send(reading("CNC_01", 2, types.StateRunning, 1))

	active, _ := f.engine.Active(ctx)
	if len(active) != 0 {
		t.Errorf("active after recovery: %+v", active)
	}
	recent, _ := f.engine.Recent(ctx, 100*365*24*time.Hour, 0)
	if len(recent) != 1 || recent[0].Status != alerts.StatusResolved {
		t.Errorf("history: %+v", recent)
	}
}

func TestSendBatch_WithAPIKeyInterceptor(t *testing.T) {
	f := startServer(t, auth.APIKeyInterceptor("apikey", "x-api-key", "testkey"))
	batch := &ingest.Batch{AgentID: "a", Records: []types.TelemetryRecord{reading("CNC_01", 1, types.StateRunning, 1)}}

	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-api-key", "testkey")
	if _, err := f.client.SendBatch(ctx, batch); err != nil {
		t.Fatalf("SendBatch with correct key: %v", err)
	}

	ctx = metadata.AppendToOutgoingContext(context.Background(), "x-api-key", "wrongkey")
	_, err := f.client.SendBatch(ctx, batch)
	if code := status.Code(err); code != codes.Unauthenticated {
		t.Errorf("wrong key code: got %v, want Unauthenticated", code)
	}

	_, err = f.client.SendBatch(context.Background(), batch)
	if code := status.Code(err); code != codes.Unauthenticated {
		t.Errorf("missing key code: got %v, want Unauthenticated", code)
	}
	if f.machines.Count() != 1 {
		t.Errorf("machines: got %d, want 1", f.machines.Count())
	}
}

func TestSendBatch_ResentBatchIsAccepted(t *testing.T) {
	f := startServer(t, allowAll)
	batch := &ingest.Batch{
		AgentID: "line-1",
		Records: []types.TelemetryRecord{
			reading("CNC_01", 100, types.StateRunning, 4.5),
			reading("CNC_01", 200, types.StateRunning, 2.0),
		},
	}

	// The second send models an agent retrying after a lost ack.
	for i := 0; i < 2; i++ {
		ack, err := f.client.SendBatch(context.Background(), batch)
		if err != nil {
			t.Fatalf("send %d: %v", i+1, err)
		}
		if ack.Accepted != 2 {
			t.Errorf("send %d: ack %+v, want 2 accepted", i+1, ack)
		}
	}

	active, err := f.engine.Active(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("active alerts after resend: %+v", active)
	}
	recent, err := f.engine.Recent(context.Background(), 100*365*24*time.Hour, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 {
		t.Errorf("alerts recorded: got %d, want 1", len(recent))
	}
}
