package receiver

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/apexcomponents/andonstack/pkg/ingest"
	"github.com/apexcomponents/andonstack/pkg/types"
	"github.com/apexcomponents/andonstack/server/internal/alerts"
	"github.com/apexcomponents/andonstack/server/internal/flow"
	"github.com/apexcomponents/andonstack/server/internal/store"
)

// Transport labels used for ingest accounting.
const (
	TransportGRPC = "grpc"
	TransportHTTP = "http"
)

// Counter records ingest volume per transport.
type Counter interface {
	Ingested(transport string, accepted, rejected int)
}

// Receiver feeds records into the machine store, flow tracker and alert engine.
type Receiver struct {
	machines *store.Machines
	tracker  *flow.Tracker
	engine   *alerts.Engine
	counter  Counter
}

// New creates a Receiver. counter may be nil.
func New(machines *store.Machines, tracker *flow.Tracker, engine *alerts.Engine, counter Counter) *Receiver {
	return &Receiver{machines: machines, tracker: tracker, engine: engine, counter: counter}
}

// SendBatch is the unary RPC handler called by andon-agent instances.
func (r *Receiver) SendBatch(ctx context.Context, b *ingest.Batch) (*ingest.Ack, error) {
	if b.AgentID == "" {
		return nil, status.Error(codes.InvalidArgument, "agent_id is required")
	}

	ack, err := r.Ingest(ctx, TransportGRPC, b.Records)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	slog.Debug("receiver: batch processed",
		"agent", b.AgentID,
		"accepted", ack.Accepted,
		"rejected", ack.Rejected,
	)
	return &ack, nil
}

// Ingest processes records in order. It stops at the first alert store
// failure and returns it; records already processed stay committed.
func (r *Receiver) Ingest(ctx context.Context, transport string, records []types.TelemetryRecord) (ingest.Ack, error) {
	var ack ingest.Ack
	defer func() {
		if r.counter != nil {
			r.counter.Ingested(transport, ack.Accepted, ack.Rejected)
		}
	}()

	for i, rec := range records {
		if err := rec.Validate(); err != nil {
			ack.Rejected++
			ack.Errors = append(ack.Errors, fmt.Sprintf("record %d: %v", i, err))
			continue
		}

		r.machines.Put(rec)
		r.tracker.Observe(rec)

		if _, err := r.engine.Process(ctx, rec); err != nil {
			return ack, fmt.Errorf("receiver: %s: %w", rec.MachineID, err)
		}
		ack.Accepted++
	}

	if ack.Rejected > 0 {
		slog.Warn("receiver: records rejected",
			"transport", transport,
			"rejected", ack.Rejected,
			"first_error", ack.Errors[0],
		)
	}
	return ack, nil
}
