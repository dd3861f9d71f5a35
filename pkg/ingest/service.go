package ingest

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/apexcomponents/andonstack/pkg/types"
)

const (
	ServiceName     = "andon.v1.TelemetryService"
	SendBatchMethod = "/" + ServiceName + "/SendBatch"
)

// Batch is a group of records collected by one agent.
type Batch struct {
	AgentID string                  `json:"agent_id"`
	SentAt  time.Time               `json:"sent_at"`
	Records []types.TelemetryRecord `json:"records"`
}

// Ack reports how many records of a batch the server accepted. Rejected
// records are not retried by the agent.
type Ack struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

// TelemetryServer is implemented by the server-side receiver.
type TelemetryServer interface {
	SendBatch(ctx context.Context, b *Batch) (*Ack, error)
}

// TelemetryClient is the agent-side stub.
type TelemetryClient interface {
	SendBatch(ctx context.Context, b *Batch, opts ...grpc.CallOption) (*Ack, error)
}

type telemetryClient struct {
	cc grpc.ClientConnInterface
}

// NewTelemetryClient returns a client that calls SendBatch over cc.
func NewTelemetryClient(cc grpc.ClientConnInterface) TelemetryClient {
	return &telemetryClient{cc: cc}
}

func (c *telemetryClient) SendBatch(ctx context.Context, b *Batch, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, SendBatchMethod, b, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterTelemetryServer attaches srv to a gRPC server.
func RegisterTelemetryServer(s grpc.ServiceRegistrar, srv TelemetryServer) {
	s.RegisterService(&serviceDesc, srv)
}

func sendBatchHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Batch)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TelemetryServer).SendBatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SendBatchMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TelemetryServer).SendBatch(ctx, req.(*Batch))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TelemetryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendBatch", Handler: sendBatchHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "andon/v1/telemetry",
}
