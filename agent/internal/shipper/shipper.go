package shipper

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/apexcomponents/andonstack/agent/internal/config"
	"github.com/apexcomponents/andonstack/pkg/ingest"
	"github.com/apexcomponents/andonstack/pkg/types"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0
	sendTimeout       = 10 * time.Second
)

// Shipper buffers telemetry records and ships them to the server in batches.
// Ship is non-blocking; when the buffer is full the oldest record is evicted.
// Run must be called in a goroutine to drain the buffer.
type Shipper struct {
	cfg    config.AgentConfig
	buf    chan types.TelemetryRecord
	dialFn dialFunc // injectable for tests

	shipped  atomic.Int64
	evicted  atomic.Int64
	rejected atomic.Int64
}

// dialFunc opens the gRPC connection. Tests inject a local listener.
type dialFunc func(ctx context.Context, endpoint string, cfg config.AgentConfig) (*grpc.ClientConn, error)

// Stats are cumulative shipper counters.
type Stats struct {
	Shipped  int64 // accepted by the server
	Rejected int64 // refused by the server as invalid
	Evicted  int64 // dropped from a full buffer
	Pending  int
}

// New creates a Shipper using the given agent config.
func New(cfg config.AgentConfig) *Shipper {
	return &Shipper{
		cfg:    cfg,
		buf:    make(chan types.TelemetryRecord, cfg.BufferSize),
		dialFn: defaultDial,
	}
}

// Ship enqueues rec, evicting the oldest buffered record when full. It is
// safe to call from several sources at once.
func (s *Shipper) Ship(rec types.TelemetryRecord) {
	for {
		select {
		case s.buf <- rec:
			return
		default:
		}
		select {
		case <-s.buf:
			if n := s.evicted.Add(1); n == 1 || n%100 == 0 {
				slog.Warn("shipper: buffer full, evicting oldest records",
					"machine", rec.MachineID, "buffer_cap", cap(s.buf), "evicted_total", n)
			}
		default:
		}
	}
}

// Stats returns a snapshot of the counters.
func (s *Shipper) Stats() Stats {
	return Stats{
		Shipped:  s.shipped.Load(),
		Rejected: s.rejected.Load(),
		Evicted:  s.evicted.Load(),
		Pending:  len(s.buf),
	}
}

// Run drains the buffer, reconnecting with exponential backoff when the
// connection is lost. Run blocks until ctx is cancelled.
func (s *Shipper) Run(ctx context.Context) {
	bo := newBackoff()

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.dialFn(ctx, s.cfg.ServerEndpoint, s.cfg)
		if err != nil {
			wait := bo.next()
			slog.Error("shipper: dial failed, will retry",
				"endpoint", s.cfg.ServerEndpoint,
				"err", err,
				"retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}

		slog.Info("shipper: connected", "endpoint", s.cfg.ServerEndpoint)
		bo.reset()

		err = s.drain(ctx, ingest.NewTelemetryClient(conn))
		conn.Close()

		if ctx.Err() != nil {
			return
		}

		wait := bo.next()
		slog.Warn("shipper: connection lost, will reconnect",
			"endpoint", s.cfg.ServerEndpoint,
			"err", err,
			"retry_in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// drain sends batches until a transient send error or ctx cancellation.
func (s *Shipper) drain(ctx context.Context, client ingest.TelemetryClient) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case first := <-s.buf:
			batch := s.collect(first)
			if err := s.send(ctx, client, batch); err != nil {
				return err
			}
		}
	}
}

// collect builds a batch from first plus whatever is already buffered, up to
// BatchSize records.
func (s *Shipper) collect(first types.TelemetryRecord) *ingest.Batch {
	limit := s.cfg.BatchSize
	if limit <= 0 {
		limit = config.DefaultBatchSize
	}
	recs := make([]types.TelemetryRecord, 1, limit)
	recs[0] = first
	for len(recs) < limit {
		select {
		case r := <-s.buf:
			recs = append(recs, r)
		default:
			return &ingest.Batch{AgentID: s.cfg.ID, SentAt: time.Now().UTC(), Records: recs}
		}
	}
	return &ingest.Batch{AgentID: s.cfg.ID, SentAt: time.Now().UTC(), Records: recs}
}

func (s *Shipper) send(ctx context.Context, client ingest.TelemetryClient, b *ingest.Batch) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if s.cfg.ServerAuth.Mode == "apikey" && s.cfg.ServerAuth.KeyEnv != "" {
		sendCtx = metadata.AppendToOutgoingContext(sendCtx,
			s.cfg.ServerAuth.EffectiveHeader(), s.cfg.ServerAuth.Key())
	}

	ack, err := client.SendBatch(sendCtx, b)
	if err != nil {
		if isPermanentError(err) {
			slog.Error("shipper: permanent send error, discarding batch",
				"records", len(b.Records), "err", err)
			s.rejected.Add(int64(len(b.Records)))
			return nil
		}
		s.requeue(b.Records)
		return fmt.Errorf("send: %w", err)
	}

	s.shipped.Add(int64(ack.Accepted))
	if ack.Rejected > 0 {
		s.rejected.Add(int64(ack.Rejected))
		slog.Warn("shipper: server rejected records",
			"rejected", ack.Rejected, "accepted", ack.Accepted, "errors", ack.Errors)
	} else {
		slog.Debug("shipper: batch delivered", "records", ack.Accepted)
	}
	return nil
}

// requeue puts records back while there is room. Records that do not fit
// are lost; newer readings of the same machines supersede them.
func (s *Shipper) requeue(recs []types.TelemetryRecord) {
	for _, r := range recs {
		select {
		case s.buf <- r:
		default:
			return
		}
	}
}

// isPermanentError reports gRPC errors that retrying cannot fix.
func isPermanentError(err error) bool {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.Unauthenticated, codes.PermissionDenied:
		return true
	}
	return false
}

// defaultDial opens a gRPC connection to endpoint with auth configured from cfg.
func defaultDial(ctx context.Context, endpoint string, cfg config.AgentConfig) (*grpc.ClientConn, error) {
	opts, err := dialOptions(cfg)
	if err != nil {
		return nil, err
	}
	return grpc.DialContext(ctx, endpoint, opts...)
}

// dialOptions builds the transport credentials for the server auth mode.
// API keys travel as per-call metadata, see send.
func dialOptions(cfg config.AgentConfig) ([]grpc.DialOption, error) {
	if cfg.ServerAuth.Mode == "mtls" {
		creds, err := buildMTLSCreds(cfg.ServerAuth)
		if err != nil {
			return nil, fmt.Errorf("shipper: build mtls creds: %w", err)
		}
		return []grpc.DialOption{grpc.WithTransportCredentials(creds)}, nil
	}
	return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, nil
}

// buildMTLSCreds loads client certificate and optional CA from the auth config.
func buildMTLSCreds(auth config.AuthConfig) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(auth.CertFile, auth.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}

	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	if auth.CAFile != "" {
		caPEM, err := os.ReadFile(auth.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certs in ca file %q", auth.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return credentials.NewTLS(tlsCfg), nil
}

// backoff implements truncated exponential backoff with ±25% jitter.
type backoff struct {
	current time.Duration
}

func newBackoff() *backoff {
	return &backoff{current: backoffInitial}
}

func (b *backoff) next() time.Duration {
	d := b.current
	d += time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	if d < 0 {
		d = 0
	}
	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}

func (b *backoff) reset() {
	b.current = backoffInitial
}
