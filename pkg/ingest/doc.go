// Package ingest defines the gRPC telemetry service shared by andon-agent and
// andon-server.
//
// The service carries plain Go structs encoded as JSON. The codec is
// registered under the "json" content subtype when the package is imported,
// and the client selects it on every call, so no generated stubs are needed.
//
//	service andon.v1.TelemetryService {
//	  rpc SendBatch(Batch) returns (Ack);
//	}
package ingest
