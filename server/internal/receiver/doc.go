// Package receiver is the server's ingest pipeline.
//
// Receiver implements ingest.TelemetryServer for andon-agent batches and is
// also called by the REST API for POST /api/v1/telemetry. Every accepted
// record updates the latest-reading store and the flow tracker, then goes
// through the alert engine. Invalid records are rejected individually and
// reported in the Ack; a batch without agent_id is rejected with
// codes.InvalidArgument.
//
// Authentication is enforced upstream by the gRPC interceptor (package auth).
package receiver
