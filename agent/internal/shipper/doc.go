// Package shipper sends telemetry records to the andon server as batches
// over the TelemetryService.SendBatch unary RPC (JSON codec, see pkg/ingest).
//
// Ship is non-blocking. Records wait in a bounded channel; when it is full
// the oldest record is evicted so the latest readings are always kept.
//
// Run drains the buffer in batches of up to batch_size records,
// reconnecting with truncated exponential backoff (1s to 60s, ±25% jitter).
// Permanent errors (Unauthenticated, PermissionDenied, InvalidArgument) drop
// the batch; transient ones requeue it and force a reconnect.
//
// Auth: mTLS via credentials.NewTLS, API key via gRPC metadata, or plaintext
// for local development.
package shipper
