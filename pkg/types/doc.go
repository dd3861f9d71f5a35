// Package types defines the telemetry types shared by the agent and server.
// A TelemetryRecord is the canonical in-memory form of one machine reading,
// independent of how it travelled (gateway scrape, MQTT, gRPC or REST ingest).
package types
