// Package config loads the server-side configuration from the `server:` section
// of andon.yaml (the `agent:` key is ignored by the server binary).
//
// Config fields:
//   - GRPCPort          port for the telemetry receiver (default 50051)
//   - HTTPPort          port for the REST API, WebSocket hub and /metrics (default 8080)
//   - Auth              "apikey" or "none", key read from KeyEnv
//   - Machines.TTL      how long a silent machine stays live (default 5m)
//   - Alerts            rule thresholds, extra rules, webhooks, escalation policy
//   - Flow              score weights, recommendation threshold, report schedule, floor graph
//   - Storage           alert store backend (memory or sqlite)
//
// Load(path) applies defaults before unmarshalling, then validates.
// Watch(ctx, path, fn) reloads on change and keeps the previous config when a
// reload fails.
package config
