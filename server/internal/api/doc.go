// Package api implements the HTTP REST API for andon-server.
//
// New returns an http.Handler that serves:
//
//	GET  /api/v1/health             plant state, machine and alert counts
//	GET  /api/v1/machines           latest reading of every live machine
//	GET  /api/v1/machines/{id}      one machine plus its active alerts; 404 if unknown or stale
//	GET  /api/v1/alerts             active alerts, or history with ?status=all&window=24h
//	GET  /api/v1/alerts/stats       trigger statistics over ?window=
//	GET  /api/v1/alerts/{id}        one alert
//	POST /api/v1/alerts/{id}/ack    close an active alert with an optional note
//	GET  /api/v1/rules              registered rules in evaluation order
//	GET  /api/v1/bottlenecks        bottleneck report over the live window
//	GET  /api/v1/snapshot           dashboard view: machines, board, active alerts
//	POST /api/v1/telemetry          submit readings without an agent
//
// Responses are JSON. Request bodies are checked with go-playground/validator.
// JSON types are defined in types.go.
package api
