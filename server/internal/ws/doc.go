// Package ws implements the WebSocket hub behind the Andon dashboard.
//
// Hub keeps a set of connected clients and pushes two kinds of messages:
//
//	{"event": "snapshot", "data": { /* same schema as GET /api/v1/snapshot */ }}
//	{"event": "alert",    "data": { /* one raised or resolved alert */ }}
//
// Snapshots go out on connect and then every interval from Run. Alert events
// go out as soon as the notify dispatcher routes an alert to the dashboard
// channel; Hub implements notify.Sink for that.
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy. The server mounts the hub at /ws/stream.
package ws
