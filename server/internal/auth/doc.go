// Package auth enforces the shared API key on both server transports.
//
// APIKeyInterceptor guards the gRPC ingest service; Middleware guards the
// REST API. Both pass every call through when mode is not "apikey" or no key
// is configured, which is the local development setup. Keys are compared in
// constant time.
package auth
