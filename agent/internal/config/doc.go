// Package config loads and watches the agent section of andon.yaml.
//
// Load(path) reads the file, applies defaults (10s scrape, 5000-record
// buffer, 200-record batches, hostname as agent id) and validates sources.
// Two source types exist: gateway (a machine gateway exposing Prometheus text
// metrics over HTTP) and mqtt (a broker topic carrying JSON readings).
//
// Secrets are never stored in the file. Auth blocks name environment
// variables (key_env, token_env, password_env) that are resolved on use.
//
// Watch(ctx, path, onChange) reloads the file on change via fsnotify.
package config
