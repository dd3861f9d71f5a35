// Package alerts turns telemetry records into Andon alerts.
//
// Evaluator is pure: Evaluate(record, active) runs every registered rule in
// registry order against one record and returns the alerts to create, the
// alerts to resolve and any rule warnings. It never mutates its inputs, so the
// same record and active set always produce the same outcome.
//
// Engine wraps the evaluator with a Store, per-machine serialisation,
// notification and metrics. Summarize and Board derive trigger statistics and
// the per-machine status board from stored alerts.
package alerts
