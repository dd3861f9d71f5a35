// Package rules holds the named alert rules the evaluator runs against every
// telemetry record.
//
// A Rule pairs a predicate over one TelemetryRecord with a Severity. Rules are
// registered once at startup in a Registry, which preserves insertion order and
// rejects a second, different definition under an existing ID
// (DuplicateRuleError). Re-registering an identical rule is a no-op.
//
// Kinds:
//
//	threshold  sensor (or any of several sensors) compared against a limit
//	state      machine state equals a value
//	quality    quality flag is one of a set
//	anomaly    the external ML anomaly flag is set
//	rul        the external remaining-useful-life prediction is below a limit
package rules
