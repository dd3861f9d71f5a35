// Package report runs the bottleneck analysis on a cron schedule.
//
// Each run scores the live flow window, logs the top bottleneck and hands the
// report to every publisher (metrics gauges, report webhooks). The latest
// report is kept for callers that want it without recomputing.
package report
