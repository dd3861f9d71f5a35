// Package notify delivers finalized alerts and bottleneck reports.
//
// The escalation policy maps each severity to a set of channels:
//
//	dashboard  in-process sinks (the WebSocket hub)
//	chat       Slack, Teams and generic HTTP webhooks
//	pager      PagerDuty (Events API v2 trigger/resolve)
//	stop       stop_machine requests to the line controller, raise only
//
// Webhook delivery is queued and performed in order by Dispatcher.Run; each
// target may carry its own rate limit.
package notify
