package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/apexcomponents/andonstack/server/internal/alerts"
	"github.com/apexcomponents/andonstack/server/internal/flow"
	"github.com/apexcomponents/andonstack/server/internal/rules"
)

func alertText(a alerts.Alert) string {
	if a.Active() {
		return fmt.Sprintf("%s %s on %s: %s", severityLabel(a.Severity), a.RuleID, a.MachineID, a.Description)
	}
	return fmt.Sprintf("[RESOLVED] %s on %s (%s)", a.RuleID, a.MachineID, a.ResolutionNote)
}

func slackAlert(a alerts.Alert) []byte {
	body, _ := json.Marshal(map[string]string{"text": "*" + alertText(a) + "*"})
	return body
}

func teamsAlert(a alerts.Alert) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(a.Severity, a.Active()),
		"summary":    a.RuleID,
		"title":      fmt.Sprintf("Andon %s: %s", a.MachineID, a.RuleID),
		"text":       alertText(a),
	})
	return body
}

// pagerDutyAlert follows the Events API v2 trigger/resolve shape, deduplicated
// on the alert ID.
func pagerDutyAlert(a alerts.Alert) []byte {
	action := "trigger"
	if !a.Active() {
		action = "resolve"
	}
	body, _ := json.Marshal(map[string]interface{}{
		"event_action": action,
		"dedup_key":    a.ID,
		"payload": map[string]interface{}{
			"summary":   alertText(a),
			"source":    a.MachineID,
			"severity":  pagerSeverity(a.Severity),
			"timestamp": a.CreatedAt,
		},
	})
	return body
}

func httpAlert(a alerts.Alert) []byte {
	body, _ := json.Marshal(map[string]interface{}{"alert": a})
	return body
}

// stopRequest asks the line controller to halt the machine.
func stopRequest(a alerts.Alert) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"action":     "stop_machine",
		"machine_id": a.MachineID,
		"alert_id":   a.ID,
		"reason":     a.Description,
	})
	return body
}

func reportText(r flow.Report) string {
	top, ok := r.Top()
	if !ok {
		return "Bottleneck report: no machines reporting"
	}
	msg := fmt.Sprintf("Bottleneck report: %s leads with score %.2f", top.MachineID, top.Composite)
	if len(r.Recommendations) > 0 {
		msg += fmt.Sprintf(", %d above threshold", len(r.Recommendations))
	}
	return msg
}

func reportBody(kind string, r flow.Report) []byte {
	var body []byte
	switch kind {
	case "slack":
		body, _ = json.Marshal(map[string]string{"text": reportText(r)})
	case "teams":
		body, _ = json.Marshal(map[string]interface{}{
			"@type":    "MessageCard",
			"@context": "http://schema.org/extensions",
			"summary":  "Bottleneck report",
			"title":    "Andon bottleneck report",
			"text":     reportText(r),
		})
	default:
		body, _ = json.Marshal(map[string]interface{}{"report": r})
	}
	return body
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func severityLabel(s rules.Severity) string {
	switch s {
	case rules.SeverityCritical:
		return "[CRITICAL]"
	case rules.SeverityHigh:
		return "[HIGH]"
	case rules.SeverityMedium:
		return "[MEDIUM]"
	default:
		return "[LOW]"
	}
}

func severityColor(s rules.Severity, active bool) string {
	if !active {
		return "2EB67D"
	}
	switch s {
	case rules.SeverityCritical:
		return "FF4F6A"
	case rules.SeverityHigh:
		return "FF8C42"
	case rules.SeverityMedium:
		return "FFAB40"
	default:
		return "00D4FF"
	}
}

func pagerSeverity(s rules.Severity) string {
	switch s {
	case rules.SeverityCritical:
		return "critical"
	case rules.SeverityHigh:
		return "error"
	case rules.SeverityMedium:
		return "warning"
	default:
		return "info"
	}
}
