package sender

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lalithlochan/herald/internal/db"
)

// SeverityLabel maps the numeric alert severity to a display label.
func SeverityLabel(severity int) string {
	switch {
	case severity >= 5:
		return "CRITICAL"
	case severity == 4:
		return "MAJOR"
	case severity == 3:
		return "MINOR"
	case severity == 2:
		return "WARNING"
	default:
		return "INFO"
	}
}

func eventVerb(event string) string {
	switch event {
	case db.EventClosed:
		return "resolved"
	case db.EventAcknowledged:
		return "acknowledged"
	default:
		return "triggered"
	}
}

// Title renders a one-line summary such as "[MAJOR] temperature_high triggered on pump-1".
func Title(p db.Payload) string {
	return fmt.Sprintf("[%s] %s %s on %s", SeverityLabel(p.Severity), p.AlertType, eventVerb(p.EventType), p.DeviceID)
}

// Body renders a plain-text body with the alert message and its attributes.
func Body(p db.Payload) string {
	var b strings.Builder
	b.WriteString(p.Message)
	b.WriteString("\n\n")
	for _, f := range Facts(p) {
		fmt.Fprintf(&b, "%s: %s\n", f[0], f[1])
	}
	return b.String()
}

// Facts returns ordered name/value pairs describing the alert.
func Facts(p db.Payload) [][2]string {
	facts := [][2]string{
		{"Alert", p.AlertID},
		{"Event", p.EventType},
		{"Severity", fmt.Sprintf("%s (%d)", SeverityLabel(p.Severity), p.Severity)},
		{"Type", p.AlertType},
		{"Device", p.DeviceID},
		{"Site", p.SiteID},
	}
	if !p.TriggeredAt.IsZero() {
		facts = append(facts, [2]string{"Triggered", p.TriggeredAt.UTC().Format(time.RFC3339)})
	}

	keys := make([]string, 0, len(p.DeviceTags))
	for k := range p.DeviceTags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		facts = append(facts, [2]string{"tag:" + k, p.DeviceTags[k]})
	}
	return facts
}
