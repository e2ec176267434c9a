// Package routing decides which channels an alert event fans out to.
// Everything here is pure: no I/O, no clock.
package routing

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/db"
)

// Match is one (rule, channel) pair selected for an alert event.
type Match struct {
	Rule    *db.RoutingRule
	Channel *db.Channel
}

// Matches reports whether every filter set on rule is satisfied by alert.
// Unset filters, including empty site and prefix sets, match anything.
func Matches(rule *db.RoutingRule, alert *db.Alert) bool {
	if rule.MinSeverity != nil && alert.Severity < *rule.MinSeverity {
		return false
	}
	if rule.AlertType != nil && alert.AlertType != *rule.AlertType {
		return false
	}
	if rule.DeviceTagKey != nil && rule.DeviceTagVal != nil {
		v, ok := alert.DeviceTags[*rule.DeviceTagKey]
		if !ok || v != *rule.DeviceTagVal {
			return false
		}
	}
	if len(rule.SiteIDs) > 0 && !contains(rule.SiteIDs, alert.SiteID) {
		return false
	}
	if len(rule.DevicePrefixes) > 0 && !hasAnyPrefix(alert.DeviceID, rule.DevicePrefixes) {
		return false
	}
	return true
}

// Eligible reports whether rule may fire on channel for event at all, before any
// alert filter is evaluated.
func Eligible(rule *db.RoutingRule, ch *db.Channel, event string) bool {
	if !rule.IsEnabled {
		return false
	}
	if ch == nil || !ch.IsEnabled || ch.ID != rule.ChannelID || ch.TenantID != rule.TenantID {
		return false
	}
	return contains(rule.DeliverOn, event)
}

// Select returns every eligible rule whose filters match alert, ordered by
// priority ascending and then rule id. All matches fire; priority only orders them.
func Select(rules []*db.RoutingRule, channels []*db.Channel, alert *db.Alert, event string) []Match {
	byID := make(map[uuid.UUID]*db.Channel, len(channels))
	for _, ch := range channels {
		byID[ch.ID] = ch
	}

	var out []Match
	for _, rule := range rules {
		if rule.TenantID != alert.TenantID {
			continue
		}
		ch := byID[rule.ChannelID]
		if !Eligible(rule, ch, event) || !Matches(rule, alert) {
			continue
		}
		out = append(out, Match{Rule: rule, Channel: ch})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Rule, out[j].Rule
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID.String() < b.ID.String()
	})
	return out
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
