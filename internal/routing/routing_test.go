package routing

import (
	"testing"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
)

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func testAlert(tenantID uuid.UUID) *db.Alert {
	return &db.Alert{
		ID:         "alert-1",
		TenantID:   tenantID,
		Severity:   3,
		AlertType:  "temperature_high",
		DeviceID:   "pump-17",
		SiteID:     "site-a",
		DeviceTags: map[string]string{"env": "prod"},
	}
}

func TestMatches(t *testing.T) {
	tenant := uuid.New()
	alert := testAlert(tenant)

	tests := []struct {
		name string
		rule db.RoutingRule
		want bool
	}{
		{"no_filters", db.RoutingRule{}, true},
		{"severity_equal", db.RoutingRule{MinSeverity: intPtr(3)}, true},
		{"severity_below", db.RoutingRule{MinSeverity: intPtr(4)}, false},
		{"type_match", db.RoutingRule{AlertType: strPtr("temperature_high")}, true},
		{"type_mismatch", db.RoutingRule{AlertType: strPtr("offline")}, false},
		{"tag_match", db.RoutingRule{DeviceTagKey: strPtr("env"), DeviceTagVal: strPtr("prod")}, true},
		{"tag_wrong_value", db.RoutingRule{DeviceTagKey: strPtr("env"), DeviceTagVal: strPtr("dev")}, false},
		{"tag_missing_key", db.RoutingRule{DeviceTagKey: strPtr("zone"), DeviceTagVal: strPtr("north")}, false},
		{"site_in_set", db.RoutingRule{SiteIDs: []string{"site-b", "site-a"}}, true},
		{"site_not_in_set", db.RoutingRule{SiteIDs: []string{"site-b"}}, false},
		{"empty_site_set", db.RoutingRule{SiteIDs: []string{}}, true},
		{"prefix_match", db.RoutingRule{DevicePrefixes: []string{"valve-", "pump-"}}, true},
		{"prefix_miss", db.RoutingRule{DevicePrefixes: []string{"valve-"}}, false},
		{"all_filters", db.RoutingRule{
			MinSeverity:    intPtr(2),
			AlertType:      strPtr("temperature_high"),
			DeviceTagKey:   strPtr("env"),
			DeviceTagVal:   strPtr("prod"),
			SiteIDs:        []string{"site-a"},
			DevicePrefixes: []string{"pump"},
		}, true},
		{"one_filter_fails", db.RoutingRule{
			MinSeverity: intPtr(2),
			SiteIDs:     []string{"site-z"},
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(&tt.rule, alert); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEligible(t *testing.T) {
	tenant := uuid.New()
	ch := &db.Channel{ID: uuid.New(), TenantID: tenant, Type: channel.TypeChatWebhook, IsEnabled: true}
	base := db.RoutingRule{TenantID: tenant, ChannelID: ch.ID, DeliverOn: []string{db.EventOpen}, IsEnabled: true}

	disabledCh := *ch
	disabledCh.IsEnabled = false
	disabledRule := base
	disabledRule.IsEnabled = false

	tests := []struct {
		name  string
		rule  db.RoutingRule
		ch    *db.Channel
		event string
		want  bool
	}{
		{"eligible", base, ch, db.EventOpen, true},
		{"event_not_listed", base, ch, db.EventClosed, false},
		{"rule_disabled", disabledRule, ch, db.EventOpen, false},
		{"channel_disabled", base, &disabledCh, db.EventOpen, false},
		{"channel_missing", base, nil, db.EventOpen, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Eligible(&tt.rule, tt.ch, tt.event); got != tt.want {
				t.Errorf("Eligible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelect_FanOutOrdering(t *testing.T) {
	tenant := uuid.New()
	chat := &db.Channel{ID: uuid.New(), TenantID: tenant, Type: channel.TypeChatWebhook, IsEnabled: true}
	pager := &db.Channel{ID: uuid.New(), TenantID: tenant, Type: channel.TypePaging, IsEnabled: true}
	off := &db.Channel{ID: uuid.New(), TenantID: tenant, Type: channel.TypeEmail, IsEnabled: false}

	open := []string{db.EventOpen}
	ruleA := &db.RoutingRule{ID: uuid.MustParse("00000000-0000-0000-0000-00000000000b"), TenantID: tenant, ChannelID: chat.ID, DeliverOn: open, Priority: 10, IsEnabled: true}
	ruleB := &db.RoutingRule{ID: uuid.MustParse("00000000-0000-0000-0000-00000000000a"), TenantID: tenant, ChannelID: pager.ID, DeliverOn: open, Priority: 10, IsEnabled: true}
	ruleC := &db.RoutingRule{ID: uuid.New(), TenantID: tenant, ChannelID: pager.ID, DeliverOn: open, Priority: 1, MinSeverity: intPtr(3), IsEnabled: true}
	ruleD := &db.RoutingRule{ID: uuid.New(), TenantID: tenant, ChannelID: off.ID, DeliverOn: open, IsEnabled: true}
	ruleE := &db.RoutingRule{ID: uuid.New(), TenantID: tenant, ChannelID: chat.ID, DeliverOn: open, MinSeverity: intPtr(9), IsEnabled: true}

	matches := Select(
		[]*db.RoutingRule{ruleA, ruleB, ruleC, ruleD, ruleE},
		[]*db.Channel{chat, pager, off},
		testAlert(tenant),
		db.EventOpen,
	)

	want := []uuid.UUID{ruleC.ID, ruleB.ID, ruleA.ID}
	if len(matches) != len(want) {
		t.Fatalf("Select() returned %d matches, want %d", len(matches), len(want))
	}
	for i, id := range want {
		if matches[i].Rule.ID != id {
			t.Errorf("match[%d] = %s, want %s", i, matches[i].Rule.ID, id)
		}
	}
	if matches[0].Channel.ID != pager.ID {
		t.Errorf("match[0] channel = %s, want pager", matches[0].Channel.ID)
	}
}

func TestSelect_IgnoresOtherTenants(t *testing.T) {
	tenant, other := uuid.New(), uuid.New()
	ch := &db.Channel{ID: uuid.New(), TenantID: other, IsEnabled: true}
	rule := &db.RoutingRule{ID: uuid.New(), TenantID: other, ChannelID: ch.ID, DeliverOn: []string{db.EventOpen}, IsEnabled: true}

	if got := Select([]*db.RoutingRule{rule}, []*db.Channel{ch}, testAlert(tenant), db.EventOpen); len(got) != 0 {
		t.Errorf("expected no matches across tenants, got %d", len(got))
	}
}
