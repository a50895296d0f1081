package broadcast

import (
	"testing"

	"github.com/gamepulsehq/relay/pkg/types"
)

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		name      string
		pattern   string
		eventType string
		want      bool
	}{
		{"exact match", "player.login", "player.login", true},
		{"exact mismatch", "player.login", "player.logout", false},
		{"namespace wildcard", "combat.*", "combat.damage", true},
		{"namespace wildcard mismatch", "combat.*", "chat.message", false},
		{"wildcard does not match bare prefix", "combat.*", "combat", false},
		{"global wildcard", "*", "server.status", true},
		{"prefix is not a substring match", "com.*", "combat.damage", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MatchPattern(tc.pattern, tc.eventType); got != tc.want {
				t.Fatalf("MatchPattern(%q, %q) = %v, want %v", tc.pattern, tc.eventType, got, tc.want)
			}
		})
	}
}

func TestCompileFiltersRejectsBadRegex(t *testing.T) {
	_, err := compileFilters([]types.FilterSpec{{PayloadRegex: "("}})
	if err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestMatchFilters(t *testing.T) {
	ev := types.Event{
		Type: types.EventCombatDamage,
		Payload: map[string]any{
			"entity_name": "Thrall",
			"x":           float64(10),
			"y":           float64(10),
			"amount":      float64(512),
		},
	}

	cases := []struct {
		name  string
		specs []types.FilterSpec
		want  bool
	}{
		{"no filters match all", nil, true},
		{"entity match", []types.FilterSpec{{EntityName: "Thrall"}}, true},
		{"entity mismatch", []types.FilterSpec{{EntityName: "Jaina"}}, false},
		{"inside radius", []types.FilterSpec{{CenterX: 13, CenterY: 14, Radius: 5}}, true},
		{"outside radius", []types.FilterSpec{{CenterX: 100, CenterY: 100, Radius: 5}}, false},
		{"payload regex match", []types.FilterSpec{{PayloadRegex: `"amount":512`}}, true},
		{"payload regex mismatch", []types.FilterSpec{{PayloadRegex: `"amount":9{4}`}}, false},
		{
			"all predicates in one set must hold",
			[]types.FilterSpec{{EntityName: "Thrall", CenterX: 100, CenterY: 100, Radius: 1}},
			false,
		},
		{
			"any set may match",
			[]types.FilterSpec{
				{EntityName: "Jaina"},
				{CenterX: 11, CenterY: 11, Radius: 3},
			},
			true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			filters, err := compileFilters(tc.specs)
			if err != nil {
				t.Fatalf("compileFilters: %v", err)
			}
			if got := matchFilters(filters, ev); got != tc.want {
				t.Fatalf("matchFilters = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRadiusFilterRequiresCoordinates(t *testing.T) {
	filters, err := compileFilters([]types.FilterSpec{{CenterX: 0, CenterY: 0, Radius: 50}})
	if err != nil {
		t.Fatalf("compileFilters: %v", err)
	}
	ev := types.Event{Type: types.EventChatMessage, Payload: map[string]any{"channel": "World"}}
	if matchFilters(filters, ev) {
		t.Fatal("event without coordinates should not match a spatial filter")
	}
}
