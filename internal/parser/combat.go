package parser

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gamepulsehq/relay/pkg/types"
)

// ParseCombatLog reads combat log lines and coalesces damage into one
// combat.damage event per attacker/target pair per poll cycle, with the
// amounts summed. Kill lines emit individual combat.kill events.
//
// Recognised shapes:
//
//	Attacker hits Target for 123
//	Attacker crits Target for 456
//	Attacker slays Target
func ParseCombatLog(sourceID, raw string, now time.Time) []types.Event {
	type pair struct{ attacker, target string }

	damage := make(map[pair]int)
	hits := make(map[pair]int)
	positions := make(map[pair]map[string]any)
	var kills []pair

	for _, line := range strings.Split(raw, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 3 {
			continue
		}
		switch fields[1] {
		case "hits", "crits":
			// Attacker hits Target for N [at X,Y]
			if len(fields) < 5 || fields[3] != "for" {
				continue
			}
			amount, err := strconv.Atoi(fields[4])
			if err != nil {
				continue
			}
			p := pair{attacker: fields[0], target: fields[2]}
			damage[p] += amount
			hits[p]++
			if len(fields) >= 7 && fields[5] == "at" {
				if x, y, ok := parseCoords(fields[6]); ok {
					positions[p] = map[string]any{"x": x, "y": y}
				}
			}
		case "slays":
			kills = append(kills, pair{attacker: fields[0], target: fields[2]})
		}
	}

	pairs := make([]pair, 0, len(damage))
	for p := range damage {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].attacker == pairs[j].attacker {
			return pairs[i].target < pairs[j].target
		}
		return pairs[i].attacker < pairs[j].attacker
	})

	events := make([]types.Event, 0, len(pairs)+len(kills))
	for _, p := range pairs {
		payload := map[string]any{
			"attacker":    p.attacker,
			"target":      p.target,
			"amount":      damage[p],
			"hits":        hits[p],
			"entity_name": p.attacker,
		}
		if pos, ok := positions[p]; ok {
			payload["x"] = pos["x"]
			payload["y"] = pos["y"]
		}
		events = append(events, types.Event{
			ID:        uuid.NewString(),
			Type:      types.EventCombatDamage,
			SourceID:  sourceID,
			Timestamp: now,
			Priority:  types.PriorityFor(types.EventCombatDamage),
			Payload:   payload,
		})
	}
	for _, p := range kills {
		events = append(events, types.Event{
			ID:        uuid.NewString(),
			Type:      types.EventCombatKill,
			SourceID:  sourceID,
			Timestamp: now,
			Priority:  types.PriorityFor(types.EventCombatKill),
			Payload: map[string]any{
				"attacker":    p.attacker,
				"target":      p.target,
				"entity_name": p.attacker,
			},
		})
	}
	return events
}

func parseCoords(token string) (x, y float64, ok bool) {
	parts := strings.Split(token, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	x, errX := strconv.ParseFloat(parts[0], 64)
	y, errY := strconv.ParseFloat(parts[1], 64)
	if errX != nil || errY != nil {
		return 0, 0, false
	}
	return x, y, true
}
