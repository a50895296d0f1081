package parser

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gamepulsehq/relay/pkg/types"
)

// ParseServerInfo reads the free-form "server info" response. It emits one
// server.status event per cycle, and a server.crash event when the output
// reports a fault marker.
func ParseServerInfo(sourceID, raw string, now time.Time) []types.Event {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	payload := map[string]any{}
	crash := ""

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		// Status fields can share a line ("Connected players: 42. Characters
		// in world: 40."), so scan for each marker independently.
		if rest, ok := after(line, "Connected players:"); ok {
			payload["players_online"] = parseLeadingInt(rest)
		}
		if rest, ok := after(line, "Characters in world:"); ok {
			payload["characters_in_world"] = parseLeadingInt(rest)
		}
		if rest, ok := after(line, "Server uptime:"); ok {
			payload["uptime"] = strings.TrimSpace(rest)
		}
		if rest, ok := after(line, "Update time diff:"); ok {
			payload["update_diff_ms"] = parseLeadingInt(rest)
		}
		if strings.HasPrefix(line, "FATAL:") || strings.Contains(line, "Segmentation fault") {
			crash = line
		}
	}

	var events []types.Event
	if _, ok := payload["players_online"]; ok {
		events = append(events, types.Event{
			ID:        uuid.NewString(),
			Type:      types.EventServerStatus,
			SourceID:  sourceID,
			Timestamp: now,
			Priority:  types.PriorityFor(types.EventServerStatus),
			Payload:   payload,
		})
	}
	if crash != "" {
		events = append(events, types.Event{
			ID:        uuid.NewString(),
			Type:      types.EventServerCrash,
			SourceID:  sourceID,
			Timestamp: now,
			Priority:  types.PriorityFor(types.EventServerCrash),
			Payload:   map[string]any{"detail": crash},
		})
	}
	return events
}

// ParseRoster extracts the online character names from an "account onlinelist"
// style response. Lines that do not look like roster rows are skipped. The
// bridge diffs consecutive rosters into login/logout events.
func ParseRoster(raw string) []string {
	var names []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "|") && strings.Contains(line, "Account") {
			continue
		}
		// Roster rows: "| Thrall  | 3 | 60 |" or bare "Thrall".
		line = strings.Trim(line, "|")
		fields := strings.Split(line, "|")
		name := strings.TrimSpace(fields[0])
		if name == "" || strings.HasPrefix(name, "-") || strings.HasPrefix(name, "=") {
			continue
		}
		if strings.ContainsAny(name, " \t") {
			continue
		}
		names = append(names, name)
	}
	return names
}

func after(line, marker string) (string, bool) {
	idx := strings.Index(line, marker)
	if idx < 0 {
		return "", false
	}
	return line[idx+len(marker):], true
}

func parseLeadingInt(s string) int {
	for _, field := range strings.Fields(s) {
		token := strings.Trim(field, ".,")
		if n, err := strconv.Atoi(token); err == nil {
			return n
		}
	}
	return 0
}
